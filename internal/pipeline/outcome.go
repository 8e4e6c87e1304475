package pipeline

import (
	"time"

	"github.com/alexanderparker/its-compiler-go/internal/engine"
)

// Status tags the result of one orchestrator run.
type Status int

const (
	StatusSuccess Status = iota
	StatusVariablesFailed
	StatusValidationFailed
	StatusSecurityRejected
	StatusCompilationFailed
	StatusOutputRejected
	StatusUnexpectedError
)

// String returns the status name used in log fields.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusVariablesFailed:
		return "variables_failed"
	case StatusValidationFailed:
		return "validation_failed"
	case StatusSecurityRejected:
		return "security_rejected"
	case StatusCompilationFailed:
		return "compilation_failed"
	case StatusOutputRejected:
		return "output_rejected"
	case StatusUnexpectedError:
		return "unexpected_error"
	default:
		return "unknown"
	}
}

// CompileRequest carries the parameters of one compile or validate run.
// Watch mode constructs a fresh request per change event; requests are
// never mutated after construction.
type CompileRequest struct {
	TemplatePath       string
	OutputPath         string
	VariablesPath      string
	ValidateOnly       bool
	Verbose            bool
	NoCache            bool
	SecurityReportPath string
}

// Outcome is the status-tagged result of one run. Err carries the
// classified error when one exists; a validation failure reported
// through the result lists leaves it nil.
type Outcome struct {
	Status    Status
	Prompt    string
	Warnings  []string
	Overrides []engine.TypeOverride
	Elapsed   time.Duration
	Err       error
}

// Failed reports whether the run ended in anything but success.
func (o Outcome) Failed() bool {
	return o.Status != StatusSuccess
}
