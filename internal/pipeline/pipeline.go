// Package pipeline orchestrates single compile and validate runs. The
// Runner never terminates the process: every run returns a status-tagged
// Outcome, and the caller decides what a failure means in its context
// (exit code outside watch mode, a reported failure inside it).
package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/console"
	"github.com/alexanderparker/its-compiler-go/internal/engine"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
	"github.com/alexanderparker/its-compiler-go/internal/logging"
	"github.com/alexanderparker/its-compiler-go/internal/validation"
)

// Runner executes compile and validate requests against a configured
// engine. All user-facing output goes through Sink; nothing writes to
// global streams.
type Runner struct {
	Engine engine.Engine
	Policy config.SecurityPolicy
	Sink   *console.Console
	Logger logging.Logger

	// Guard decides whether an output path may be written. Nil uses
	// validation.IsSafeOutputPath.
	Guard func(string) bool
}

func (r *Runner) guardFunc() func(string) bool {
	if r.Guard != nil {
		return r.Guard
	}
	return validation.IsSafeOutputPath
}

func (r *Runner) log() logging.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.NewNopLogger()
}

// Run executes one compile or validate pass and reports its findings
// through the sink.
func (r *Runner) Run(ctx context.Context, req CompileRequest) Outcome {
	r.log().Debug(ctx, "pipeline run",
		"template", req.TemplatePath,
		"validate_only", req.ValidateOnly,
		"no_cache", req.NoCache)

	variables := map[string]interface{}{}
	if req.VariablesPath != "" {
		loaded, err := loadVariables(req.VariablesPath)
		if err != nil {
			r.Sink.Errorf("Failed to load variables: %s", renderError(err))
			return Outcome{Status: StatusVariablesFailed, Err: err}
		}
		variables = loaded
		if req.Verbose {
			r.Sink.Infof("Loaded %d variables from %s", len(variables), req.VariablesPath)
		}
	}

	if req.Verbose {
		r.printSecurityConfiguration()
	}

	if req.ValidateOnly {
		return r.runValidate(ctx, req)
	}
	return r.runCompile(ctx, req, variables)
}

func (r *Runner) runValidate(ctx context.Context, req CompileRequest) Outcome {
	start := time.Now()

	result, err := r.Engine.Validate(ctx, req.TemplatePath)
	if err != nil {
		return r.reportFailure(err, req.Verbose)
	}

	if result.Valid {
		r.Sink.Successf("Template is valid")
		if req.Verbose {
			for _, warning := range result.Warnings {
				r.Sink.Warningf("%s", warning)
			}
			for _, issue := range result.SecurityIssues {
				r.Sink.Warningf("Security: %s", issue)
			}
		}
		return Outcome{Status: StatusSuccess, Warnings: result.Warnings, Elapsed: time.Since(start)}
	}

	// Failures are always surfaced in full, verbosity does not hide them.
	r.Sink.Errorf("Template validation failed")
	for _, failure := range result.Errors {
		r.Sink.Stylef(r.Sink.Styles.Error, "Error: %s", failure)
	}
	for _, issue := range result.SecurityIssues {
		r.Sink.Stylef(r.Sink.Styles.Error, "Security: %s", issue)
	}
	return Outcome{Status: StatusValidationFailed, Elapsed: time.Since(start)}
}

func (r *Runner) runCompile(ctx context.Context, req CompileRequest, variables map[string]interface{}) Outcome {
	start := time.Now()

	result, err := r.Engine.Compile(ctx, req.TemplatePath, variables)
	if err != nil {
		return r.reportFailure(err, req.Verbose)
	}
	elapsed := time.Since(start)

	r.Sink.Successf("Template compiled successfully (%.2fs)", elapsed.Seconds())

	if req.Verbose {
		if len(result.Overrides) > 0 {
			r.Sink.Stylef(r.Sink.Styles.Warning, "Type Overrides:")
			for _, override := range result.Overrides {
				r.Sink.Printf("  %s: %s -> %s",
					override.TypeName, override.OverrideSource, override.OverriddenSource)
			}
		}
		if len(result.Warnings) > 0 {
			r.Sink.Stylef(r.Sink.Styles.Warning, "Warnings:")
			for _, warning := range result.Warnings {
				r.Sink.Printf("  %s", warning)
			}
		}
	}

	if req.OutputPath != "" {
		if err := r.writeOutput(req.OutputPath, result.Prompt); err != nil {
			return Outcome{Status: StatusOutputRejected, Err: err}
		}
	} else {
		r.Sink.PromptBlock(result.Prompt)
	}

	r.writeSecurityReport(ctx, req)

	r.log().Debug(ctx, "pipeline run finished",
		"status", StatusSuccess.String(),
		"elapsed", elapsed.String())

	return Outcome{
		Status:    StatusSuccess,
		Prompt:    result.Prompt,
		Warnings:  result.Warnings,
		Overrides: result.Overrides,
		Elapsed:   elapsed,
	}
}

// writeOutput guards and writes the compiled prompt. Reported failures
// come back as output-typed errors.
func (r *Runner) writeOutput(path, prompt string) error {
	if !r.guardFunc()(path) {
		r.Sink.Errorf("Unsafe output path: %s", path)
		return errors.ErrUnsafeOutputPath(path)
	}

	if err := writeFileAtomic(path, []byte(prompt)); err != nil {
		if stderrors.Is(err, os.ErrPermission) {
			r.Sink.Errorf("Permission denied writing to: %s", path)
		} else {
			r.Sink.Errorf("Failed to write output: %v", err)
		}
		return errors.NewOutputError(errors.ErrCodeWriteFailed,
			fmt.Sprintf("cannot write output file: %s", path), err)
	}

	r.Sink.Infof("Output written to: %s", path)
	return nil
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place, so a failed write never leaves a truncated
// output file behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".its-output-*")
	if err != nil {
		return err
	}

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp.Name())
		return werr
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// writeSecurityReport is best-effort: every failure degrades to a warning
// and never changes the run's outcome.
func (r *Runner) writeSecurityReport(ctx context.Context, req CompileRequest) {
	if req.SecurityReportPath == "" {
		return
	}

	if !r.guardFunc()(req.SecurityReportPath) {
		r.Sink.Warningf("Failed to generate security report: unsafe report path: %s", req.SecurityReportPath)
		return
	}

	report, err := r.Engine.GenerateSecurityReport(ctx, req.TemplatePath)
	if err != nil {
		r.Sink.Warningf("Failed to generate security report: %s", renderError(err))
		return
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		r.Sink.Warningf("Failed to generate security report: %v", err)
		return
	}

	if err := os.WriteFile(req.SecurityReportPath, append(data, '\n'), 0o644); err != nil {
		r.Sink.Warningf("Failed to generate security report: %v", err)
		return
	}

	r.Sink.Infof("Security report written to: %s", req.SecurityReportPath)
}

func (r *Runner) printSecurityConfiguration() {
	r.Sink.Stylef(r.Sink.Styles.Info, "Security Configuration:")
	r.Sink.Printf("  HTTP allowed: %t", r.Policy.Network.AllowHTTP)
	r.Sink.Printf("  Interactive allowlist: %t", r.Policy.Allowlist.InteractiveMode)
	r.Sink.Printf("  Block localhost: %t", r.Policy.Network.BlockLocalhost)

	status := r.Engine.SecurityStatus()
	enabled := make([]string, 0, len(status.Features))
	for name, on := range status.Features {
		if on {
			enabled = append(enabled, name)
		}
	}
	if len(enabled) > 0 {
		sort.Strings(enabled)
		r.Sink.Stylef(r.Sink.Styles.Info, "Security Features: %s", strings.Join(enabled, ", "))
	}
}

// reportFailure renders a failed run according to the error taxonomy:
// security first, then structural validation, then compilation, then any
// other classified error, then everything unclassified.
func (r *Runner) reportFailure(err error, verbose bool) Outcome {
	var ie *errors.ITSError
	if !stderrors.As(err, &ie) {
		r.Sink.Errorf("Unexpected error: %v", err)
		return Outcome{Status: StatusUnexpectedError, Err: err}
	}

	switch ie.Type {
	case errors.ErrorTypeSecurity:
		r.Sink.Errorf("Security Error: %s", ie.Message)
		if verbose && ie.ThreatType != "" {
			r.Sink.Dimf("Threat Type: %s", ie.ThreatType)
		}

	case errors.ErrorTypeValidation:
		r.Sink.Errorf("Validation Error: %s", ie.Message)
		if ie.Path != "" {
			r.Sink.Dimf("Path: %s", ie.Path)
		}
		for _, failure := range ie.ValidationErrors {
			r.Sink.Stylef(r.Sink.Styles.Error, "  • %s", failure)
		}
		for _, issue := range ie.SecurityIssues {
			r.Sink.Stylef(r.Sink.Styles.Error, "  • Security: %s", issue)
		}

	case errors.ErrorTypeCompilation:
		r.Sink.Errorf("Compilation Error: %s", renderError(ie))

	default:
		r.Sink.Errorf("ITS Error: %s", renderError(ie))
		if verbose && len(ie.Details) > 0 {
			r.Sink.Dimf("Details: %s", formatDetails(ie.Details))
		}
	}

	return Outcome{Status: statusFor(ie.Type), Err: ie}
}

func statusFor(t errors.ErrorType) Status {
	switch t {
	case errors.ErrorTypeSecurity:
		return StatusSecurityRejected
	case errors.ErrorTypeValidation:
		return StatusValidationFailed
	case errors.ErrorTypeCompilation:
		return StatusCompilationFailed
	case errors.ErrorTypeVariables:
		return StatusVariablesFailed
	case errors.ErrorTypeOutput:
		return StatusOutputRejected
	default:
		return StatusUnexpectedError
	}
}

// renderError formats an error for a status line, without the structured
// code prefix Error() carries.
func renderError(err error) string {
	var ie *errors.ITSError
	if !stderrors.As(err, &ie) {
		return err.Error()
	}
	if ie.Cause != nil {
		return fmt.Sprintf("%s: %v", ie.Message, ie.Cause)
	}
	return ie.Message
}

func formatDetails(details map[string]interface{}) string {
	keys := make([]string, 0, len(details))
	for key := range details {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, details[key]))
	}
	return strings.Join(parts, " ")
}
