// Package errors provides the structured error taxonomy for the ITS
// compiler CLI. Every failure surfaced to the user is classified into one
// of the types below; the classification drives the rendered message, the
// exit code, and the watch-mode continuation decision.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeUsage       ErrorType = "usage"
	ErrorTypeInput       ErrorType = "input"
	ErrorTypeVariables   ErrorType = "variables"
	ErrorTypeSecurity    ErrorType = "security"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeCompilation ErrorType = "compilation"
	ErrorTypeOutput      ErrorType = "output"
	ErrorTypeAllowlist   ErrorType = "allowlist"
	ErrorTypeInternal    ErrorType = "internal"
)

// ITSError is a structured error type with context.
//
// Recoverable marks errors a watch session survives: the run is reported
// as failed and the session keeps watching. Non-recoverable errors occur
// before a watch session can exist (usage, input resolution, allowlist
// dispatch) and always terminate the invocation.
type ITSError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Details     map[string]interface{}
	Path        string
	Recoverable bool

	// ThreatType classifies security rejections (e.g. "untrusted_schema").
	ThreatType string

	// ValidationErrors and SecurityIssues carry the full finding lists of
	// a structural validation failure. They are always surfaced to the
	// user, regardless of verbosity.
	ValidationErrors []string
	SecurityIssues   []string
}

// Error implements the error interface.
func (e *ITSError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *ITSError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *ITSError) Is(target error) bool {
	var t *ITSError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithDetail adds a detail entry to the error.
func (e *ITSError) WithDetail(key string, value interface{}) *ITSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value

	return e
}

// WithPath adds the template path the error refers to.
func (e *ITSError) WithPath(path string) *ITSError {
	e.Path = path

	return e
}

// Error creation functions

// NewUsageError creates an error for conflicting or missing CLI arguments.
func NewUsageError(code, message string) *ITSError {
	return &ITSError{
		Type:        ErrorTypeUsage,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewInputError creates an input resolution error.
func NewInputError(code, message string, cause error) *ITSError {
	return &ITSError{
		Type:        ErrorTypeInput,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewVariablesError creates a variables file error.
func NewVariablesError(code, message string, cause error) *ITSError {
	return &ITSError{
		Type:        ErrorTypeVariables,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewSecurityError creates a security policy rejection.
func NewSecurityError(code, message, threatType string) *ITSError {
	return &ITSError{
		Type:        ErrorTypeSecurity,
		Code:        code,
		Message:     message,
		ThreatType:  threatType,
		Recoverable: true,
	}
}

// NewValidationError creates a structural validation failure carrying the
// complete finding lists.
func NewValidationError(code, message string, validationErrors, securityIssues []string) *ITSError {
	return &ITSError{
		Type:             ErrorTypeValidation,
		Code:             code,
		Message:          message,
		ValidationErrors: validationErrors,
		SecurityIssues:   securityIssues,
		Recoverable:      true,
	}
}

// NewCompilationError creates a compilation failure.
func NewCompilationError(code, message string, cause error) *ITSError {
	return &ITSError{
		Type:        ErrorTypeCompilation,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewOutputError creates an output write error.
func NewOutputError(code, message string, cause error) *ITSError {
	return &ITSError{
		Type:        ErrorTypeOutput,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewAllowlistError creates an allowlist store operation error.
func NewAllowlistError(code, message string, cause error) *ITSError {
	return &ITSError{
		Type:        ErrorTypeAllowlist,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewInternalError creates an unclassified internal error.
func NewInternalError(code, message string, cause error) *ITSError {
	return &ITSError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// Wrap wraps an error with classification, creating an ITSError if the
// input is not already one. An existing ITSError keeps its original type,
// code and context.
func Wrap(err error, errType ErrorType, code, message string) *ITSError {
	if err == nil {
		return nil
	}

	var ie *ITSError
	if errors.As(err, &ie) {
		return ie
	}

	return &ITSError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType != ErrorTypeUsage && errType != ErrorTypeInput && errType != ErrorTypeAllowlist,
	}
}

// Error recovery and handling utilities

// IsRecoverable checks if an error is recoverable inside a watch session.
func IsRecoverable(err error) bool {
	var ie *ITSError
	if errors.As(err, &ie) {
		return ie.Recoverable
	}

	return false
}

// IsSecurityError checks if an error is a security policy rejection.
func IsSecurityError(err error) bool {
	var ie *ITSError
	if errors.As(err, &ie) {
		return ie.Type == ErrorTypeSecurity
	}

	return false
}

// IsValidationError checks if an error is a structural validation failure.
func IsValidationError(err error) bool {
	var ie *ITSError
	if errors.As(err, &ie) {
		return ie.Type == ErrorTypeValidation
	}

	return false
}

// IsUsageError checks if an error is a CLI usage error.
func IsUsageError(err error) bool {
	var ie *ITSError
	if errors.As(err, &ie) {
		return ie.Type == ErrorTypeUsage
	}

	return false
}

// TypeOf returns the classification of err, or ErrorTypeInternal for
// errors that carry none.
func TypeOf(err error) ErrorType {
	var ie *ITSError
	if errors.As(err, &ie) {
		return ie.Type
	}

	return ErrorTypeInternal
}

// Common error codes.
const (
	ErrCodeConflictingFlags  = "ERR_CONFLICTING_FLAGS"
	ErrCodeMissingTemplate   = "ERR_MISSING_TEMPLATE"
	ErrCodeWatchRemote       = "ERR_WATCH_REMOTE"
	ErrCodeTemplateNotFound  = "ERR_TEMPLATE_NOT_FOUND"
	ErrCodeSchemeBlocked     = "ERR_SCHEME_BLOCKED"
	ErrCodeHTTPBlocked       = "ERR_HTTP_BLOCKED"
	ErrCodeDownloadFailed    = "ERR_DOWNLOAD_FAILED"
	ErrCodeInvalidJSON       = "ERR_INVALID_JSON"
	ErrCodeVariablesNotFound = "ERR_VARIABLES_NOT_FOUND"
	ErrCodeVariablesInvalid  = "ERR_VARIABLES_INVALID"
	ErrCodeVariablesTooLarge = "ERR_VARIABLES_TOO_LARGE"
	ErrCodeSecurityViolation = "ERR_SECURITY_VIOLATION"
	ErrCodeUntrustedSchema   = "ERR_UNTRUSTED_SCHEMA"
	ErrCodeValidationFailed  = "ERR_VALIDATION_FAILED"
	ErrCodeCompilationFailed = "ERR_COMPILATION_FAILED"
	ErrCodeSchemaFetch       = "ERR_SCHEMA_FETCH"
	ErrCodeUnknownType       = "ERR_UNKNOWN_TYPE"
	ErrCodeUndefinedVariable = "ERR_UNDEFINED_VARIABLE"
	ErrCodeConditionFailed   = "ERR_CONDITION_FAILED"
	ErrCodeUnsafeOutputPath  = "ERR_UNSAFE_OUTPUT_PATH"
	ErrCodeWriteFailed       = "ERR_WRITE_FAILED"
	ErrCodeAllowlistOp       = "ERR_ALLOWLIST_OP"
	ErrCodeInternal          = "ERR_INTERNAL"
)

// Helper functions for common errors

// ErrTemplateNotFound creates a missing template file error.
func ErrTemplateNotFound(path string) *ITSError {
	return NewInputError(ErrCodeTemplateNotFound, "template file not found", nil).WithPath(path)
}

// ErrSchemeBlocked creates an error for a URL scheme outside the policy.
func ErrSchemeBlocked(scheme string) *ITSError {
	return NewInputError(ErrCodeSchemeBlocked, "unsupported URL scheme: "+scheme, nil)
}

// ErrUnsafeOutputPath creates an error for a rejected output destination.
func ErrUnsafeOutputPath(path string) *ITSError {
	return NewOutputError(ErrCodeUnsafeOutputPath, "unsafe output path: "+path, nil)
}

// ErrUntrustedSchema creates a rejection for a schema URL the allowlist
// does not trust.
func ErrUntrustedSchema(url string) *ITSError {
	return NewSecurityError(ErrCodeUntrustedSchema, "untrusted schema source: "+url, "untrusted_schema")
}
