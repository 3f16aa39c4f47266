package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodePrecondition         = "PRECONDITION_ERROR"
	ErrCodeCapability           = "CAPABILITY_ERROR"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeMaxRevisionsExceeded = "MAX_REVISIONS_EXCEEDED"
	ErrCodeTimeout              = "TIMEOUT_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeExecution            = "EXECUTION_ERROR"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
)

// PipelineError is the structured error type for all PostForge operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage name to the error.
func (e *PipelineError) WithStage(stage StageName) *PipelineError {
	e.Stage = string(stage)
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a transient
// capability-level failure. Sequencing and validation errors are never
// retried.
func (e *PipelineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeCapability, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
