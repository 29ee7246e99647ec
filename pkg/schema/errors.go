package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeCondition      = "CONDITION_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeCycleDetected  = "CYCLE_DETECTED"
	ErrCodeStageFailed    = "STAGE_FAILED"
	ErrCodeJobFailed      = "JOB_FAILED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeInterpolation  = "INTERPOLATION_ERROR"
	ErrCodeType           = "TYPE_ERROR"
)

// errorNames maps error codes to the taxonomy name recorded under the
// "errors" key of a result context.
var errorNames = map[string]string{
	ErrCodeValidation:     "ValidationError",
	ErrCodeCondition:      "ConditionError",
	ErrCodeExecution:      "StageError",
	ErrCodeTimeout:        "TimeoutError",
	ErrCodeCancelled:      "CancelError",
	ErrCodeNotFound:       "NotFoundError",
	ErrCodeCycleDetected:  "ValidationError",
	ErrCodeStageFailed:    "StageError",
	ErrCodeJobFailed:      "JobError",
	ErrCodeRetryExhausted: "StageError",
	ErrCodeInterpolation:  "ResolveError",
	ErrCodeType:           "TypeError",
}

// ConductError is the structured error type for all engine operations.
type ConductError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StageID string         `json:"stage_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.StageID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductError.
func NewError(code, message string) *ConductError {
	return &ConductError{Code: code, Message: message}
}

// NewErrorf creates a new ConductError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductError {
	return &ConductError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage ID to the error.
func (e *ConductError) WithStage(stageID string) *ConductError {
	e.StageID = stageID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductError) WithCause(err error) *ConductError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductError) WithDetails(details map[string]any) *ConductError {
	e.Details = details
	return e
}

// ErrorName returns the taxonomy name recorded in a result context for err.
// Unknown codes and plain errors report a generic StageError.
func ErrorName(err error) string {
	var ce *ConductError
	if errors.As(err, &ce) {
		if name, ok := errorNames[ce.Code]; ok {
			return name
		}
	}
	return "StageError"
}

// ErrorContext builds the {name, message} mapping stored under the "errors"
// key of a result context. The message is the error text without the code
// prefix so contexts stay human-readable across a process boundary.
func ErrorContext(err error) map[string]any {
	msg := err.Error()
	var ce *ConductError
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	return map[string]any{
		"name":    ErrorName(err),
		"message": msg,
	}
}
