package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeEvaluation     = "EVALUATION_ERROR"
	ErrCodeMissingMapping = "MISSING_MAPPING"
	ErrCodeUnknownAction  = "UNKNOWN_ACTION"
	ErrCodeWebhookFailed  = "WEBHOOK_FAILED"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeScheduler      = "SCHEDULER_ERROR"
)

// FlowError is the structured error type for all stateflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	State   string         `json:"state,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.State, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches the state in which the error occurred.
func (e *FlowError) WithState(state string) *FlowError {
	e.State = state
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf returns the FlowError code of err, or "" when err is not a FlowError.
func CodeOf(err error) string {
	for err != nil {
		if fe, ok := err.(*FlowError); ok {
			return fe.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
