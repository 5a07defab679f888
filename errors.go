package msgbuf

import "github.com/ehrlich-b/go-msgbuf/internal/errs"

// Error is the structured error returned by every Protocol operation
type Error = errs.Error

// ErrorCode is a high-level error category. Codes are errors themselves, so
// errors.Is(err, ErrTimeout) works on any wrapped *Error.
type ErrorCode = errs.Code

const (
	ErrResourceExhausted = errs.ResourceExhausted
	ErrNotFound          = errs.NotFound
	ErrTimeout           = errs.Timeout
	ErrIOError           = errs.IOError
	ErrInvalidParameters = errs.InvalidParameters
	ErrInvalidState      = errs.InvalidState
	ErrClosed            = errs.Closed
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return errs.New(op, code, msg)
}

// NewFlowError creates an error about one flow
func NewFlowError(op string, flowID int, code ErrorCode, msg string) *Error {
	return errs.NewFlowError(op, flowID, code, msg)
}

// WrapError wraps an existing error with operation context
func WrapError(op string, inner error) *Error {
	return errs.Wrap(op, inner)
}

// IsCode reports whether err carries code
func IsCode(err error, code ErrorCode) bool {
	return errs.IsCode(err, code)
}
