package gerror

import (
	"fmt"
)

type Code string

// Error is a coded error. The code identifies the class of failure so
// callers can branch on it without string matching, while the message is
// suitable for logs and operator output.
type Error struct {
	innerErr  error
	errorText string
	message   string
	code      Code
}

func NewError(message string, code Code, inner error) Error {
	return Error{
		message:   message,
		errorText: makeErrorText(message, inner),
		innerErr:  inner,
		code:      code,
	}
}

func (e Error) Error() string {
	if e.errorText != "" {
		return e.errorText
	}
	return e.message
}

func (e Error) Unwrap() error {
	return e.innerErr
}

func (e Error) Message() string {
	return e.message
}

func (e Error) Code() Code {
	return e.code
}

// Wrap returns a copy of the error with the inner error set to err.
func (e Error) Wrap(innerErr error) Error {
	return Error{
		innerErr:  innerErr,
		errorText: makeErrorText(e.message, innerErr),
		message:   e.message,
		code:      e.code,
	}
}

func makeErrorText(message string, inner error) string {
	if inner != nil {
		return fmt.Sprintf("%s: %v", message, inner)
	}
	return message
}
