package gerror

import (
	"errors"
)

const (
	ErrCodeInternal               Code = "Internal"
	ErrCodeNotFound               Code = "NotFound"
	ErrCodeAlreadyExists          Code = "AlreadyExists"
	ErrCodeDBError                Code = "DBError"
	ErrCodeImpossibleCancellation Code = "ImpossibleCancellation"
	ErrCodeClient                 Code = "Client"
	ErrCodeTimeout                Code = "Timeout"
	ErrCodeLockFailed             Code = "LockFailed"
)

// ToError locates an Error in the provided error chain and returns it if it
// matches the provided code. Otherwise, returns nil.
func ToError(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var gErr Error
	if errors.As(err, &gErr) && gErr.Code() == code {
		return &gErr
	}
	return nil
}

func NewErrInternal(message string) Error {
	return NewError(message, ErrCodeInternal, nil)
}

func IsInternal(err error) bool {
	return ToError(err, ErrCodeInternal) != nil
}

func NewErrNotFound(message string) Error {
	return NewError(message, ErrCodeNotFound, nil)
}

func ToNotFound(err error) *Error {
	return ToError(err, ErrCodeNotFound)
}

func IsNotFound(err error) bool {
	return ToNotFound(err) != nil
}

func NewErrAlreadyExists(message string) Error {
	return NewError(message, ErrCodeAlreadyExists, nil)
}

func IsAlreadyExists(err error) bool {
	return ToError(err, ErrCodeAlreadyExists) != nil
}

// NewErrDBError is returned when a partial update of an embedded build or
// step matched no row, typically because the owning buildset was removed.
func NewErrDBError(message string) Error {
	return NewError(message, ErrCodeDBError, nil)
}

func IsDBError(err error) bool {
	return ToError(err, ErrCodeDBError) != nil
}

// NewErrImpossibleCancellation is returned when a build can no longer be
// cancelled because it already reached a terminal status.
func NewErrImpossibleCancellation(message string) Error {
	return NewError(message, ErrCodeImpossibleCancellation, nil)
}

func IsImpossibleCancellation(err error) bool {
	return ToError(err, ErrCodeImpossibleCancellation) != nil
}

// NewErrClient is returned for wire protocol failures when talking to the
// slave, poller or secrets daemons.
func NewErrClient(message string) Error {
	return NewError(message, ErrCodeClient, nil)
}

func ToClient(err error) *Error {
	return ToError(err, ErrCodeClient)
}

func IsClient(err error) bool {
	return ToClient(err) != nil
}

func NewErrTimeout(message string) Error {
	return NewError(message, ErrCodeTimeout, nil)
}

func IsTimeout(err error) bool {
	return ToError(err, ErrCodeTimeout) != nil
}

func NewErrLockFailed(message string) Error {
	return NewError(message, ErrCodeLockFailed, nil)
}

func IsLockFailed(err error) bool {
	return ToError(err, ErrCodeLockFailed) != nil
}
