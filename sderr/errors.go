// Package sderr defines the error taxonomy shared by the sdspi and fat
// packages: a set of string-constant sentinel errors that callers can
// compare against with errors.Is, plus a builder for attaching context
// without losing the sentinel.
package sderr

import "fmt"

// SDError is a sentinel error type. Every named constant below is directly
// comparable and satisfies the error interface on its own.
type SDError string

func (e SDError) Error() string {
	return string(e)
}

// WithMessage attaches additional context to the sentinel, returning a
// DriverError that still unwraps to e.
func (e SDError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", string(e), message),
		originalError: e,
	}
}

// WrapError attaches a lower-level error to the sentinel, returning a
// DriverError that unwraps to err.
func (e SDError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", string(e), err.Error()),
		originalError: err,
	}
}

// Block device (sdspi) failures.
const (
	ErrCmd0Timeout      = SDError("CMD0 (GO_IDLE_STATE) timed out")
	ErrCmd8Rejected     = SDError("CMD8 (SEND_IF_COND) rejected or pattern mismatch")
	ErrBadCSD           = SDError("CSD/OCR response malformed")
	ErrReadTimeout      = SDError("block read timed out waiting for data token")
	ErrWriteTimeout     = SDError("block write timed out waiting for data response")
	ErrWriteProgramming = SDError("card rejected write during programming")
	ErrWriteBlockZero   = SDError("refusing to write to block zero")
)

// Volume/file layer failures.
const (
	ErrMountFailed         = SDError("volume mount failed")
	ErrFileSystemCorrupted = SDError("file system structure is corrupted")
	ErrAlreadyOpen         = SDError("file is already open")
	ErrNotOpen             = SDError("file is not open")
	ErrWrongMode           = SDError("operation not permitted in current open mode")
	ErrIllegalName         = SDError("illegal 8.3 file name")
	ErrSeekPastEOF         = SDError("seek position past end of file")
	ErrFATExhausted        = SDError("no free clusters available")
)

// General-purpose failures, shared across layers.
const (
	ErrInvalidArgument    = SDError("invalid argument")
	ErrArgumentOutOfRange = SDError("argument out of range")
	ErrNotSupported       = SDError("operation not supported")
	ErrIOFailed           = SDError("input/output error")
	ErrUnexpectedEOF      = SDError("unexpected end of file or stream")
)

// DriverError is an error that has been annotated with extra context but
// still unwraps to the sentinel (or lower-level error) it was built from.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	WrapError(err error) DriverError
	Unwrap() error
}

type customDriverError struct {
	message       string
	originalError error
}

func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}
