// Package txnerr defines coded errors exchanged between routers and shards
// and the error categories transaction logic branches on.
package txnerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error is an error carrying a wire code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New returns an error with the given code.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf returns an error with the given code and a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrapf adds context to err while keeping its code reachable through CodeOf.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// CodeOf extracts the code of err. nil maps to OK and errors without a code
// map to InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return InternalError
}

// Reason returns the message of a coded error, or err.Error() otherwise.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
