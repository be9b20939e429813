// Package apperr defines the typed error taxonomy used across service
// layers. Handlers at the HTTP boundary map a Code to a status code;
// everything below the boundary returns *Error instead of formatting
// messages for a particular transport.
package apperr

import "fmt"

type Code string

const (
	Validation    Code = "validation"
	Unauthorized  Code = "unauthorized"
	Forbidden     Code = "forbidden"
	NotFound      Code = "not_found"
	Conflict      Code = "conflict"
	ScopeMismatch Code = "scope_mismatch"
	RateLimited   Code = "rate_limited"
	Internal      Code = "internal"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...interface{}) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func ScopeMismatchf(format string, args ...interface{}) *Error {
	return New(ScopeMismatch, fmt.Sprintf(format, args...))
}

// CodeOf extracts the Code of err if it is (or wraps) an *Error,
// defaulting to Internal otherwise.
func CodeOf(err error) Code {
	var appErr *Error
	if As(err, &appErr) {
		return appErr.Code
	}
	return Internal
}

// As is a thin wrapper kept local so callers don't need to import
// errors in addition to apperr for the common case.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
