// Package apperror defines the error taxonomy shared by the services and
// the HTTP layer. Every error that reaches a handler is rendered through
// From, so anything that is not already an *Error becomes a 500.
package apperror

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	default:
		return "internal"
	}
}

type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Errors     []string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(message string, details ...string) *Error {
	return &Error{Kind: KindValidation, StatusCode: http.StatusBadRequest, Message: message, Errors: details}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindAuthentication, StatusCode: http.StatusUnauthorized, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindAuthentication, StatusCode: http.StatusNotFound, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindAuthentication, StatusCode: http.StatusConflict, Message: message}
}

// Internal wraps cause for logging. The cause is never rendered to clients.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, StatusCode: http.StatusInternalServerError, Message: message, Err: cause}
}

// From returns the *Error in err's chain, or a generic internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("something went wrong", err)
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
