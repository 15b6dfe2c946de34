// Package apperr classifies the errors the sandbox engine produces so that
// transports (HTTP handlers, the CLI, the MCP tool server) can react to the
// kind of failure without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	Internal         Kind = "internal"
	Validation       Kind = "validation"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	ExecutionFailure Kind = "execution_failure"
	ExecutionTimeout Kind = "execution_timeout"
	Infrastructure   Kind = "infrastructure"
	CallbackDelivery Kind = "callback_delivery"
)

// HTTPStatus maps a kind to the status code handlers respond with.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case ExecutionTimeout:
		return http.StatusGatewayTimeout
	case Infrastructure, CallbackDelivery:
		return http.StatusBadGateway
	case ExecutionFailure, Internal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Error is a classified error. Details holds one line per individual
// problem when a single operation reports several (e.g. every unmet file
// requirement).
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(e.Details) > 0 {
		return msg + ": " + strings.Join(e.Details, "; ")
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg + ": " + err.Error(), Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// WithDetails appends detail lines and returns the receiver.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// DetailsOf returns the detail lines of the first *Error in err's chain.
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
