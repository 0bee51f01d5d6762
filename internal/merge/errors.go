package merge

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies workflow failures.
type Kind int

const (
	KindUnauthenticated Kind = iota + 1
	KindForbidden
	KindConflict
	KindNotFound
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a business-rule failure surfaced to the caller as-is. Status is
// the HTTP-like code reported in the response body.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

func unauthenticated(message string) *Error {
	return newError(KindUnauthenticated, http.StatusUnauthorized, message)
}

func forbidden(message string) *Error {
	return newError(KindForbidden, http.StatusForbidden, message)
}

func conflict(message string) *Error {
	return newError(KindConflict, http.StatusConflict, message)
}

func notFound(message string) *Error {
	return newError(KindNotFound, http.StatusNotFound, message)
}

// IsKind reports whether err is a workflow error of the given kind.
func IsKind(err error, kind Kind) bool {
	var mergeErr *Error
	return errors.As(err, &mergeErr) && mergeErr.Kind == kind
}
