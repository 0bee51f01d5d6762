package app

import (
	"errors"
	"fmt"
	"net/http"

	"boilermate/api/internal/auth"
	"boilermate/api/internal/merge"
	"boilermate/api/internal/session"
)

// DomainError is a transport-level failure raised by the service itself, as
// opposed to a workflow rule enforced by the merge engine.
type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

var errUnauthenticated = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "You must be signed in.")

// mapError turns err into the status and message reported to the caller.
// internal is true when err is not a known business failure and must be
// logged instead of shown.
func mapError(err error) (status int, message string, internal bool) {
	var mergeErr *merge.Error
	if errors.As(err, &mergeErr) {
		return mergeErr.Status, mergeErr.Message, false
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Message, false
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, session.ErrNotFound) {
		return errUnauthenticated.Status, errUnauthenticated.Message, false
	}
	return http.StatusInternalServerError, "Something went wrong. Please try again later.", true
}
