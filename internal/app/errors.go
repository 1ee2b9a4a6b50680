package app

import (
	"fmt"
	"net/http"
)

// DomainError is an admin-surface failure carrying its HTTP mapping. Code is
// part of the wire contract; the admin front end switches on it.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// invalidInput rejects a malformed request before any store call runs.
func invalidInput(format string, args ...any) *DomainError {
	return &DomainError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf(format, args...),
	}
}

// forbidden covers passcode failures on protected space operations.
func forbidden(code, message string) *DomainError {
	return &DomainError{Status: http.StatusForbidden, Code: code, Message: message}
}

// conflict covers space lifecycle violations: finishing a finished space,
// adding rooms to one.
func conflict(code, message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: code, Message: message}
}

// unavailable marks an optional backend (search, archive) that was not wired
// at startup.
func unavailable(code, message string) *DomainError {
	return &DomainError{Status: http.StatusServiceUnavailable, Code: code, Message: message}
}
