package session

import "fmt"

// Error codes surfaced on the realtime channel. Validation and not-found
// failures go only to the originating connection and are never broadcast.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "LOCK_DENIED"
	CodePersistence  = "PERSISTENCE_ERROR"
	CodeUnauthorized = "UNAUTHENTICATED"
)

// OpError is a failure of one intent, addressed to its origin only. Err holds
// the underlying cause for logging; the wire only carries Code and Message.
type OpError struct {
	Code    string
	Message string
	Err     error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OpError) Unwrap() error { return e.Err }

func validationError(format string, args ...any) *OpError {
	return &OpError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) *OpError {
	return &OpError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func persistenceError(err error) *OpError {
	return &OpError{Code: CodePersistence, Message: "operation failed, nothing was changed", Err: err}
}

func unauthenticatedError() *OpError {
	return &OpError{Code: CodeUnauthorized, Message: "login required"}
}
