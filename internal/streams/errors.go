package streams

import (
	"errors"
	"fmt"
)

// StreamError represents a domain-specific error
type StreamError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Is matches any StreamError with the same code, so the sentinels below work
// with errors.Is.
func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	return ok && t.Code == e.Code
}

// Error codes
const (
	ErrCodeSpawnFailure       = "SPAWN_FAILURE"
	ErrCodeSourceUnreachable  = "SOURCE_UNREACHABLE"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeTerminationTimeout = "TERMINATION_TIMEOUT"
	ErrCodeInvalidSource      = "INVALID_SOURCE"
)

// Sentinels for errors.Is.
var (
	ErrSpawnFailure       = &StreamError{Code: ErrCodeSpawnFailure}
	ErrSourceUnreachable  = &StreamError{Code: ErrCodeSourceUnreachable}
	ErrStorageUnavailable = &StreamError{Code: ErrCodeStorageUnavailable}
	ErrTerminationTimeout = &StreamError{Code: ErrCodeTerminationTimeout}
	ErrInvalidSource      = &StreamError{Code: ErrCodeInvalidSource}
)

// NewStreamError creates a new stream error
func NewStreamError(code, message string, cause error) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode returns the code of the first StreamError in err's chain, or "".
func ErrorCode(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
