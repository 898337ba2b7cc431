package dispatch

import (
	"errors"
	"fmt"
)

// Code is the stable error taxonomy exposed to callers (and mapped to HTTP
// statuses by the API layer).
type Code string

const (
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeTooManyChunks Code = "TOO_MANY_CHUNKS"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeCircuitOpen   Code = "CIRCUIT_OPEN"
	CodeUnavailable   Code = "SESSION_UNAVAILABLE"
	CodeNeedsRelink   Code = "NEEDS_RELINK"
	CodeSendFailed    Code = "SEND_FAILED"
)

// Error carries the taxonomy code plus partial-failure context: message ids
// of chunks that were already delivered before the failure.
type Error struct {
	Code Code
	Msg  string
	// SentIDs holds ids of chunks delivered before the failure, so
	// partial-failure semantics are visible to the caller, not hidden.
	SentIDs []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func wrapErr(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the taxonomy code, defaulting to SEND_FAILED.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeSendFailed
}
