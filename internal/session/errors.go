package session

import (
	"errors"
	"fmt"
)

// Terminal error codes reported by Session.Wait.
const (
	CodeBadManifest       = "bad_manifest"
	CodeFetchExhausted    = "fetch_exhausted"
	CodeNoRepresentations = "no_representations"
	CodePushRejected      = "push_rejected"
)

// Error is the terminal error of a session.
type Error struct {
	Code    string `json:"code"`
	Stream  string `json:"stream,omitempty"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Stream != "" {
		msg = fmt.Sprintf("%s (stream %s)", msg, e.Stream)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors carrying the same code, so errors.Is(err, ErrFetchExhausted) holds
// for any fetch_exhausted error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new terminal error.
func NewError(code, stream, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stream:  stream,
		Message: message,
		Cause:   cause,
	}
}

var (
	ErrBadManifest       = &Error{Code: CodeBadManifest, Message: "manifest could not be loaded"}
	ErrFetchExhausted    = &Error{Code: CodeFetchExhausted, Message: "too many consecutive download failures"}
	ErrNoRepresentations = &Error{Code: CodeNoRepresentations, Message: "no playable representation"}
	ErrPushRejected      = &Error{Code: CodePushRejected, Message: "downstream rejected a fragment"}
)

// Errors returned by the control operations. They never end a session.
var (
	ErrSeekLive       = errors.New("seeking is not supported on live presentations")
	ErrSeekOutOfRange = errors.New("seek target outside the presentation")
	ErrNotStarted     = errors.New("session not started")
	ErrStopped        = errors.New("session stopped")
	ErrAlreadyStarted = errors.New("session already started")
)
