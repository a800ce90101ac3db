package collab

import (
	"github.com/synclab/collabd/internal/common/cnst"
)

// Error is a structured protocol error surfaced to the originating client
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewForbidden reports an authorization failure. Never retried automatically.
func NewForbidden(message string) *Error {
	return &Error{Code: cnst.ErrCodeForbidden, Message: message}
}

// NewInvalidPayload reports a malformed message; the connection stays open
func NewInvalidPayload(message string) *Error {
	return &Error{Code: cnst.ErrCodeInvalidPayload, Message: message}
}

// NewServiceUnavailable reports that collaborative editing is disabled. The
// connection is terminated after delivery.
func NewServiceUnavailable(message string) *Error {
	return &Error{Code: cnst.ErrCodeServiceUnavailable, Message: message}
}

// NewInternal wraps an evaluator or storage failure as a generic error. The
// underlying cause goes to the log, not to the client.
func NewInternal() *Error {
	return &Error{Code: cnst.ErrCodeInternal, Message: "an unexpected error occurred"}
}
