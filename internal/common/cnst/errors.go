package cnst

import "errors"

var (
	// ErrRoomNotFound is returned when a room uid resolves to nothing
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidMessengerType is returned for an unknown messenger backend
	ErrInvalidMessengerType = errors.New("invalid messenger type")
	// ErrInvalidNotifierType is returned for an unknown event stream backend
	ErrInvalidNotifierType = errors.New("invalid notifier type")
)

// Collab error codes surfaced to clients in error broadcasts
const (
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInvalidPayload     = "INVALID_PAYLOAD"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternal           = "INTERNAL_SERVER_ERROR"
)
