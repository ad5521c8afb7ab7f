package chat

import (
	"errors"
	"fmt"
)

// Connection-level failure. The handshake is refused and nothing is
// registered.
var ErrAuthentication = errors.New("authentication failed")

// Validation family. Reported to the originating connection through an
// error event; the connection stays usable.
var (
	ErrTargetRequired = errors.New("receiver or room is required")
	ErrEmptyMessage   = errors.New("message content or file is required")
	ErrInvalidKind    = errors.New("unsupported message kind")
	ErrContentTooLong = errors.New("message content is too long")
	ErrRoomRequired   = errors.New("room is required")
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event type")
)

// Lookup and authorization failures on read receipts.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ErrPersistence marks a storage failure. It is surfaced to the sender
// and never retried by the relay.
var ErrPersistence = errors.New("persistence failure")

// ErrReceiptPersistence is a storage failure while marking a message read.
// It matches ErrPersistence.
var ErrReceiptPersistence = fmt.Errorf("read receipt: %w", ErrPersistence)

var validationErrors = []error{
	ErrTargetRequired,
	ErrEmptyMessage,
	ErrInvalidKind,
	ErrContentTooLong,
	ErrRoomRequired,
	ErrMalformedEvent,
	ErrUnknownEvent,
}

// IsValidation reports whether err belongs to the validation family.
func IsValidation(err error) bool {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// ClientMessage returns the text placed in an outbound error event.
// Errors outside the taxonomy collapse to a generic message.
func ClientMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTargetRequired):
		return "Receiver or room is required"
	case errors.Is(err, ErrEmptyMessage):
		return "Message content or file is required"
	case errors.Is(err, ErrInvalidKind):
		return "Unsupported message type"
	case errors.Is(err, ErrContentTooLong):
		return "Message cannot exceed 1000 characters"
	case errors.Is(err, ErrRoomRequired):
		return "Room is required"
	case errors.Is(err, ErrMalformedEvent):
		return "Malformed event"
	case errors.Is(err, ErrUnknownEvent):
		return "Unknown event type"
	case errors.Is(err, ErrNotFound):
		return "Message not found"
	case errors.Is(err, ErrForbidden):
		return "Not authorized to mark this message as read"
	case errors.Is(err, ErrReceiptPersistence):
		return "Failed to mark message as read"
	case errors.Is(err, ErrPersistence):
		return "Failed to send message"
	case errors.Is(err, ErrAuthentication):
		return "Authentication error"
	default:
		return "Internal error"
	}
}

// ErrorLabel is a short metric label for err.
func ErrorLabel(err error) string {
	switch {
	case errors.Is(err, ErrTargetRequired):
		return "target_required"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrInvalidKind):
		return "invalid_kind"
	case errors.Is(err, ErrContentTooLong):
		return "content_too_long"
	case errors.Is(err, ErrRoomRequired):
		return "room_required"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	default:
		return "internal"
	}
}
