// Package store defines the persistence collaborator used by the relay
// and an in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// MessageStore persists messages and their read state.
type MessageStore interface {
	// SaveMessage assigns an ID to msg and persists it.
	SaveMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error)
	// FindMessage returns chat.ErrNotFound when no message has the ID.
	FindMessage(ctx context.Context, id string) (*chat.Message, error)
	// MarkMessageRead sets isRead and readAt on an unread message. changed
	// is false when the message was already read, in which case the stored
	// message is returned as is.
	MarkMessageRead(ctx context.Context, id string, readAt time.Time) (msg *chat.Message, changed bool, err error)
	// History returns the conversation for a target, oldest first.
	History(ctx context.Context, self string, target chat.Target, limit int) ([]*chat.Message, error)
}

// UserStore resolves identities and records presence.
type UserStore interface {
	FindUser(ctx context.Context, id string) (chat.UserIdentity, error)
	SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	MessageStore
	UserStore
	Close(ctx context.Context) error
}

// DefaultHistoryLimit caps History when the caller passes a non-positive limit.
const DefaultHistoryLimit = 50

// Presence is the last recorded online state of a user.
type Presence struct {
	Online   bool
	LastSeen time.Time
}
