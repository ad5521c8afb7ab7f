package chat

import "strings"

type targetKind uint8

const (
	targetNone targetKind = iota
	targetDirect
	targetRoom
)

// Target addresses a message or typing episode at exactly one user or one
// room. The zero value addresses nothing and is rejected everywhere.
type Target struct {
	kind targetKind
	id   string
}

// Direct addresses a single user.
func Direct(userID string) Target {
	return Target{kind: targetDirect, id: userID}
}

// Room addresses every connection joined to a room label.
func Room(roomID string) Target {
	return Target{kind: targetRoom, id: roomID}
}

// NewTarget builds a target from the optional wire fields. Exactly one of
// receiverID and roomID must be non-empty.
func NewTarget(receiverID, roomID string) (Target, error) {
	receiverID = strings.TrimSpace(receiverID)
	roomID = strings.TrimSpace(roomID)
	switch {
	case receiverID != "" && roomID == "":
		return Direct(receiverID), nil
	case roomID != "" && receiverID == "":
		return Room(roomID), nil
	default:
		return Target{}, ErrTargetRequired
	}
}

// IsZero reports whether the target addresses nothing.
func (t Target) IsZero() bool { return t.kind == targetNone || t.id == "" }

// IsDirect reports whether the target is a single user.
func (t Target) IsDirect() bool { return t.kind == targetDirect }

// IsRoom reports whether the target is a room label.
func (t Target) IsRoom() bool { return t.kind == targetRoom }

// ID returns the user or room identifier.
func (t Target) ID() string { return t.id }

// ReceiverID returns the user ID for a direct target and "" otherwise.
func (t Target) ReceiverID() string {
	if t.kind == targetDirect {
		return t.id
	}
	return ""
}

// RoomID returns the room label for a room target and "" otherwise.
func (t Target) RoomID() string {
	if t.kind == targetRoom {
		return t.id
	}
	return ""
}

// Key is a stable map key that keeps user and room namespaces apart.
func (t Target) Key() string {
	switch t.kind {
	case targetDirect:
		return "u:" + t.id
	case targetRoom:
		return "r:" + t.id
	default:
		return ""
	}
}

func (t Target) String() string { return t.Key() }
