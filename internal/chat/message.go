// Package chat defines the domain model shared by the relay and its
// consumers: identities, messages, delivery targets, the event contract
// exchanged over a connection, and the error taxonomy.
package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// MaxContentLength is the longest text body a message may carry.
const MaxContentLength = 1000

// UserIdentity is resolved once per connection from a verified credential
// and stays immutable for the lifetime of that connection.
type UserIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Kind classifies a message body.
type Kind string

// Supported message kinds.
const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// ParseKind normalizes a kind received on the wire. An empty kind defaults
// to text.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindText:
		return KindText, nil
	case KindImage:
		return KindImage, nil
	case KindFile:
		return KindFile, nil
	default:
		return "", ErrInvalidKind
	}
}

// Message is a relayed chat message. The Relay creates it and only the
// read-receipt path mutates IsRead and ReadAt afterwards.
type Message struct {
	ID             string
	SenderID       string
	Sender         UserIdentity
	Target         Target
	Content        string
	AttachmentRef  string
	AttachmentName string
	Kind           Kind
	IsRead         bool
	ReadAt         *time.Time
	CreatedAt      time.Time
}

// NewMessage validates a draft and returns the unsaved message. The target
// has already been checked by NewTarget, so only body rules apply here.
func NewMessage(sender UserIdentity, target Target, kind Kind, content, attachmentRef, attachmentName string, now time.Time) (*Message, error) {
	if target.IsZero() {
		return nil, ErrTargetRequired
	}
	switch kind {
	case KindText:
		// whitespace-only text is empty; otherwise the content is kept verbatim
		if strings.TrimSpace(content) == "" {
			return nil, ErrEmptyMessage
		}
	case KindImage, KindFile:
		if strings.TrimSpace(attachmentRef) == "" {
			return nil, ErrEmptyMessage
		}
	default:
		return nil, ErrInvalidKind
	}
	if len([]rune(content)) > MaxContentLength {
		return nil, ErrContentTooLong
	}

	return &Message{
		SenderID:       sender.ID,
		Sender:         sender,
		Target:         target,
		Content:        content,
		AttachmentRef:  attachmentRef,
		AttachmentName: attachmentName,
		Kind:           kind,
		IsRead:         false,
		CreatedAt:      now.UTC(),
	}, nil
}

// Clone returns a copy that shares no mutable state with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// InConversation reports whether m belongs to the conversation that self
// has with target: the room itself, or the two participants of a direct
// exchange in either direction.
func (m *Message) InConversation(self string, target Target) bool {
	switch {
	case target.IsRoom():
		return m.Target.IsRoom() && m.Target.RoomID() == target.RoomID()
	case target.IsDirect():
		if !m.Target.IsDirect() {
			return false
		}
		peer := target.ReceiverID()
		return (m.SenderID == self && m.Target.ReceiverID() == peer) ||
			(m.SenderID == peer && m.Target.ReceiverID() == self)
	default:
		return false
	}
}

type messageJSON struct {
	ID             string       `json:"id"`
	SenderID       string       `json:"senderId"`
	Sender         UserIdentity `json:"sender"`
	ReceiverID     string       `json:"receiverId,omitempty"`
	RoomID         string       `json:"roomId,omitempty"`
	Content        string       `json:"content,omitempty"`
	AttachmentRef  string       `json:"attachmentRef,omitempty"`
	AttachmentName string       `json:"attachmentName,omitempty"`
	Kind           Kind         `json:"kind"`
	IsRead         bool         `json:"isRead"`
	ReadAt         *time.Time   `json:"readAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// MarshalJSON flattens the target into receiverId or roomId.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:             m.ID,
		SenderID:       m.SenderID,
		Sender:         m.Sender,
		ReceiverID:     m.Target.ReceiverID(),
		RoomID:         m.Target.RoomID(),
		Content:        m.Content,
		AttachmentRef:  m.AttachmentRef,
		AttachmentName: m.AttachmentName,
		Kind:           m.Kind,
		IsRead:         m.IsRead,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	})
}

// UnmarshalJSON rebuilds the target union; a payload naming both or
// neither of receiverId and roomId is rejected.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	target, err := NewTarget(raw.ReceiverID, raw.RoomID)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             raw.ID,
		SenderID:       raw.SenderID,
		Sender:         raw.Sender,
		Target:         target,
		Content:        raw.Content,
		AttachmentRef:  raw.AttachmentRef,
		AttachmentName: raw.AttachmentName,
		Kind:           raw.Kind,
		IsRead:         raw.IsRead,
		ReadAt:         raw.ReadAt,
		CreatedAt:      raw.CreatedAt,
	}
	return nil
}
