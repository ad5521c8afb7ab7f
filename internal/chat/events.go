package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an event on the wire.
type EventType string

// Inbound event types accepted from a connection.
const (
	TypeJoinRoom    EventType = "join_room"
	TypeLeaveRoom   EventType = "leave_room"
	TypeSendMessage EventType = "send_message"
	TypeTyping      EventType = "typing"
	TypeStopTyping  EventType = "stop_typing"
	TypeMessageRead EventType = "message_read"
)

// Outbound event types emitted to a connection.
const (
	TypeUserOnline         EventType = "user_online"
	TypeUserOffline        EventType = "user_offline"
	TypeOnlineUsers        EventType = "online_users"
	TypeUserTyping         EventType = "user_typing"
	TypeUserStopTyping     EventType = "user_stop_typing"
	TypeReceiveMessage     EventType = "receive_message"
	TypeMessageSent        EventType = "message_sent"
	TypeMessageReadReceipt EventType = "message_read_receipt"
	TypeError              EventType = "error"
)

type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of events a client may send. Only types in
// this package implement it.
type Inbound interface {
	Type() EventType
	inbound()
}

// JoinRoom associates the connection with a room label.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// LeaveRoom dissociates the connection from a room label.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// SendMessage asks the relay to persist and deliver a message.
type SendMessage struct {
	ReceiverID     string `json:"receiverId,omitempty"`
	RoomID         string `json:"roomId,omitempty"`
	Content        string `json:"content,omitempty"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty"`
	Kind           string `json:"kind,omitempty"`
}

// Typing starts or refreshes a typing episode towards a target.
type Typing struct {
	ReceiverID string `json:"receiverId,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
}

// StopTyping ends a typing episode towards a target.
type StopTyping struct {
	ReceiverID string `json:"receiverId,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
}

// MessageRead marks a direct message as read by its recipient.
type MessageRead struct {
	MessageID string `json:"messageId"`
}

func (JoinRoom) Type() EventType    { return TypeJoinRoom }
func (LeaveRoom) Type() EventType   { return TypeLeaveRoom }
func (SendMessage) Type() EventType { return TypeSendMessage }
func (Typing) Type() EventType      { return TypeTyping }
func (StopTyping) Type() EventType  { return TypeStopTyping }
func (MessageRead) Type() EventType { return TypeMessageRead }

func (JoinRoom) inbound()    {}
func (LeaveRoom) inbound()   {}
func (SendMessage) inbound() {}
func (Typing) inbound()      {}
func (StopTyping) inbound()  {}
func (MessageRead) inbound() {}

// DecodeInbound parses one envelope into its typed payload.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case TypeJoinRoom:
		id, err := decodeRoomID(env.Data)
		return JoinRoom{RoomID: id}, err
	case TypeLeaveRoom:
		id, err := decodeRoomID(env.Data)
		return LeaveRoom{RoomID: id}, err
	case TypeSendMessage:
		return decodeAs[SendMessage](env.Data)
	case TypeTyping:
		return decodeAs[Typing](env.Data)
	case TypeStopTyping:
		return decodeAs[StopTyping](env.Data)
	case TypeMessageRead:
		return decodeAs[MessageRead](env.Data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// EncodeInbound serializes a client event.
func EncodeInbound(ev Inbound) ([]byte, error) {
	return encode(ev.Type(), ev)
}

// Room events also accept a bare JSON string as their payload.
func decodeRoomID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return id, nil
	}
	var p JoinRoom
	if err := decodeData(data, &p); err != nil {
		return "", err
	}
	return p.RoomID, nil
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	if err := decodeData(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Outbound is the closed set of events the relay emits.
type Outbound interface {
	Type() EventType
	outbound()
}

// UserOnline announces a user's first live connection.
type UserOnline struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// UserOffline announces that a user's last connection closed.
type UserOffline struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// OnlineUsers is the presence snapshot sent to a newly admitted connection.
type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

// UserTyping opens a typing episode on the receiving side.
type UserTyping struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// UserStopTyping closes a typing episode on the receiving side.
type UserStopTyping struct {
	UserID string `json:"userId"`
}

// ReceiveMessage delivers a message to its recipients.
type ReceiveMessage struct {
	Message *Message
}

// MessageSent acknowledges a persisted message to its sender.
type MessageSent struct {
	Message *Message
}

// MessageReadReceipt tells a sender that a recipient read a message.
type MessageReadReceipt struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

// Error reports a rejected inbound event.
type Error struct {
	Message string `json:"message"`
}

func (UserOnline) Type() EventType         { return TypeUserOnline }
func (UserOffline) Type() EventType        { return TypeUserOffline }
func (OnlineUsers) Type() EventType        { return TypeOnlineUsers }
func (UserTyping) Type() EventType         { return TypeUserTyping }
func (UserStopTyping) Type() EventType     { return TypeUserStopTyping }
func (ReceiveMessage) Type() EventType     { return TypeReceiveMessage }
func (MessageSent) Type() EventType        { return TypeMessageSent }
func (MessageReadReceipt) Type() EventType { return TypeMessageReadReceipt }
func (Error) Type() EventType              { return TypeError }

func (UserOnline) outbound()         {}
func (UserOffline) outbound()        {}
func (OnlineUsers) outbound()        {}
func (UserTyping) outbound()         {}
func (UserStopTyping) outbound()     {}
func (ReceiveMessage) outbound()     {}
func (MessageSent) outbound()        {}
func (MessageReadReceipt) outbound() {}
func (Error) outbound()              {}

// EncodeOutbound serializes a relay event. Message events carry the
// message object itself as their data.
func EncodeOutbound(ev Outbound) ([]byte, error) {
	switch e := ev.(type) {
	case ReceiveMessage:
		return encode(e.Type(), e.Message)
	case MessageSent:
		return encode(e.Type(), e.Message)
	default:
		return encode(ev.Type(), ev)
	}
}

// DecodeOutbound parses one relay envelope into its typed payload.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case TypeUserOnline:
		return decodeAs[UserOnline](env.Data)
	case TypeUserOffline:
		return decodeAs[UserOffline](env.Data)
	case TypeOnlineUsers:
		return decodeAs[OnlineUsers](env.Data)
	case TypeUserTyping:
		return decodeAs[UserTyping](env.Data)
	case TypeUserStopTyping:
		return decodeAs[UserStopTyping](env.Data)
	case TypeReceiveMessage:
		m, err := decodeAs[Message](env.Data)
		return ReceiveMessage{Message: &m}, err
	case TypeMessageSent:
		m, err := decodeAs[Message](env.Data)
		return MessageSent{Message: &m}, err
	case TypeMessageReadReceipt:
		return decodeAs[MessageReadReceipt](env.Data)
	case TypeError:
		return decodeAs[Error](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func encode(t EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: t, Data: data})
}
