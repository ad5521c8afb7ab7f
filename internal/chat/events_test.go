package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "join room object",
			raw:  `{"type":"join_room","data":{"roomId":"general"}}`,
			want: JoinRoom{RoomID: "general"},
		},
		{
			name: "join room bare string",
			raw:  `{"type":"join_room","data":"general"}`,
			want: JoinRoom{RoomID: "general"},
		},
		{
			name: "leave room",
			raw:  `{"type":"leave_room","data":{"roomId":"general"}}`,
			want: LeaveRoom{RoomID: "general"},
		},
		{
			name: "send message",
			raw:  `{"type":"send_message","data":{"receiverId":"b","content":"hi","kind":"text"}}`,
			want: SendMessage{ReceiverID: "b", Content: "hi", Kind: "text"},
		},
		{
			name: "typing",
			raw:  `{"type":"typing","data":{"roomId":"general"}}`,
			want: Typing{RoomID: "general"},
		},
		{
			name: "stop typing",
			raw:  `{"type":"stop_typing","data":{"receiverId":"b"}}`,
			want: StopTyping{ReceiverID: "b"},
		},
		{
			name: "message read",
			raw:  `{"type":"message_read","data":{"messageId":"m1"}}`,
			want: MessageRead{MessageID: "m1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInboundErrors(t *testing.T) {
	_, err := DecodeInbound([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = DecodeInbound([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = DecodeInbound([]byte(`{"type":"send_message"}`))
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = DecodeInbound([]byte(`{"type":"user_online","data":{}}`))
	require.ErrorIs(t, err, ErrUnknownEvent)
	assert.True(t, IsValidation(err))
}

func TestInboundEncodeDecode(t *testing.T) {
	raw, err := EncodeInbound(MessageRead{MessageID: "m9"})
	require.NoError(t, err)

	ev, err := DecodeInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageRead{MessageID: "m9"}, ev)
}

func TestOutboundMessageEventsCarryMessage(t *testing.T) {
	msg := &Message{
		ID:        "m1",
		SenderID:  "a",
		Sender:    UserIdentity{ID: "a", DisplayName: "alice"},
		Target:    Direct("b"),
		Content:   "hi",
		Kind:      KindText,
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	raw, err := EncodeOutbound(ReceiveMessage{Message: msg})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"receive_message"`)
	assert.Contains(t, string(raw), `"receiverId":"b"`)

	ev, err := DecodeOutbound(raw)
	require.NoError(t, err)
	got, ok := ev.(ReceiveMessage)
	require.True(t, ok)
	assert.Equal(t, "m1", got.Message.ID)
	assert.Equal(t, "b", got.Message.Target.ReceiverID())
	assert.Equal(t, "alice", got.Message.Sender.DisplayName)
}

func TestClientMessage(t *testing.T) {
	assert.Equal(t, "Receiver or room is required", ClientMessage(ErrTargetRequired))
	assert.Equal(t, "Failed to send message", ClientMessage(ErrPersistence))
	assert.Equal(t, "Failed to mark message as read", ClientMessage(fmt.Errorf("%w: timeout", ErrReceiptPersistence)))
	assert.Equal(t, "persistence", ErrorLabel(ErrReceiptPersistence))
	assert.Equal(t, "Internal error", ClientMessage(assert.AnError))
	assert.False(t, IsValidation(ErrForbidden))
	assert.False(t, IsValidation(ErrPersistence))
}
