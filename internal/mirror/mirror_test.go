package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func directMsg(id, from, to string, minute int) *chat.Message {
	return &chat.Message{
		ID:        id,
		SenderID:  from,
		Sender:    chat.UserIdentity{ID: from, DisplayName: from},
		Target:    chat.Direct(to),
		Content:   "msg " + id,
		Kind:      chat.KindText,
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func roomMsg(id, from, room string, minute int) *chat.Message {
	m := directMsg(id, from, "x", minute)
	m.Target = chat.Room(room)
	return m
}

// stubHistory returns canned history per target key. When gate is set the
// call blocks until it is closed.
type stubHistory struct {
	byTarget map[string][]*chat.Message
	err      error
	gate     chan struct{}
	calls    []string
}

func (s *stubHistory) History(ctx context.Context, target chat.Target) ([]*chat.Message, error) {
	s.calls = append(s.calls, target.Key())
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.byTarget[target.Key()], s.err
}

func ids(st State) []string {
	out := make([]string, len(st.Messages))
	for i, m := range st.Messages {
		out[i] = m.ID
	}
	return out
}

func TestSetActiveLoadsHistory(t *testing.T) {
	hist := &stubHistory{byTarget: map[string][]*chat.Message{
		chat.Direct("bob").Key(): {
			directMsg("1", "alice", "bob", 1),
			directMsg("2", "bob", "alice", 2),
		},
	}}
	m := New("alice", hist, nil)

	require.NoError(t, m.SetActive(context.Background(), chat.Direct("bob")))
	assert.Equal(t, []string{"1", "2"}, ids(m.Snapshot()))
	assert.Equal(t, chat.Direct("bob"), m.Active())

	require.NoError(t, m.SetActive(context.Background(), chat.Room("general")))
	assert.Empty(t, m.Snapshot().Messages, "switching clears the list")
	assert.Equal(t, []string{chat.Direct("bob").Key(), chat.Room("general").Key()}, hist.calls)
}

func TestSetActiveFetchError(t *testing.T) {
	boom := errors.New("unreachable")
	m := New("alice", &stubHistory{err: boom}, nil)
	m.Apply(chat.ReceiveMessage{Message: directMsg("old", "carol", "alice", 0)})

	err := m.SetActive(context.Background(), chat.Direct("bob"))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Snapshot().Messages)
}

// TestAppendIsIdempotent verifies that a message seen through both
// receive_message and message_sent is listed once.
func TestAppendIsIdempotent(t *testing.T) {
	m := New("alice", nil, nil)
	require.NoError(t, m.SetActive(context.Background(), chat.Direct("bob")))

	msg := directMsg("1", "alice", "bob", 1)
	assert.True(t, m.Apply(chat.MessageSent{Message: msg}))
	assert.False(t, m.Apply(chat.ReceiveMessage{Message: msg}))
	assert.False(t, m.Apply(chat.MessageSent{Message: msg}))

	assert.Equal(t, []string{"1"}, ids(m.Snapshot()))
}

func TestAppendFiltersByActiveConversation(t *testing.T) {
	m := New("alice", nil, nil)
	require.NoError(t, m.SetActive(context.Background(), chat.Direct("bob")))

	tests := []struct {
		name string
		msg  *chat.Message
		want bool
	}{
		{name: "from peer", msg: directMsg("1", "bob", "alice", 1), want: true},
		{name: "to peer", msg: directMsg("2", "alice", "bob", 2), want: true},
		{name: "other peer", msg: directMsg("3", "carol", "alice", 3), want: false},
		{name: "peer to someone else", msg: directMsg("4", "bob", "carol", 4), want: false},
		{name: "room", msg: roomMsg("5", "bob", "general", 5), want: false},
		{name: "missing id", msg: directMsg("", "bob", "alice", 6), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Apply(chat.ReceiveMessage{Message: tt.msg}))
		})
	}
	assert.Equal(t, []string{"1", "2"}, ids(m.Snapshot()))

	require.NoError(t, m.SetActive(context.Background(), chat.Room("general")))
	assert.True(t, m.Apply(chat.ReceiveMessage{Message: roomMsg("6", "carol", "general", 6)}))
	assert.False(t, m.Apply(chat.ReceiveMessage{Message: roomMsg("7", "carol", "random", 7)}))
}

func TestReadReceiptPatchesInPlace(t *testing.T) {
	m := New("alice", nil, nil)
	require.NoError(t, m.SetActive(context.Background(), chat.Direct("bob")))
	m.Apply(chat.MessageSent{Message: directMsg("1", "alice", "bob", 1)})

	readAt := base.Add(time.Hour)
	assert.True(t, m.Apply(chat.MessageReadReceipt{MessageID: "1", ReadAt: readAt}))
	assert.False(t, m.Apply(chat.MessageReadReceipt{MessageID: "1", ReadAt: readAt.Add(time.Minute)}))
	assert.False(t, m.Apply(chat.MessageReadReceipt{MessageID: "not-loaded", ReadAt: readAt}))

	st := m.Snapshot()
	require.Len(t, st.Messages, 1)
	assert.True(t, st.Messages[0].IsRead)
	require.NotNil(t, st.Messages[0].ReadAt)
	assert.True(t, readAt.Equal(*st.Messages[0].ReadAt))
}

// TestPresenceAndTypingIgnoreActiveConversation verifies set and map updates.
func TestPresenceAndTypingIgnoreActiveConversation(t *testing.T) {
	m := New("alice", nil, nil)

	m.Apply(chat.OnlineUsers{UserIDs: []string{"alice", "bob"}})
	assert.True(t, m.Apply(chat.UserOnline{UserID: "carol", DisplayName: "carol"}))
	assert.False(t, m.Apply(chat.UserOnline{UserID: "carol", DisplayName: "carol"}))
	assert.True(t, m.Apply(chat.UserOffline{UserID: "bob"}))
	assert.False(t, m.Apply(chat.UserOffline{UserID: "bob"}))

	assert.True(t, m.Apply(chat.UserTyping{UserID: "carol", DisplayName: "carol"}))
	assert.False(t, m.Apply(chat.UserTyping{UserID: "carol", DisplayName: "carol"}))

	st := m.Snapshot()
	assert.Equal(t, []string{"alice", "carol"}, st.Online)
	assert.Equal(t, map[string]string{"carol": "carol"}, st.Typing)
	assert.True(t, m.IsOnline("carol"))
	assert.False(t, m.IsOnline("bob"))

	assert.True(t, m.Apply(chat.UserStopTyping{UserID: "carol"}))
	assert.False(t, m.Apply(chat.UserStopTyping{UserID: "carol"}))
	assert.Empty(t, m.Snapshot().Typing)

	// a fresh snapshot replaces the set
	m.Apply(chat.OnlineUsers{UserIDs: []string{"dave"}})
	assert.Equal(t, []string{"dave"}, m.Snapshot().Online)
}

// TestLiveEventsDuringFetchAreMerged verifies that a message arriving while
// history loads is kept once and ordered by creation time.
func TestLiveEventsDuringFetchAreMerged(t *testing.T) {
	hist := &stubHistory{
		gate: make(chan struct{}),
		byTarget: map[string][]*chat.Message{
			chat.Direct("bob").Key(): {
				directMsg("1", "bob", "alice", 1),
				directMsg("2", "alice", "bob", 2),
			},
		},
	}
	m := New("alice", hist, nil)

	done := make(chan error, 1)
	go func() { done <- m.SetActive(context.Background(), chat.Direct("bob")) }()

	require.Eventually(t, func() bool { return m.Active() == chat.Direct("bob") }, time.Second, time.Millisecond)
	m.Apply(chat.ReceiveMessage{Message: directMsg("3", "bob", "alice", 3)})
	m.Apply(chat.ReceiveMessage{Message: directMsg("2", "alice", "bob", 2)})
	close(hist.gate)

	require.NoError(t, <-done)
	assert.Equal(t, []string{"1", "2", "3"}, ids(m.Snapshot()))

	assert.True(t, m.Apply(chat.MessageReadReceipt{MessageID: "2", ReadAt: base}))
}

// TestStaleFetchIsDiscarded verifies that history for a conversation the
// user already left does not land in the new one.
func TestStaleFetchIsDiscarded(t *testing.T) {
	slow := &stubHistory{
		gate: make(chan struct{}),
		byTarget: map[string][]*chat.Message{
			chat.Direct("bob").Key(): {directMsg("1", "bob", "alice", 1)},
		},
	}
	m := New("alice", slow, nil)

	done := make(chan error, 1)
	go func() { done <- m.SetActive(context.Background(), chat.Direct("bob")) }()
	require.Eventually(t, func() bool { return m.Active() == chat.Direct("bob") }, time.Second, time.Millisecond)

	// switch without a fetcher round trip by targeting nothing
	require.NoError(t, m.SetActive(context.Background(), chat.Target{}))
	close(slow.gate)

	require.NoError(t, <-done)
	assert.Empty(t, m.Snapshot().Messages)
	assert.True(t, m.Active().IsZero())
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New("alice", nil, nil)
	require.NoError(t, m.SetActive(context.Background(), chat.Direct("bob")))
	m.Apply(chat.ReceiveMessage{Message: directMsg("1", "bob", "alice", 1)})

	st := m.Snapshot()
	st.Messages[0].Content = "changed"
	st.Typing["x"] = "y"

	again := m.Snapshot()
	assert.Equal(t, "msg 1", again.Messages[0].Content)
	assert.Empty(t, again.Typing)
}
