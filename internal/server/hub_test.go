package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// drain discards queued events until the client has been quiet for a moment.
func drain(c *Client) {
	for {
		select {
		case <-c.send:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

// TestOnlineUsersSnapshot verifies that a new connection is told who is
// already online, itself included.
func TestOnlineUsersSnapshot(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	join(t, h, alice)

	c := NewClient(nil, h, bob, "test")
	require.True(t, h.Register(c))

	snapshot := expectEvent[chat.OnlineUsers](t, c)
	assert.Equal(t, []string{alice.ID, bob.ID}, snapshot.UserIDs)
}

// TestPresenceBroadcastOncePerCycle verifies that a user's first connection
// announces them once, extra devices stay silent, and only the last eviction
// announces them offline. The user never sees their own transitions.
func TestPresenceBroadcastOncePerCycle(t *testing.T) {
	mem := store.NewMemory()
	h := newTestHub(t, mem)

	a := join(t, h, alice)
	phone := join(t, h, bob)

	online := expectEvent[chat.UserOnline](t, a)
	assert.Equal(t, chat.UserOnline{UserID: bob.ID, DisplayName: "bob"}, online)

	laptop := join(t, h, bob)
	expectNoEvent(t, a, 100*time.Millisecond)
	expectNoEvent(t, phone, 0)

	leave(t, h, phone)
	expectNoEvent(t, a, 100*time.Millisecond)
	assert.True(t, h.registry.IsOnline(bob.ID))

	leave(t, h, laptop)
	offline := expectEvent[chat.UserOffline](t, a)
	assert.Equal(t, bob.ID, offline.UserID)
	assert.False(t, h.registry.IsOnline(bob.ID))

	require.Eventually(t, func() bool {
		p, ok := mem.Presence(bob.ID)
		return ok && !p.Online && !p.LastSeen.IsZero()
	}, eventTimeout, 10*time.Millisecond)
}

// TestRelayDirectToOnlineRecipient covers the A-to-B scenario: B receives the
// message and A receives an acknowledgement carrying the same ID.
func TestRelayDirectToOnlineRecipient(t *testing.T) {
	mem := store.NewMemory()
	h := newTestHub(t, mem)
	a := join(t, h, alice)
	b := join(t, h, bob)
	drain(a)

	h.dispatch(a, chat.SendMessage{ReceiverID: bob.ID, Content: "hi", Kind: "text"})

	received := expectEvent[chat.ReceiveMessage](t, b)
	assert.Equal(t, alice.ID, received.Message.SenderID)
	assert.Equal(t, "alice", received.Message.Sender.DisplayName)
	assert.Equal(t, "hi", received.Message.Content)
	assert.False(t, received.Message.IsRead)
	assert.Equal(t, bob.ID, received.Message.Target.ReceiverID())

	sent := expectEvent[chat.MessageSent](t, a)
	assert.Equal(t, received.Message.ID, sent.Message.ID)
	expectNoEvent(t, a, 50*time.Millisecond)

	stored, err := mem.FindMessage(context.Background(), sent.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Content)
}

// TestRelayDirectToOfflineRecipient verifies that the message is persisted
// and acknowledged even though nobody receives it live.
func TestRelayDirectToOfflineRecipient(t *testing.T) {
	mem := store.NewMemory()
	h := newTestHub(t, mem)
	a := join(t, h, alice)

	assert.Empty(t, h.registry.Route(bob.ID))
	h.dispatch(a, chat.SendMessage{ReceiverID: bob.ID, Content: "are you there?"})

	sent := expectEvent[chat.MessageSent](t, a)
	assert.Equal(t, chat.KindText, sent.Message.Kind, "kind defaults to text")

	stored, err := mem.FindMessage(context.Background(), sent.Message.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRead)
	assert.Nil(t, stored.ReadAt)
}

// TestRelayReachesEveryDeviceOfRecipient verifies multi-device delivery.
func TestRelayReachesEveryDeviceOfRecipient(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	a := join(t, h, alice)
	phone := join(t, h, bob)
	laptop := join(t, h, bob)
	drain(a)
	drain(phone)

	h.dispatch(a, chat.SendMessage{ReceiverID: bob.ID, Content: "ping"})

	first := expectEvent[chat.ReceiveMessage](t, phone)
	second := expectEvent[chat.ReceiveMessage](t, laptop)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	expectEvent[chat.MessageSent](t, a)
}

// TestRelayRoomExcludesOnlyOrigin verifies room fan-out: every joined
// connection but the sending one receives the message, including the
// sender's other devices; connections outside the room receive nothing.
func TestRelayRoomExcludesOnlyOrigin(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	a := join(t, h, alice)
	a2 := join(t, h, alice)
	b := join(t, h, bob)
	c := join(t, h, carol)
	for _, cl := range []*Client{a, a2, b} {
		h.dispatch(cl, chat.JoinRoom{RoomID: "general"})
	}
	for _, cl := range []*Client{a, a2, b, c} {
		drain(cl)
	}

	h.dispatch(a, chat.SendMessage{RoomID: "general", Content: "hello room"})

	sent := expectEvent[chat.MessageSent](t, a)
	assert.Equal(t, "general", sent.Message.Target.RoomID())
	assert.Equal(t, sent.Message.ID, expectEvent[chat.ReceiveMessage](t, a2).Message.ID)
	assert.Equal(t, sent.Message.ID, expectEvent[chat.ReceiveMessage](t, b).Message.ID)
	expectNoEvent(t, c, 100*time.Millisecond)
	expectNoEvent(t, a, 0)

	h.dispatch(b, chat.LeaveRoom{RoomID: "general"})
	h.dispatch(a, chat.SendMessage{RoomID: "general", Content: "still here?"})
	expectEvent[chat.MessageSent](t, a)
	expectNoEvent(t, b, 100*time.Millisecond)
}

// TestRelayValidationErrors verifies that invalid sends are reported to the
// origin only, are not persisted, and leave the connection usable.
func TestRelayValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  chat.SendMessage
		want string
	}{
		{
			name: "both targets",
			req:  chat.SendMessage{ReceiverID: bob.ID, RoomID: "general", Content: "x"},
			want: "Receiver or room is required",
		},
		{
			name: "no target",
			req:  chat.SendMessage{Content: "x"},
			want: "Receiver or room is required",
		},
		{
			name: "empty text",
			req:  chat.SendMessage{ReceiverID: bob.ID, Kind: "text"},
			want: "Message content or file is required",
		},
		{
			name: "file without attachment",
			req:  chat.SendMessage{ReceiverID: bob.ID, Kind: "file", AttachmentName: "a.pdf"},
			want: "Message content or file is required",
		},
		{
			name: "unknown kind",
			req:  chat.SendMessage{ReceiverID: bob.ID, Kind: "video", Content: "x"},
			want: "Unsupported message type",
		},
		{
			name: "too long",
			req:  chat.SendMessage{ReceiverID: bob.ID, Content: strings.Repeat("a", chat.MaxContentLength+1)},
			want: "Message cannot exceed 1000 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			h := newTestHub(t, mem)
			a := join(t, h, alice)
			b := join(t, h, bob)
			drain(a)

			h.dispatch(a, tt.req)

			errEv := expectEvent[chat.Error](t, a)
			assert.Equal(t, tt.want, errEv.Message)
			expectNoEvent(t, b, 50*time.Millisecond)

			history, err := mem.History(context.Background(), alice.ID, chat.Direct(bob.ID), 0)
			require.NoError(t, err)
			assert.Empty(t, history)

			h.dispatch(a, chat.SendMessage{ReceiverID: bob.ID, Content: "valid"})
			expectEvent[chat.MessageSent](t, a)
		})
	}
}

// TestRelayPersistenceFailure verifies that a store failure is reported to
// the sender only and nothing is delivered.
func TestRelayPersistenceFailure(t *testing.T) {
	h := newTestHub(t, failingStore{store.NewMemory()})
	a := join(t, h, alice)
	b := join(t, h, bob)
	drain(a)

	h.dispatch(a, chat.SendMessage{ReceiverID: bob.ID, Content: "hi"})

	errEv := expectEvent[chat.Error](t, a)
	assert.Equal(t, "Failed to send message", errEv.Message)
	expectNoEvent(t, b, 100*time.Millisecond)

	_, err := h.Relay().Send(context.Background(), a, chat.SendMessage{ReceiverID: bob.ID, Content: "again"})
	assert.ErrorIs(t, err, chat.ErrPersistence)
	expectNoEvent(t, a, 0)
}

// TestDispatchRoomRequiresID verifies join/leave validation.
func TestDispatchRoomRequiresID(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	a := join(t, h, alice)

	h.dispatch(a, chat.JoinRoom{RoomID: "  "})
	assert.Equal(t, "Room is required", expectEvent[chat.Error](t, a).Message)
	assert.Empty(t, h.registry.Rooms(a))

	h.dispatch(a, chat.LeaveRoom{})
	assert.Equal(t, "Room is required", expectEvent[chat.Error](t, a).Message)
}

// TestProcessFrameRateLimit verifies that events beyond the burst are
// discarded without a response and that malformed lines are reported.
func TestProcessFrameRateLimit(t *testing.T) {
	h := newTestHub(t, store.NewMemory(), func(o *Options) {
		o.RateLimit = rateLimitFor(2)
		o.RateLimit.RefillInterval = time.Hour
	})
	a := join(t, h, alice)

	a.processFrame([]byte("garbage\n{\"type\":\"bogus\",\"data\":{}}\n{\"type\":\"join_room\",\"data\":\"general\"}"))

	assert.Equal(t, "Malformed event", expectEvent[chat.Error](t, a).Message)
	assert.Equal(t, "Unknown event type", expectEvent[chat.Error](t, a).Message)
	expectNoEvent(t, a, 50*time.Millisecond)
	assert.Empty(t, h.registry.Rooms(a), "third event exceeded the burst")
}

// TestHubShutdownClosesClients verifies that shutdown evicts every client,
// closes their queues and refuses later registrations.
func TestHubShutdownClosesClients(t *testing.T) {
	h := NewHub(Options{Store: store.NewMemory()})
	go h.Run()

	a := join(t, h, alice)
	b := join(t, h, bob)

	require.NoError(t, h.Shutdown(2*time.Second))
	assert.Zero(t, h.registry.Count())

	for _, c := range []*Client{a, b} {
		require.Eventually(t, func() bool {
			for {
				select {
				case _, ok := <-c.send:
					if !ok {
						return true
					}
				default:
					return false
				}
			}
		}, eventTimeout, 5*time.Millisecond)
	}

	assert.False(t, h.Register(NewClient(nil, h, carol, "late")))
	h.Unregister(a)
}

// TestConcurrentShutdown verifies that Shutdown may be called from several
// goroutines at once.
func TestConcurrentShutdown(t *testing.T) {
	h := NewHub(Options{Store: store.NewMemory()})
	go h.Run()
	join(t, h, alice)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Shutdown(2*time.Second))
		}()
	}
	wg.Wait()
	assert.Zero(t, h.registry.Count())
}
