package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const eventTimeout = 2 * time.Second

var (
	alice = chat.UserIdentity{ID: "u-alice", DisplayName: "alice"}
	bob   = chat.UserIdentity{ID: "u-bob", DisplayName: "bob"}
	carol = chat.UserIdentity{ID: "u-carol", DisplayName: "carol"}
)

// newTestHub starts a hub backed by mem and shuts it down with the test.
func newTestHub(t *testing.T, mem store.Store, mutate ...func(*Options)) *Hub {
	t.Helper()

	opts := Options{
		Store:        mem,
		TypingExpiry: 150 * time.Millisecond,
		RateLimit:    rateLimitFor(1000),
	}
	for _, m := range mutate {
		m(&opts)
	}

	h := NewHub(opts)
	go h.Run()
	t.Cleanup(func() {
		_ = h.Shutdown(2 * time.Second)
	})
	return h
}

// join registers a transport-less client for user and consumes its
// online_users snapshot, which guarantees the admission has completed.
func join(t *testing.T, h *Hub, user chat.UserIdentity) *Client {
	t.Helper()

	c := NewClient(nil, h, user, "test")
	require.True(t, h.Register(c))
	snapshot := nextEvent(t, c)
	require.IsType(t, chat.OnlineUsers{}, snapshot)
	return c
}

// leave evicts c and waits for the eviction to be observable.
func leave(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	h.Unregister(c)
	require.Eventually(t, func() bool {
		for _, other := range h.registry.All() {
			if other == c {
				return false
			}
		}
		return true
	}, eventTimeout, 5*time.Millisecond)
}

func nextEvent(t *testing.T, c *Client) chat.Outbound {
	t.Helper()

	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		ev, err := chat.DecodeOutbound(raw)
		require.NoError(t, err)
		return ev
	case <-time.After(eventTimeout):
		t.Fatalf("no event for %s within %s", c.UserID(), eventTimeout)
		return nil
	}
}

// expectEvent reads the next event and asserts its concrete type.
func expectEvent[T chat.Outbound](t *testing.T, c *Client) T {
	t.Helper()
	ev := nextEvent(t, c)
	got, ok := ev.(T)
	require.Truef(t, ok, "expected %T, got %T (%+v)", *new(T), ev, ev)
	return got
}

func expectNoEvent(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()

	select {
	case raw, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected event for %s: %s", c.UserID(), raw)
		}
		return
	default:
	}
	if wait <= 0 {
		return
	}

	select {
	case raw, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected event for %s: %s", c.UserID(), raw)
		}
	case <-time.After(wait):
	}
}

// failingStore refuses to persist messages.
type failingStore struct {
	*store.Memory
}

var errDiskFull = errors.New("disk full")

func (failingStore) SaveMessage(context.Context, *chat.Message) (*chat.Message, error) {
	return nil, errDiskFull
}

func rateLimitFor(burst int) config.RateLimitConfig {
	return config.RateLimitConfig{Burst: burst, RefillInterval: time.Second}
}
