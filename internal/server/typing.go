package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

type typingKey struct {
	actor  string
	target string
}

type typingEntry struct {
	user   chat.UserIdentity
	target chat.Target
	timer  *time.Timer
	gen    uint64
}

// Typing tracks typing episodes per (actor, target). An episode emits
// user_typing once when it opens and user_stop_typing once when it closes,
// either explicitly or after the expiry window passes without a refresh.
type Typing struct {
	hub    *Hub
	expiry time.Duration

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	gen     uint64
	closed  bool
}

func newTyping(h *Hub, expiry time.Duration) *Typing {
	return &Typing{
		hub:     h,
		expiry:  expiry,
		entries: make(map[typingKey]*typingEntry),
	}
}

// Start opens or refreshes the episode of user towards target.
func (t *Typing) Start(user chat.UserIdentity, target chat.Target) {
	key := typingKey{actor: user.ID, target: target.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.gen++
	gen := t.gen
	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
		e.gen = gen
		e.timer = time.AfterFunc(t.expiry, func() { t.expire(key, gen) })
		return
	}

	t.entries[key] = &typingEntry{
		user:    user,
		target:  target,
		gen:     gen,
		timer:   time.AfterFunc(t.expiry, func() { t.expire(key, gen) }),
	}
	t.hub.metrics.typingEpisode.Inc()
	t.notify(user.ID, target, chat.UserTyping{UserID: user.ID, DisplayName: user.DisplayName})
}

// Stop closes the episode of userID towards target, if one is open.
func (t *Typing) Stop(userID string, target chat.Target) {
	key := typingKey{actor: userID, target: target.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		t.end(key, e)
	}
}

// StopAll closes every open episode of userID.
func (t *Typing) StopAll(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		if key.actor == userID {
			t.end(key, e)
		}
	}
}

// IsTyping reports whether userID has an open episode towards target.
func (t *Typing) IsTyping(userID string, target chat.Target) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{actor: userID, target: target.Key()}]
	return ok
}

func (t *Typing) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// a refresh or stop since the timer was armed supersedes it
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		return
	}
	t.end(key, e)
}

// caller holds mu
func (t *Typing) end(key typingKey, e *typingEntry) {
	e.timer.Stop()
	delete(t.entries, key)
	t.notify(key.actor, e.target, chat.UserStopTyping{UserID: key.actor})
}

// notify delivers ev to the target's connections that do not belong to
// the actor. Called with mu held; emit never blocks.
func (t *Typing) notify(actor string, target chat.Target, ev chat.Outbound) {
	recipients := t.hub.resolve(target)
	out := recipients[:0]
	for _, c := range recipients {
		if c.UserID() != actor {
			out = append(out, c)
		}
	}
	t.hub.emit(out, nil, ev)
}

// Close cancels all timers without notifying anyone.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}
