package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Memory is a process-local Store. It is used by tests and by the
// default "memory" driver.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]*chat.Message
	order    []string
	users    map[string]chat.UserIdentity
	presence map[string]Presence
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]*chat.Message),
		users:    make(map[string]chat.UserIdentity),
		presence: make(map[string]Presence),
	}
}

// PutUser registers or replaces a user identity.
func (m *Memory) PutUser(u chat.UserIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) SaveMessage(_ context.Context, msg *chat.Message) (*chat.Message, error) {
	saved := msg.Clone()
	saved.ID = uuid.NewString()

	m.mu.Lock()
	m.messages[saved.ID] = saved
	m.order = append(m.order, saved.ID)
	m.mu.Unlock()

	return saved.Clone(), nil
}

func (m *Memory) FindMessage(_ context.Context, id string) (*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return msg.Clone(), nil
}

func (m *Memory) MarkMessageRead(_ context.Context, id string, readAt time.Time) (*chat.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, false, chat.ErrNotFound
	}
	if msg.IsRead {
		return msg.Clone(), false, nil
	}
	at := readAt.UTC()
	msg.IsRead = true
	msg.ReadAt = &at
	return msg.Clone(), true, nil
}

func (m *Memory) History(_ context.Context, self string, target chat.Target, limit int) ([]*chat.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*chat.Message
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.messages[m.order[i]]
		if msg.InConversation(self, target) {
			out = append(out, msg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) FindUser(_ context.Context, id string) (chat.UserIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return chat.UserIdentity{}, chat.ErrNotFound
	}
	return u, nil
}

func (m *Memory) SetUserOnline(_ context.Context, userID string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.presence[userID] = Presence{Online: online, LastSeen: at.UTC()}
	return nil
}

// Presence returns the last recorded presence of a user.
func (m *Memory) Presence(userID string) (Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.presence[userID]
	return p, ok
}

func (m *Memory) Close(context.Context) error { return nil }
