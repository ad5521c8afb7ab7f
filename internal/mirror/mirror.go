// Package mirror keeps a client-side projection of relay state: the online
// set, who is typing, and the message list of the active conversation. It is
// reconciled from the outbound events a connection receives and from history
// fetched whenever the active conversation changes.
package mirror

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// HistoryFetcher loads the stored conversation between the mirror's user
// and target, oldest first.
type HistoryFetcher interface {
	History(ctx context.Context, target chat.Target) ([]*chat.Message, error)
}

// State is a point-in-time copy of a Mirror.
type State struct {
	Active   chat.Target
	Messages []*chat.Message
	Online   []string
	// Typing maps user IDs to display names.
	Typing map[string]string
}

// Mirror is safe for concurrent use; events usually arrive from a Conn while
// the caller switches conversations.
type Mirror struct {
	self    string
	fetcher HistoryFetcher
	log     *zap.Logger

	mu       sync.RWMutex
	active   chat.Target
	gen      uint64
	messages []*chat.Message
	index    map[string]int
	online   map[string]struct{}
	typing   map[string]string
}

// New returns an empty mirror for selfID. fetcher may be nil, in which case
// switching conversations starts from an empty list.
func New(selfID string, fetcher HistoryFetcher, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{
		self:    selfID,
		fetcher: fetcher,
		log:     log.Named("mirror"),
		index:   make(map[string]int),
		online:  make(map[string]struct{}),
		typing:  make(map[string]string),
	}
}

// SetActive switches the active conversation. The message list is cleared
// at once and refilled from history; a fetch overtaken by a later switch is
// discarded.
func (m *Mirror) SetActive(ctx context.Context, target chat.Target) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.active = target
	m.messages = nil
	m.index = make(map[string]int)
	m.mu.Unlock()

	if m.fetcher == nil || target.IsZero() {
		return nil
	}

	history, err := m.fetcher.History(ctx, target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		m.log.Debug("discarding stale history", zap.String("target", target.Key()))
		return nil
	}
	for _, msg := range history {
		m.appendLocked(msg)
	}
	// live events may have landed while the fetch was in flight
	sort.SliceStable(m.messages, func(i, j int) bool {
		return m.messages[i].CreatedAt.Before(m.messages[j].CreatedAt)
	})
	m.reindexLocked()
	return nil
}

// Apply reconciles one relay event into the mirror. It reports whether the
// visible state changed.
func (m *Mirror) Apply(ev chat.Outbound) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case chat.ReceiveMessage:
		return m.appendLocked(e.Message)
	case chat.MessageSent:
		return m.appendLocked(e.Message)
	case chat.MessageReadReceipt:
		return m.markReadLocked(e)
	case chat.OnlineUsers:
		m.online = make(map[string]struct{}, len(e.UserIDs))
		for _, id := range e.UserIDs {
			m.online[id] = struct{}{}
		}
		return true
	case chat.UserOnline:
		if _, ok := m.online[e.UserID]; ok {
			return false
		}
		m.online[e.UserID] = struct{}{}
		return true
	case chat.UserOffline:
		if _, ok := m.online[e.UserID]; !ok {
			return false
		}
		delete(m.online, e.UserID)
		return true
	case chat.UserTyping:
		if name, ok := m.typing[e.UserID]; ok && name == e.DisplayName {
			return false
		}
		m.typing[e.UserID] = e.DisplayName
		return true
	case chat.UserStopTyping:
		if _, ok := m.typing[e.UserID]; !ok {
			return false
		}
		delete(m.typing, e.UserID)
		return true
	case chat.Error:
		m.log.Info("relay rejected an event", zap.String("message", e.Message))
		return false
	default:
		return false
	}
}

// appendLocked adds msg when it belongs to the active conversation and is
// not already listed.
func (m *Mirror) appendLocked(msg *chat.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	if !msg.InConversation(m.self, m.active) {
		return false
	}
	if _, dup := m.index[msg.ID]; dup {
		return false
	}
	m.index[msg.ID] = len(m.messages)
	m.messages = append(m.messages, msg.Clone())
	return true
}

func (m *Mirror) markReadLocked(r chat.MessageReadReceipt) bool {
	i, ok := m.index[r.MessageID]
	if !ok {
		return false
	}
	msg := m.messages[i]
	if msg.IsRead {
		return false
	}
	readAt := r.ReadAt
	msg.IsRead = true
	msg.ReadAt = &readAt
	return true
}

func (m *Mirror) reindexLocked() {
	m.index = make(map[string]int, len(m.messages))
	for i, msg := range m.messages {
		m.index[msg.ID] = i
	}
}

// Active returns the active conversation.
func (m *Mirror) Active() chat.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// IsOnline reports whether userID is in the online set.
func (m *Mirror) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.online[userID]
	return ok
}

// Snapshot copies the current state.
func (m *Mirror) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := State{
		Active:   m.active,
		Messages: make([]*chat.Message, len(m.messages)),
		Online:   make([]string, 0, len(m.online)),
		Typing:   make(map[string]string, len(m.typing)),
	}
	for i, msg := range m.messages {
		st.Messages[i] = msg.Clone()
	}
	for id := range m.online {
		st.Online = append(st.Online, id)
	}
	sort.Strings(st.Online)
	for id, name := range m.typing {
		st.Typing[id] = name
	}
	return st
}
