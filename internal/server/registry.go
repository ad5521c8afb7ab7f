// Package server tracks live connections per user and per room through the
// Registry type, the single source of truth for reachability.
package server

import (
	"sort"
	"sync"
)

// Registry maps users and rooms to their live connections. All methods are
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	joined  map[*Client]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[*Client]struct{}),
		byUser:  make(map[string]map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		joined:  make(map[*Client]map[string]struct{}),
	}
}

// Admit records c under its user. added is false when c was already
// admitted; first is true when c is the user's only connection.
func (r *Registry) Admit(c *Client) (first, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; ok {
		return false, false
	}
	r.clients[c] = struct{}{}
	c.closed = false

	conns, ok := r.byUser[c.UserID()]
	if !ok {
		conns = make(map[*Client]struct{})
		r.byUser[c.UserID()] = conns
	}
	conns[c] = struct{}{}
	return len(conns) == 1, true
}

// Evict removes c and its room memberships. existed is false for a
// connection that was never admitted or is already gone; last is true when
// the user has no connections left.
func (r *Registry) Evict(c *Client) (last, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false, false
	}
	delete(r.clients, c)
	c.closed = true

	for room := range r.joined[c] {
		r.removeFromRoom(c, room)
	}
	delete(r.joined, c)

	conns := r.byUser[c.UserID()]
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.byUser, c.UserID())
		return true, true
	}
	return false, true
}

// JoinRoom adds c to room. It reports false if c is not admitted.
func (r *Registry) JoinRoom(c *Client, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}

	rooms, ok := r.joined[c]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[c] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// LeaveRoom removes c from room. Leaving a room that was never joined is a no-op.
func (r *Registry) LeaveRoom(c *Client, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromRoom(c, room)
	if rooms, ok := r.joined[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.joined, c)
		}
	}
}

// caller holds mu
func (r *Registry) removeFromRoom(c *Client, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Route returns the live connections of userID, or nil when offline.
func (r *Registry) Route(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userID])
}

// RouteRoom returns the connections currently joined to room.
func (r *Registry) RouteRoom(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[room])
}

// All returns every admitted connection.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.clients)
}

// Rooms returns the rooms c has joined, sorted.
func (r *Registry) Rooms(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.joined[c]))
	for room := range r.joined[c] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// OnlineUserIDs returns the IDs of users with at least one connection, sorted.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether userID has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Count returns the number of admitted connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Deliver queues payload on each client that is still admitted, skipping
// except. It never blocks: clients whose buffer is full are returned so the
// caller can drop them. Clients evicted since routing are skipped silently.
func (r *Registry) Deliver(clients []*Client, except *Client, payload []byte) (delivered int, failed []*Client) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range clients {
		if c == except {
			continue
		}
		if _, ok := r.clients[c]; !ok || c.closed {
			continue
		}
		select {
		case c.send <- payload:
			delivered++
		default:
			failed = append(failed, c)
		}
	}
	return delivered, failed
}

func snapshot(set map[*Client]struct{}) []*Client {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
