package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/eventbus"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const (
	presenceQueueSize = 1024
	storeTimeout      = 5 * time.Second
)

// presenceRefresher is implemented by stores whose online flags expire
// unless renewed.
type presenceRefresher interface {
	Refresh(ctx context.Context, userID string) error
}

type presenceUpdate struct {
	userID string
	online bool
	at     time.Time
}

// Presence broadcasts online and offline transitions and records them in
// the store. Store writes happen on a background worker, in transition order,
// so no registry or hub lock is held across I/O.
type Presence struct {
	hub     *Hub
	store   store.UserStore
	bus     eventbus.Publisher
	log     *zap.Logger
	refresh time.Duration

	updates chan presenceUpdate
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	// mu orders enqueue against close; an accepted update is always
	// drained by the worker.
	mu      sync.Mutex
	stopped bool
}

func newPresence(h *Hub) *Presence {
	p := &Presence{
		hub:     h,
		store:   h.opts.Store,
		bus:     h.opts.Bus,
		log:     h.log.Named("presence"),
		refresh: h.opts.PresenceRefresh,
		updates: make(chan presenceUpdate, presenceQueueSize),
		stop:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// online announces user to every connection that does not belong to them.
func (p *Presence) online(user chat.UserIdentity) {
	p.broadcast(user.ID, chat.UserOnline{UserID: user.ID, DisplayName: user.DisplayName})
	p.enqueue(presenceUpdate{userID: user.ID, online: true, at: p.hub.opts.Now()})
}

// offline announces that user's last connection closed.
func (p *Presence) offline(user chat.UserIdentity) {
	p.broadcast(user.ID, chat.UserOffline{UserID: user.ID, DisplayName: user.DisplayName})
	p.enqueue(presenceUpdate{userID: user.ID, online: false, at: p.hub.opts.Now()})
}

func (p *Presence) broadcast(userID string, ev chat.Outbound) {
	all := p.hub.registry.All()
	others := all[:0]
	for _, c := range all {
		if c.UserID() != userID {
			others = append(others, c)
		}
	}
	p.hub.emit(others, nil, ev)
}

// enqueue hands u to the worker and reports whether it was accepted.
func (p *Presence) enqueue(u presenceUpdate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.log.Warn("presence update after shutdown", zap.String("user", u.userID))
		return false
	}
	select {
	case p.updates <- u:
		return true
	default:
		p.log.Warn("presence queue full; dropping update",
			zap.String("user", u.userID), zap.Bool("online", u.online))
		return false
	}
}

func (p *Presence) worker() {
	defer p.wg.Done()

	var tick <-chan time.Time
	refresher, ok := p.store.(presenceRefresher)
	if ok && p.refresh > 0 {
		ticker := time.NewTicker(p.refresh)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case u := <-p.updates:
			p.record(u)
		case <-tick:
			p.renew(refresher)
		case <-p.stop:
			for {
				select {
				case u := <-p.updates:
					p.record(u)
				default:
					return
				}
			}
		}
	}
}

func (p *Presence) record(u presenceUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := p.store.SetUserOnline(ctx, u.userID, u.online, u.at); err != nil {
		p.log.Error("record presence", zap.String("user", u.userID), zap.Bool("online", u.online), zap.Error(err))
	}

	subject := eventbus.SubjectUserOffline
	if u.online {
		subject = eventbus.SubjectUserOnline
	}
	ev := eventbus.PresenceEvent{UserID: u.userID, Online: u.online, At: u.at}
	if err := p.bus.Publish(ctx, subject, ev); err != nil {
		p.log.Warn("publish presence", zap.String("user", u.userID), zap.Error(err))
	}
}

func (p *Presence) renew(r presenceRefresher) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	for _, id := range p.hub.registry.OnlineUserIDs() {
		if err := r.Refresh(ctx, id); err != nil {
			p.log.Warn("refresh presence", zap.String("user", id), zap.Error(err))
		}
	}
}

// close flushes queued updates and stops the worker.
func (p *Presence) close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.stop)
		p.mu.Unlock()
	})
	p.wg.Wait()
}
