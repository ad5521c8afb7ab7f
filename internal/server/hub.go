// Package server coordinates connection admission, presence, typing, message
// relay and read receipts for the chat relay via the Hub type.
package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const tracerName = "github.com/Tyrowin/chatrelay/internal/server"

// Hub owns every live connection and the components that act on them.
// Admission and eviction are serialized through Run so presence transitions
// are observed in order.
type Hub struct {
	opts     Options
	registry *Registry
	presence *Presence
	typing   *Typing
	relay    *Relay
	receipts *Receipts
	metrics  *metrics
	log      *zap.Logger
	tracer   trace.Tracer

	register    chan *Client
	unregister  chan *Client
	transitions sync.Mutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewHub creates a Hub. Call Run in its own goroutine before registering
// clients.
func NewHub(opts Options) *Hub {
	opts = sanitizeOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		opts:       opts,
		registry:   NewRegistry(),
		metrics:    newMetrics(opts.Registerer),
		log:        opts.Logger,
		tracer:     otel.Tracer(tracerName),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.presence = newPresence(h)
	h.typing = newTyping(h, opts.TypingExpiry)
	h.relay = newRelay(h)
	h.receipts = newReceipts(h)
	return h
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Typing exposes the typing coordinator.
func (h *Hub) Typing() *Typing { return h.typing }

// Relay exposes the message relay.
func (h *Hub) Relay() *Relay { return h.relay }

// Receipts exposes the read-receipt notifier.
func (h *Hub) Receipts() *Receipts { return h.receipts }

// Store returns the persistence collaborator.
func (h *Hub) Store() store.Store { return h.opts.Store }

// Register hands c to the Run loop. It returns false once the hub is
// shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister evicts c. After Run has returned it evicts inline.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.disconnect(c)
	}
}

// Run is the hub's main event loop. It returns after Shutdown is called and
// every connection has been told to close.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.admit(client)

		case client := <-h.unregister:
			h.disconnect(client)
		}
	}
}

func (h *Hub) admit(c *Client) {
	h.transitions.Lock()
	defer h.transitions.Unlock()

	first, added := h.registry.Admit(c)
	if !added {
		return
	}
	h.metrics.connections.Inc()

	h.emit([]*Client{c}, nil, chat.OnlineUsers{UserIDs: h.registry.OnlineUserIDs()})
	if first {
		h.metrics.onlineUsers.Inc()
		h.presence.online(c.User())
	}
	c.log.Info("client registered", zap.Int("total", h.registry.Count()))

	if c.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// disconnect is idempotent: evicting an absent client does nothing.
func (h *Hub) disconnect(c *Client) {
	h.transitions.Lock()
	defer h.transitions.Unlock()

	last, existed := h.registry.Evict(c)
	if !existed {
		return
	}
	close(c.send)
	h.metrics.connections.Dec()

	if last {
		h.metrics.onlineUsers.Dec()
		h.typing.StopAll(c.UserID())
		h.presence.offline(c.User())
	}
	c.log.Info("client unregistered", zap.Int("total", h.registry.Count()))
}

// dispatch handles one inbound event on the origin connection's goroutine.
func (h *Hub) dispatch(c *Client, ev chat.Inbound) {
	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	var err error
	switch e := ev.(type) {
	case chat.JoinRoom:
		var room string
		if room, err = roomID(e.RoomID); err == nil {
			h.registry.JoinRoom(c, room)
		}
	case chat.LeaveRoom:
		var room string
		if room, err = roomID(e.RoomID); err == nil {
			h.registry.LeaveRoom(c, room)
		}
	case chat.SendMessage:
		_, err = h.relay.Send(ctx, c, e)
	case chat.Typing:
		var target chat.Target
		if target, err = chat.NewTarget(e.ReceiverID, e.RoomID); err == nil {
			h.typing.Start(c.User(), target)
		}
	case chat.StopTyping:
		var target chat.Target
		if target, err = chat.NewTarget(e.ReceiverID, e.RoomID); err == nil {
			h.typing.Stop(c.UserID(), target)
		}
	case chat.MessageRead:
		_, err = h.receipts.MarkRead(ctx, e.MessageID, c.UserID())
	default:
		err = chat.ErrUnknownEvent
	}

	if err != nil {
		h.reject(c, ev.Type(), err)
	}
}

func roomID(raw string) (string, error) {
	room := strings.TrimSpace(raw)
	if room == "" {
		return "", chat.ErrRoomRequired
	}
	return room, nil
}

// reject reports err to the origin connection only.
func (h *Hub) reject(c *Client, event chat.EventType, err error) {
	label := chat.ErrorLabel(err)
	h.metrics.rejected.WithLabelValues(label).Inc()

	fields := []zap.Field{zap.String("event", string(event)), zap.String("reason", label), zap.Error(err)}
	switch {
	case chat.IsValidation(err):
		c.log.Debug("event rejected", fields...)
	case label == "internal":
		c.log.Error("event failed", fields...)
	default:
		c.log.Info("event rejected", fields...)
	}

	h.emit([]*Client{c}, nil, chat.Error{Message: chat.ClientMessage(err)})
}

// resolve returns the live connections addressed by target.
func (h *Hub) resolve(target chat.Target) []*Client {
	switch {
	case target.IsDirect():
		return h.registry.Route(target.ReceiverID())
	case target.IsRoom():
		return h.registry.RouteRoom(target.RoomID())
	default:
		return nil
	}
}

// emit encodes ev once and queues it on clients other than except.
// Clients whose buffer is full are dropped. It returns the number of
// connections the event was queued on.
func (h *Hub) emit(clients []*Client, except *Client, ev chat.Outbound) int {
	if len(clients) == 0 {
		return 0
	}
	payload, err := chat.EncodeOutbound(ev)
	if err != nil {
		h.log.Error("encode outbound event", zap.String("event", string(ev.Type())), zap.Error(err))
		return 0
	}

	delivered, failed := h.registry.Deliver(clients, except, payload)
	for _, c := range failed {
		h.metrics.dropped.Inc()
		c.log.Warn("send buffer full; dropping connection", zap.String("event", string(ev.Type())))
		c.kick()
	}
	return delivered
}

// shutdownClients closes every live connection.
func (h *Hub) shutdownClients() {
	clients := h.registry.All()
	h.log.Info("shutting down client connections", zap.Int("count", len(clients)))

	for _, c := range clients {
		if c.conn == nil {
			h.disconnect(c)
			continue
		}
		c.kick()
	}
}

// Shutdown stops the Run loop, closes every connection and waits for the
// client goroutines to finish or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	deadline := time.After(timeout)

	h.cancel()

	select {
	case <-h.done:
	case <-deadline:
		h.log.Warn("hub run loop did not stop before timeout")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadline:
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}

	h.typing.Close()
	h.presence.close()
	h.log.Info("hub shutdown completed")
	return nil
}
