// Package server exposes HTTP handlers: the authenticated WebSocket upgrade,
// conversation history, and the health check.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/chat"
)

// maxHistoryLimit caps the ?limit= of a history request.
const maxHistoryLimit = 200

// Handlers serves the relay's HTTP endpoints.
type Handlers struct {
	hub      *Hub
	verifier auth.Verifier
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandlers wires the handlers to hub, authenticating with verifier.
func NewHandlers(hub *Hub, verifier auth.Verifier, origins *OriginPolicy) *Handlers {
	return &Handlers{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		log: hub.log.Named("http"),
	}
}

// WebSocketHandler authenticates the bearer token, upgrades the connection
// and hands the client to the hub. Authentication failures are answered with
// 401 before the upgrade so no chat state is ever created for them.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	user, err := h.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		h.hub.metrics.rejected.WithLabelValues("authentication").Inc()
		h.log.Info("rejected handshake", zap.String("addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, chat.ClientMessage(chat.ErrAuthentication), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("user", user.ID), zap.Error(err))
		return
	}

	client := NewClient(conn, h.hub, user, r.RemoteAddr)

	// the hub launches the pump goroutines
	if !h.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

// HistoryHandler returns the caller's conversation with ?receiverId= or
// ?roomId=, oldest first, as a JSON array of messages.
func (h *Handlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, chat.ClientMessage(chat.ErrAuthentication), http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	target, err := chat.NewTarget(q.Get("receiverId"), q.Get("roomId"))
	if err != nil {
		http.Error(w, chat.ClientMessage(err), http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := h.hub.Store().History(r.Context(), user.ID, target, limit)
	if err != nil {
		h.log.Error("load history", zap.String("user", user.ID), zap.String("target", target.Key()), zap.Error(err))
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		h.log.Warn("write history", zap.Error(err))
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chat relay is running!")
}
