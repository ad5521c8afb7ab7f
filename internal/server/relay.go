package server

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/eventbus"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Relay validates, persists and routes messages.
type Relay struct {
	hub    *Hub
	store  store.MessageStore
	bus    eventbus.Publisher
	tracer trace.Tracer
	log    *zap.Logger
}

func newRelay(h *Hub) *Relay {
	return &Relay{
		hub:    h,
		store:  h.opts.Store,
		bus:    h.opts.Bus,
		tracer: h.tracer,
		log:    h.log.Named("relay"),
	}
}

// Send persists req as a message from the origin connection's user, delivers
// receive_message to the target's live connections and acknowledges the
// origin with message_sent. Recipients that are offline get nothing; the
// message stays available through history.
func (r *Relay) Send(ctx context.Context, origin *Client, req chat.SendMessage) (*chat.Message, error) {
	ctx, span := r.tracer.Start(ctx, "relay.send", trace.WithAttributes(
		attribute.String("chat.sender", origin.UserID()),
	))
	defer span.End()

	msg, err := r.build(origin.User(), req)
	if err != nil {
		span.SetStatus(codes.Error, chat.ErrorLabel(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("chat.target", msg.Target.Key()),
		attribute.String("chat.kind", string(msg.Kind)),
	)

	saved, err := r.store.SaveMessage(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist")
		r.log.Error("persist message",
			zap.String("user", origin.UserID()),
			zap.String("target", msg.Target.Key()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", chat.ErrPersistence, err)
	}
	saved.Sender = origin.User()
	span.SetAttributes(attribute.String("chat.message_id", saved.ID))

	recipients := r.hub.resolve(saved.Target)
	delivered := r.hub.emit(recipients, origin, chat.ReceiveMessage{Message: saved})
	r.hub.emit([]*Client{origin}, nil, chat.MessageSent{Message: saved})

	r.hub.metrics.relayed.WithLabelValues(string(saved.Kind)).Inc()
	span.SetAttributes(attribute.Int("chat.delivered", delivered))
	r.log.Debug("message relayed",
		zap.String("message_id", saved.ID),
		zap.String("target", saved.Target.Key()),
		zap.Int("delivered", delivered))

	if err := r.bus.Publish(ctx, eventbus.SubjectMessageCreated, saved); err != nil {
		r.log.Warn("publish message", zap.String("message_id", saved.ID), zap.Error(err))
	}
	return saved, nil
}

func (r *Relay) build(sender chat.UserIdentity, req chat.SendMessage) (*chat.Message, error) {
	target, err := chat.NewTarget(req.ReceiverID, req.RoomID)
	if err != nil {
		return nil, err
	}
	kind, err := chat.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	return chat.NewMessage(sender, target, kind, req.Content, req.AttachmentRef, req.AttachmentName, r.hub.opts.Now())
}
