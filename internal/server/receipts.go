package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/eventbus"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Receipts marks direct messages read and tells their senders.
type Receipts struct {
	hub    *Hub
	store  store.MessageStore
	bus    eventbus.Publisher
	tracer trace.Tracer
	log    *zap.Logger
}

func newReceipts(h *Hub) *Receipts {
	return &Receipts{
		hub:    h,
		store:  h.opts.Store,
		bus:    h.opts.Bus,
		tracer: h.tracer,
		log:    h.log.Named("receipts"),
	}
}

// MarkRead marks messageID read on behalf of requester, who must be the
// message's direct receiver. A message that is already read is returned
// unchanged and no receipt is sent.
func (r *Receipts) MarkRead(ctx context.Context, messageID, requester string) (*chat.Message, error) {
	ctx, span := r.tracer.Start(ctx, "receipts.mark_read", trace.WithAttributes(
		attribute.String("chat.message_id", messageID),
		attribute.String("chat.reader", requester),
	))
	defer span.End()

	msg, err := r.markRead(ctx, strings.TrimSpace(messageID), requester)
	if err != nil {
		span.SetStatus(codes.Error, chat.ErrorLabel(err))
	}
	return msg, err
}

func (r *Receipts) markRead(ctx context.Context, messageID, requester string) (*chat.Message, error) {
	if messageID == "" {
		return nil, chat.ErrNotFound
	}

	msg, err := r.store.FindMessage(ctx, messageID)
	if errors.Is(err, chat.ErrNotFound) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		r.log.Error("load message", zap.String("message_id", messageID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", chat.ErrReceiptPersistence, err)
	}

	if !msg.Target.IsDirect() || msg.Target.ReceiverID() != requester {
		return nil, chat.ErrForbidden
	}
	if msg.IsRead {
		return msg, nil
	}

	updated, changed, err := r.store.MarkMessageRead(ctx, messageID, r.hub.opts.Now())
	if err != nil {
		r.log.Error("mark message read", zap.String("message_id", messageID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", chat.ErrReceiptPersistence, err)
	}
	// another device of the receiver got there first
	if !changed || updated.ReadAt == nil {
		return updated, nil
	}
	r.hub.metrics.readReceipts.Inc()

	receipt := chat.MessageReadReceipt{MessageID: updated.ID, ReadAt: *updated.ReadAt}
	r.hub.emit(r.hub.registry.Route(updated.SenderID), nil, receipt)

	ev := eventbus.ReadEvent{
		MessageID: updated.ID,
		ReaderID:  requester,
		SenderID:  updated.SenderID,
		ReadAt:    *updated.ReadAt,
	}
	if err := r.bus.Publish(ctx, eventbus.SubjectMessageRead, ev); err != nil {
		r.log.Warn("publish read receipt", zap.String("message_id", updated.ID), zap.Error(err))
	}
	return updated, nil
}
