// Package eventbus publishes relay domain events to other services.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Subject suffixes, appended to the configured prefix.
const (
	SubjectMessageCreated = "messages.created"
	SubjectMessageRead    = "messages.read"
	SubjectUserOnline     = "presence.online"
	SubjectUserOffline    = "presence.offline"
)

// Publisher sends a JSON payload on a subject suffix.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

// NATS publishes on core NATS subjects.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials url. name identifies the connection on the server.
func Connect(url, name, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return NewNATS(nc, prefix), nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	return &NATS{nc: nc, prefix: prefix}
}

// Subject returns the full subject for a suffix.
func (p *NATS) Subject(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "." + suffix
}

func (p *NATS) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", subject)
	}

	msg := nats.NewMsg(p.Subject(subject))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if err := p.nc.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publish %s", subject)
	}
	return nil
}

func (p *NATS) Close() error {
	return p.nc.Drain()
}

// PresenceEvent is the payload of presence subjects.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// ReadEvent is the payload of SubjectMessageRead.
type ReadEvent struct {
	MessageID string    `json:"messageId"`
	ReaderID  string    `json:"readerId"`
	SenderID  string    `json:"senderId"`
	ReadAt    time.Time `json:"readAt"`
}
