// Package pgstore persists messages and users in PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Schema creates the tables used by the store.
const Schema = `
CREATE TABLE IF NOT EXISTS chat_users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar_ref   TEXT NOT NULL DEFAULT '',
	is_online    BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id              UUID PRIMARY KEY,
	sender_id       TEXT NOT NULL,
	sender_name     TEXT NOT NULL,
	sender_avatar   TEXT NOT NULL DEFAULT '',
	receiver_id     TEXT,
	room_id         TEXT,
	content         TEXT NOT NULL DEFAULT '',
	attachment_ref  TEXT NOT NULL DEFAULT '',
	attachment_name TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	is_read         BOOLEAN NOT NULL DEFAULT FALSE,
	read_at         TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	CHECK ((receiver_id IS NULL) <> (room_id IS NULL))
);

CREATE INDEX IF NOT EXISTS chat_messages_room_idx ON chat_messages (room_id, created_at DESC);
CREATE INDEX IF NOT EXISTS chat_messages_direct_idx ON chat_messages (sender_id, receiver_id, created_at DESC);
`

const insertColumns = `id, sender_id, sender_name, sender_avatar, receiver_id, room_id,
	content, attachment_ref, attachment_name, kind, is_read, read_at, created_at`

const messageColumns = `id::text, sender_id, sender_name, sender_avatar, receiver_id, room_id,
	content, attachment_ref, attachment_name, kind, is_read, read_at, created_at`

// Store implements store.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "ping postgres")
	}
	return &Store{pool: pool}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return pkgerrors.Wrap(err, "apply schema")
}

func (s *Store) SaveMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	saved := msg.Clone()
	saved.ID = uuid.NewString()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (`+insertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		saved.ID, saved.SenderID, saved.Sender.DisplayName, saved.Sender.AvatarRef,
		nullable(saved.Target.ReceiverID()), nullable(saved.Target.RoomID()),
		saved.Content, saved.AttachmentRef, saved.AttachmentName, string(saved.Kind),
		saved.IsRead, saved.ReadAt, saved.CreatedAt,
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "insert message")
	}
	return saved, nil
}

func (s *Store) FindMessage(ctx context.Context, id string) (*chat.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, chat.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "find message %s", id)
	}
	return msg, nil
}

func (s *Store) MarkMessageRead(ctx context.Context, id string, readAt time.Time) (*chat.Message, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false, chat.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE chat_messages SET is_read = TRUE, read_at = $2
		WHERE id = $1 AND NOT is_read
		RETURNING `+messageColumns, id, readAt.UTC())
	msg, err := scanMessage(row)
	if errors.Is(err, chat.ErrNotFound) {
		// missing, or already read by an earlier call
		msg, err := s.FindMessage(ctx, id)
		return msg, false, err
	}
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "mark message %s read", id)
	}
	return msg, true, nil
}

func (s *Store) History(ctx context.Context, self string, target chat.Target, limit int) ([]*chat.Message, error) {
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case target.IsRoom():
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM chat_messages
			WHERE room_id = $1
			ORDER BY created_at DESC LIMIT $2`, target.RoomID(), limit)
	case target.IsDirect():
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM chat_messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY created_at DESC LIMIT $3`, self, target.ReceiverID(), limit)
	default:
		return nil, chat.ErrTargetRequired
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "query history")
	}
	defer rows.Close()

	var newestFirst []*chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan history")
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "iterate history")
	}

	out := make([]*chat.Message, len(newestFirst))
	for i, msg := range newestFirst {
		out[len(newestFirst)-1-i] = msg
	}
	return out, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (chat.UserIdentity, error) {
	u := chat.UserIdentity{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT display_name, avatar_ref FROM chat_users WHERE id = $1`, id,
	).Scan(&u.DisplayName, &u.AvatarRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.UserIdentity{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.UserIdentity{}, pkgerrors.Wrapf(err, "find user %s", id)
	}
	return u, nil
}

// PutUser inserts or updates a user identity.
func (s *Store) PutUser(ctx context.Context, u chat.UserIdentity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_users (id, display_name, avatar_ref) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_ref = EXCLUDED.avatar_ref`,
		u.ID, u.DisplayName, u.AvatarRef)
	return pkgerrors.Wrapf(err, "put user %s", u.ID)
}

func (s *Store) SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_users SET is_online = $2, last_seen = $3 WHERE id = $1`,
		userID, online, at.UTC())
	return pkgerrors.Wrapf(err, "set user %s online=%t", userID, online)
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func scanMessage(row pgx.Row) (*chat.Message, error) {
	var (
		m                     chat.Message
		receiverID, roomID    *string
		senderName, senderAvt string
		kind                  string
	)
	err := row.Scan(
		&m.ID, &m.SenderID, &senderName, &senderAvt, &receiverID, &roomID,
		&m.Content, &m.AttachmentRef, &m.AttachmentName, &kind, &m.IsRead, &m.ReadAt, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	target, err := chat.NewTarget(deref(receiverID), deref(roomID))
	if err != nil {
		return nil, err
	}
	m.Target = target
	m.Kind = chat.Kind(kind)
	m.Sender = chat.UserIdentity{ID: m.SenderID, DisplayName: senderName, AvatarRef: senderAvt}
	return &m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
