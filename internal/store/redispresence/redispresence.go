// Package redispresence mirrors presence transitions into Redis so other
// processes can look up who is online.
package redispresence

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/chatrelay/internal/store"
)

const onlineSetKey = "chat:online"

// key: chat:presence:<user>, value: unix millis of the transition
func presenceKey(user string) string { return "chat:presence:" + user }

// Store decorates a store.Store. Presence writes go to both Redis and
// the wrapped store; every other call passes through.
type Store struct {
	store.Store
	rdb *redis.Client
	ttl time.Duration
}

// Connect pings addr and wraps next.
func Connect(ctx context.Context, next store.Store, addr, password string, db int, ttl time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return New(next, rdb, ttl), nil
}

// New wraps next with an existing client.
func New(next store.Store, rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{Store: next, rdb: rdb, ttl: ttl}
}

// SetUserOnline records the transition in the wrapped store, then mirrors it
// to Redis. The wrapped store is written even when Redis is unreachable.
func (s *Store) SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	durable := s.Store.SetUserOnline(ctx, userID, online, at)

	pipe := s.rdb.TxPipeline()
	if online {
		pipe.Set(ctx, presenceKey(userID), strconv.FormatInt(at.UnixMilli(), 10), s.ttl)
		pipe.SAdd(ctx, onlineSetKey, userID)
	} else {
		pipe.Del(ctx, presenceKey(userID))
		pipe.SRem(ctx, onlineSetKey, userID)
	}
	var mirror error
	if _, err := pipe.Exec(ctx); err != nil {
		mirror = errors.Wrapf(err, "redis presence %s", userID)
	}
	return stderrors.Join(durable, mirror)
}

// Refresh renews the TTL of an online user's presence key.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	return errors.Wrap(s.rdb.Expire(ctx, presenceKey(userID), s.ttl).Err(), "redis refresh")
}

func (s *Store) Close(ctx context.Context) error {
	rerr := s.rdb.Close()
	if err := s.Store.Close(ctx); err != nil {
		return err
	}
	return rerr
}
