// Package index implements UserSocketIndex and UserRoomIndex: shared-store
// lookups enabling cross-instance targeted delivery.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/livestage/sfu-gateway/internal/store"
)

// Sockets maps userId -> set<connId>, with a per-connection TTL heartbeat so
// a node that dies without cleaning up doesn't leak stale entries forever.
type Sockets struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSockets(redisClient *redis.Client, heartbeatTTL time.Duration) *Sockets {
	return &Sockets{redis: redisClient, ttl: heartbeatTTL}
}

func (s *Sockets) Add(ctx context.Context, userID int64, connID string) error {
	key := store.UserSocketsKey(userID)
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, key, connID)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Sockets) Remove(ctx context.Context, userID int64, connID string) error {
	return s.redis.SRem(ctx, store.UserSocketsKey(userID), connID).Err()
}

func (s *Sockets) Heartbeat(ctx context.Context, userID int64) error {
	return s.redis.Expire(ctx, store.UserSocketsKey(userID), s.ttl).Err()
}

func (s *Sockets) ConnectionsFor(ctx context.Context, userID int64) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, store.UserSocketsKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

// Rooms maps userId -> current roomId, used for "where is this user" queries
// and to scope relay fan-out.
type Rooms struct {
	redis *redis.Client
}

func NewRooms(redisClient *redis.Client) *Rooms {
	return &Rooms{redis: redisClient}
}

func (r *Rooms) Set(ctx context.Context, userID int64, roomID string) error {
	return r.redis.Set(ctx, store.UserRoomKey(userID), roomID, 0).Err()
}

func (r *Rooms) Clear(ctx context.Context, userID int64) error {
	return r.redis.Del(ctx, store.UserRoomKey(userID)).Err()
}

func (r *Rooms) Get(ctx context.Context, userID int64) (string, bool, error) {
	val, err := r.redis.Get(ctx, store.UserRoomKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}
