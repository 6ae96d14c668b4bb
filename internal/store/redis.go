// Package store holds the shared Redis client construction and the key
// layout consulted by SeatRepository, the indices, RateLimiter, GiftBatcher
// and AutoCloseLoop.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/config"
)

// NewClient builds and pings a shared Redis client.
func NewClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}

// Key layout, per the persistence section of the specification.

func RoomStateKey(roomID string) string { return fmt.Sprintf("room:state:%s", roomID) }
func RoomActivityKey(roomID string) string { return fmt.Sprintf("room:%s:activity", roomID) }
func RoomSeatsKey(roomID string) string { return fmt.Sprintf("room:%s:seats", roomID) }
func RoomLockedSeatsKey(roomID string) string { return fmt.Sprintf("room:%s:locked_seats", roomID) }
func RoomInviteSeatKey(roomID string, seatIndex int) string {
	return fmt.Sprintf("room:%s:invite:%d", roomID, seatIndex)
}
func RoomInviteUserKey(roomID string, userID int64) string {
	return fmt.Sprintf("room:%s:invite:user:%d", roomID, userID)
}
func UserSocketsKey(userID int64) string { return fmt.Sprintf("user:%d:sockets", userID) }
func UserRoomKey(userID int64) string    { return fmt.Sprintf("user:%d:room", userID) }
func RateLimitKey(action, userID string, scope string) string {
	if scope == "" {
		return fmt.Sprintf("ratelimit:%s:%s", action, userID)
	}
	return fmt.Sprintf("ratelimit:%s:%s:%s", action, userID, scope)
}

const (
	GiftsPendingKey    = "gifts:pending"
	GiftsDeadLetterKey = "gifts:dead_letter"
)

func GiftsProcessingKey(ts int64) string {
	return fmt.Sprintf("gifts:pending:processing:%d", ts)
}

func RevokedCredentialKey(hash string) string {
	return fmt.Sprintf("auth:revoked:%s", hash)
}

// RoomStatePrefix is the SCAN prefix AutoCloseLoop uses to enumerate rooms.
const RoomStatePrefix = "room:state:"
