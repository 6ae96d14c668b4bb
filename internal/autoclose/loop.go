// Package autoclose implements AutoCloseLoop: a periodic single-flight
// sweep that closes rooms with no activity and zero participants.
package autoclose

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/metrics"
	"github.com/livestage/sfu-gateway/internal/store"
)

// RoomCloser is the narrow slice of RoomRegistry this loop needs.
type RoomCloser interface {
	CloseRoom(ctx context.Context, roomID, reason string) error
	ParticipantCount(roomID string) (int, bool)
}

// Loop implements AutoCloseLoop.
type Loop struct {
	redis    *redis.Client
	registry RoomCloser
	logger   *zap.Logger
	interval time.Duration
	running  int32
}

func New(redisClient *redis.Client, registry RoomCloser, interval time.Duration, logger *zap.Logger) *Loop {
	return &Loop{redis: redisClient, registry: registry, interval: interval, logger: logger}
}

// Run ticks every interval until ctx is cancelled, skipping a tick if the
// previous sweep is still in progress.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
				continue
			}
			l.sweep(ctx)
			atomic.StoreInt32(&l.running, 0)
		}
	}
}

func (l *Loop) sweep(ctx context.Context) {
	metrics.AutoCloseSweepsTotal.Inc()

	var cursor uint64
	closed := 0
	for {
		keys, next, err := l.redis.Scan(ctx, cursor, store.RoomStatePrefix+"*", 200).Result()
		if err != nil {
			l.logger.Error("autoclose: scan failed", zap.Error(err))
			return
		}

		for _, key := range keys {
			roomID := key[len(store.RoomStatePrefix):]
			if l.isInactive(ctx, roomID) {
				if err := l.registry.CloseRoom(ctx, roomID, "inactivity"); err != nil {
					l.logger.Error("autoclose: close room failed", zap.Error(err), zap.String("roomId", roomID))
					continue
				}
				closed++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if closed > 0 {
		metrics.AutoCloseRoomsClosedTotal.Add(float64(closed))
		l.logger.Info("autoclose: swept inactive rooms", zap.Int("closed", closed))
	}
}

// isInactive checks the activity key and in-memory participant count. On
// any read error it fails safe by treating the room as active.
func (l *Loop) isInactive(ctx context.Context, roomID string) bool {
	pipe := l.redis.Pipeline()
	existsCmd := pipe.Exists(ctx, store.RoomActivityKey(roomID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false
	}

	activityExists := existsCmd.Val() > 0
	if activityExists {
		return false
	}

	count, known := l.registry.ParticipantCount(roomID)
	if !known {
		// No local handle for this room id (owned by another node, or
		// already torn down); treat as active rather than risk a close
		// racing a concurrent join on the owning node.
		return false
	}
	return count == 0
}
