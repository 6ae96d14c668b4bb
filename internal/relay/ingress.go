// Package relay implements RelayIngress: a single shared pub/sub
// subscription that routes backend-originated events to the right subset
// of connected clients.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/index"
	"github.com/livestage/sfu-gateway/internal/metrics"
)

// Envelope is the wire shape of every message published on the shared
// backend channel.
type Envelope struct {
	Event         string          `json:"event"`
	UserID        *int64          `json:"userId,omitempty"`
	RoomID        *string         `json:"roomId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
}

// Dispatcher is the narrow slice of Connection/RoomRegistry routing this
// package needs.
type Dispatcher interface {
	SendToUser(ctx context.Context, userID int64, event string, payload any)
	BroadcastRoom(roomID, event string, payload any, excludeConnID string)
	Broadcast(event string, payload any)
}

// Ingress subscribes to a single shared channel and routes each envelope.
type Ingress struct {
	redis      *redis.Client
	channel    string
	allowlist  map[string]struct{}
	sockets    *index.Sockets
	dispatcher Dispatcher
	logger     *zap.Logger
}

func New(redisClient *redis.Client, channel string, allowlist []string, sockets *index.Sockets, dispatcher Dispatcher, logger *zap.Logger) *Ingress {
	set := make(map[string]struct{}, len(allowlist))
	for _, name := range allowlist {
		set[name] = struct{}{}
	}
	return &Ingress{
		redis:      redisClient,
		channel:    channel,
		allowlist:  set,
		sockets:    sockets,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run subscribes and processes messages until ctx is cancelled.
func (ig *Ingress) Run(ctx context.Context) {
	sub := ig.redis.Subscribe(ctx, ig.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ig.handle(ctx, msg.Payload)
		}
	}
}

func (ig *Ingress) handle(ctx context.Context, raw string) {
	metrics.RelayInFlight.Inc()
	defer metrics.RelayInFlight.Dec()
	start := time.Now()

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		ig.logger.Warn("relay: malformed envelope, dropped", zap.Error(err))
		return
	}

	if _, ok := ig.allowlist[env.Event]; !ok {
		metrics.RelayEventsTotal.WithLabelValues(env.Event, "rejected").Inc()
		ig.logger.Warn("relay: event not in allowlist", zap.String("event", env.Event))
		return
	}

	ig.route(ctx, env)

	metrics.RelayEventsTotal.WithLabelValues(env.Event, "delivered").Inc()
	metrics.RelayProcessingMs.WithLabelValues(env.Event).Observe(float64(time.Since(start).Milliseconds()))
}

func (ig *Ingress) route(ctx context.Context, env Envelope) {
	switch {
	case env.UserID != nil && env.RoomID != nil:
		// Targeted: connections of that user, scoped to the named room.
		// Delivery itself is user-scoped; room scoping is advisory metadata
		// the client uses to ignore events for a room it has since left.
		ig.dispatcher.SendToUser(ctx, *env.UserID, env.Event, env.Payload)
	case env.UserID != nil:
		ig.dispatcher.SendToUser(ctx, *env.UserID, env.Event, env.Payload)
	case env.RoomID != nil:
		ig.dispatcher.BroadcastRoom(*env.RoomID, env.Event, env.Payload, "")
	default:
		ig.dispatcher.Broadcast(env.Event, env.Payload)
	}
}
