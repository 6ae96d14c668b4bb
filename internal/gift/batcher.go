// Package gift implements GiftBatcher: the gift:send/gift:prepare handlers
// and the periodic flush pipeline to the business backend.
package gift

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/backend"
	"github.com/livestage/sfu-gateway/internal/index"
	"github.com/livestage/sfu-gateway/internal/metrics"
	"github.com/livestage/sfu-gateway/internal/ratelimit"
	"github.com/livestage/sfu-gateway/internal/store"
)

// QueuedTransaction is what sits in the durable gifts:pending list, one
// JSON-encoded entry per list element.
type QueuedTransaction struct {
	backend.GiftTransactionPayload
	SenderConnID string `json:"senderConnId"`
	RetryCount   int    `json:"retryCount"`
}

// Dispatcher is the narrow slice of Connection routing this package needs.
type Dispatcher interface {
	SendToConn(connID, event string, payload any)
	SendToUser(ctx context.Context, userID int64, event string, payload any)
	BroadcastRoom(roomID, event string, payload any, excludeConnID string)
}

// RoomMembership answers whether a user is currently in a room, used to
// gate gift:send.
type RoomMembership interface {
	IsMember(roomID string, userID int64) bool
}

// Batcher implements GiftBatcher.
type Batcher struct {
	redis         *redis.Client
	backend       *backend.Client
	dispatcher    Dispatcher
	sockets       *index.Sockets
	limiter       *ratelimit.Limiter
	membership    RoomMembership
	logger        *zap.Logger
	flushInterval time.Duration
	maxRetries    int
	sendRate      string
	prepareRate   string
}

func New(
	redisClient *redis.Client,
	backendClient *backend.Client,
	dispatcher Dispatcher,
	sockets *index.Sockets,
	limiter *ratelimit.Limiter,
	membership RoomMembership,
	flushInterval time.Duration,
	maxRetries int,
	sendRate, prepareRate string,
	logger *zap.Logger,
) *Batcher {
	return &Batcher{
		redis:         redisClient,
		backend:       backendClient,
		dispatcher:    dispatcher,
		sockets:       sockets,
		limiter:       limiter,
		membership:    membership,
		logger:        logger,
		flushInterval: flushInterval,
		maxRetries:    maxRetries,
		sendRate:      sendRate,
		prepareRate:   prepareRate,
	}
}

// Run drives the periodic flush loop until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// SendGift handles gift:send: validates membership/self-gift/rate limit,
// immediately broadcasts gift:received, then enqueues for settlement.
func (b *Batcher) SendGift(ctx context.Context, connID, roomID string, senderID, recipientID, giftID int64, quantity int) error {
	if !b.membership.IsMember(roomID, senderID) {
		return apperr.New(apperr.NotInRoom, "sender not in room")
	}
	if senderID == recipientID {
		return apperr.New(apperr.CannotGiftSelf, "cannot gift self")
	}
	if !b.limiter.Allow(ctx, "gift:send", formatUserKey(senderID), b.sendRate) {
		return apperr.New(apperr.RateLimited, "gift send rate limit exceeded")
	}

	b.dispatcher.BroadcastRoom(roomID, "gift:received", map[string]any{
		"senderId":    senderID,
		"roomId":      roomID,
		"giftId":      giftID,
		"recipientId": recipientID,
		"quantity":    quantity,
	}, "")

	tx := QueuedTransaction{
		GiftTransactionPayload: backend.GiftTransactionPayload{
			TransactionID: uuid.NewString(),
			RoomID:        roomID,
			SenderID:      senderID,
			RecipientID:   recipientID,
			GiftID:        giftID,
			Quantity:      quantity,
			Timestamp:     time.Now(),
		},
		SenderConnID: connID,
	}
	return b.enqueue(ctx, tx)
}

// PrepareGift handles gift:prepare: a rate-limited preload signal targeted
// only at the recipient's currently known connections.
func (b *Batcher) PrepareGift(ctx context.Context, senderID, recipientID, giftID int64) error {
	if !b.limiter.Allow(ctx, "gift:prepare", formatUserKey(senderID), b.prepareRate) {
		return apperr.New(apperr.RateLimited, "gift prepare rate limit exceeded")
	}
	b.dispatcher.SendToUser(ctx, recipientID, "gift:prepare", map[string]any{
		"senderId": senderID,
		"giftId":   giftID,
	})
	return nil
}

func (b *Batcher) enqueue(ctx context.Context, tx QueuedTransaction) error {
	encoded, err := json.Marshal(tx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode gift transaction", err)
	}
	if err := b.redis.RPush(ctx, store.GiftsPendingKey, encoded).Err(); err != nil {
		return apperr.Wrap(apperr.Internal, "enqueue gift transaction", err)
	}
	metrics.GiftsEnqueuedTotal.Inc()
	return nil
}

// flush atomically renames the pending list aside, then POSTs the whole
// batch to the backend. This eliminates the read-then-clear race: any
// producer writing to gifts:pending after the rename starts a fresh list.
func (b *Batcher) flush(ctx context.Context) {
	processingKey := store.GiftsProcessingKey(time.Now().UnixNano())

	err := b.redis.Rename(ctx, store.GiftsPendingKey, processingKey).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) || isNoSuchKey(err) {
			return // empty queue, nothing to flush
		}
		b.logger.Error("gift: rename pending queue failed", zap.Error(err))
		return
	}

	raw, err := b.redis.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		b.logger.Error("gift: read processing queue failed", zap.Error(err))
		return
	}
	defer b.redis.Del(ctx, processingKey)

	items := make([]QueuedTransaction, 0, len(raw))
	for _, r := range raw {
		var tx QueuedTransaction
		if err := json.Unmarshal([]byte(r), &tx); err != nil {
			b.logger.Warn("gift: dropped malformed queued transaction", zap.Error(err))
			continue
		}
		items = append(items, tx)
	}
	if len(items) == 0 {
		return
	}

	req := backend.GiftBatchRequest{Transactions: make([]backend.GiftTransactionPayload, len(items))}
	for i, tx := range items {
		req.Transactions[i] = tx.GiftTransactionPayload
	}

	resp, err := b.backend.PostGiftBatch(ctx, req)
	if err != nil {
		b.retryOrDeadLetter(ctx, items)
		metrics.GiftsFlushedTotal.WithLabelValues("failed").Inc()
		return
	}

	metrics.GiftsFlushedTotal.WithLabelValues("ok").Inc()

	byID := make(map[string]QueuedTransaction, len(items))
	for _, tx := range items {
		byID[tx.TransactionID] = tx
	}
	for _, failure := range resp.Failed {
		tx, ok := byID[failure.TransactionID]
		if !ok {
			continue
		}
		b.dispatcher.SendToConn(tx.SenderConnID, "gift:error", map[string]any{
			"transactionId": failure.TransactionID,
			"code":          failure.Code,
			"reason":        failure.Reason,
		})
	}
}

func (b *Batcher) retryOrDeadLetter(ctx context.Context, items []QueuedTransaction) {
	for _, tx := range items {
		tx.RetryCount++
		if tx.RetryCount >= b.maxRetries {
			encoded, _ := json.Marshal(tx)
			if err := b.redis.RPush(ctx, store.GiftsDeadLetterKey, encoded).Err(); err != nil {
				b.logger.Error("gift: dead-letter push failed", zap.Error(err))
			}
			metrics.GiftsDeadLetter.Inc()
			b.dispatcher.SendToConn(tx.SenderConnID, "gift:error", map[string]any{
				"transactionId": tx.TransactionID,
				"code":          "PROCESSING_FAILED",
				"reason":        "gift settlement failed after max retries",
			})
			continue
		}
		encoded, err := json.Marshal(tx)
		if err != nil {
			continue
		}
		if err := b.redis.RPush(ctx, store.GiftsPendingKey, encoded).Err(); err != nil {
			b.logger.Error("gift: re-enqueue failed", zap.Error(err))
		}
	}
}

func isNoSuchKey(err error) bool {
	return err != nil && err.Error() == "ERR no such key"
}

func formatUserKey(userID int64) string {
	return store.RateLimitKey("gift", strconv.FormatInt(userID, 10), "")
}
