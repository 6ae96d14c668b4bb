package gift

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/backend"
	"github.com/livestage/sfu-gateway/internal/config"
	"github.com/livestage/sfu-gateway/internal/index"
	"github.com/livestage/sfu-gateway/internal/ratelimit"
	"github.com/livestage/sfu-gateway/internal/store"
)

type fakeDispatcher struct {
	broadcasts []map[string]any
	toUser     []int64
	toConn     []string
}

func (f *fakeDispatcher) SendToConn(connID, event string, payload any) {
	f.toConn = append(f.toConn, connID)
}
func (f *fakeDispatcher) SendToUser(ctx context.Context, userID int64, event string, payload any) {
	f.toUser = append(f.toUser, userID)
}
func (f *fakeDispatcher) BroadcastRoom(roomID, event string, payload any, excludeConnID string) {
	f.broadcasts = append(f.broadcasts, payload.(map[string]any))
}

type fakeMembership struct{ members map[string]bool }

func (f *fakeMembership) IsMember(roomID string, userID int64) bool {
	return f.members[roomID]
}

func newTestBatcher(t *testing.T, backendClient *backend.Client) (*Batcher, *fakeDispatcher, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter, err := ratelimit.New(nil, zap.NewNop())
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	membership := &fakeMembership{members: map[string]bool{"room-1": true}}

	b := New(client, backendClient, dispatcher, index.NewSockets(client, time.Minute), limiter, membership,
		time.Hour, 3, "30-M", "60-M", zap.NewNop())
	return b, dispatcher, client
}

func TestBatcher_SendGift_SenderNotInRoom(t *testing.T) {
	b, _, _ := newTestBatcher(t, nil)
	err := b.SendGift(context.Background(), "conn-1", "room-2", 1, 2, 10, 1)
	require.Error(t, err)
	require.Equal(t, apperr.NotInRoom, apperr.CodeOf(err))
}

func TestBatcher_SendGift_CannotGiftSelf(t *testing.T) {
	b, _, _ := newTestBatcher(t, nil)
	err := b.SendGift(context.Background(), "conn-1", "room-1", 1, 1, 10, 1)
	require.Error(t, err)
	require.Equal(t, apperr.CannotGiftSelf, apperr.CodeOf(err))
}

func TestBatcher_SendGift_BroadcastsAndEnqueues(t *testing.T) {
	b, dispatcher, client := newTestBatcher(t, nil)
	ctx := context.Background()

	err := b.SendGift(ctx, "conn-1", "room-1", 1, 2, 10, 3)
	require.NoError(t, err)

	require.Len(t, dispatcher.broadcasts, 1)
	require.Equal(t, int64(1), dispatcher.broadcasts[0]["senderId"])

	length, err := client.LLen(ctx, store.GiftsPendingKey).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, length)
}

func TestBatcher_PrepareGift_NotifiesRecipientOnly(t *testing.T) {
	b, dispatcher, _ := newTestBatcher(t, nil)
	err := b.PrepareGift(context.Background(), 1, 2, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, dispatcher.toUser)
}

func TestBatcher_Flush_EmptyQueueIsNoop(t *testing.T) {
	b, _, _ := newTestBatcher(t, nil)
	b.flush(context.Background())
}

func TestBatcher_Flush_PostsBatchAndReportsFailures(t *testing.T) {
	var received backend.GiftBatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		resp := backend.GiftBatchResponse{
			ProcessedCount: 0,
			Failed: []backend.GiftBatchFailure{
				{TransactionID: received.Transactions[0].TransactionID, Code: 409, Reason: "insufficient balance"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	backendClient := backend.New(config.BackendConfig{
		BaseURL:          srv.URL,
		RequestTimeout:   time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Second,
	}, zap.NewNop())

	b, dispatcher, _ := newTestBatcher(t, backendClient)
	ctx := context.Background()
	require.NoError(t, b.SendGift(ctx, "conn-1", "room-1", 1, 2, 10, 1))

	b.flush(ctx)

	require.Len(t, received.Transactions, 1)
	require.Equal(t, []string{"conn-1"}, dispatcher.toConn)
}

func TestBatcher_Flush_BackendFailure_RetriesUntilDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	backendClient := backend.New(config.BackendConfig{
		BaseURL:          srv.URL,
		RequestTimeout:   time.Second,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Second,
	}, zap.NewNop())

	b, dispatcher, client := newTestBatcher(t, backendClient)
	b.maxRetries = 1
	ctx := context.Background()
	require.NoError(t, b.SendGift(ctx, "conn-1", "room-1", 1, 2, 10, 1))

	b.flush(ctx)

	require.Equal(t, []string{"conn-1"}, dispatcher.toConn)
	length, err := client.LLen(ctx, store.GiftsDeadLetterKey).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, length)
}
