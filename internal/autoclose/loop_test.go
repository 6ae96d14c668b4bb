package autoclose

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/store"
)

type fakeRegistry struct {
	participants map[string]int
	closed       []string
	closeErr     error
}

func (f *fakeRegistry) CloseRoom(ctx context.Context, roomID, reason string) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, roomID)
	return nil
}

func (f *fakeRegistry) ParticipantCount(roomID string) (int, bool) {
	count, ok := f.participants[roomID]
	return count, ok
}

func newTestLoop(t *testing.T, registry RoomCloser) (*Loop, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, registry, time.Hour, zap.NewNop()), client
}

func TestLoop_Sweep_ClosesInactiveEmptyRoom(t *testing.T) {
	registry := &fakeRegistry{participants: map[string]int{"room-1": 0}}
	loop, client := newTestLoop(t, registry)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, store.RoomStatePrefix+"room-1", "ACTIVE", 0).Err())

	loop.sweep(ctx)

	require.Equal(t, []string{"room-1"}, registry.closed)
}

func TestLoop_Sweep_SkipsRoomWithRecentActivity(t *testing.T) {
	registry := &fakeRegistry{participants: map[string]int{"room-1": 0}}
	loop, client := newTestLoop(t, registry)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, store.RoomStatePrefix+"room-1", "ACTIVE", 0).Err())
	require.NoError(t, client.Set(ctx, store.RoomActivityKey("room-1"), "1", time.Minute).Err())

	loop.sweep(ctx)

	require.Empty(t, registry.closed)
}

func TestLoop_Sweep_SkipsRoomWithParticipants(t *testing.T) {
	registry := &fakeRegistry{participants: map[string]int{"room-1": 2}}
	loop, client := newTestLoop(t, registry)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, store.RoomStatePrefix+"room-1", "ACTIVE", 0).Err())

	loop.sweep(ctx)

	require.Empty(t, registry.closed)
}

func TestLoop_Sweep_SkipsRoomOwnedByAnotherNode(t *testing.T) {
	registry := &fakeRegistry{participants: map[string]int{}}
	loop, client := newTestLoop(t, registry)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, store.RoomStatePrefix+"room-1", "ACTIVE", 0).Err())

	loop.sweep(ctx)

	require.Empty(t, registry.closed)
}
