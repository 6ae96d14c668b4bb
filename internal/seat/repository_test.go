package seat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/livestage/sfu-gateway/internal/apperr"
)

func newTestRepo(t *testing.T) (*Repository, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRepository(client), mr
}

func TestTakeSeat_ContentionYieldsExactlyOneWinner(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.TakeSeat(ctx, "room-1", int64(i+1), 0, 10)
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes, "exactly one concurrent take should succeed")

	seats, err := repo.GetSeats(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, seats, 1)
}

func TestTakeSeat_InvalidIndex(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.TakeSeat(context.Background(), "room-1", 1, 99, 10)
	require.Error(t, err)
}

func TestTakeSeat_MovesUserFromPriorSeat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "room-1", 42, 0, 10)
	require.NoError(t, err)

	_, err = repo.TakeSeat(ctx, "room-1", 42, 1, 10)
	require.NoError(t, err)

	seats, err := repo.GetSeats(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	require.Equal(t, 1, seats[0].SeatIndex)
}

func TestLockSeat_KicksOccupant(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "room-1", 7, 2, 10)
	require.NoError(t, err)

	kicked, wasOccupied, err := repo.LockSeat(ctx, "room-1", 2)
	require.NoError(t, err)
	require.True(t, wasOccupied)
	require.Equal(t, int64(7), kicked)

	seats, err := repo.GetSeats(ctx, "room-1")
	require.NoError(t, err)
	require.Empty(t, seats)

	_, _, err = repo.LockSeat(ctx, "room-1", 2)
	require.Error(t, err)
	require.Equal(t, apperr.SeatAlreadyLocked, apperr.CodeOf(err))
}

func TestUnlockSeat_NotLocked(t *testing.T) {
	repo, _ := newTestRepo(t)
	err := repo.UnlockSeat(context.Background(), "room-1", 3)
	require.Error(t, err)
}

func TestLeaveSeat_NotSeated(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.LeaveSeat(context.Background(), "room-1", 99)
	require.Error(t, err)
}

func TestInviteLifecycle(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateInvite(ctx, "room-1", 4, 5, 1, 30*time.Second, time.Now()))

	// second invite for same seat should fail while pending
	err := repo.CreateInvite(ctx, "room-1", 4, 6, 1, 30*time.Second, time.Now())
	require.Error(t, err)

	inv, err := repo.GetInviteByUser(ctx, "room-1", 5)
	require.NoError(t, err)
	require.NotNil(t, inv)
	require.Equal(t, 4, inv.SeatIndex)

	require.NoError(t, repo.DeleteInvite(ctx, "room-1", 4))

	inv, err = repo.GetInviteByUser(ctx, "room-1", 5)
	require.NoError(t, err)
	require.Nil(t, inv)
}

func TestClearRoom(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "room-9", 1, 0, 5)
	require.NoError(t, err)
	require.NoError(t, repo.CreateInvite(ctx, "room-9", 1, 2, 1, 30*time.Second, time.Now()))

	require.NoError(t, repo.ClearRoom(ctx, "room-9"))

	seats, err := repo.GetSeats(ctx, "room-9")
	require.NoError(t, err)
	require.Empty(t, seats)

	inv, err := repo.GetInviteByUser(ctx, "room-9", 2)
	require.NoError(t, err)
	require.Nil(t, inv)
}
