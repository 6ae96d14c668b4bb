package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeFactory() (*webrtc.API, error) {
	return webrtc.NewAPI(), nil
}

func TestPool_AssignRoom_RoutesToLeastLoaded(t *testing.T) {
	pool, err := New(context.Background(), 2, fakeFactory, nil, zap.NewNop())
	require.NoError(t, err)

	w1, err := pool.AssignRoom("room-1")
	require.NoError(t, err)
	w2, err := pool.AssignRoom("room-2")
	require.NoError(t, err)

	require.NotEqual(t, w1.ID, w2.ID)
}

func TestPool_AssignRoom_ReturnsExistingAssignment(t *testing.T) {
	pool, err := New(context.Background(), 1, fakeFactory, nil, zap.NewNop())
	require.NoError(t, err)

	first, err := pool.AssignRoom("room-1")
	require.NoError(t, err)
	second, err := pool.AssignRoom("room-1")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, first.Load())
}

func TestPool_ReleaseRoom_DecrementsLoad(t *testing.T) {
	pool, err := New(context.Background(), 1, fakeFactory, nil, zap.NewNop())
	require.NoError(t, err)

	w, err := pool.AssignRoom("room-1")
	require.NoError(t, err)
	require.Equal(t, 1, w.Load())

	pool.ReleaseRoom("room-1")
	require.Equal(t, 0, w.Load())
}

func TestPool_APIFor_UnassignedRoomErrors(t *testing.T) {
	pool, err := New(context.Background(), 1, fakeFactory, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = pool.APIFor("nonexistent-room")
	require.Error(t, err)
}

func TestPool_APIFor_ReturnsAssignedWorkerAPI(t *testing.T) {
	pool, err := New(context.Background(), 1, fakeFactory, nil, zap.NewNop())
	require.NoError(t, err)

	w, err := pool.AssignRoom("room-1")
	require.NoError(t, err)

	api, err := pool.APIFor("room-1")
	require.NoError(t, err)
	require.Same(t, w.API, api)
}

func TestPool_MarkDead_InvokesDeathHandlerWithOrphanedRooms(t *testing.T) {
	pool, err := New(context.Background(), 1, fakeFactory, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = pool.AssignRoom("room-1")
	require.NoError(t, err)
	_, err = pool.AssignRoom("room-2")
	require.NoError(t, err)

	notified := make(chan []string, 1)
	pool.SetDeathHandler(func(workerID string, roomIDs []string) {
		notified <- roomIDs
	})

	pool.MarkDead(pool.workers[0].ID)

	rooms := <-notified
	require.ElementsMatch(t, []string{"room-1", "room-2"}, rooms)

	_, err = pool.APIFor("room-1")
	require.Error(t, err)
}

func TestPool_New_PropagatesFactoryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(context.Background(), 1, func() (*webrtc.API, error) {
		return nil, boom
	}, nil, zap.NewNop())
	require.Error(t, err)
}
