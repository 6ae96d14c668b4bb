package index

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSockets_AddAndConnectionsFor(t *testing.T) {
	client := newTestClient(t)
	sockets := NewSockets(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, sockets.Add(ctx, 1, "conn-a"))
	require.NoError(t, sockets.Add(ctx, 1, "conn-b"))

	ids, err := sockets.ConnectionsFor(ctx, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"conn-a", "conn-b"}, ids)
}

func TestSockets_ConnectionsFor_UnknownUserReturnsEmpty(t *testing.T) {
	client := newTestClient(t)
	sockets := NewSockets(client, time.Minute)

	ids, err := sockets.ConnectionsFor(context.Background(), 99)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSockets_Remove(t *testing.T) {
	client := newTestClient(t)
	sockets := NewSockets(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, sockets.Add(ctx, 1, "conn-a"))
	require.NoError(t, sockets.Remove(ctx, 1, "conn-a"))

	ids, err := sockets.ConnectionsFor(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRooms_SetGetClear(t *testing.T) {
	client := newTestClient(t)
	rooms := NewRooms(client)
	ctx := context.Background()

	roomID, ok, err := rooms.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, roomID)

	require.NoError(t, rooms.Set(ctx, 1, "room-1"))
	roomID, ok, err = rooms.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "room-1", roomID)

	require.NoError(t, rooms.Clear(ctx, 1))
	_, ok, err = rooms.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}
