package connection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pion/webrtc/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/auth"
	"github.com/livestage/sfu-gateway/internal/backend"
	"github.com/livestage/sfu-gateway/internal/index"
	"github.com/livestage/sfu-gateway/internal/media"
	"github.com/livestage/sfu-gateway/internal/ratelimit"
	"github.com/livestage/sfu-gateway/internal/room"
	"github.com/livestage/sfu-gateway/internal/seat"
	"github.com/livestage/sfu-gateway/internal/worker"
)

type dispatchFakeBackend struct{}

func (dispatchFakeBackend) PostRoomStatus(ctx context.Context, roomID string, update backend.RoomStatusUpdate) error {
	return nil
}

func (dispatchFakeBackend) GetRoomOwner(ctx context.Context, roomID string) (*backend.RoomOwner, error) {
	return &backend.RoomOwner{OwnerID: 1}, nil
}

func newTestDispatch(t *testing.T, chatRate string) (*Dispatch, *Hub, *index.Rooms, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pool, err := worker.New(context.Background(), 2, func() (*webrtc.API, error) {
		return webrtc.NewAPI(), nil
	}, nil, zap.NewNop())
	require.NoError(t, err)

	seatsDB := seat.NewRepository(client)
	roomIdx := index.NewRooms(client)
	hub := NewHub(zap.NewNop())

	rooms := room.New(client, pool, seatsDB, roomIdx, hub, dispatchFakeBackend{}, 1, 15, 15, time.Hour, zap.NewNop())

	limiter, err := ratelimit.New(nil, zap.NewNop())
	require.NoError(t, err)

	d := NewDispatch(rooms, nil, nil, nil, nil, nil, roomIdx, hub, limiter, chatRate, zap.NewNop())
	return d, hub, roomIdx, client
}

func newFullTestDispatch(t *testing.T) (*Dispatch, *Hub) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pool, err := worker.New(context.Background(), 2, func() (*webrtc.API, error) {
		return webrtc.NewAPI(), nil
	}, nil, zap.NewNop())
	require.NoError(t, err)

	seatsDB := seat.NewRepository(client)
	roomIdx := index.NewRooms(client)
	hub := NewHub(zap.NewNop())

	rooms := room.New(client, pool, seatsDB, roomIdx, hub, dispatchFakeBackend{}, 1, 15, 15, time.Hour, zap.NewNop())
	mediaC := media.New(media.Config{MaxTransportsPerConn: 2}, pool, webrtc.Configuration{}, hub, zap.NewNop())
	seatsCoord := seat.NewCoordinator(seatsDB, backend.SeatRoles{Client: nil}, mediaC, hub, time.Minute, zap.NewNop())

	limiter, err := ratelimit.New(nil, zap.NewNop())
	require.NoError(t, err)

	d := NewDispatch(rooms, seatsCoord, seatsDB, mediaC, nil, index.NewSockets(client, time.Minute), roomIdx, hub, limiter, "100-H", zap.NewNop())
	return d, hub
}

func rawEnv(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatch_ChatMessage_BroadcastsToRoomIncludingSender(t *testing.T) {
	d, hub, _, _ := newTestDispatch(t, "100-H")

	sender := newConnection("conn-sender", &auth.Identity{UserID: 1, DisplayName: "Ann"}, nil, zap.NewNop())
	sender.SetRoomID("room-1")
	hub.Register(sender)

	other := newConnection("conn-other", &auth.Identity{UserID: 2}, nil, zap.NewNop())
	other.SetRoomID("room-1")
	hub.Register(other)

	env := Envelope{Type: "chat:message", Data: rawEnv(t, chatMessageReq{RoomID: "room-1", Content: "hi", Type: "text"})}
	ack, _ := d.Dispatch(context.Background(), sender, env)
	require.True(t, ack.OK)

	require.Len(t, drain(sender.send), 1)
	require.Len(t, drain(other.send), 1)
}

func TestDispatch_ChatMessage_CallerNotInRoomErrors(t *testing.T) {
	d, hub, _, _ := newTestDispatch(t, "100-H")

	c := newConnection("conn-a", &auth.Identity{UserID: 1}, nil, zap.NewNop())
	hub.Register(c)

	env := Envelope{Type: "chat:message", Data: rawEnv(t, chatMessageReq{RoomID: "room-1", Content: "hi", Type: "text"})}
	ack, _ := d.Dispatch(context.Background(), c, env)
	require.False(t, ack.OK)
	require.Equal(t, string(apperr.NotInRoom), ack.Err)
}

func TestDispatch_ChatMessage_EmptyContentRejected(t *testing.T) {
	d, hub, _, _ := newTestDispatch(t, "100-H")

	c := newConnection("conn-a", &auth.Identity{UserID: 1}, nil, zap.NewNop())
	c.SetRoomID("room-1")
	hub.Register(c)

	env := Envelope{Type: "chat:message", Data: rawEnv(t, chatMessageReq{RoomID: "room-1", Content: "", Type: "text"})}
	ack, _ := d.Dispatch(context.Background(), c, env)
	require.False(t, ack.OK)
	require.Equal(t, string(apperr.InvalidPayload), ack.Err)
}

func TestDispatch_ChatMessage_UnknownTypeRejected(t *testing.T) {
	d, hub, _, _ := newTestDispatch(t, "100-H")

	c := newConnection("conn-a", &auth.Identity{UserID: 1}, nil, zap.NewNop())
	c.SetRoomID("room-1")
	hub.Register(c)

	env := Envelope{Type: "chat:message", Data: rawEnv(t, chatMessageReq{RoomID: "room-1", Content: "hi", Type: "bogus"})}
	ack, _ := d.Dispatch(context.Background(), c, env)
	require.False(t, ack.OK)
	require.Equal(t, string(apperr.InvalidPayload), ack.Err)
}

func TestDispatch_ChatMessage_RateLimitExceededRefuses(t *testing.T) {
	d, hub, _, _ := newTestDispatch(t, "1-H")

	c := newConnection("conn-a", &auth.Identity{UserID: 1}, nil, zap.NewNop())
	c.SetRoomID("room-1")
	hub.Register(c)

	env := Envelope{Type: "chat:message", Data: rawEnv(t, chatMessageReq{RoomID: "room-1", Content: "hi", Type: "text"})}
	ack, _ := d.Dispatch(context.Background(), c, env)
	require.True(t, ack.OK)

	ack, _ = d.Dispatch(context.Background(), c, env)
	require.False(t, ack.OK)
	require.Equal(t, string(apperr.RateLimited), ack.Err)
}

func TestDispatch_RoomJoin_AckCarriesParticipantAndProducerSnapshot(t *testing.T) {
	d, hub := newFullTestDispatch(t)

	existing := newConnection("conn-existing", &auth.Identity{UserID: 1, DisplayName: "Ann"}, nil, zap.NewNop())
	existing.SetRoomID("room-1")
	hub.Register(existing)
	_, err := d.rooms.JoinRoom(context.Background(), "room-1", 1, 0)
	require.NoError(t, err)

	joiner := newConnection("conn-joiner", &auth.Identity{UserID: 2, DisplayName: "Bo"}, nil, zap.NewNop())
	hub.Register(joiner)

	env := Envelope{Type: "room:join", Data: rawEnv(t, roomJoinReq{RoomID: "room-1"})}
	ack, _ := d.Dispatch(context.Background(), joiner, env)
	require.True(t, ack.OK)

	data := ack.Data.(map[string]any)
	require.Contains(t, data, "participants")
	require.Contains(t, data, "lockedSeats")
	require.Contains(t, data, "activeProducers")
	require.Contains(t, data, "routerRtpCapabilities")
	require.Equal(t, 2, data["participantCount"])

	events := drain(existing.send)
	require.Len(t, events, 1)
	require.Equal(t, "room:userJoined", events[0].Event)
}

func TestDispatch_UserGetRoom_ReturnsStoredRoom(t *testing.T) {
	d, hub, roomIdx, _ := newTestDispatch(t, "100-H")

	c := newConnection("conn-a", &auth.Identity{UserID: 1}, nil, zap.NewNop())
	hub.Register(c)
	require.NoError(t, roomIdx.Set(context.Background(), 1, "room-1"))

	env := Envelope{Type: "user:getRoom", Data: rawEnv(t, userGetRoomReq{})}
	ack, _ := d.Dispatch(context.Background(), c, env)
	require.True(t, ack.OK)

	data := ack.Data.(map[string]any)
	require.Equal(t, "room-1", data["roomId"])
}

func TestDispatch_UserGetRoom_UnknownUserReturnsNilRoomId(t *testing.T) {
	d, hub, _, _ := newTestDispatch(t, "100-H")

	c := newConnection("conn-a", &auth.Identity{UserID: 99}, nil, zap.NewNop())
	hub.Register(c)

	env := Envelope{Type: "user:getRoom", Data: rawEnv(t, userGetRoomReq{})}
	ack, _ := d.Dispatch(context.Background(), c, env)
	require.True(t, ack.OK)

	data := ack.Data.(map[string]any)
	require.Nil(t, data["roomId"])
}
