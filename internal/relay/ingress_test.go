package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDispatcher struct {
	toUser     []int64
	toRoom     []string
	broadcasts []string
}

func (f *fakeDispatcher) SendToUser(ctx context.Context, userID int64, event string, payload any) {
	f.toUser = append(f.toUser, userID)
}

func (f *fakeDispatcher) BroadcastRoom(roomID, event string, payload any, excludeConnID string) {
	f.toRoom = append(f.toRoom, roomID)
}

func (f *fakeDispatcher) Broadcast(event string, payload any) {
	f.broadcasts = append(f.broadcasts, event)
}

func newTestIngress(dispatcher Dispatcher, allowlist []string) *Ingress {
	return New(nil, "events", allowlist, nil, dispatcher, zap.NewNop())
}

func TestIngress_Route_UserIDOnly_SendsToUser(t *testing.T) {
	d := &fakeDispatcher{}
	ig := newTestIngress(d, []string{"user:banned"})
	userID := int64(42)

	ig.handle(context.Background(), mustEnvelope(t, Envelope{Event: "user:banned", UserID: &userID}))

	require.Equal(t, []int64{42}, d.toUser)
	require.Empty(t, d.toRoom)
	require.Empty(t, d.broadcasts)
}

func TestIngress_Route_RoomIDOnly_BroadcastsRoom(t *testing.T) {
	d := &fakeDispatcher{}
	ig := newTestIngress(d, []string{"room:announcement"})
	roomID := "room-1"

	ig.handle(context.Background(), mustEnvelope(t, Envelope{Event: "room:announcement", RoomID: &roomID}))

	require.Equal(t, []string{"room-1"}, d.toRoom)
	require.Empty(t, d.toUser)
}

func TestIngress_Route_NeitherIDSet_BroadcastsGlobally(t *testing.T) {
	d := &fakeDispatcher{}
	ig := newTestIngress(d, []string{"gift:catalog:updated"})

	ig.handle(context.Background(), mustEnvelope(t, Envelope{Event: "gift:catalog:updated"}))

	require.Equal(t, []string{"gift:catalog:updated"}, d.broadcasts)
}

func TestIngress_Route_UserAndRoomSet_PrefersUserTargeting(t *testing.T) {
	d := &fakeDispatcher{}
	ig := newTestIngress(d, []string{"user:banned"})
	userID := int64(7)
	roomID := "room-2"

	ig.handle(context.Background(), mustEnvelope(t, Envelope{Event: "user:banned", UserID: &userID, RoomID: &roomID}))

	require.Equal(t, []int64{7}, d.toUser)
	require.Empty(t, d.toRoom)
}

func TestIngress_Handle_EventNotInAllowlist_Dropped(t *testing.T) {
	d := &fakeDispatcher{}
	ig := newTestIngress(d, []string{"room:announcement"})

	ig.handle(context.Background(), mustEnvelope(t, Envelope{Event: "not:allowed"}))

	require.Empty(t, d.toUser)
	require.Empty(t, d.toRoom)
	require.Empty(t, d.broadcasts)
}

func TestIngress_Handle_MalformedJSON_Dropped(t *testing.T) {
	d := &fakeDispatcher{}
	ig := newTestIngress(d, []string{"room:announcement"})

	ig.handle(context.Background(), "{not valid json")

	require.Empty(t, d.toUser)
	require.Empty(t, d.toRoom)
	require.Empty(t, d.broadcasts)
}

func mustEnvelope(t *testing.T, env Envelope) string {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return string(raw)
}
