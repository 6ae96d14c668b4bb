package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(config.BackendConfig{
		BaseURL:          srv.URL,
		InternalKey:      "test-key",
		RequestTimeout:   time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Second,
	}, zap.NewNop())
}

func TestClient_GetRoomOwner_DecodesResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("X-Internal-Key"))
		w.Write([]byte(`{"owner_id": 42}`))
	})

	owner, err := client.GetRoomOwner(context.Background(), "room-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), owner.OwnerID)
}

func TestClient_GetMemberRole_NotFoundReturnsNilNoError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	role, err := client.GetMemberRole(context.Background(), "room-1", 7)
	require.NoError(t, err)
	require.Nil(t, role)
}

func TestClient_PostRoomStatus_ServerErrorReturnsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.PostRoomStatus(context.Background(), "room-1", RoomStatusUpdate{Live: true})
	require.Error(t, err)
}

func TestSeatRoles_GetRoomOwner_AdaptsPointerToValue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"owner_id": 5}`))
	})

	roles := SeatRoles{Client: client}
	ownerID, err := roles.GetRoomOwner(context.Background(), "room-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), ownerID)
}

func TestSeatRoles_GetMemberRole_NotFoundAdaptsToFalse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	roles := SeatRoles{Client: client}
	role, ok, err := roles.GetMemberRole(context.Background(), "room-1", 7)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, role)
}

func TestSeatRoles_GetMemberRole_FoundAdaptsToTrue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"role": "owner"}`))
	})

	roles := SeatRoles{Client: client}
	role, ok, err := roles.GetMemberRole(context.Background(), "room-1", 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "owner", role)
}
