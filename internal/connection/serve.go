package connection

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/auth"
	"github.com/livestage/sfu-gateway/internal/media"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin enforced by AuthGate below
}

// Server wires the Hub, AuthGate and Dispatch table into an
// http.HandlerFunc suitable for the gateway's websocket endpoint.
type Server struct {
	hub      *Hub
	gate     *auth.Gate
	dispatch *Dispatch
	mediaRel MediaReleaser
	rooms    RoomLeaver
	logger   *zap.Logger
}

// MediaReleaser tears down a connection's owned transports/producers on
// disconnect; satisfied by *media.Coordinator.
type MediaReleaser interface {
	ReleaseConnection(roomID, connID string)
}

// RoomLeaver detaches a dropped connection's user from whatever room it
// occupied; satisfied by *room.Registry.
type RoomLeaver interface {
	LeaveRoom(ctx context.Context, roomID string, userID int64) error
}

func NewServer(hub *Hub, gate *auth.Gate, dispatch *Dispatch, mediaCoord *media.Coordinator, rooms RoomLeaver, logger *zap.Logger) *Server {
	return &Server{hub: hub, gate: gate, dispatch: dispatch, mediaRel: mediaCoord, rooms: rooms, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if err := s.gate.CheckOrigin(origin); err != nil {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	identity, err := s.gate.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := generateConnID()
	ctx := context.Background()

	onMessage := func(c *Connection, env Envelope) {
		ack, shouldAck := s.dispatch.Dispatch(ctx, c, env)
		if shouldAck {
			c.Send("ack", ack)
		}
	}
	onDisconnect := func(c *Connection) {
		roomID := c.RoomID()
		s.hub.Unregister(c)
		s.mediaRel.ReleaseConnection(roomID, c.ID)
		if roomID != "" {
			if err := s.rooms.LeaveRoom(ctx, roomID, c.UserID()); err != nil {
				s.logger.Warn("leave room on disconnect failed", zap.String("connId", c.ID), zap.Error(err))
			}
		}
	}

	s.hub.Spawn(connID, identity, conn, onMessage, onDisconnect)
}
