// Package connection implements the Connection type and the websocket
// transport hub: per-connection owned-resource bookkeeping, room
// membership, and the broadcast/targeted-delivery primitives every other
// component depends on through narrow interfaces.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/auth"
)

// Envelope is the wire shape of every inbound/outbound message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is pushed to a connection's send channel.
type OutboundEvent struct {
	Event string `json:"type"`
	Data  any    `json:"data,omitempty"`
}

// Connection is one authenticated websocket client: its identity, the room
// it currently occupies, and the transports/producers/consumers it owns.
// At most 2 transports (1 producer + 1 consumer) per connection, enforced
// by MediaCoordinator.
type Connection struct {
	ID       string
	Identity *auth.Identity
	conn     *websocket.Conn
	send     chan OutboundEvent

	mu     sync.RWMutex
	roomID string

	closed atomic.Bool
	once   sync.Once
	logger *zap.Logger

	OnMessage    func(*Connection, Envelope)
	OnDisconnect func(*Connection)
}

func newConnection(id string, identity *auth.Identity, conn *websocket.Conn, logger *zap.Logger) *Connection {
	return &Connection{
		ID:       id,
		Identity: identity,
		conn:     conn,
		send:     make(chan OutboundEvent, 256),
		logger:   logger,
	}
}

func (c *Connection) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Connection) SetRoomID(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

func (c *Connection) UserID() int64 {
	if c.Identity == nil {
		return 0
	}
	return c.Identity.UserID
}

func (c *Connection) closeSend() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *Connection) Send(event string, payload any) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- OutboundEvent{Event: event, Data: payload}:
	default:
		c.logger.Warn("connection send buffer full, dropping message", zap.String("connId", c.ID))
	}
}

const (
	wsReadLimit    = 524288
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteTimeout = 10 * time.Second
)

func (c *Connection) readPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.String("connId", c.ID), zap.Error(err))
			}
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(c, env)
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug("websocket write error", zap.String("connId", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub owns every live connection on this node and implements the
// Broadcaster/Dispatcher interfaces consumed by SeatCoordinator,
// MediaCoordinator, RelayIngress and GiftBatcher.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[int64]map[string]*Connection
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		byID:   make(map[string]*Connection),
		byUser: make(map[int64]map[string]*Connection),
	}
}

func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	h.byID[c.ID] = c
	if c.UserID() != 0 {
		if h.byUser[c.UserID()] == nil {
			h.byUser[c.UserID()] = make(map[string]*Connection)
		}
		h.byUser[c.UserID()][c.ID] = c
	}
	h.mu.Unlock()
}

func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	if _, ok := h.byID[c.ID]; ok {
		delete(h.byID, c.ID)
		c.closeSend()
	}
	if conns, ok := h.byUser[c.UserID()]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.byUser, c.UserID())
		}
	}
	h.mu.Unlock()
}

// DisconnectStale closes and unregisters every other connection the same
// user already holds, handling the reconnect-before-cleanup race.
func (h *Hub) DisconnectStale(userID int64, excludeConnID string) {
	h.mu.RLock()
	var stale []*Connection
	for id, c := range h.byUser[userID] {
		if id != excludeConnID {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		c.conn.Close()
		h.Unregister(c)
	}
}

// BroadcastRoom delivers event to every connection currently in roomID,
// optionally excluding one connection (the sender).
func (h *Hub) BroadcastRoom(roomID, event string, payload any, excludeConnID string) {
	h.mu.RLock()
	var targets []*Connection
	for id, c := range h.byID {
		if id == excludeConnID {
			continue
		}
		if c.RoomID() == roomID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
}

// SendToUser delivers event to every connection on this node owned by
// userID. Connections the user holds on other nodes are not reached:
// RelayIngress only subscribes to the shared channel and republishes nothing.
func (h *Hub) SendToUser(ctx context.Context, userID int64, event string, payload any) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Send(event, payload)
	}
}

// SendToConn delivers event to a single connection by ID, if still present.
func (h *Hub) SendToConn(connID, event string, payload any) {
	h.mu.RLock()
	c, ok := h.byID[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.Send(event, payload)
}

// Broadcast delivers event to every connection on this node.
func (h *Hub) Broadcast(event string, payload any) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.byID))
	for _, c := range h.byID {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
}

// RoomMember is the identity snapshot of one connection sitting in a room,
// used to build the join-ack participant list and room:userJoined payloads.
type RoomMember struct {
	UserID      int64  `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

// RoomMembers enumerates the identities of every connection on this node
// currently sitting in roomID, deduplicated by user.
func (h *Hub) RoomMembers(roomID string) []RoomMember {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[int64]bool)
	var out []RoomMember
	for _, c := range h.byID {
		if c.RoomID() != roomID {
			continue
		}
		uid := c.UserID()
		if seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, RoomMember{UserID: uid, DisplayName: c.Identity.DisplayName, AvatarRef: c.Identity.AvatarRef})
	}
	return out
}

// IsMember reports whether userID's connections on this node currently sit
// in roomID, used by GiftBatcher's NOT_IN_ROOM gate.
func (h *Hub) IsMember(roomID string, userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.byUser[userID] {
		if c.RoomID() == roomID {
			return true
		}
	}
	return false
}

// Spawn wires and starts a new Connection's read/write pumps, registering
// it with the hub.
func (h *Hub) Spawn(connID string, identity *auth.Identity, conn *websocket.Conn, onMessage func(*Connection, Envelope), onDisconnect func(*Connection)) *Connection {
	c := newConnection(connID, identity, conn, h.logger)
	c.OnMessage = onMessage
	c.OnDisconnect = onDisconnect

	h.DisconnectStale(identity.UserID, connID)
	h.Register(c)

	go c.writePump()
	go c.readPump()
	return c
}

func generateConnID() string {
	return fmt.Sprintf("conn_%d", time.Now().UnixNano())
}
