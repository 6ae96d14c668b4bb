// Package room implements RoomRegistry: room creation/lookup, worker
// routing, participant indexing, and backend lifecycle notification.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/backend"
	"github.com/livestage/sfu-gateway/internal/index"
	"github.com/livestage/sfu-gateway/internal/seat"
	"github.com/livestage/sfu-gateway/internal/store"
	"github.com/livestage/sfu-gateway/internal/worker"
)

type Status string

const (
	StatusCreated Status = "CREATED"
	StatusActive  Status = "ACTIVE"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// Room is the in-memory record for one active room; the status/ownerId/
// seatCount/createdAt mirror lives in shared store so any node can read it,
// but only the owning node holds the worker handle. participantCount is
// kept only in this in-memory record and is not written to the shared store.
type Room struct {
	ID               string
	WorkerID         string
	OwnerID          int64
	SeatCount        int
	CreatedAt        time.Time
	mu               sync.Mutex
	participantCount int
}

type roomSnapshot struct {
	Status    string    `json:"status"`
	OwnerID   int64     `json:"ownerId"`
	SeatCount int       `json:"seatCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Broadcaster is the narrow slice of Connection's fan-out RoomRegistry
// needs to emit room:closed.
type Broadcaster interface {
	BroadcastRoom(roomID, event string, payload any, excludeConnID string)
}

// BackendNotifier reports room lifecycle and resolves ownership.
type BackendNotifier interface {
	PostRoomStatus(ctx context.Context, roomID string, update backend.RoomStatusUpdate) error
	GetRoomOwner(ctx context.Context, roomID string) (*backend.RoomOwner, error)
}

// Registry implements RoomRegistry.
type Registry struct {
	redis        *redis.Client
	workers      *worker.Pool
	seats        *seat.Repository
	rooms        *index.Rooms
	broadcaster  Broadcaster
	backend      BackendNotifier
	logger       *zap.Logger
	minSeats     int
	maxSeats     int
	defaultSeats int
	activityTTL  time.Duration

	mu    sync.Mutex
	local map[string]*Room
}

func New(
	redisClient *redis.Client,
	workers *worker.Pool,
	seats *seat.Repository,
	rooms *index.Rooms,
	broadcaster Broadcaster,
	backend BackendNotifier,
	minSeats, maxSeats, defaultSeats int,
	activityTTL time.Duration,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		redis:        redisClient,
		workers:      workers,
		seats:        seats,
		rooms:        rooms,
		broadcaster:  broadcaster,
		backend:      backend,
		logger:       logger,
		minSeats:     minSeats,
		maxSeats:     maxSeats,
		defaultSeats: defaultSeats,
		activityTTL:  activityTTL,
		local:        make(map[string]*Room),
	}
}

// JoinResult is the payload returned to a connection that just joined.
type JoinResult struct {
	Room             *Room
	ParticipantCount int
}

// JoinRoom looks up or creates roomID, attaches userID to it, and returns
// the room handle. The client-supplied ownerId (if any) is never trusted;
// ownership is always resolved from the backend on creation.
func (reg *Registry) JoinRoom(ctx context.Context, roomID string, userID int64, requestedSeatCount int) (*JoinResult, error) {
	seatCount := reg.defaultSeats
	if requestedSeatCount > 0 {
		if requestedSeatCount < reg.minSeats || requestedSeatCount > reg.maxSeats {
			return nil, apperr.New(apperr.InvalidPayload, fmt.Sprintf("seatCount must be in [%d,%d]", reg.minSeats, reg.maxSeats))
		}
		seatCount = requestedSeatCount
	}

	rm, err := reg.getOrCreate(ctx, roomID, seatCount)
	if err != nil {
		return nil, err
	}

	rm.mu.Lock()
	rm.participantCount++
	count := rm.participantCount
	rm.mu.Unlock()

	if err := reg.rooms.Set(ctx, userID, roomID); err != nil {
		reg.logger.Warn("set user room index failed", zap.Error(err), zap.String("roomId", roomID))
	}
	reg.touchActivity(ctx, roomID)

	return &JoinResult{Room: rm, ParticipantCount: count}, nil
}

func (reg *Registry) getOrCreate(ctx context.Context, roomID string, seatCount int) (*Room, error) {
	reg.mu.Lock()
	if rm, ok := reg.local[roomID]; ok {
		reg.mu.Unlock()
		return rm, nil
	}
	reg.mu.Unlock()

	stateKey := store.RoomStateKey(roomID)
	existing, err := reg.redis.Get(ctx, stateKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperr.Wrap(apperr.Internal, "read room state", err)
	}

	if err == nil {
		var snap roomSnapshot
		if decodeErr := decodeSnapshot(existing, &snap); decodeErr == nil {
			w, werr := reg.workers.AssignRoom(roomID)
			if werr != nil {
				return nil, apperr.Wrap(apperr.Internal, "assign worker", werr)
			}
			rm := &Room{ID: roomID, WorkerID: w.ID, OwnerID: snap.OwnerID, SeatCount: snap.SeatCount, CreatedAt: snap.CreatedAt}
			reg.mu.Lock()
			reg.local[roomID] = rm
			reg.mu.Unlock()
			return rm, nil
		}
	}

	owner, err := reg.backend.GetRoomOwner(ctx, roomID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "resolve room owner", err)
	}
	var ownerID int64
	if owner != nil {
		ownerID = owner.OwnerID
	}

	w, err := reg.workers.AssignRoom(roomID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "assign worker", err)
	}

	rm := &Room{ID: roomID, WorkerID: w.ID, OwnerID: ownerID, SeatCount: seatCount, CreatedAt: time.Now()}

	snap := roomSnapshot{Status: string(StatusActive), OwnerID: ownerID, SeatCount: seatCount, CreatedAt: rm.CreatedAt}
	encoded, _ := encodeSnapshot(snap)
	if err := reg.redis.Set(ctx, stateKey, encoded, 0).Err(); err != nil {
		reg.workers.ReleaseRoom(roomID)
		return nil, apperr.Wrap(apperr.Internal, "persist room state", err)
	}

	startedAt := rm.CreatedAt
	if err := reg.backend.PostRoomStatus(ctx, roomID, backend.RoomStatusUpdate{Live: true, StartedAt: &startedAt}); err != nil {
		reg.logger.Warn("backend room-live notification failed", zap.Error(err), zap.String("roomId", roomID))
	}

	reg.mu.Lock()
	reg.local[roomID] = rm
	reg.mu.Unlock()

	return rm, nil
}

// LeaveRoom clears the user's seat, broadcasts room:userLeft, clears the
// user's room index, and decrements participantCount. Hub membership is left
// to the caller. If the room is now empty it
// notifies the backend but does not close the room outright — AutoCloseLoop
// owns that decision.
func (reg *Registry) LeaveRoom(ctx context.Context, roomID string, userID int64) error {
	reg.mu.Lock()
	rm, ok := reg.local[roomID]
	reg.mu.Unlock()
	if !ok {
		return apperr.New(apperr.RoomNotFound, "room not found")
	}

	if seatIdx, err := reg.seats.LeaveSeat(ctx, roomID, userID); err == nil {
		reg.broadcaster.BroadcastRoom(roomID, "seat:cleared", map[string]any{"seatIndex": seatIdx}, "")
	}

	reg.broadcaster.BroadcastRoom(roomID, "room:userLeft", map[string]any{"userId": userID}, "")

	if err := reg.rooms.Clear(ctx, userID); err != nil {
		reg.logger.Warn("clear user room index failed", zap.Error(err))
	}

	rm.mu.Lock()
	if rm.participantCount > 0 {
		rm.participantCount--
	}
	empty := rm.participantCount == 0
	rm.mu.Unlock()

	reg.touchActivity(ctx, roomID)

	if empty {
		if err := reg.backend.PostRoomStatus(ctx, roomID, backend.RoomStatusUpdate{Live: false}); err != nil {
			reg.logger.Warn("backend room-empty notification failed", zap.Error(err))
		}
	}
	return nil
}

// CloseRoom broadcasts room:closed, notifies the backend, frees the worker
// slot, clears seat state, and drops the local room handle.
func (reg *Registry) CloseRoom(ctx context.Context, roomID, reason string) error {
	reg.mu.Lock()
	_, ok := reg.local[roomID]
	if ok {
		delete(reg.local, roomID)
	}
	reg.mu.Unlock()
	if !ok {
		return nil
	}

	reg.broadcaster.BroadcastRoom(roomID, "room:closed", map[string]any{
		"roomId": roomID,
		"reason": reason,
		"ts":     time.Now().Unix(),
	}, "")

	endedAt := time.Now()
	if err := reg.backend.PostRoomStatus(ctx, roomID, backend.RoomStatusUpdate{Live: false, EndedAt: &endedAt}); err != nil {
		reg.logger.Warn("backend room-closed notification failed", zap.Error(err), zap.String("roomId", roomID))
	}

	reg.workers.ReleaseRoom(roomID)

	if err := reg.seats.ClearRoom(ctx, roomID); err != nil {
		reg.logger.Warn("clear seat state failed", zap.Error(err), zap.String("roomId", roomID))
	}

	if err := reg.redis.Del(ctx, store.RoomStateKey(roomID), store.RoomActivityKey(roomID)).Err(); err != nil {
		reg.logger.Warn("delete room state failed", zap.Error(err), zap.String("roomId", roomID))
	}

	return nil
}

// HandleWorkerDeath implements worker.DeathCallback: every room hosted on a
// dead worker is closed with reason "worker_died".
func (reg *Registry) HandleWorkerDeath(workerID string, roomIDs []string) {
	ctx := context.Background()
	for _, id := range roomIDs {
		if err := reg.CloseRoom(ctx, id, "worker_died"); err != nil {
			reg.logger.Error("close room after worker death failed", zap.Error(err), zap.String("roomId", id))
		}
	}
}

// TouchActivity records a user-visible mutation against the room's
// inactivity window; called by seat ops, chat and gift handlers too.
func (reg *Registry) TouchActivity(ctx context.Context, roomID string) {
	reg.touchActivity(ctx, roomID)
}

func (reg *Registry) touchActivity(ctx context.Context, roomID string) {
	if err := reg.redis.Set(ctx, store.RoomActivityKey(roomID), 1, reg.activityTTL).Err(); err != nil {
		reg.logger.Warn("touch room activity failed", zap.Error(err), zap.String("roomId", roomID))
	}
}

func decodeSnapshot(raw string, snap *roomSnapshot) error {
	return json.Unmarshal([]byte(raw), snap)
}

func encodeSnapshot(snap roomSnapshot) (string, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParticipantCount returns the in-memory participant count for a locally
// known room, used by AutoCloseLoop's liveness check.
func (reg *Registry) ParticipantCount(roomID string) (int, bool) {
	reg.mu.Lock()
	rm, ok := reg.local[roomID]
	reg.mu.Unlock()
	if !ok {
		return 0, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.participantCount, true
}
