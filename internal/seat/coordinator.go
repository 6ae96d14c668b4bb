package seat

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/metrics"
)

// Broadcaster is the fan-out surface the coordinator uses to emit seat
// events. Implemented by the connection hub; kept narrow here to avoid an
// import cycle between seat and connection.
type Broadcaster interface {
	BroadcastRoom(roomID, event string, payload any, excludeConnID string)
	SendToUser(ctx context.Context, userID int64, event string, payload any)
}

// ProducerController lets the coordinator mirror seat mute state onto the
// occupant's media producer, and close it on a kicking lock.
type ProducerController interface {
	PauseUserAudio(ctx context.Context, roomID string, userID int64) error
	ResumeUserAudio(ctx context.Context, roomID string, userID int64) error
	CloseUserAudio(ctx context.Context, roomID string, userID int64) error
}

// BackendRoles resolves room ownership/role, consulted only on cache miss.
type BackendRoles interface {
	GetRoomOwner(ctx context.Context, roomID string) (ownerID int64, err error)
	GetMemberRole(ctx context.Context, roomID string, userID int64) (role string, found bool, err error)
}

type ownerCacheEntry struct {
	ownerID   int64
	expiresAt time.Time
}

type roleCacheEntry struct {
	role      string
	expiresAt time.Time
}

// Coordinator implements the client-facing seat operations, layered over
// Repository: owner/admin gating, broadcasts, and mute-mirrors-producer.
type Coordinator struct {
	repo    *Repository
	backend BackendRoles
	media   ProducerController
	bus     Broadcaster
	logger  *zap.Logger
	inviteTTL time.Duration

	ownerCacheMu sync.Mutex
	ownerCache   map[string]ownerCacheEntry

	roleCacheMu sync.Mutex
	roleCache   map[string]roleCacheEntry
}

func NewCoordinator(repo *Repository, backend BackendRoles, media ProducerController, bus Broadcaster, inviteTTL time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		repo:       repo,
		backend:    backend,
		media:      media,
		bus:        bus,
		logger:     logger,
		inviteTTL:  inviteTTL,
		ownerCache: make(map[string]ownerCacheEntry),
		roleCache:  make(map[string]roleCacheEntry),
	}
}

const (
	ownerCacheTTL = 5 * time.Minute
	roleCacheTTL  = 30 * time.Second
)

func (c *Coordinator) isOwner(ctx context.Context, roomID string, userID int64) (bool, error) {
	c.ownerCacheMu.Lock()
	entry, ok := c.ownerCache[roomID]
	c.ownerCacheMu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.ownerID == userID, nil
	}

	ownerID, err := c.backend.GetRoomOwner(ctx, roomID)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "resolve room owner", err)
	}

	c.ownerCacheMu.Lock()
	c.ownerCache[roomID] = ownerCacheEntry{ownerID: ownerID, expiresAt: time.Now().Add(ownerCacheTTL)}
	c.ownerCacheMu.Unlock()

	return ownerID == userID, nil
}

func (c *Coordinator) isOwnerOrAdmin(ctx context.Context, roomID string, userID int64) (bool, error) {
	owner, err := c.isOwner(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	if owner {
		return true, nil
	}

	cacheKey := roomID + ":" + strconv.FormatInt(userID, 10)
	c.roleCacheMu.Lock()
	entry, ok := c.roleCache[cacheKey]
	c.roleCacheMu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.role == "admin" || entry.role == "owner", nil
	}

	role, found, err := c.backend.GetMemberRole(ctx, roomID, userID)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "resolve member role", err)
	}
	if !found {
		return false, nil
	}

	c.roleCacheMu.Lock()
	c.roleCache[cacheKey] = roleCacheEntry{role: role, expiresAt: time.Now().Add(roleCacheTTL)}
	c.roleCacheMu.Unlock()

	return role == "admin" || role == "owner", nil
}

func (c *Coordinator) requireOwnerOrAdmin(ctx context.Context, roomID string, userID int64) error {
	ok, err := c.isOwnerOrAdmin(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotAuthorized, "requires room owner or admin")
	}
	return nil
}

// Take lets the caller take an unoccupied, unlocked seat.
func (c *Coordinator) Take(ctx context.Context, roomID string, userID int64, seatIndex, seatCount int) error {
	if _, err := c.repo.TakeSeat(ctx, roomID, userID, seatIndex, seatCount); err != nil {
		metrics.RecordSeatOp("take", string(apperr.CodeOf(err)))
		return err
	}
	metrics.RecordSeatOp("take", "ok")
	c.bus.BroadcastRoom(roomID, "seat:updated", map[string]any{"seatIndex": seatIndex, "userId": userID, "muted": false}, "")
	return nil
}

// Assign lets the owner/admin place a target user into a seat.
func (c *Coordinator) Assign(ctx context.Context, roomID string, requesterID, targetUserID int64, seatIndex, seatCount int) error {
	if err := c.requireOwnerOrAdmin(ctx, roomID, requesterID); err != nil {
		metrics.RecordSeatOp("assign", string(apperr.CodeOf(err)))
		return err
	}
	if _, err := c.repo.AssignSeat(ctx, roomID, targetUserID, seatIndex, seatCount); err != nil {
		metrics.RecordSeatOp("assign", string(apperr.CodeOf(err)))
		return err
	}
	metrics.RecordSeatOp("assign", "ok")
	c.bus.BroadcastRoom(roomID, "seat:updated", map[string]any{"seatIndex": seatIndex, "userId": targetUserID, "muted": false}, "")
	return nil
}

// Leave clears the caller's own seat.
func (c *Coordinator) Leave(ctx context.Context, roomID string, userID int64) error {
	seatIndex, err := c.repo.LeaveSeat(ctx, roomID, userID)
	if err != nil {
		metrics.RecordSeatOp("leave", string(apperr.CodeOf(err)))
		return err
	}
	metrics.RecordSeatOp("leave", "ok")
	c.bus.BroadcastRoom(roomID, "seat:cleared", map[string]any{"seatIndex": seatIndex}, "")
	return nil
}

// Remove lets the owner/admin clear another user's seat.
func (c *Coordinator) Remove(ctx context.Context, roomID string, requesterID, targetUserID int64) error {
	if err := c.requireOwnerOrAdmin(ctx, roomID, requesterID); err != nil {
		metrics.RecordSeatOp("remove", string(apperr.CodeOf(err)))
		return err
	}
	seatIndex, err := c.repo.RemoveSeat(ctx, roomID, targetUserID)
	if err != nil {
		metrics.RecordSeatOp("remove", string(apperr.CodeOf(err)))
		return err
	}
	metrics.RecordSeatOp("remove", "ok")
	c.bus.BroadcastRoom(roomID, "seat:cleared", map[string]any{"seatIndex": seatIndex}, "")
	return nil
}

// Mute sets muted=true and mirrors it onto the occupant's producer.
func (c *Coordinator) Mute(ctx context.Context, roomID string, requesterID int64, seatIndex int, occupantUserID int64) error {
	if err := c.requireOwnerOrAdmin(ctx, roomID, requesterID); err != nil {
		metrics.RecordSeatOp("mute", string(apperr.CodeOf(err)))
		return err
	}
	if _, err := c.repo.SetMute(ctx, roomID, seatIndex, true); err != nil {
		metrics.RecordSeatOp("mute", string(apperr.CodeOf(err)))
		return err
	}
	if err := c.media.PauseUserAudio(ctx, roomID, occupantUserID); err != nil {
		c.logger.Warn("failed to pause occupant producer on mute", zap.Error(err))
	}
	metrics.RecordSeatOp("mute", "ok")
	c.bus.BroadcastRoom(roomID, "seat:userMuted", map[string]any{"userId": occupantUserID, "muted": true}, "")
	return nil
}

// Unmute sets muted=false and resumes the occupant's producer.
func (c *Coordinator) Unmute(ctx context.Context, roomID string, requesterID int64, seatIndex int, occupantUserID int64) error {
	if err := c.requireOwnerOrAdmin(ctx, roomID, requesterID); err != nil {
		metrics.RecordSeatOp("unmute", string(apperr.CodeOf(err)))
		return err
	}
	if _, err := c.repo.SetMute(ctx, roomID, seatIndex, false); err != nil {
		metrics.RecordSeatOp("unmute", string(apperr.CodeOf(err)))
		return err
	}
	if err := c.media.ResumeUserAudio(ctx, roomID, occupantUserID); err != nil {
		c.logger.Warn("failed to resume occupant producer on unmute", zap.Error(err))
	}
	metrics.RecordSeatOp("unmute", "ok")
	c.bus.BroadcastRoom(roomID, "seat:userMuted", map[string]any{"userId": occupantUserID, "muted": false}, "")
	return nil
}

// Lock locks a seat, kicking any occupant atomically.
func (c *Coordinator) Lock(ctx context.Context, roomID string, requesterID int64, seatIndex int) error {
	if err := c.requireOwnerOrAdmin(ctx, roomID, requesterID); err != nil {
		metrics.RecordSeatOp("lock", string(apperr.CodeOf(err)))
		return err
	}
	kickedUserID, wasOccupied, err := c.repo.LockSeat(ctx, roomID, seatIndex)
	if err != nil {
		metrics.RecordSeatOp("lock", string(apperr.CodeOf(err)))
		return err
	}
	metrics.RecordSeatOp("lock", "ok")

	if wasOccupied {
		if err := c.media.CloseUserAudio(ctx, roomID, kickedUserID); err != nil {
			c.logger.Warn("failed to close kicked occupant's producer", zap.Error(err))
		}
		c.bus.BroadcastRoom(roomID, "seat:cleared", map[string]any{"seatIndex": seatIndex}, "")
	}
	c.bus.BroadcastRoom(roomID, "seat:locked", map[string]any{"seatIndex": seatIndex, "locked": true}, "")
	return nil
}

// Unlock unlocks a seat.
func (c *Coordinator) Unlock(ctx context.Context, roomID string, requesterID int64, seatIndex int) error {
	if err := c.requireOwnerOrAdmin(ctx, roomID, requesterID); err != nil {
		metrics.RecordSeatOp("unlock", string(apperr.CodeOf(err)))
		return err
	}
	if err := c.repo.UnlockSeat(ctx, roomID, seatIndex); err != nil {
		metrics.RecordSeatOp("unlock", string(apperr.CodeOf(err)))
		return err
	}
	metrics.RecordSeatOp("unlock", "ok")
	c.bus.BroadcastRoom(roomID, "seat:locked", map[string]any{"seatIndex": seatIndex, "locked": false}, "")
	return nil
}

// Invite creates a pending invite for an unoccupied seat.
func (c *Coordinator) Invite(ctx context.Context, roomID string, requesterID, targetUserID int64, seatIndex int) error {
	if targetUserID == requesterID {
		metrics.RecordSeatOp("invite", string(apperr.CannotInviteSelf))
		return apperr.New(apperr.CannotInviteSelf, "cannot invite self")
	}
	if err := c.requireOwnerOrAdmin(ctx, roomID, requesterID); err != nil {
		metrics.RecordSeatOp("invite", string(apperr.CodeOf(err)))
		return err
	}
	if err := c.repo.CreateInvite(ctx, roomID, seatIndex, targetUserID, requesterID, c.inviteTTL, time.Now()); err != nil {
		metrics.RecordSeatOp("invite", string(apperr.CodeOf(err)))
		return err
	}
	metrics.RecordSeatOp("invite", "ok")

	expiresAt := time.Now().Add(c.inviteTTL)
	c.bus.SendToUser(ctx, targetUserID, "seat:invite:received", map[string]any{
		"seatIndex": seatIndex, "invitedById": requesterID, "expiresAt": expiresAt, "targetUserId": targetUserID,
	})
	c.bus.BroadcastRoom(roomID, "seat:invite:pending", map[string]any{"seatIndex": seatIndex, "pending": true, "invitedUserId": targetUserID}, "")
	return nil
}

// AcceptInvite finalizes a pending invite: auto-unlocks if needed, takes the seat.
func (c *Coordinator) AcceptInvite(ctx context.Context, roomID string, userID int64, seatCount int) error {
	invite, err := c.repo.GetInviteByUser(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if invite == nil {
		metrics.RecordSeatOp("invite_accept", string(apperr.NoInvite))
		return apperr.New(apperr.NoInvite, "no pending invite")
	}

	if err := c.repo.DeleteInvite(ctx, roomID, invite.SeatIndex); err != nil {
		return err
	}

	locked, err := c.repo.GetLockedSeats(ctx, roomID)
	if err != nil {
		return err
	}
	wasLocked := false
	for _, idx := range locked {
		if idx == invite.SeatIndex {
			wasLocked = true
			break
		}
	}
	if wasLocked {
		if err := c.repo.UnlockSeat(ctx, roomID, invite.SeatIndex); err != nil {
			return err
		}
	}

	if _, err := c.repo.AssignSeat(ctx, roomID, userID, invite.SeatIndex, seatCount); err != nil {
		metrics.RecordSeatOp("invite_accept", string(apperr.CodeOf(err)))
		return err
	}

	metrics.RecordSeatOp("invite_accept", "ok")
	c.bus.BroadcastRoom(roomID, "seat:invite:pending", map[string]any{"seatIndex": invite.SeatIndex, "pending": false}, "")
	if wasLocked {
		c.bus.BroadcastRoom(roomID, "seat:locked", map[string]any{"seatIndex": invite.SeatIndex, "locked": false}, "")
	}
	c.bus.BroadcastRoom(roomID, "seat:updated", map[string]any{"seatIndex": invite.SeatIndex, "userId": userID, "muted": false}, "")
	return nil
}

// DeclineInvite clears a pending invite without taking the seat.
func (c *Coordinator) DeclineInvite(ctx context.Context, roomID string, userID int64) error {
	invite, err := c.repo.GetInviteByUser(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if invite == nil {
		metrics.RecordSeatOp("invite_decline", string(apperr.NoInvite))
		return apperr.New(apperr.NoInvite, "no pending invite")
	}
	if err := c.repo.DeleteInvite(ctx, roomID, invite.SeatIndex); err != nil {
		return err
	}
	metrics.RecordSeatOp("invite_decline", "ok")
	c.bus.BroadcastRoom(roomID, "seat:invite:pending", map[string]any{"seatIndex": invite.SeatIndex, "pending": false}, "")
	return nil
}
