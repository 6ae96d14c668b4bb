// Package seat implements SeatRepository (atomic seat state in the shared
// store) and SeatCoordinator (the client-facing operations layered over it).
package seat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/store"
)

// Seat is the per-seat state snapshot as stored in the seats hash.
type Seat struct {
	SeatIndex int   `json:"seatIndex"`
	UserID    int64 `json:"userId"`
	Muted     bool  `json:"muted"`
}

// Invite is the per-seat invite record.
type Invite struct {
	SeatIndex    int    `json:"seatIndex"`
	TargetUserID int64  `json:"targetUserId"`
	InvitedBy    int64  `json:"invitedBy"`
	CreatedAt    int64  `json:"createdAt"`
	RoomID       string `json:"-"`
}

// Repository implements every seat mutation as a single-round-trip atomic
// script against Redis, so no two nodes can grant the same seat.
type Repository struct {
	redis *redis.Client

	takeScript         *redis.Script
	assignScript       *redis.Script
	leaveScript        *redis.Script
	removeScript       *redis.Script
	setMuteScript      *redis.Script
	lockScript         *redis.Script
	unlockScript       *redis.Script
	createInviteScript *redis.Script
	deleteInviteScript *redis.Script
}

func NewRepository(redisClient *redis.Client) *Repository {
	return &Repository{
		redis:              redisClient,
		takeScript:         redis.NewScript(takeSeatLua),
		assignScript:       redis.NewScript(assignSeatLua),
		leaveScript:        redis.NewScript(leaveSeatLua),
		removeScript:       redis.NewScript(removeSeatLua),
		setMuteScript:      redis.NewScript(setMuteLua),
		lockScript:         redis.NewScript(lockSeatLua),
		unlockScript:       redis.NewScript(unlockSeatLua),
		createInviteScript: redis.NewScript(createInviteLua),
		deleteInviteScript: redis.NewScript(deleteInviteLua),
	}
}

const takeSeatLua = `
local seatIndex = ARGV[1]
local seatIndexNum = tonumber(ARGV[1])
local seatCount = tonumber(ARGV[3])
local userID = ARGV[2]

if seatIndexNum < 0 or seatIndexNum >= seatCount then
  return redis.error_reply("SEAT_INVALID")
end
if redis.call('SISMEMBER', KEYS[2], seatIndex) == 1 then
  return redis.error_reply("SEAT_LOCKED")
end

local existing = redis.call('HGET', KEYS[1], seatIndex)
if existing then
  local ok, data = pcall(cjson.decode, existing)
  if ok and data.userId ~= nil and tostring(data.userId) ~= "" and tostring(data.userId) ~= "0" then
    return redis.error_reply("SEAT_TAKEN")
  end
end

local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local field = all[i]
  local value = all[i+1]
  if field ~= seatIndex then
    local ok, data = pcall(cjson.decode, value)
    if ok and data.userId ~= nil and tostring(data.userId) == userID then
      redis.call('HDEL', KEYS[1], field)
    end
  end
end

local payload = cjson.encode({userId = tonumber(userID), muted = false})
redis.call('HSET', KEYS[1], seatIndex, payload)
return seatIndexNum
`

const assignSeatLua = `
local seatIndex = ARGV[1]
local seatIndexNum = tonumber(ARGV[1])
local seatCount = tonumber(ARGV[3])
local userID = ARGV[2]

if seatIndexNum < 0 or seatIndexNum >= seatCount then
  return redis.error_reply("SEAT_INVALID")
end

local existing = redis.call('HGET', KEYS[1], seatIndex)
if existing then
  local ok, data = pcall(cjson.decode, existing)
  if ok and data.userId ~= nil and tostring(data.userId) ~= "" and tostring(data.userId) ~= "0" then
    return redis.error_reply("SEAT_OCCUPIED")
  end
end

local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local field = all[i]
  local value = all[i+1]
  if field ~= seatIndex then
    local ok, data = pcall(cjson.decode, value)
    if ok and data.userId ~= nil and tostring(data.userId) == userID then
      redis.call('HDEL', KEYS[1], field)
    end
  end
end

local payload = cjson.encode({userId = tonumber(userID), muted = false})
redis.call('HSET', KEYS[1], seatIndex, payload)
return seatIndexNum
`

const leaveSeatLua = `
local userID = ARGV[1]
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local field = all[i]
  local ok, data = pcall(cjson.decode, all[i+1])
  if ok and data.userId ~= nil and tostring(data.userId) == userID then
    redis.call('HDEL', KEYS[1], field)
    return tonumber(field)
  end
end
return redis.error_reply("NOT_SEATED")
`

const removeSeatLua = `
local userID = ARGV[1]
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local field = all[i]
  local ok, data = pcall(cjson.decode, all[i+1])
  if ok and data.userId ~= nil and tostring(data.userId) == userID then
    redis.call('HDEL', KEYS[1], field)
    return tonumber(field)
  end
end
return redis.error_reply("USER_NOT_SEATED")
`

const setMuteLua = `
local seatIndex = ARGV[1]
local muted = ARGV[2]
local existing = redis.call('HGET', KEYS[1], seatIndex)
if not existing then
  return 0
end
local ok, data = pcall(cjson.decode, existing)
if not ok then
  return 0
end
data.muted = (muted == "1")
redis.call('HSET', KEYS[1], seatIndex, cjson.encode(data))
return 1
`

const lockSeatLua = `
local seatIndex = ARGV[1]
if redis.call('SISMEMBER', KEYS[2], seatIndex) == 1 then
  return redis.error_reply("SEAT_ALREADY_LOCKED")
end
redis.call('SADD', KEYS[2], seatIndex)
local existing = redis.call('HGET', KEYS[1], seatIndex)
if existing then
  local ok, data = pcall(cjson.decode, existing)
  if ok and data.userId ~= nil and tostring(data.userId) ~= "" and tostring(data.userId) ~= "0" then
    redis.call('HDEL', KEYS[1], seatIndex)
    return tostring(data.userId)
  end
end
return ""
`

const unlockSeatLua = `
local seatIndex = ARGV[1]
if redis.call('SISMEMBER', KEYS[1], seatIndex) == 0 then
  return redis.error_reply("SEAT_NOT_LOCKED")
end
redis.call('SREM', KEYS[1], seatIndex)
return 1
`

const createInviteLua = `
local seatIndex = ARGV[1]
local target = ARGV[2]
local inviter = ARGV[3]
local ttl = ARGV[4]
local now = ARGV[5]

local existing = redis.call('HGET', KEYS[1], seatIndex)
if existing then
  local ok, data = pcall(cjson.decode, existing)
  if ok and data.userId ~= nil and tostring(data.userId) ~= "" and tostring(data.userId) ~= "0" then
    return redis.error_reply("SEAT_OCCUPIED")
  end
end

local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local ok, data = pcall(cjson.decode, all[i+1])
  if ok and data.userId ~= nil and tostring(data.userId) == target then
    return redis.error_reply("SEAT_OCCUPIED")
  end
end

if redis.call('EXISTS', KEYS[2]) == 1 then
  return redis.error_reply("INVITE_PENDING")
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return redis.error_reply("INVITE_PENDING")
end

local payload = cjson.encode({targetUserId = tonumber(target), invitedBy = tonumber(inviter), seatIndex = tonumber(seatIndex), createdAt = tonumber(now)})
redis.call('SET', KEYS[2], payload, 'EX', ttl)
redis.call('SET', KEYS[3], seatIndex, 'EX', ttl)
return 1
`

const deleteInviteLua = `
local roomID = ARGV[1]
local data = redis.call('GET', KEYS[1])
redis.call('DEL', KEYS[1])
if data then
  local ok, decoded = pcall(cjson.decode, data)
  if ok and decoded.targetUserId then
    redis.call('DEL', 'room:' .. roomID .. ':invite:user:' .. tostring(decoded.targetUserId))
  end
end
return 1
`

func mapScriptError(err error, fallback apperr.Code) error {
	if err == nil {
		return nil
	}
	for _, code := range []apperr.Code{
		apperr.SeatInvalid, apperr.SeatLocked, apperr.SeatTaken, apperr.SeatOccupied,
		apperr.NotSeated, apperr.UserNotSeated, apperr.SeatAlreadyLocked, apperr.SeatNotLocked,
		apperr.InvitePending,
	} {
		if err.Error() == string(code) {
			return apperr.New(code, "")
		}
	}
	return apperr.Wrap(fallback, "seat repository operation failed", err)
}

// TakeSeat implements the contention-aware take operation.
func (r *Repository) TakeSeat(ctx context.Context, roomID string, userID int64, seatIndex, seatCount int) (int, error) {
	res, err := r.takeScript.Run(ctx, r.redis,
		[]string{store.RoomSeatsKey(roomID), store.RoomLockedSeatsKey(roomID)},
		seatIndex, userID, seatCount).Result()
	if err != nil {
		return 0, mapScriptError(err, apperr.Internal)
	}
	return int(res.(int64)), nil
}

// AssignSeat implements the owner-driven assignment operation.
func (r *Repository) AssignSeat(ctx context.Context, roomID string, targetUserID int64, seatIndex, seatCount int) (int, error) {
	res, err := r.assignScript.Run(ctx, r.redis,
		[]string{store.RoomSeatsKey(roomID), store.RoomLockedSeatsKey(roomID)},
		seatIndex, targetUserID, seatCount).Result()
	if err != nil {
		return 0, mapScriptError(err, apperr.Internal)
	}
	return int(res.(int64)), nil
}

func (r *Repository) LeaveSeat(ctx context.Context, roomID string, userID int64) (int, error) {
	res, err := r.leaveScript.Run(ctx, r.redis, []string{store.RoomSeatsKey(roomID)}, userID).Result()
	if err != nil {
		return 0, mapScriptError(err, apperr.Internal)
	}
	return int(res.(int64)), nil
}

func (r *Repository) RemoveSeat(ctx context.Context, roomID string, userID int64) (int, error) {
	res, err := r.removeScript.Run(ctx, r.redis, []string{store.RoomSeatsKey(roomID)}, userID).Result()
	if err != nil {
		return 0, mapScriptError(err, apperr.Internal)
	}
	return int(res.(int64)), nil
}

func (r *Repository) SetMute(ctx context.Context, roomID string, seatIndex int, muted bool) (bool, error) {
	flag := "0"
	if muted {
		flag = "1"
	}
	res, err := r.setMuteScript.Run(ctx, r.redis, []string{store.RoomSeatsKey(roomID)}, seatIndex, flag).Result()
	if err != nil {
		return false, mapScriptError(err, apperr.Internal)
	}
	return res.(int64) == 1, nil
}

// LockSeat returns (kickedUserID, wasOccupied, error).
func (r *Repository) LockSeat(ctx context.Context, roomID string, seatIndex int) (int64, bool, error) {
	res, err := r.lockScript.Run(ctx, r.redis,
		[]string{store.RoomSeatsKey(roomID), store.RoomLockedSeatsKey(roomID)}, seatIndex).Result()
	if err != nil {
		return 0, false, mapScriptError(err, apperr.Internal)
	}
	kicked, _ := res.(string)
	if kicked == "" {
		return 0, false, nil
	}
	var userID int64
	if _, err := fmt.Sscanf(kicked, "%d", &userID); err != nil {
		return 0, false, apperr.Wrap(apperr.Internal, "decode kicked user id", err)
	}
	return userID, true, nil
}

func (r *Repository) UnlockSeat(ctx context.Context, roomID string, seatIndex int) error {
	_, err := r.unlockScript.Run(ctx, r.redis, []string{store.RoomLockedSeatsKey(roomID)}, seatIndex).Result()
	if err != nil {
		return mapScriptError(err, apperr.Internal)
	}
	return nil
}

func (r *Repository) CreateInvite(ctx context.Context, roomID string, seatIndex int, targetUserID, inviterID int64, ttl time.Duration, now time.Time) error {
	_, err := r.createInviteScript.Run(ctx, r.redis,
		[]string{store.RoomSeatsKey(roomID), store.RoomInviteSeatKey(roomID, seatIndex), store.RoomInviteUserKey(roomID, targetUserID)},
		seatIndex, targetUserID, inviterID, int(ttl.Seconds()), now.Unix()).Result()
	if err != nil {
		return mapScriptError(err, apperr.Internal)
	}
	return nil
}

func (r *Repository) DeleteInvite(ctx context.Context, roomID string, seatIndex int) error {
	_, err := r.deleteInviteScript.Run(ctx, r.redis, []string{store.RoomInviteSeatKey(roomID, seatIndex)}, roomID).Result()
	if err != nil {
		return mapScriptError(err, apperr.Internal)
	}
	return nil
}

// GetInviteByUser looks up the O(1) reverse index, then fetches the invite record.
func (r *Repository) GetInviteByUser(ctx context.Context, roomID string, userID int64) (*Invite, error) {
	seatIndexStr, err := r.redis.Get(ctx, store.RoomInviteUserKey(roomID, userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "get invite reverse index", err)
	}

	data, err := r.redis.Get(ctx, fmt.Sprintf("room:%s:invite:%s", roomID, seatIndexStr)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "get invite record", err)
	}

	var inv Invite
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode invite record", err)
	}
	inv.RoomID = roomID
	return &inv, nil
}

// GetSeats returns the full seat snapshot for a room.
func (r *Repository) GetSeats(ctx context.Context, roomID string) ([]Seat, error) {
	all, err := r.redis.HGetAll(ctx, store.RoomSeatsKey(roomID)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get seats", err)
	}
	seats := make([]Seat, 0, len(all))
	for field, value := range all {
		var s Seat
		if err := json.Unmarshal([]byte(value), &s); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(field, "%d", &s.SeatIndex); err != nil {
			continue
		}
		seats = append(seats, s)
	}
	return seats, nil
}

// GetLockedSeats returns the set of locked seat indices.
func (r *Repository) GetLockedSeats(ctx context.Context, roomID string) ([]int, error) {
	members, err := r.redis.SMembers(ctx, store.RoomLockedSeatsKey(roomID)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get locked seats", err)
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		var idx int
		if _, err := fmt.Sscanf(m, "%d", &idx); err == nil {
			out = append(out, idx)
		}
	}
	return out, nil
}

// ClearRoom removes all seat, lock, and invite state for a room via a
// non-blocking cursor SCAN for invite keys plus a pipelined delete.
func (r *Repository) ClearRoom(ctx context.Context, roomID string) error {
	pattern := fmt.Sprintf("room:%s:invite:*", roomID)
	var cursor uint64
	var inviteKeys []string
	for {
		keys, next, err := r.redis.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return apperr.Wrap(apperr.Internal, "scan invite keys", err)
		}
		inviteKeys = append(inviteKeys, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, store.RoomSeatsKey(roomID))
	pipe.Del(ctx, store.RoomLockedSeatsKey(roomID))
	if len(inviteKeys) > 0 {
		pipe.Del(ctx, inviteKeys...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.Internal, "clear room seat state", err)
	}
	return nil
}
