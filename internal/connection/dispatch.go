package connection

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/envelope"
	"github.com/livestage/sfu-gateway/internal/gift"
	"github.com/livestage/sfu-gateway/internal/index"
	"github.com/livestage/sfu-gateway/internal/media"
	"github.com/livestage/sfu-gateway/internal/ratelimit"
	"github.com/livestage/sfu-gateway/internal/room"
	"github.com/livestage/sfu-gateway/internal/seat"
	"github.com/livestage/sfu-gateway/internal/store"
)

// Dispatch owns the table of HandlerEnvelopes bound to the domain
// coordinators and the shared store indices every handler needs to attach
// a Connection's identity to room/socket state.
type Dispatch struct {
	rooms    *room.Registry
	seats    *seat.Coordinator
	seatsDB  *seat.Repository
	media    *media.Coordinator
	gifts    *gift.Batcher
	sockets  *index.Sockets
	roomIdx  *index.Rooms
	hub      *Hub
	limiter  *ratelimit.Limiter
	chatRate string
	logger   *zap.Logger

	table map[string]*envelope.Envelope
}

func NewDispatch(
	rooms *room.Registry,
	seats *seat.Coordinator,
	seatsDB *seat.Repository,
	mediaCoord *media.Coordinator,
	gifts *gift.Batcher,
	sockets *index.Sockets,
	roomIdx *index.Rooms,
	hub *Hub,
	limiter *ratelimit.Limiter,
	chatRate string,
	logger *zap.Logger,
) *Dispatch {
	d := &Dispatch{
		rooms: rooms, seats: seats, seatsDB: seatsDB, media: mediaCoord,
		gifts: gifts, sockets: sockets, roomIdx: roomIdx, hub: hub,
		limiter: limiter, chatRate: chatRate, logger: logger,
	}
	d.build()
	return d
}

// Dispatch routes one decoded envelope from a connection to its handler and
// returns the ack to write back, unless the op is fire-and-forget.
func (d *Dispatch) Dispatch(ctx context.Context, c *Connection, env Envelope) (envelope.Ack, bool) {
	h, ok := d.table[env.Type]
	if !ok {
		return envelope.Ack{OK: false, Err: string(apperr.InvalidPayload)}, true
	}
	ctx = withConn(ctx, c)
	ack := h.Run(ctx, env.Data)
	return ack, env.Type != "room:leave"
}

type ctxKey struct{}

func withConn(ctx context.Context, c *Connection) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func connFrom(ctx context.Context) *Connection {
	c, _ := ctx.Value(ctxKey{}).(*Connection)
	return c
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	var zero T
	if len(raw) == 0 {
		return zero, apperr.New(apperr.InvalidPayload, "missing payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, apperr.New(apperr.InvalidPayload, "malformed payload")
	}
	return v, nil
}

func (d *Dispatch) reg(op string, validate envelope.Validator, execute envelope.Handler) {
	d.table[op] = envelope.New(op, validate, execute, d.logger)
}

// build wires the full operation table: room, seat, transport/media and
// gift handlers, each a thin validate-then-call adapter over a coordinator.
func (d *Dispatch) build() {
	d.table = make(map[string]*envelope.Envelope)

	d.reg("room:join", func(raw json.RawMessage) (any, error) {
		return decode[roomJoinReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(roomJoinReq)
		c := connFrom(ctx)
		result, err := d.rooms.JoinRoom(ctx, r.RoomID, c.UserID(), r.SeatCount)
		if err != nil {
			return nil, err
		}
		c.SetRoomID(r.RoomID)
		if err := d.roomIdx.Set(ctx, c.UserID(), r.RoomID); err != nil {
			d.logger.Warn("room:join failed to update user room index", zap.Error(err))
		}
		if err := d.sockets.Add(ctx, c.UserID(), c.ID); err != nil {
			d.logger.Warn("room:join failed to update user socket index", zap.Error(err))
		}

		seats, _ := d.seatsDB.GetSeats(ctx, r.RoomID)
		lockedSeats, _ := d.seatsDB.GetLockedSeats(ctx, r.RoomID)
		participants := d.hub.RoomMembers(r.RoomID)
		activeProducers := d.media.ListProducers(r.RoomID)

		d.hub.BroadcastRoom(r.RoomID, "room:userJoined", map[string]any{
			"userId": c.UserID(),
			"user": map[string]any{
				"id":          c.UserID(),
				"displayName": c.Identity.DisplayName,
				"avatarRef":   c.Identity.AvatarRef,
			},
		}, c.ID)

		return map[string]any{
			"roomId":                r.RoomID,
			"participantCount":      result.ParticipantCount,
			"seats":                 seats,
			"lockedSeats":           lockedSeats,
			"participants":          participants,
			"activeProducers":       activeProducers,
			"routerRtpCapabilities": media.Capabilities(),
		}, nil
	})

	d.reg("room:leave", func(raw json.RawMessage) (any, error) {
		return decode[roomLeaveReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(roomLeaveReq)
		c := connFrom(ctx)
		roomID := r.RoomID
		if roomID == "" {
			roomID = c.RoomID()
		}
		if err := d.rooms.LeaveRoom(ctx, roomID, c.UserID()); err != nil {
			return nil, err
		}
		if err := d.roomIdx.Clear(ctx, c.UserID()); err != nil {
			d.logger.Warn("room:leave failed to clear user room index", zap.Error(err))
		}
		c.SetRoomID("")
		return nil, nil
	})

	d.reg("seat:take", seatReqValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatReq)
		c := connFrom(ctx)
		return nil, d.seats.Take(ctx, r.RoomID, c.UserID(), r.SeatIndex, r.SeatCount)
	})

	d.reg("seat:assign", seatAssignValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatAssignReq)
		c := connFrom(ctx)
		return nil, d.seats.Assign(ctx, r.RoomID, c.UserID(), r.TargetUserID, r.SeatIndex, r.SeatCount)
	})

	d.reg("seat:leave", seatRoomValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatRoomReq)
		c := connFrom(ctx)
		return nil, d.seats.Leave(ctx, r.RoomID, c.UserID())
	})

	d.reg("seat:remove", seatTargetValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatTargetReq)
		c := connFrom(ctx)
		return nil, d.seats.Remove(ctx, r.RoomID, c.UserID(), r.TargetUserID)
	})

	d.reg("seat:mute", seatMuteValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatMuteReq)
		c := connFrom(ctx)
		return nil, d.seats.Mute(ctx, r.RoomID, c.UserID(), r.SeatIndex, r.OccupantUserID)
	})

	d.reg("seat:unmute", seatMuteValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatMuteReq)
		c := connFrom(ctx)
		return nil, d.seats.Unmute(ctx, r.RoomID, c.UserID(), r.SeatIndex, r.OccupantUserID)
	})

	d.reg("seat:lock", seatIndexValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatIndexReq)
		c := connFrom(ctx)
		return nil, d.seats.Lock(ctx, r.RoomID, c.UserID(), r.SeatIndex)
	})

	d.reg("seat:unlock", seatIndexValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatIndexReq)
		c := connFrom(ctx)
		return nil, d.seats.Unlock(ctx, r.RoomID, c.UserID(), r.SeatIndex)
	})

	d.reg("seat:invite", seatInviteValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatInviteReq)
		c := connFrom(ctx)
		return nil, d.seats.Invite(ctx, r.RoomID, c.UserID(), r.TargetUserID, r.SeatIndex)
	})

	d.reg("seat:invite:accept", seatRoomValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatRoomReq)
		c := connFrom(ctx)
		return nil, d.seats.AcceptInvite(ctx, r.RoomID, c.UserID(), r.SeatCount)
	})

	d.reg("seat:invite:decline", seatRoomValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(seatRoomReq)
		c := connFrom(ctx)
		return nil, d.seats.DeclineInvite(ctx, r.RoomID, c.UserID())
	})

	d.reg("transport:create", func(raw json.RawMessage) (any, error) {
		return decode[transportCreateReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(transportCreateReq)
		c := connFrom(ctx)
		kind := media.TransportConsumer
		if r.Kind == "producer" {
			kind = media.TransportProducer
		}
		t, err := d.media.CreateTransport(ctx, c.ID, c.RoomID(), c.UserID(), kind)
		if err != nil {
			return nil, err
		}
		return map[string]any{"transportId": t.ID, "kind": t.Kind}, nil
	})

	d.reg("transport:connect", func(raw json.RawMessage) (any, error) {
		return decode[transportConnectReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(transportConnectReq)
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: r.SDP}
		if err := d.media.ConnectTransport(ctx, r.TransportID, desc); err != nil {
			return nil, err
		}
		answer, err := d.media.LocalDescription(r.TransportID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sdp": answer.SDP, "type": answer.Type.String()}, nil
	})

	d.reg("transport:restartIce", func(raw json.RawMessage) (any, error) {
		return decode[transportIDReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(transportIDReq)
		offer, err := d.media.RestartIce(ctx, r.TransportID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sdp": offer.SDP, "type": offer.Type.String()}, nil
	})

	d.reg("transport:addIceCandidate", func(raw json.RawMessage) (any, error) {
		return decode[iceCandidateReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(iceCandidateReq)
		cand := webrtc.ICECandidateInit{Candidate: r.Candidate, SDPMid: r.SDPMid, SDPMLineIndex: r.SDPMLineIndex}
		return nil, d.media.AddICECandidate(r.TransportID, cand)
	})

	d.reg("audio:consume", func(raw json.RawMessage) (any, error) {
		return decode[consumeReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(consumeReq)
		c := connFrom(ctx)
		cons, err := d.media.Consume(ctx, c.RoomID(), r.TransportID, r.ProducerID, c.UserID())
		if err != nil {
			return nil, err
		}
		return map[string]any{"consumerId": cons.ID, "producerId": cons.ProducerID}, nil
	})

	d.reg("consumer:resume", func(raw json.RawMessage) (any, error) {
		return decode[consumerIDReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(consumerIDReq)
		c := connFrom(ctx)
		return nil, d.media.ResumeConsumer(ctx, c.RoomID(), r.ConsumerID)
	})

	d.reg("consumer:setPreferredLayer", func(raw json.RawMessage) (any, error) {
		return decode[preferredLayerReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(preferredLayerReq)
		c := connFrom(ctx)
		return nil, d.media.SetPreferredLayer(ctx, c.RoomID(), r.ConsumerID, r.RID)
	})

	d.reg("audio:selfMute", func(raw json.RawMessage) (any, error) {
		return decode[producerIDReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(producerIDReq)
		c := connFrom(ctx)
		return nil, d.media.SelfMute(ctx, c.RoomID(), r.ProducerID, c.UserID())
	})

	d.reg("audio:selfUnmute", func(raw json.RawMessage) (any, error) {
		return decode[producerIDReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(producerIDReq)
		c := connFrom(ctx)
		return nil, d.media.SelfUnmute(ctx, c.RoomID(), r.ProducerID, c.UserID())
	})

	d.reg("gift:send", func(raw json.RawMessage) (any, error) {
		return decode[giftSendReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(giftSendReq)
		c := connFrom(ctx)
		return nil, d.gifts.SendGift(ctx, c.ID, r.RoomID, c.UserID(), r.RecipientID, r.GiftID, r.Quantity)
	})

	d.reg("gift:prepare", func(raw json.RawMessage) (any, error) {
		return decode[giftPrepareReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(giftPrepareReq)
		c := connFrom(ctx)
		return nil, d.gifts.PrepareGift(ctx, c.UserID(), r.RecipientID, r.GiftID)
	})

	d.reg("chat:message", chatMessageValidator, func(ctx context.Context, req any) (any, error) {
		r := req.(chatMessageReq)
		c := connFrom(ctx)
		roomID := r.RoomID
		if roomID == "" {
			roomID = c.RoomID()
		}
		if roomID == "" || !d.hub.IsMember(roomID, c.UserID()) {
			return nil, apperr.New(apperr.NotInRoom, "caller not in room")
		}

		key := store.RateLimitKey("chat", strconv.FormatInt(c.UserID(), 10), roomID)
		if !d.limiter.Allow(ctx, "chat:message", key, d.chatRate) {
			return nil, apperr.New(apperr.RateLimited, "chat rate limit exceeded")
		}

		displayName, avatarRef := "", ""
		if c.Identity != nil {
			displayName = c.Identity.DisplayName
			avatarRef = c.Identity.AvatarRef
		}

		msg := map[string]any{
			"id":       uuid.NewString(),
			"userId":   c.UserID(),
			"userName": displayName,
			"avatar":   avatarRef,
			"content":  r.Content,
			"type":     r.Type,
			"ts":       time.Now().UnixMilli(),
		}
		d.hub.BroadcastRoom(roomID, "chat:message", msg, "")
		d.rooms.TouchActivity(ctx, roomID)
		return nil, nil
	})

	d.reg("user:getRoom", func(raw json.RawMessage) (any, error) {
		return decode[userGetRoomReq](raw)
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(userGetRoomReq)
		userID := r.UserID
		if userID == 0 {
			userID = connFrom(ctx).UserID()
		}
		roomID, ok, err := d.roomIdx.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return map[string]any{"roomId": nil}, nil
		}
		return map[string]any{"roomId": roomID}, nil
	})
}

type roomJoinReq struct {
	RoomID    string `json:"roomId"`
	SeatCount int    `json:"seatCount"`
}
type roomLeaveReq struct {
	RoomID string `json:"roomId"`
}
type seatReq struct {
	RoomID    string `json:"roomId"`
	SeatIndex int    `json:"seatIndex"`
	SeatCount int    `json:"seatCount"`
}
type seatAssignReq struct {
	RoomID       string `json:"roomId"`
	TargetUserID int64  `json:"targetUserId"`
	SeatIndex    int    `json:"seatIndex"`
	SeatCount    int    `json:"seatCount"`
}
type seatRoomReq struct {
	RoomID    string `json:"roomId"`
	SeatCount int    `json:"seatCount"`
}
type seatTargetReq struct {
	RoomID       string `json:"roomId"`
	TargetUserID int64  `json:"targetUserId"`
}
type seatMuteReq struct {
	RoomID         string `json:"roomId"`
	SeatIndex      int    `json:"seatIndex"`
	OccupantUserID int64  `json:"occupantUserId"`
}
type seatIndexReq struct {
	RoomID    string `json:"roomId"`
	SeatIndex int    `json:"seatIndex"`
}
type seatInviteReq struct {
	RoomID       string `json:"roomId"`
	TargetUserID int64  `json:"targetUserId"`
	SeatIndex    int    `json:"seatIndex"`
}
type transportCreateReq struct {
	Kind string `json:"kind"`
}
type transportConnectReq struct {
	TransportID string `json:"transportId"`
	SDP         string `json:"sdp"`
}
type transportIDReq struct {
	TransportID string `json:"transportId"`
}
type iceCandidateReq struct {
	TransportID   string  `json:"transportId"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}
type consumeReq struct {
	TransportID string `json:"transportId"`
	ProducerID  string `json:"producerId"`
}
type consumerIDReq struct {
	ConsumerID string `json:"consumerId"`
}
type preferredLayerReq struct {
	ConsumerID string `json:"consumerId"`
	RID        string `json:"rid"`
}
type producerIDReq struct {
	ProducerID string `json:"producerId"`
}
type giftSendReq struct {
	RoomID      string `json:"roomId"`
	RecipientID int64  `json:"recipientId"`
	GiftID      int64  `json:"giftId"`
	Quantity    int    `json:"quantity"`
}
type giftPrepareReq struct {
	RecipientID int64 `json:"recipientId"`
	GiftID      int64 `json:"giftId"`
}
type chatMessageReq struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}
type userGetRoomReq struct {
	UserID int64 `json:"userId"`
}

var chatMessageTypes = map[string]bool{
	"text": true, "emoji": true, "sticker": true, "gift": true, "system": true,
}

func chatMessageValidator(raw json.RawMessage) (any, error) {
	r, err := decode[chatMessageReq](raw)
	if err != nil {
		return nil, err
	}
	if len(r.Content) < 1 || len(r.Content) > 500 {
		return nil, apperr.New(apperr.InvalidPayload, "content must be 1..500 characters")
	}
	if !chatMessageTypes[r.Type] {
		return nil, apperr.New(apperr.InvalidPayload, "unknown chat message type")
	}
	return r, nil
}

func seatReqValidator(raw json.RawMessage) (any, error)        { return decode[seatReq](raw) }
func seatAssignValidator(raw json.RawMessage) (any, error)     { return decode[seatAssignReq](raw) }
func seatRoomValidator(raw json.RawMessage) (any, error)       { return decode[seatRoomReq](raw) }
func seatTargetValidator(raw json.RawMessage) (any, error)     { return decode[seatTargetReq](raw) }
func seatMuteValidator(raw json.RawMessage) (any, error)       { return decode[seatMuteReq](raw) }
func seatIndexValidator(raw json.RawMessage) (any, error)      { return decode[seatIndexReq](raw) }
func seatInviteValidator(raw json.RawMessage) (any, error)     { return decode[seatInviteReq](raw) }
