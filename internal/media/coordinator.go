// Package media implements MediaCoordinator: per-room WebRTC transports,
// producers and consumers, and the active-speaker observer.
package media

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/metrics"
)

// TransportKind distinguishes send-side and receive-side transports.
type TransportKind string

const (
	TransportProducer TransportKind = "producer"
	TransportConsumer TransportKind = "consumer"
)

// Transport wraps a single peer connection used either to produce or to
// consume media. A connection holds at most two of these (one per kind).
type Transport struct {
	ID        string
	Kind      TransportKind
	ConnID    string
	UserID    int64
	RoomID    string
	pc        *webrtc.PeerConnection
	connected bool
}

// Producer is an inbound audio track published by a connection.
type Producer struct {
	ID        string
	RoomID    string
	ConnID    string
	UserID    int64
	Kind      string
	track     *webrtc.TrackRemote
	receiver  *webrtc.RTPReceiver
	pc        *webrtc.PeerConnection
	paused    bool
	closed    bool
	consumers map[string]*Consumer
	mu        sync.Mutex
}

// Consumer is an outbound forwarding leg of a Producer to a single
// subscribing connection.
type Consumer struct {
	ID           string
	RoomID       string
	ConnID       string
	ProducerID   string
	UserID       int64
	localTrack   *webrtc.TrackLocalStaticRTP
	sender       *webrtc.RTPSender
	paused       bool
	preferredRID string
	mu           sync.Mutex
}

type audioLevel struct {
	score      float64
	lastPacket time.Time
	packetRate float64
}

// roomMedia is the per-room media state: producers, consumers and the
// active-speaker tracker.
type roomMedia struct {
	mu        sync.RWMutex
	producers map[string]*Producer
	consumers map[string]*Consumer

	audioMu         sync.Mutex
	audioLevels     map[string]*audioLevel // keyed by producer ID
	dominantSpeaker string
}

// Broadcaster is the narrow slice of Connection's room fan-out this package
// needs; satisfied by internal/connection.
type Broadcaster interface {
	BroadcastRoom(roomID, event string, payload any, excludeConnID string)
}

// APIResolver returns the webrtc.API belonging to the worker currently
// hosting roomID, so each room's peer connections are created on their
// assigned worker's SettingEngine/port range rather than a single shared one.
type APIResolver interface {
	APIFor(roomID string) (*webrtc.API, error)
}

// Coordinator implements MediaCoordinator.
type Coordinator struct {
	logger       *zap.Logger
	broadcaster  Broadcaster
	apis         APIResolver
	rtcConfig    webrtc.Configuration
	maxPerConn   int
	speakerEvery time.Duration
	speakerFloor float64

	mu         sync.RWMutex
	rooms      map[string]*roomMedia
	transports map[string]*Transport // transportID -> transport
	connCounts map[string]int        // connID -> transport count
}

// Config holds the tunables MediaCoordinator needs at construction.
type Config struct {
	MaxTransportsPerConn int
	SpeakerInterval      time.Duration
	SpeakerFloor         float64 // minimum EMA score to be considered "speaking"
}

func New(cfg Config, apis APIResolver, rtcConfig webrtc.Configuration, broadcaster Broadcaster, logger *zap.Logger) *Coordinator {
	if cfg.SpeakerInterval <= 0 {
		cfg.SpeakerInterval = 200 * time.Millisecond
	}
	if cfg.SpeakerFloor <= 0 {
		cfg.SpeakerFloor = 5.0
	}
	return &Coordinator{
		logger:       logger,
		broadcaster:  broadcaster,
		apis:         apis,
		rtcConfig:    rtcConfig,
		maxPerConn:   cfg.MaxTransportsPerConn,
		speakerEvery: cfg.SpeakerInterval,
		speakerFloor: cfg.SpeakerFloor,
		rooms:        make(map[string]*roomMedia),
		transports:   make(map[string]*Transport),
		connCounts:   make(map[string]int),
	}
}

func (c *Coordinator) roomFor(roomID string) *roomMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	rm, ok := c.rooms[roomID]
	if !ok {
		rm = &roomMedia{
			producers:   make(map[string]*Producer),
			consumers:   make(map[string]*Consumer),
			audioLevels: make(map[string]*audioLevel),
		}
		c.rooms[roomID] = rm
		go c.runSpeakerDetection(roomID, rm)
	}
	return rm
}

// CreateTransport enforces the max-transports-per-connection limit and wires
// a fresh PeerConnection for the given room.
func (c *Coordinator) CreateTransport(ctx context.Context, connID, roomID string, userID int64, kind TransportKind) (*Transport, error) {
	c.mu.Lock()
	for _, existing := range c.transports {
		if existing.ConnID == connID && existing.Kind == kind {
			c.mu.Unlock()
			return nil, apperr.New(apperr.TransportLimit, "connection already has a transport of this kind")
		}
	}
	if c.connCounts[connID] >= c.maxPerConn {
		c.mu.Unlock()
		return nil, apperr.New(apperr.TransportLimit, "max transports per connection reached")
	}
	c.connCounts[connID]++
	c.mu.Unlock()

	api, err := c.apis.APIFor(roomID)
	if err != nil {
		c.mu.Lock()
		c.connCounts[connID]--
		c.mu.Unlock()
		return nil, apperr.Wrap(apperr.Internal, "resolve room worker", err)
	}
	pc, err := api.NewPeerConnection(c.rtcConfig)
	if err != nil {
		c.mu.Lock()
		c.connCounts[connID]--
		c.mu.Unlock()
		return nil, apperr.Wrap(apperr.Internal, "create peer connection", err)
	}

	t := &Transport{
		ID:     uuid.NewString(),
		Kind:   kind,
		ConnID: connID,
		UserID: userID,
		RoomID: roomID,
		pc:     pc,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		metrics.RecordICEState(s.String(), 1)
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			c.logger.Warn("ice connection degraded", zap.String("transportId", t.ID), zap.String("state", s.String()))
		}
	})

	if kind == TransportProducer {
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			c.handleIncomingTrack(roomID, connID, userID, track, receiver, pc)
		})
	}

	c.mu.Lock()
	c.transports[t.ID] = t
	c.mu.Unlock()

	return t, nil
}

// ConnectTransport completes the DTLS handshake. Idempotent: calling it on
// an already-connected transport is a no-op success.
func (c *Coordinator) ConnectTransport(ctx context.Context, transportID string, remote webrtc.SessionDescription) error {
	t, err := c.getTransport(transportID)
	if err != nil {
		return err
	}
	if t.connected {
		return nil
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return apperr.Wrap(apperr.InvalidPayload, "set remote description", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create answer", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return apperr.Wrap(apperr.Internal, "set local description", err)
	}
	t.connected = true
	return nil
}

// RestartIce restarts ICE gathering on an existing transport, returning
// fresh local ICE parameters for the client to apply without a full rejoin.
func (c *Coordinator) RestartIce(ctx context.Context, transportID string) (*webrtc.SessionDescription, error) {
	t, err := c.getTransport(transportID)
	if err != nil {
		return nil, err
	}
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "ice restart offer", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "ice restart set local", err)
	}
	return t.pc.LocalDescription(), nil
}

// LocalDescription returns the transport's current local SDP, set once
// ConnectTransport has produced an answer.
func (c *Coordinator) LocalDescription(transportID string) (*webrtc.SessionDescription, error) {
	t, err := c.getTransport(transportID)
	if err != nil {
		return nil, err
	}
	return t.pc.LocalDescription(), nil
}

// AddICECandidate applies a remote trickle ICE candidate to a transport.
func (c *Coordinator) AddICECandidate(transportID string, candidate webrtc.ICECandidateInit) error {
	t, err := c.getTransport(transportID)
	if err != nil {
		return err
	}
	if err := t.pc.AddICECandidate(candidate); err != nil {
		return apperr.Wrap(apperr.InvalidPayload, "add ice candidate", err)
	}
	return nil
}

func (c *Coordinator) getTransport(id string) (*Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transports[id]
	if !ok {
		return nil, apperr.New(apperr.TransportNotFound, "transport not found")
	}
	return t, nil
}

// handleIncomingTrack registers an inbound track as a producer and fans out
// audio:newProducer to the whole room, the producing connection included.
func (c *Coordinator) handleIncomingTrack(roomID, connID string, userID int64, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, pc *webrtc.PeerConnection) {
	rm := c.roomFor(roomID)

	p := &Producer{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		ConnID:    connID,
		UserID:    userID,
		Kind:      track.Kind().String(),
		track:     track,
		receiver:  receiver,
		pc:        pc,
		consumers: make(map[string]*Consumer),
	}

	rm.mu.Lock()
	rm.producers[p.ID] = p
	rm.mu.Unlock()

	rm.audioMu.Lock()
	rm.audioLevels[p.ID] = &audioLevel{lastPacket: time.Now()}
	rm.audioMu.Unlock()

	// Tracks arrive via OnTrack during SDP renegotiation rather than an
	// explicit audio:produce call, so the producing connection has no other
	// way to learn its own producerId; it is deliberately not excluded here
	// and self-identifies by matching userId.
	c.broadcaster.BroadcastRoom(roomID, "audio:newProducer", map[string]any{
		"producerId": p.ID,
		"userId":     userID,
		"kind":       p.Kind,
	}, "")

	go c.readRTP(rm, p)
}

func (c *Coordinator) readRTP(rm *roomMedia, p *Producer) {
	buf := make([]byte, 1500)
	for {
		n, _, err := p.track.Read(buf)
		if err != nil {
			c.closeProducer(rm, p)
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		c.trackAudioActivity(rm, p.ID)
		c.forwardToConsumers(p, pkt)
	}
}

func (c *Coordinator) forwardToConsumers(p *Producer, pkt *rtp.Packet) {
	p.mu.Lock()
	if p.paused || p.closed {
		p.mu.Unlock()
		return
	}
	targets := make([]*Consumer, 0, len(p.consumers))
	for _, cons := range p.consumers {
		targets = append(targets, cons)
	}
	p.mu.Unlock()

	for _, cons := range targets {
		cons.mu.Lock()
		paused := cons.paused
		cons.mu.Unlock()
		if paused {
			continue
		}
		if err := cons.localTrack.WriteRTP(pkt); err != nil {
			c.logger.Debug("consumer write failed", zap.String("consumerId", cons.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) closeProducer(rm *roomMedia, p *Producer) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, cons := range p.consumers {
		consumers = append(consumers, cons)
	}
	p.mu.Unlock()

	for _, cons := range consumers {
		c.closeConsumer(rm, cons)
	}

	rm.mu.Lock()
	delete(rm.producers, p.ID)
	rm.mu.Unlock()

	rm.audioMu.Lock()
	delete(rm.audioLevels, p.ID)
	rm.audioMu.Unlock()
}

func (c *Coordinator) closeConsumer(rm *roomMedia, cons *Consumer) {
	rm.mu.Lock()
	delete(rm.consumers, cons.ID)
	rm.mu.Unlock()
}

// Consume creates a paused consumer forwarding producerID's media to
// transportID. The consumer stays paused until consumer:resume.
func (c *Coordinator) Consume(ctx context.Context, roomID, transportID, producerID string, userID int64) (*Consumer, error) {
	t, err := c.getTransport(transportID)
	if err != nil {
		return nil, err
	}

	rm := c.roomFor(roomID)
	rm.mu.RLock()
	p, ok := rm.producers[producerID]
	rm.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.ProducerNotFound, "producer not found")
	}

	localTrack, err := webrtc.NewTrackLocalStaticRTP(p.track.Codec().RTPCodecCapability, "audio", p.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "create local track", err)
	}
	sender, err := t.pc.AddTrack(localTrack)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "add track to consumer transport", err)
	}
	go drainRTCP(sender)

	cons := &Consumer{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		ConnID:     t.ConnID,
		ProducerID: producerID,
		UserID:     userID,
		localTrack: localTrack,
		sender:     sender,
		paused:     true,
	}

	p.mu.Lock()
	p.consumers[cons.ID] = cons
	p.mu.Unlock()

	rm.mu.Lock()
	rm.consumers[cons.ID] = cons
	rm.mu.Unlock()

	return cons, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ResumeConsumer resumes a paused consumer. Idempotent.
func (c *Coordinator) ResumeConsumer(ctx context.Context, roomID, consumerID string) error {
	rm := c.roomFor(roomID)
	rm.mu.RLock()
	cons, ok := rm.consumers[consumerID]
	rm.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.ConsumerNotFound, "consumer not found")
	}
	cons.mu.Lock()
	cons.paused = false
	cons.mu.Unlock()
	return nil
}

// SetPreferredLayer records the simulcast RID a consumer prefers and asks the
// producer for a keyframe (sent for video producers only). The recorded RID
// is not read when forwarding: the consumer keeps receiving the producer's
// single track.
func (c *Coordinator) SetPreferredLayer(ctx context.Context, roomID, consumerID, rid string) error {
	rm := c.roomFor(roomID)
	rm.mu.RLock()
	cons, ok := rm.consumers[consumerID]
	rm.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.ConsumerNotFound, "consumer not found")
	}
	cons.mu.Lock()
	cons.preferredRID = rid
	cons.mu.Unlock()
	return c.requestKeyFrame(rm, cons.ProducerID)
}

func (c *Coordinator) requestKeyFrame(rm *roomMedia, producerID string) error {
	rm.mu.RLock()
	p, ok := rm.producers[producerID]
	rm.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.sendPLI(p)
}

// sendPLI writes a Picture Loss Indication back to the producer's own
// transport, asking its sender to emit a fresh keyframe.
func (c *Coordinator) sendPLI(p *Producer) error {
	if p.pc == nil || p.receiver == nil || p.Kind != "video" {
		return nil
	}
	track := p.receiver.Track()
	if track == nil {
		return nil
	}
	err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "write PLI", err)
	}
	metrics.RecordPLI()
	return nil
}

// ActiveProducer is the join-ack-facing view of a live producer.
type ActiveProducer struct {
	ProducerID string `json:"producerId"`
	UserID     int64  `json:"userId"`
}

// ListProducers enumerates every live producer in a room, for the
// participant snapshot a joining connection receives.
func (c *Coordinator) ListProducers(roomID string) []ActiveProducer {
	rm := c.roomFor(roomID)
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]ActiveProducer, 0, len(rm.producers))
	for _, p := range rm.producers {
		out = append(out, ActiveProducer{ProducerID: p.ID, UserID: p.UserID})
	}
	return out
}

// findProducerByUser locates the audio producer a given user owns in a room.
func (rm *roomMedia) findProducerByUser(userID int64) *Producer {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, p := range rm.producers {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (rm *roomMedia) findProducerByID(id string) *Producer {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.producers[id]
}

// SelfMute verifies ownership and pauses a producer, broadcasting
// seat:userMuted{selfMuted:true}.
func (c *Coordinator) SelfMute(ctx context.Context, roomID, producerID string, userID int64) error {
	return c.setSelfPause(ctx, roomID, producerID, userID, true)
}

func (c *Coordinator) SelfUnmute(ctx context.Context, roomID, producerID string, userID int64) error {
	return c.setSelfPause(ctx, roomID, producerID, userID, false)
}

func (c *Coordinator) setSelfPause(ctx context.Context, roomID, producerID string, userID int64, pause bool) error {
	rm := c.roomFor(roomID)
	p := rm.findProducerByID(producerID)
	if p == nil {
		return apperr.New(apperr.ProducerNotFound, "producer not found")
	}
	if p.UserID != userID {
		return apperr.New(apperr.NotAuthorized, "producer not owned by caller")
	}
	p.mu.Lock()
	p.paused = pause
	p.mu.Unlock()

	c.broadcaster.BroadcastRoom(roomID, "seat:userMuted", map[string]any{
		"userId":    userID,
		"muted":     pause,
		"selfMuted": true,
	}, "")
	return nil
}

// --- server-enforced producer control, satisfying seat.ProducerController ---

func (c *Coordinator) PauseUserAudio(ctx context.Context, roomID string, userID int64) error {
	rm := c.roomFor(roomID)
	p := rm.findProducerByUser(userID)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (c *Coordinator) ResumeUserAudio(ctx context.Context, roomID string, userID int64) error {
	rm := c.roomFor(roomID)
	p := rm.findProducerByUser(userID)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (c *Coordinator) CloseUserAudio(ctx context.Context, roomID string, userID int64) error {
	rm := c.roomFor(roomID)
	p := rm.findProducerByUser(userID)
	if p == nil {
		return nil
	}
	c.closeProducer(rm, p)
	return nil
}

// ReleaseConnection tears down every transport/producer/consumer a
// disconnecting connection owned, and frees its transport-count slot.
func (c *Coordinator) ReleaseConnection(roomID, connID string) {
	rm := c.roomFor(roomID)

	rm.mu.Lock()
	var owned []*Producer
	for _, p := range rm.producers {
		if p.ConnID == connID {
			owned = append(owned, p)
		}
	}
	var ownedConsumers []*Consumer
	for _, cons := range rm.consumers {
		if cons.ConnID == connID {
			ownedConsumers = append(ownedConsumers, cons)
		}
	}
	rm.mu.Unlock()
	for _, p := range owned {
		c.closeProducer(rm, p)
	}
	for _, cons := range ownedConsumers {
		if p := rm.findProducerByID(cons.ProducerID); p != nil {
			p.mu.Lock()
			delete(p.consumers, cons.ID)
			p.mu.Unlock()
		}
		c.closeConsumer(rm, cons)
	}

	c.mu.Lock()
	for id, t := range c.transports {
		if t.ConnID == connID {
			_ = t.pc.Close()
			delete(c.transports, id)
		}
	}
	delete(c.connCounts, connID)
	c.mu.Unlock()
}

// --- active-speaker detection: EMA packet-rate score, 0.3 smoothing ---

const speakerAlpha = 0.3

func (c *Coordinator) trackAudioActivity(rm *roomMedia, producerID string) {
	rm.audioMu.Lock()
	defer rm.audioMu.Unlock()

	level, ok := rm.audioLevels[producerID]
	if !ok {
		level = &audioLevel{}
		rm.audioLevels[producerID] = level
	}

	now := time.Now()
	elapsed := now.Sub(level.lastPacket).Seconds()
	if elapsed < 0.001 {
		elapsed = 0.001
	}
	level.lastPacket = now

	instantRate := 1.0 / elapsed
	level.packetRate = speakerAlpha*instantRate + (1-speakerAlpha)*level.packetRate
	level.score = speakerAlpha*level.packetRate + (1-speakerAlpha)*level.score
}

func (c *Coordinator) runSpeakerDetection(roomID string, rm *roomMedia) {
	ticker := time.NewTicker(c.speakerEvery)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.RLock()
		_, alive := c.rooms[roomID]
		c.mu.RUnlock()
		if !alive {
			return
		}
		c.computeDominantSpeakers(roomID, rm)
	}
}

// computeDominantSpeakers decays stale scores and emits a change-gated
// speaker:active event carrying every producer currently above the floor.
func (c *Coordinator) computeDominantSpeakers(roomID string, rm *roomMedia) {
	rm.audioMu.Lock()
	now := time.Now()
	var active []string
	for producerID, level := range rm.audioLevels {
		elapsed := now.Sub(level.lastPacket).Seconds()
		if elapsed > 0.5 {
			level.score *= math.Exp(-elapsed)
		}
		if level.score >= c.speakerFloor {
			active = append(active, producerID)
		}
	}
	rm.audioMu.Unlock()

	userIDs := make([]int64, 0, len(active))
	for _, producerID := range active {
		p := rm.findProducerByID(producerID)
		if p != nil {
			userIDs = append(userIDs, p.UserID)
		}
	}

	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
	key := fmt.Sprintf("%v", userIDs)
	rm.audioMu.Lock()
	changed := rm.dominantSpeaker != key && !(rm.dominantSpeaker == "" && len(userIDs) == 0)
	rm.dominantSpeaker = key
	rm.audioMu.Unlock()

	if changed {
		c.broadcaster.BroadcastRoom(roomID, "speaker:active", map[string]any{
			"activeSpeakers": userIDs,
			"ts":             now.Unix(),
		}, "")
	}
}

// CloseRoom tears down every transport/producer/consumer for a room and
// removes its media state.
func (c *Coordinator) CloseRoom(roomID string) {
	c.mu.Lock()
	rm, ok := c.rooms[roomID]
	if ok {
		delete(c.rooms, roomID)
	}
	for id, t := range c.transports {
		if t.RoomID == roomID {
			_ = t.pc.Close()
			delete(c.transports, id)
		}
	}
	c.mu.Unlock()
	_ = rm
}

// HandlePLI processes an inbound PLI/FIR keyframe request raised by a
// consumer's transport and forwards it to the owning producer's transport.
func (c *Coordinator) HandlePLI(roomID, producerID string) error {
	rm := c.roomFor(roomID)
	p := rm.findProducerByID(producerID)
	if p == nil {
		return apperr.New(apperr.ProducerNotFound, "producer not found")
	}
	return c.sendPLI(p)
}
