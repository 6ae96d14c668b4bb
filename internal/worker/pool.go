// Package worker implements WorkerPool: a small fixed set of SFU worker
// slots, each a node-local pion/webrtc API instance capable of hosting
// rooms, routed by least load and restarted with bounded backoff on death.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Worker is one SFU worker slot: an isolated webrtc.API instance plus the
// count of rooms currently routed to it.
type Worker struct {
	ID    string
	API   *webrtc.API
	mu    sync.Mutex
	load  int
	dead  bool
}

func (w *Worker) Load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load
}

// DeathCallback is invoked with the IDs of rooms hosted on a worker that has
// just died, before the worker is recreated, so the caller can close them
// with reason "worker_died".
type DeathCallback func(workerID string, roomIDs []string)

// APIFactory builds a fresh webrtc.API for a new worker slot. Grounded on
// the teacher's settings-engine construction in setupWebRTCConfig.
type APIFactory func() (*webrtc.API, error)

// Pool owns a fixed number of worker slots and the room -> worker routing
// table.
type Pool struct {
	logger     *zap.Logger
	newAPI     APIFactory
	onDeath    DeathCallback
	mu         sync.Mutex
	workers    []*Worker
	roomOwner  map[string]string   // roomID -> workerID
	workerRoom map[string][]string // workerID -> roomIDs
}

// SetDeathHandler installs the death callback after construction, for the
// common case where the callback needs a collaborator (RoomRegistry) that
// itself depends on the Pool and so cannot exist before it.
func (p *Pool) SetDeathHandler(onDeath DeathCallback) {
	p.mu.Lock()
	p.onDeath = onDeath
	p.mu.Unlock()
}

// New constructs a Pool with size worker slots, each built via factory.
func New(ctx context.Context, size int, factory APIFactory, onDeath DeathCallback, logger *zap.Logger) (*Pool, error) {
	p := &Pool{
		logger:     logger,
		newAPI:     factory,
		onDeath:    onDeath,
		roomOwner:  make(map[string]string),
		workerRoom: make(map[string][]string),
	}
	for i := 0; i < size; i++ {
		w, err := p.spawnWorker(i)
		if err != nil {
			return nil, fmt.Errorf("worker: spawn slot %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

func (p *Pool) spawnWorker(slot int) (*Worker, error) {
	api, err := p.newAPI()
	if err != nil {
		return nil, err
	}
	return &Worker{ID: fmt.Sprintf("worker-%d", slot), API: api}, nil
}

// LeastLoaded returns the worker currently hosting the fewest rooms.
func (p *Pool) LeastLoaded() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *Worker
	for _, w := range p.workers {
		if w.dead {
			continue
		}
		if best == nil || w.Load() < best.Load() {
			best = w
		}
	}
	return best
}

// AssignRoom routes roomID to the least-loaded worker and returns its API,
// or an existing assignment if the room is already routed.
func (p *Pool) AssignRoom(roomID string) (*Worker, error) {
	p.mu.Lock()
	if wid, ok := p.roomOwner[roomID]; ok {
		for _, w := range p.workers {
			if w.ID == wid {
				p.mu.Unlock()
				return w, nil
			}
		}
	}
	p.mu.Unlock()

	w := p.LeastLoaded()
	if w == nil {
		return nil, fmt.Errorf("worker: no available worker slots")
	}

	w.mu.Lock()
	w.load++
	w.mu.Unlock()

	p.mu.Lock()
	p.roomOwner[roomID] = w.ID
	p.workerRoom[w.ID] = append(p.workerRoom[w.ID], roomID)
	p.mu.Unlock()

	return w, nil
}

// ReleaseRoom decrements the owning worker's load when a room closes.
func (p *Pool) ReleaseRoom(roomID string) {
	p.mu.Lock()
	wid, ok := p.roomOwner[roomID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.roomOwner, roomID)
	rooms := p.workerRoom[wid]
	for i, id := range rooms {
		if id == roomID {
			p.workerRoom[wid] = append(rooms[:i], rooms[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	for _, w := range p.workers {
		if w.ID == wid {
			w.mu.Lock()
			if w.load > 0 {
				w.load--
			}
			w.mu.Unlock()
			return
		}
	}
}

// MarkDead notifies the pool that a worker has crashed: every room it
// hosted is reported to onDeath (for closure with reason worker_died), then
// the slot is recreated after a fixed cooldown with bounded exponential
// backoff.
func (p *Pool) MarkDead(workerID string) {
	p.mu.Lock()
	var target *Worker
	var index int
	for i, w := range p.workers {
		if w.ID == workerID {
			target = w
			index = i
			break
		}
	}
	if target == nil {
		p.mu.Unlock()
		return
	}
	target.mu.Lock()
	target.dead = true
	target.mu.Unlock()

	rooms := append([]string(nil), p.workerRoom[workerID]...)
	delete(p.workerRoom, workerID)
	for _, id := range rooms {
		delete(p.roomOwner, id)
	}
	onDeath := p.onDeath
	p.mu.Unlock()

	p.logger.Warn("worker died", zap.String("workerId", workerID), zap.Int("orphanedRooms", len(rooms)))
	if onDeath != nil {
		onDeath(workerID, rooms)
	}

	go p.recreate(workerID, index)
}

// recreate waits out the port-reuse cooldown, then retries worker
// construction up to 3 times with exponential backoff (1s, 2s, 4s before
// the successive attempts).
func (p *Pool) recreate(workerID string, slot int) {
	time.Sleep(5 * time.Second)

	backoff := time.Second
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		time.Sleep(backoff)
		backoff *= 2
		w, err := p.spawnWorker(slot)
		if err == nil {
			p.mu.Lock()
			p.workers[slot] = w
			p.mu.Unlock()
			p.logger.Info("worker recreated", zap.String("workerId", w.ID), zap.Int("attempt", attempt))
			return
		}
		p.logger.Error("worker recreate attempt failed",
			zap.String("workerId", workerID), zap.Int("attempt", attempt), zap.Error(err))
	}
	p.logger.Error("worker slot exhausted retries, leaving offline", zap.String("workerId", workerID))
}

// Close marks every worker slot dead so no further rooms are routed to it.
// webrtc.API itself holds no direct Close, and Close does not close any peer
// connection created through these APIs.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
	}
	return nil
}

// APIFor returns the webrtc.API of the worker currently hosting roomID.
// Satisfies media.APIResolver; the room must already be routed via
// AssignRoom (RoomRegistry does this before any transport is created).
func (p *Pool) APIFor(roomID string) (*webrtc.API, error) {
	p.mu.Lock()
	wid, ok := p.roomOwner[roomID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker: room %s has no assigned worker", roomID)
	}
	var api *webrtc.API
	for _, w := range p.workers {
		if w.ID == wid {
			api = w.API
			break
		}
	}
	p.mu.Unlock()
	if api == nil {
		return nil, fmt.Errorf("worker: assigned worker %s not found", wid)
	}
	return api, nil
}

// Rooms returns the room IDs currently hosted on a worker.
func (p *Pool) Rooms(workerID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.workerRoom[workerID]...)
}
