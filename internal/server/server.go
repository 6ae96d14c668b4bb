// Package server wires every long-lived collaborator into a single Gateway:
// construction order, HTTP surface, and the graceful shutdown sequence.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/auth"
	"github.com/livestage/sfu-gateway/internal/autoclose"
	"github.com/livestage/sfu-gateway/internal/backend"
	"github.com/livestage/sfu-gateway/internal/config"
	"github.com/livestage/sfu-gateway/internal/connection"
	"github.com/livestage/sfu-gateway/internal/gift"
	"github.com/livestage/sfu-gateway/internal/index"
	"github.com/livestage/sfu-gateway/internal/media"
	"github.com/livestage/sfu-gateway/internal/ratelimit"
	"github.com/livestage/sfu-gateway/internal/relay"
	"github.com/livestage/sfu-gateway/internal/room"
	"github.com/livestage/sfu-gateway/internal/seat"
	"github.com/livestage/sfu-gateway/internal/worker"
)

// Gateway aggregates every component constructed once at startup.
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	redis   *redis.Client
	workers *worker.Pool
	backend *backend.Client

	seatsDB   *seat.Repository
	seats     *seat.Coordinator
	mediaC    *media.Coordinator
	rooms     *room.Registry
	gifts     *gift.Batcher
	ingress   *relay.Ingress
	autoclose *autoclose.Loop
	gate      *auth.Gate
	hub       *connection.Hub
	dispatch  *connection.Dispatch

	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every collaborator and wires their interdependencies. No
// goroutines are started until Start is called.
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	backendClient := backend.New(cfg.Backend, logger)
	gate := auth.New(cfg.Auth, cfg.Server.AllowedOrigins, redisClient, logger)

	limiter, err := ratelimit.New(redisClient, logger)
	if err != nil {
		return nil, fmt.Errorf("server: build rate limiter: %w", err)
	}

	hub := connection.NewHub(logger)

	apiFactory := media.NewAPIFactory(cfg.WebRTC, logger)

	// The worker pool's death callback needs RoomRegistry, which itself
	// needs the pool; start with no handler and install it once the
	// registry exists.
	workers, err := worker.New(context.Background(), cfg.WebRTC.WorkerCount, apiFactory, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("server: build worker pool: %w", err)
	}

	mediaC := media.New(media.Config{
		MaxTransportsPerConn: cfg.Media.MaxTransportsPerConn,
		SpeakerInterval:      cfg.Media.SpeakerDetectionInterval,
		SpeakerFloor:         5.0,
	}, workers, media.RTCConfiguration(cfg.WebRTC), hub, logger)

	seatsDB := seat.NewRepository(redisClient)
	seatsCoord := seat.NewCoordinator(seatsDB, backend.SeatRoles{Client: backendClient}, mediaC, hub, cfg.Media.InviteTTL, logger)

	sockets := index.NewSockets(redisClient, 90*time.Second)
	roomIdx := index.NewRooms(redisClient)

	rooms := room.New(
		redisClient, workers, seatsDB, roomIdx, hub, backendClient,
		cfg.Media.MinSeatCount, cfg.Media.MaxSeatCount, cfg.Media.DefaultSeatCount,
		cfg.AutoClose.InactivityTTL, logger,
	)
	workers.SetDeathHandler(rooms.HandleWorkerDeath)

	gifts := gift.New(
		redisClient, backendClient, hub, sockets, limiter, hub,
		cfg.Gift.FlushInterval, cfg.Gift.MaxRetries,
		cfg.RateLimit.GiftSendFormatted, cfg.RateLimit.GiftPrepareFormatted, logger,
	)

	ingress := relay.New(redisClient, cfg.Relay.Channel, cfg.Relay.Allowlist, sockets, hub, logger)
	closer := autoclose.New(redisClient, rooms, cfg.AutoClose.PollInterval, logger)

	dispatch := connection.NewDispatch(rooms, seatsCoord, seatsDB, mediaC, gifts, sockets, roomIdx, hub, limiter, cfg.RateLimit.ChatFormatted, logger)

	return &Gateway{
		cfg: cfg, logger: logger,
		redis: redisClient, workers: workers, backend: backendClient,
		seatsDB: seatsDB, seats: seatsCoord, mediaC: mediaC, rooms: rooms,
		gifts: gifts, ingress: ingress, autoclose: closer, gate: gate,
		hub: hub, dispatch: dispatch,
	}, nil
}

// Start launches every background loop and the HTTP server. Blocks until
// the server stops (on Stop or a listener error).
func (g *Gateway) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.wg.Add(3)
	go func() { defer g.wg.Done(); g.gifts.Run(ctx) }()
	go func() { defer g.wg.Done(); g.ingress.Run(ctx) }()
	go func() { defer g.wg.Done(); g.autoclose.Run(ctx) }()

	mux := http.NewServeMux()
	wsServer := connection.NewServer(g.hub, g.gate, g.dispatch, g.mediaC, g.rooms, g.logger)
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/health", g.handleHealth)
	if g.cfg.Metrics.Enabled {
		mux.Handle(g.cfg.Metrics.Path, promhttp.Handler())
	}

	g.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", g.cfg.Server.Host, g.cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  g.cfg.Server.ReadTimeout,
		WriteTimeout: g.cfg.Server.WriteTimeout,
	}

	g.logger.Info("gateway starting", zap.String("addr", g.httpServer.Addr))
	err := g.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "healthy"
	redisStatus := "connected"
	if err := g.redis.Ping(r.Context()).Err(); err != nil {
		redisStatus = "error: " + err.Error()
		status = "degraded"
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"redis":     redisStatus,
	})
}

// Stop drains the gateway in order: stop accepting connections, stop the
// gift batcher (final flush included), stop background loops, close Redis.
// Bounded by cfg.Server.ShutdownTimeout.
func (g *Gateway) Stop() {
	g.logger.Info("gateway stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("http server shutdown error", zap.Error(err))
		}
	}

	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()

	if err := g.workers.Close(shutdownCtx); err != nil {
		g.logger.Warn("worker pool close error", zap.Error(err))
	}
	if err := g.redis.Close(); err != nil {
		g.logger.Warn("redis close error", zap.Error(err))
	}

	g.logger.Info("gateway stopped")
}
