// Package config loads and validates process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
	Media     MediaConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Backend   BackendConfig
	Gift      GiftConfig
	AutoClose AutoCloseConfig
	Relay     RelayConfig
	WebRTC    WebRTCConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRooms        int
	MaxPeersPerRoom int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MediaConfig struct {
	MaxAudioBitrate          int
	AllowedAudioCodecs       []string
	WSReadLimit              int64
	WSWriteTimeout           time.Duration
	WSPongTimeout            time.Duration
	WSPingInterval           time.Duration
	MaxRoomIDLength          int
	MaxUserIDLength          int
	MaxTransportsPerConn     int
	MinSeatCount             int
	MaxSeatCount             int
	DefaultSeatCount         int
	SpeakerDetectionInterval time.Duration
	SpeakerThresholdDB       float64
	InviteTTL                time.Duration
}

// AuthConfig configures AuthGate's bearer-credential verification.
type AuthConfig struct {
	SharedSecret   string
	MaxTokenAge    time.Duration
	RevokedTTLScan time.Duration
}

// RateLimitConfig holds the default capacity/window pairs consulted by RateLimiter,
// expressed as the "N-period" format understood by ulule/limiter (e.g. "30-M").
type RateLimitConfig struct {
	ChatFormatted        string
	GiftSendFormatted    string
	GiftPrepareFormatted string
}

// BackendConfig configures the outbound HTTP collaborator.
type BackendConfig struct {
	BaseURL          string
	InternalKey      string
	RequestTimeout   time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// GiftConfig configures GiftBatcher.
type GiftConfig struct {
	FlushInterval time.Duration
	MaxBatchSize  int
	MaxRetries    int
}

// AutoCloseConfig configures AutoCloseLoop.
type AutoCloseConfig struct {
	PollInterval   time.Duration
	InactivityTTL  time.Duration
}

// RelayConfig configures RelayIngress.
type RelayConfig struct {
	Channel   string
	Allowlist []string
}

// ICEServer mirrors a single webrtc.ICEServer entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// WebRTCConfig configures the WorkerPool's per-slot webrtc.API/SettingEngine
// and the pool size itself.
type WebRTCConfig struct {
	WorkerCount      int
	ICEServers       []ICEServer
	UDPPortMin       int
	UDPPortMax       int
	PublicIP         string
	SimulcastEnabled bool
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("GATEWAY_HOST", "0.0.0.0"),
			Port:            getEnvInt("GATEWAY_PORT", 8080),
			ReadTimeout:     time.Duration(getEnvInt("GATEWAY_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("GATEWAY_WRITE_TIMEOUT", 30)) * time.Second,
			MaxRooms:        getEnvInt("GATEWAY_MAX_ROOMS", 1000),
			MaxPeersPerRoom: getEnvInt("GATEWAY_MAX_PEERS_PER_ROOM", 100),
			AllowedOrigins:  getEnvList("GATEWAY_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: time.Duration(getEnvInt("GATEWAY_SHUTDOWN_TIMEOUT", 30)) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Media: MediaConfig{
			MaxAudioBitrate:          getEnvInt("GATEWAY_MAX_AUDIO_BITRATE", 128000),
			AllowedAudioCodecs:       []string{"audio/opus"},
			WSReadLimit:              int64(getEnvInt("GATEWAY_WS_READ_LIMIT", 524288)),
			WSWriteTimeout:           time.Duration(getEnvInt("GATEWAY_WS_WRITE_TIMEOUT", 10)) * time.Second,
			WSPongTimeout:            time.Duration(getEnvInt("GATEWAY_WS_PONG_TIMEOUT", 60)) * time.Second,
			WSPingInterval:           time.Duration(getEnvInt("GATEWAY_WS_PING_INTERVAL", 54)) * time.Second,
			MaxRoomIDLength:          getEnvInt("GATEWAY_MAX_ROOM_ID_LENGTH", 128),
			MaxUserIDLength:          getEnvInt("GATEWAY_MAX_USER_ID_LENGTH", 128),
			MaxTransportsPerConn:     getEnvInt("GATEWAY_MAX_TRANSPORTS_PER_CONN", 2),
			MinSeatCount:             getEnvInt("GATEWAY_MIN_SEAT_COUNT", 1),
			MaxSeatCount:             getEnvInt("GATEWAY_MAX_SEAT_COUNT", 15),
			DefaultSeatCount:         getEnvInt("GATEWAY_DEFAULT_SEAT_COUNT", 15),
			SpeakerDetectionInterval: time.Duration(getEnvInt("GATEWAY_SPEAKER_DETECTION_INTERVAL_MS", 200)) * time.Millisecond,
			SpeakerThresholdDB:       getEnvFloat("GATEWAY_SPEAKER_THRESHOLD_DB", -50.0),
			InviteTTL:                time.Duration(getEnvInt("GATEWAY_INVITE_TTL_SEC", 30)) * time.Second,
		},
		Auth: AuthConfig{
			SharedSecret:   getEnv("AUTH_SHARED_SECRET", ""),
			MaxTokenAge:    time.Duration(getEnvInt("AUTH_MAX_TOKEN_AGE_SEC", 86400)) * time.Second,
			RevokedTTLScan: time.Duration(getEnvInt("AUTH_REVOKED_SCAN_INTERVAL_SEC", 60)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			ChatFormatted:        getEnv("RATELIMIT_CHAT", "20-M"),
			GiftSendFormatted:    getEnv("RATELIMIT_GIFT_SEND", "30-M"),
			GiftPrepareFormatted: getEnv("RATELIMIT_GIFT_PREPARE", "60-M"),
		},
		Backend: BackendConfig{
			BaseURL:          getEnv("BACKEND_BASE_URL", "http://localhost:4000"),
			InternalKey:      getEnv("BACKEND_INTERNAL_KEY", ""),
			RequestTimeout:   time.Duration(getEnvInt("BACKEND_REQUEST_TIMEOUT_SEC", 10)) * time.Second,
			BreakerThreshold: uint32(getEnvInt("BACKEND_BREAKER_THRESHOLD", 5)),
			BreakerCooldown:  time.Duration(getEnvInt("BACKEND_BREAKER_COOLDOWN_SEC", 30)) * time.Second,
		},
		Gift: GiftConfig{
			FlushInterval: time.Duration(getEnvInt("GIFT_FLUSH_INTERVAL_MS", 500)) * time.Millisecond,
			MaxBatchSize:  getEnvInt("GIFT_MAX_BATCH_SIZE", 200),
			MaxRetries:    getEnvInt("GIFT_MAX_RETRIES", 5),
		},
		AutoClose: AutoCloseConfig{
			PollInterval:  time.Duration(getEnvInt("AUTOCLOSE_POLL_INTERVAL_SEC", 30)) * time.Second,
			InactivityTTL: time.Duration(getEnvInt("AUTOCLOSE_INACTIVITY_TTL_SEC", 30)) * time.Second,
		},
		Relay: RelayConfig{
			Channel:   getEnv("RELAY_CHANNEL", "backend:events"),
			Allowlist: getEnvList("RELAY_ALLOWLIST", []string{"room:announcement", "user:banned", "gift:catalog:updated"}),
		},
		WebRTC: WebRTCConfig{
			WorkerCount: getEnvInt("GATEWAY_WORKER_COUNT", 4),
			ICEServers: []ICEServer{
				{URLs: getEnvList("GATEWAY_STUN_URLS", []string{"stun:stun.l.google.com:19302"})},
			},
			UDPPortMin:       getEnvInt("GATEWAY_UDP_PORT_MIN", 0),
			UDPPortMax:       getEnvInt("GATEWAY_UDP_PORT_MAX", 0),
			PublicIP:         getEnv("GATEWAY_PUBLIC_IP", ""),
			SimulcastEnabled: getEnvBool("GATEWAY_SIMULCAST_ENABLED", false),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := []string{}
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Validate fails fast on configuration that would make the process unsafe or
// nonsensical to run. Called once at startup, immediately after LoadConfig.
func Validate(cfg *Config) error {
	if cfg.Auth.SharedSecret == "" {
		return fmt.Errorf("config: AUTH_SHARED_SECRET must be set")
	}
	if cfg.Media.MinSeatCount < 1 {
		return fmt.Errorf("config: min seat count must be >= 1, got %d", cfg.Media.MinSeatCount)
	}
	if cfg.Media.MaxSeatCount < cfg.Media.MinSeatCount {
		return fmt.Errorf("config: max seat count (%d) must be >= min seat count (%d)", cfg.Media.MaxSeatCount, cfg.Media.MinSeatCount)
	}
	if cfg.Media.DefaultSeatCount < cfg.Media.MinSeatCount || cfg.Media.DefaultSeatCount > cfg.Media.MaxSeatCount {
		return fmt.Errorf("config: default seat count (%d) out of range [%d,%d]", cfg.Media.DefaultSeatCount, cfg.Media.MinSeatCount, cfg.Media.MaxSeatCount)
	}
	if cfg.Media.MaxTransportsPerConn < 1 {
		return fmt.Errorf("config: max transports per connection must be >= 1")
	}
	if cfg.Gift.FlushInterval <= 0 {
		return fmt.Errorf("config: gift flush interval must be positive")
	}
	if cfg.Gift.MaxRetries < 0 {
		return fmt.Errorf("config: gift max retries must be >= 0")
	}
	if cfg.AutoClose.PollInterval <= 0 {
		return fmt.Errorf("config: autoclose poll interval must be positive")
	}
	if cfg.AutoClose.InactivityTTL <= 0 {
		return fmt.Errorf("config: autoclose inactivity ttl must be positive")
	}
	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("config: BACKEND_BASE_URL must be set")
	}
	if cfg.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("config: backend request timeout must be positive")
	}
	if cfg.Relay.Channel == "" {
		return fmt.Errorf("config: RELAY_CHANNEL must be set")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("config: REDIS_ADDR must be set")
	}
	if cfg.WebRTC.WorkerCount < 1 {
		return fmt.Errorf("config: worker count must be >= 1")
	}
	return nil
}
