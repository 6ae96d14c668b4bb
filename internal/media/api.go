package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/config"
)

// NewAPIFactory builds the webrtc.API factory each WorkerPool slot uses to
// construct its media engine, interceptor registry and setting engine.
func NewAPIFactory(cfg config.WebRTCConfig, logger *zap.Logger) func() (*webrtc.API, error) {
	return func() (*webrtc.API, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}

		if cfg.SimulcastEnabled {
			for _, ext := range []string{
				"urn:ietf:params:rtp-hdrext:sdes:mid",
				"urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id",
				"urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id",
			} {
				if err := mediaEngine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext}, webrtc.RTPCodecTypeVideo); err != nil {
					logger.Warn("register header extension failed", zap.String("uri", ext), zap.Error(err))
				}
			}
		}

		registry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
			return nil, err
		}

		settingEngine := webrtc.SettingEngine{}
		if cfg.UDPPortMin > 0 && cfg.UDPPortMax > 0 {
			if err := settingEngine.SetEphemeralUDPPortRange(uint16(cfg.UDPPortMin), uint16(cfg.UDPPortMax)); err != nil {
				logger.Warn("set udp port range failed", zap.Error(err))
			}
		}
		if cfg.PublicIP != "" {
			settingEngine.SetNAT1To1IPs([]string{cfg.PublicIP}, webrtc.ICECandidateTypeHost)
		}

		return webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		), nil
	}
}

// RouterCapabilities describes the codecs RegisterDefaultCodecs wires into
// every worker's MediaEngine, in the shape a join ack hands clients so they
// can build a compatible local description before producing/consuming.
type RouterCapabilities struct {
	Codecs []RouterCodec `json:"codecs"`
}

type RouterCodec struct {
	Kind      string `json:"kind"`
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

// Capabilities returns the static router RTP capability set; pion's
// RegisterDefaultCodecs registers the same codecs on every worker, so this
// is not per-room state.
func Capabilities() RouterCapabilities {
	return RouterCapabilities{
		Codecs: []RouterCodec{
			{Kind: "audio", MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			{Kind: "video", MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			{Kind: "video", MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		},
	}
}

// RTCConfiguration builds the webrtc.Configuration (ICE servers) shared by
// every transport a worker creates.
func RTCConfiguration(cfg config.WebRTCConfig) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, len(cfg.ICEServers))
	for i, s := range cfg.ICEServers {
		servers[i] = webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	}
	return webrtc.Configuration{ICEServers: servers}
}
