package config

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/rtc"
)

const (
	frameMarking = "urn:ietf:params:rtp-hdrext:framemarking"
)

var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	Env        core.Environment `mapstructure:"env"`
	LogLevel   string           `mapstructure:"log_level"`
	ICEServers []rtc.ICEServer  `mapstructure:"ice_servers"`
	Peer       PeerConfig       `mapstructure:"peer"`
	RTC        RTCConfig        `mapstructure:"rtc"`
	Devices    DevicesConfig    `mapstructure:"devices"`
	Signaling  SignalingConfig  `mapstructure:"signaling"`
	HTTP       HTTPConfig       `mapstructure:"http"`
}

type RTCConfig struct {
	ICEPortRangeStart uint32 `mapstructure:"ice_port_range_start"`
	ICEPortRangeEnd   uint32 `mapstructure:"ice_port_range_end"`
}

type CodecSpec struct {
	Mime     string `mapstructure:"mime"`
	FmtpLine string `mapstructure:"fmtp_line"`
}

type PeerConfig struct {
	EnabledCodecs []CodecSpec `mapstructure:"enabled_codecs"`
}

type DevicesConfig struct {
	CameraFPS      int           `mapstructure:"camera_fps"`
	CameraWidth    int           `mapstructure:"camera_width"`
	CameraHeight   int           `mapstructure:"camera_height"`
	AudioChunk     time.Duration `mapstructure:"audio_chunk"`
	RenderInterval time.Duration `mapstructure:"render_interval"`
	// CameraFile replays an IVF file instead of the test pattern
	CameraFile string `mapstructure:"camera_file"`
}

// Signaling transports
const (
	TransportRedis     = "redis"
	TransportNATS      = "nats"
	TransportWebsocket = "ws"
)

type SignalingConfig struct {
	Transport string `mapstructure:"transport"`
	RedisAddr string `mapstructure:"redis_addr"`
	NATSAddr  string `mapstructure:"nats_addr"`
	WSURL     string `mapstructure:"ws_url"`
	Room      string `mapstructure:"room"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
	Publisher     DirectionConfig
	Subscriber    DirectionConfig
}

type RTPHeaderExtensionConfig struct {
	Audio []string
	Video []string
}

type RTCPFeedbackConfig struct {
	Audio []webrtc.RTCPFeedback
	Video []webrtc.RTCPFeedback
}

type DirectionConfig struct {
	RTPHeaderExtension RTPHeaderExtensionConfig
	RTCPFeedback       RTCPFeedbackConfig
}

func NewConfig() *Config {
	conf := &Config{
		Env: core.DevelopmentEnv,
		ICEServers: []rtc.ICEServer{
			{URLs: DefaultStunServers},
		},
		RTC: RTCConfig{
			ICEPortRangeStart: 50000,
			ICEPortRangeEnd:   60000,
		},
		Peer: PeerConfig{
			EnabledCodecs: []CodecSpec{
				{Mime: webrtc.MimeTypeOpus},
				{Mime: webrtc.MimeTypeVP8},
			},
		},
		Devices: DevicesConfig{
			CameraFPS:      30,
			CameraWidth:    640,
			CameraHeight:   480,
			AudioChunk:     20 * time.Millisecond,
			RenderInterval: 10 * time.Millisecond,
		},
		Signaling: SignalingConfig{
			Transport: TransportRedis,
			RedisAddr: "localhost:6379",
			NATSAddr:  "nats://localhost:4222",
			WSURL:     "ws://localhost:8080/ws",
			Room:      "default",
		},
		HTTP: HTTPConfig{
			Address: ":8090",
		},
	}

	return conf
}

// Validate checks values that cannot be fixed by defaults
func (c *Config) Validate() error {
	if _, err := core.ParseEnvironment(string(c.Env)); err != nil {
		return err
	}
	if _, err := rtc.ICEServerURLs(c.ICEServers); err != nil {
		return err
	}
	if c.RTC.ICEPortRangeStart > c.RTC.ICEPortRangeEnd || c.RTC.ICEPortRangeEnd > 65535 {
		return fmt.Errorf("%w: invalid ice port range %d-%d", core.ErrConfiguration, c.RTC.ICEPortRangeStart, c.RTC.ICEPortRangeEnd)
	}

	switch c.Signaling.Transport {
	case TransportRedis, TransportNATS, TransportWebsocket:
	default:
		return fmt.Errorf("%w: unknown signaling transport %q", core.ErrConfiguration, c.Signaling.Transport)
	}

	return nil
}

func NewWebRTCConfig(config *Config) (*WebRTCConfig, error) {
	c := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	s := webrtc.SettingEngine{}

	networkTypes := make([]webrtc.NetworkType, 0, 4)
	// Use only UDP
	networkTypes = append(networkTypes,
		webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6,
	)
	if config.RTC.ICEPortRangeStart != 0 && config.RTC.ICEPortRangeEnd != 0 {
		if err := s.SetEphemeralUDPPortRange(uint16(config.RTC.ICEPortRangeStart), uint16(config.RTC.ICEPortRangeEnd)); err != nil {
			return nil, err
		}
	}
	s.SetNetworkTypes(networkTypes)

	// publisher configuration
	publisherConfig := DirectionConfig{
		RTPHeaderExtension: RTPHeaderExtensionConfig{
			Audio: []string{
				sdp.SDESMidURI,
				sdp.SDESRTPStreamIDURI,
				sdp.AudioLevelURI,
			},
			Video: []string{
				sdp.SDESMidURI,
				sdp.SDESRTPStreamIDURI,
				sdp.TransportCCURI,
				frameMarking,
			},
		},
		RTCPFeedback: RTCPFeedbackConfig{
			Video: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBGoogREMB},
				{Type: webrtc.TypeRTCPFBTransportCC},
				{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
				{Type: webrtc.TypeRTCPFBNACK},
				{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
			},
		},
	}

	// subscriber configuration
	subscriberConfig := DirectionConfig{
		RTCPFeedback: RTCPFeedbackConfig{
			Video: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
				{Type: webrtc.TypeRTCPFBNACK},
				{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
			},
		},
	}

	return &WebRTCConfig{
		Configuration: c,
		SettingEngine: s,
		Publisher:     publisherConfig,
		Subscriber:    subscriberConfig,
	}, nil
}
