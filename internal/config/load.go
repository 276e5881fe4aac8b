package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/isqad/livelook-media/internal/core"
)

const envPrefix = "LIVELOOK"

// Load reads optional config file and LIVELOOK_* environment variables on top
// of NewConfig defaults. Nested keys use underscores: LIVELOOK_SIGNALING_ROOM.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config %s: %v", core.ErrConfiguration, path, err)
		}
		log.Debug().Str("service", "config").Str("file", v.ConfigFileUsed()).Msg("config loaded")
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfiguration, err)
	}

	if conf.LogLevel == "" {
		conf.LogLevel = conf.Env.DefaultLogLevel()
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("env", string(c.Env))
	v.SetDefault("log_level", c.LogLevel)

	servers := make([]map[string]interface{}, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		servers = append(servers, map[string]interface{}{
			"urls":       s.URLs,
			"username":   s.Username,
			"credential": s.Credential,
		})
	}
	v.SetDefault("ice_servers", servers)

	v.SetDefault("rtc.ice_port_range_start", c.RTC.ICEPortRangeStart)
	v.SetDefault("rtc.ice_port_range_end", c.RTC.ICEPortRangeEnd)

	codecs := make([]map[string]interface{}, 0, len(c.Peer.EnabledCodecs))
	for _, codec := range c.Peer.EnabledCodecs {
		codecs = append(codecs, map[string]interface{}{
			"mime":      codec.Mime,
			"fmtp_line": codec.FmtpLine,
		})
	}
	v.SetDefault("peer.enabled_codecs", codecs)

	v.SetDefault("devices.camera_fps", c.Devices.CameraFPS)
	v.SetDefault("devices.camera_width", c.Devices.CameraWidth)
	v.SetDefault("devices.camera_height", c.Devices.CameraHeight)
	v.SetDefault("devices.audio_chunk", c.Devices.AudioChunk)
	v.SetDefault("devices.render_interval", c.Devices.RenderInterval)
	v.SetDefault("devices.camera_file", c.Devices.CameraFile)

	v.SetDefault("signaling.transport", c.Signaling.Transport)
	v.SetDefault("signaling.redis_addr", c.Signaling.RedisAddr)
	v.SetDefault("signaling.nats_addr", c.Signaling.NATSAddr)
	v.SetDefault("signaling.ws_url", c.Signaling.WSURL)
	v.SetDefault("signaling.room", c.Signaling.Room)

	v.SetDefault("http.address", c.HTTP.Address)
}
