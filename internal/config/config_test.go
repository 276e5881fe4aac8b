package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-media/internal/core"
)

func TestLoadDefaults(t *testing.T) {
	conf, err := Load("")
	require.Nil(t, err)

	assert.Equal(t, core.DevelopmentEnv, conf.Env)
	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, TransportRedis, conf.Signaling.Transport)
	assert.Equal(t, 20*time.Millisecond, conf.Devices.AudioChunk)
	assert.Equal(t, uint32(50000), conf.RTC.ICEPortRangeStart)
	require.Len(t, conf.ICEServers, 1)
	assert.Equal(t, DefaultStunServers, conf.ICEServers[0].URLs)
	assert.Len(t, conf.Peer.EnabledCodecs, 2)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livelook.yml")
	data := []byte(`
env: production
ice_servers:
  - urls: ["turn:turn.example.com:3478"]
    username: u
    credential: p
devices:
  camera_fps: 15
  render_interval: 20ms
signaling:
  transport: nats
`)
	require.Nil(t, os.WriteFile(path, data, 0o600))

	t.Setenv("LIVELOOK_SIGNALING_ROOM", "lobby")

	conf, err := Load(path)
	require.Nil(t, err)

	assert.True(t, conf.Env.IsProduction())
	assert.Equal(t, "info", conf.LogLevel)
	assert.Equal(t, 15, conf.Devices.CameraFPS)
	assert.Equal(t, 640, conf.Devices.CameraWidth)
	assert.Equal(t, 20*time.Millisecond, conf.Devices.RenderInterval)
	assert.Equal(t, TransportNATS, conf.Signaling.Transport)
	assert.Equal(t, "lobby", conf.Signaling.Room)
	require.Len(t, conf.ICEServers, 1)
	assert.Equal(t, "u", conf.ICEServers[0].Username)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.Nil(t, os.WriteFile(path, []byte("ice_servers:\n  - urls: [\"turn:example.com\"]\n"), 0o600))

	_, err := Load(path)
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	conf := NewConfig()
	conf.Signaling.Transport = "carrier-pigeon"
	assert.True(t, errors.Is(conf.Validate(), core.ErrConfiguration))
}

func TestNewWebRTCConfig(t *testing.T) {
	conf, err := NewWebRTCConfig(NewConfig())
	require.Nil(t, err)

	assert.NotEmpty(t, conf.Publisher.RTPHeaderExtension.Video)
	assert.Len(t, conf.Subscriber.RTCPFeedback.Video, 3)
}
