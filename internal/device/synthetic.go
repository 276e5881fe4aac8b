package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/atomic"
)

// TestPatternConfig configures the synthetic camera
type TestPatternConfig struct {
	Width  int
	Height int
	FPS    int
}

func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:  640,
		Height: 480,
		FPS:    30,
	}
}

// TestPatternCamera generates moving-box I420 frames at a fixed rate
type TestPatternCamera struct {
	config TestPatternConfig

	granted *atomic.Bool
	opened  *atomic.Bool
	frame   uint64
	ticker  *time.Ticker
	mu      sync.Mutex
}

func NewTestPatternCamera(config TestPatternConfig) *TestPatternCamera {
	def := DefaultTestPatternConfig()
	if config.Width <= 0 {
		config.Width = def.Width
	}
	if config.Height <= 0 {
		config.Height = def.Height
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}

	return &TestPatternCamera{
		config:  config,
		granted: atomic.NewBool(true),
		opened:  atomic.NewBool(false),
	}
}

func (c *TestPatternCamera) Kind() Kind {
	return Camera
}

// SetPermission simulates the user answering the permission prompt
func (c *TestPatternCamera) SetPermission(granted bool) {
	c.granted.Store(granted)
}

func (c *TestPatternCamera) Permission(ctx context.Context) (bool, error) {
	return c.granted.Load(), nil
}

func (c *TestPatternCamera) Open(ctx context.Context) error {
	if !c.opened.CAS(false, true) {
		return fmt.Errorf("camera already opened")
	}

	c.mu.Lock()
	c.frame = 0
	c.ticker = time.NewTicker(time.Second / time.Duration(c.config.FPS))
	c.mu.Unlock()

	return nil
}

func (c *TestPatternCamera) Close() error {
	if !c.opened.CAS(true, false) {
		return nil
	}

	c.mu.Lock()
	c.ticker.Stop()
	c.mu.Unlock()

	return nil
}

func (c *TestPatternCamera) ReadFrame(ctx context.Context) (media.Sample, error) {
	c.mu.Lock()
	ticker := c.ticker
	c.mu.Unlock()

	if ticker == nil || !c.opened.Load() {
		return media.Sample{}, fmt.Errorf("camera is not opened")
	}

	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-ticker.C:
	}

	c.mu.Lock()
	c.frame++
	n := c.frame
	c.mu.Unlock()

	return media.Sample{
		Data:     c.render(n),
		Duration: time.Second / time.Duration(c.config.FPS),
	}, nil
}

// render draws a grey background with a white box moving along the diagonal
func (c *TestPatternCamera) render(n uint64) []byte {
	w, h := c.config.Width, c.config.Height
	ySize := w * h
	data := make([]byte, ySize+ySize/2)

	for i := 0; i < ySize; i++ {
		data[i] = 0x80
	}
	for i := ySize; i < len(data); i++ {
		data[i] = 0x80
	}

	box := h / 8
	x0 := int(n*4) % (w - box)
	y0 := int(n*3) % (h - box)
	for y := y0; y < y0+box; y++ {
		for x := x0; x < x0+box; x++ {
			data[y*w+x] = 0xEB
		}
	}

	return data
}

// ToneMicrophone produces 20ms chunks of a 440Hz sine wave as 16-bit PCM
type ToneMicrophone struct {
	SampleRate int
	Chunk      time.Duration

	granted *atomic.Bool
	opened  *atomic.Bool
	phase   float64
	ticker  *time.Ticker
	mu      sync.Mutex
}

func NewToneMicrophone(chunk time.Duration) *ToneMicrophone {
	if chunk <= 0 {
		chunk = 20 * time.Millisecond
	}
	return &ToneMicrophone{
		SampleRate: 48000,
		Chunk:      chunk,
		granted:    atomic.NewBool(true),
		opened:     atomic.NewBool(false),
	}
}

func (m *ToneMicrophone) Kind() Kind {
	return Microphone
}

func (m *ToneMicrophone) SetPermission(granted bool) {
	m.granted.Store(granted)
}

func (m *ToneMicrophone) Permission(ctx context.Context) (bool, error) {
	return m.granted.Load(), nil
}

func (m *ToneMicrophone) Open(ctx context.Context) error {
	if !m.opened.CAS(false, true) {
		return fmt.Errorf("microphone already opened")
	}

	m.mu.Lock()
	m.ticker = time.NewTicker(m.Chunk)
	m.mu.Unlock()

	return nil
}

func (m *ToneMicrophone) Close() error {
	if !m.opened.CAS(true, false) {
		return nil
	}

	m.mu.Lock()
	m.ticker.Stop()
	m.mu.Unlock()

	return nil
}

func (m *ToneMicrophone) ReadFrame(ctx context.Context) (media.Sample, error) {
	m.mu.Lock()
	ticker := m.ticker
	m.mu.Unlock()

	if ticker == nil || !m.opened.Load() {
		return media.Sample{}, fmt.Errorf("microphone is not opened")
	}

	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-ticker.C:
	}

	samples := int(int64(m.SampleRate) * int64(m.Chunk) / int64(time.Second))
	data := make([]byte, samples*2)

	m.mu.Lock()
	step := 2 * math.Pi * 440 / float64(m.SampleRate)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(m.phase) * 0.2 * math.MaxInt16)
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
		m.phase += step
	}
	m.phase = math.Mod(m.phase, 2*math.Pi)
	m.mu.Unlock()

	return media.Sample{Data: data, Duration: m.Chunk}, nil
}

// NullSpeaker accepts samples and counts them
type NullSpeaker struct {
	written *atomic.Uint64
	opened  *atomic.Bool
}

func NewNullSpeaker() *NullSpeaker {
	return &NullSpeaker{
		written: atomic.NewUint64(0),
		opened:  atomic.NewBool(false),
	}
}

func (s *NullSpeaker) Kind() Kind {
	return Speaker
}

func (s *NullSpeaker) Permission(ctx context.Context) (bool, error) {
	return true, nil
}

func (s *NullSpeaker) Open(ctx context.Context) error {
	s.opened.Store(true)
	return nil
}

func (s *NullSpeaker) Close() error {
	s.opened.Store(false)
	return nil
}

func (s *NullSpeaker) WriteFrame(sample media.Sample) error {
	if !s.opened.Load() {
		return fmt.Errorf("speaker is not opened")
	}
	s.written.Inc()
	return nil
}

// Written returns number of samples pushed to the speaker
func (s *NullSpeaker) Written() uint64 {
	return s.written.Load()
}
