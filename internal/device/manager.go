package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/pipe"
	"github.com/isqad/livelook-media/internal/telemetry"
)

const (
	// DefaultRenderInterval is the render loop cadence
	DefaultRenderInterval = 10 * time.Millisecond
)

type consumer struct {
	id     pipe.ID
	sub    pipe.SubscriptionID
	latest *pipe.Latest
}

// Manager owns one hardware device, reference counts the pipes consuming it
// and runs the capture or render loop while at least one consumer is attached.
type Manager struct {
	lock sync.Mutex

	kind     Kind
	capture  CaptureDriver
	render   RenderDriver
	router   *pipe.Router
	interval time.Duration

	consumers  map[pipe.ID]*consumer
	snapshot   atomic.Value
	running    *atomic.Bool
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}

	onError func(Kind, error)
}

// NewCaptureManager creates manager for camera or microphone
func NewCaptureManager(driver CaptureDriver, router *pipe.Router) *Manager {
	m := newManager(driver.Kind(), router)
	m.capture = driver

	return m
}

// NewRenderManager creates manager for a render sink pulling every interval
func NewRenderManager(driver RenderDriver, router *pipe.Router, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultRenderInterval
	}

	m := newManager(driver.Kind(), router)
	m.render = driver
	m.interval = interval

	return m
}

func newManager(kind Kind, router *pipe.Router) *Manager {
	m := &Manager{
		kind:      kind,
		router:    router,
		consumers: make(map[pipe.ID]*consumer),
		running:   atomic.NewBool(false),
	}
	m.snapshot.Store([]*consumer{})

	return m
}

func (m *Manager) Kind() Kind {
	return m.kind
}

// OnError registers callback for asynchronous hardware faults
func (m *Manager) OnError(callback func(Kind, error)) {
	m.lock.Lock()
	m.onError = callback
	m.lock.Unlock()
}

func (m *Manager) Running() bool {
	return m.running.Load()
}

func (m *Manager) Consumers() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.consumers)
}

func (m *Manager) driver() Driver {
	if m.capture != nil {
		return m.capture
	}
	return m.render
}

// Permission asks the driver whether the device may be used
func (m *Manager) Permission(ctx context.Context) (bool, error) {
	return m.driver().Permission(ctx)
}

// Attach registers pipe as a consumer. For capture devices the pipe receives
// every frame; for render devices the pipe content is pushed to the hardware.
// First attach opens the device and starts the loop.
func (m *Manager) Attach(ctx context.Context, id pipe.ID) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.consumers[id]; ok {
		return nil
	}
	if !m.router.Exists(id) {
		return pipe.ErrUnknownPipe
	}

	c := &consumer{id: id}
	if m.render != nil {
		sub, latest, err := m.router.SubscribeLatest(id)
		if err != nil {
			return err
		}
		c.sub = sub
		c.latest = latest
	}

	if len(m.consumers) == 0 {
		if err := m.startLocked(ctx); err != nil {
			if m.render != nil {
				_ = m.router.Cancel(c.sub)
			}
			telemetry.Operation("device_attach", err, m.kind.String())
			return err
		}
	}

	m.consumers[id] = c
	m.storeSnapshotLocked()

	log.Debug().Str("service", "device").Str("device", m.kind.String()).Str("pipe", string(id)).Int("consumers", len(m.consumers)).Msg("attached")

	return nil
}

// Detach removes consumer. The last detach stops the loop and releases the
// device before returning.
func (m *Manager) Detach(id pipe.ID) {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, ok := m.consumers[id]
	if !ok {
		return
	}

	m.removeLocked(c)
	m.storeSnapshotLocked()

	log.Debug().Str("service", "device").Str("device", m.kind.String()).Str("pipe", string(id)).Int("consumers", len(m.consumers)).Msg("detached")

	if len(m.consumers) == 0 {
		m.stopLocked()
	}
}

// Close detaches every consumer
func (m *Manager) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, c := range m.consumers {
		m.removeLocked(c)
	}
	m.storeSnapshotLocked()

	if m.running.Load() {
		m.stopLocked()
	}
}

func (m *Manager) removeLocked(c *consumer) {
	delete(m.consumers, c.id)
	if m.render != nil {
		// pipe may be already destroyed together with the subscription
		if err := m.router.Cancel(c.sub); err != nil && !errors.Is(err, pipe.ErrUnknownSubscription) {
			log.Error().Err(err).Str("service", "device").Str("device", m.kind.String()).Msg("cancel render subscription")
		}
	}
}

func (m *Manager) startLocked(ctx context.Context) error {
	d := m.driver()

	granted, err := d.Permission(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrPermissionDenied, m.kind, err)
	}
	if !granted {
		return fmt.Errorf("%w: %s", core.ErrPermissionDenied, m.kind)
	}

	if err := d.Open(ctx); err != nil {
		if errors.Is(err, core.ErrPermissionDenied) || errors.Is(err, core.ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", core.ErrDeviceUnavailable, m.kind, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.generation++
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running.Store(true)

	telemetry.DevicesRunning.WithLabelValues(m.kind.String()).Set(1)
	log.Debug().Str("service", "device").Str("device", m.kind.String()).Msg("device started")

	if m.capture != nil {
		go m.captureLoop(loopCtx, m.generation, m.done)
	} else {
		go m.renderLoop(loopCtx, m.generation, m.done)
	}

	return nil
}

func (m *Manager) stopLocked() {
	m.cancel()
	<-m.done

	if err := m.driver().Close(); err != nil {
		log.Error().Err(err).Str("service", "device").Str("device", m.kind.String()).Msg("close device")
	}
	m.running.Store(false)

	telemetry.DevicesRunning.WithLabelValues(m.kind.String()).Set(0)
	log.Debug().Str("service", "device").Str("device", m.kind.String()).Msg("device stopped")
}

func (m *Manager) storeSnapshotLocked() {
	consumers := make([]*consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.snapshot.Store(consumers)

	telemetry.DeviceConsumers.WithLabelValues(m.kind.String()).Set(float64(len(consumers)))
}

func (m *Manager) loadSnapshot() []*consumer {
	return m.snapshot.Load().([]*consumer)
}

func (m *Manager) captureLoop(ctx context.Context, generation uint64, done chan struct{}) {
	defer close(done)

	for {
		sample, err := m.capture.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			go m.fault(generation, err)
			return
		}

		for _, c := range m.loadSnapshot() {
			frame := sample
			frame.Data = append([]byte(nil), sample.Data...)
			m.router.Publish(c.id, frame)
		}
	}
}

func (m *Manager) renderLoop(ctx context.Context, generation uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range m.loadSnapshot() {
				sample, ok := c.latest.Take()
				if !ok {
					continue
				}
				if err := m.render.WriteFrame(sample); err != nil {
					go m.fault(generation, err)
					return
				}
			}
		}
	}
}

// fault tears the device down after the loop exited on a hardware error
func (m *Manager) fault(generation uint64, cause error) {
	m.lock.Lock()
	if m.generation != generation || !m.running.Load() {
		m.lock.Unlock()
		return
	}

	for _, c := range m.consumers {
		m.removeLocked(c)
	}
	m.storeSnapshotLocked()
	m.stopLocked()

	callback := m.onError
	m.lock.Unlock()

	err := fmt.Errorf("%w: %s: %v", core.ErrHardwareFault, m.kind, cause)
	log.Error().Err(err).Str("service", "device").Str("device", m.kind.String()).Msg("device stopped on fault")
	telemetry.Operation("device_loop", err, "hardware_fault")

	if callback != nil {
		callback(m.kind, err)
	}
}
