package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/device"
	"github.com/isqad/livelook-media/internal/pipe"
)

var ErrTrackStopped = errors.New("track is stopped")

// TrackState is either Disabled or Enabled
type TrackState interface {
	trackState()
}

type Disabled struct{}

// Enabled holds the subscription forwarding source to destination
type Enabled struct {
	Subscription pipe.SubscriptionID
}

func (Disabled) trackState() {}
func (Enabled) trackState()  {}

// MediaStreamTrack is a pair of pipes joined by a toggleable subscription.
// Device-backed tracks receive captured frames on the source pipe.
type MediaStreamTrack struct {
	lock sync.RWMutex

	id     string
	kind   core.MediaKind
	router *pipe.Router
	device *device.Manager

	source      pipe.ID
	destination pipe.ID
	state       TrackState
	stopped     bool
}

// NewMediaStreamTrack creates enabled track. dev may be nil.
func NewMediaStreamTrack(ctx context.Context, router *pipe.Router, kind core.MediaKind, dev *device.Manager) (*MediaStreamTrack, error) {
	if dev != nil && dev.Kind().MediaKind() != kind {
		return nil, fmt.Errorf("%w: %s device for %s track", core.ErrConfiguration, dev.Kind(), kind)
	}

	t := &MediaStreamTrack{
		id:          uuid.New().String(),
		kind:        kind,
		router:      router,
		device:      dev,
		source:      router.CreatePipe(kind),
		destination: router.CreatePipe(kind),
		state:       Disabled{},
	}

	sub, err := router.Forward(t.source, t.destination)
	if err != nil {
		t.destroyPipes()
		return nil, err
	}
	t.state = Enabled{Subscription: sub}

	if dev != nil {
		if err := dev.Attach(ctx, t.source); err != nil {
			t.destroyPipes()
			return nil, err
		}
	}

	log.Debug().Str("service", "track").Str("track", t.id).Str("kind", string(kind)).Bool("device", dev != nil).Msg("track created")

	return t, nil
}

func (t *MediaStreamTrack) ID() string {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.id
}

func (t *MediaStreamTrack) setID(id string) {
	t.lock.Lock()
	t.id = id
	t.lock.Unlock()
}

func (t *MediaStreamTrack) Kind() core.MediaKind {
	return t.kind
}

// Source is the pipe the track is fed through
func (t *MediaStreamTrack) Source() pipe.ID {
	return t.source
}

// Destination is the pipe consumers read from
func (t *MediaStreamTrack) Destination() pipe.ID {
	return t.destination
}

func (t *MediaStreamTrack) State() TrackState {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.state
}

func (t *MediaStreamTrack) Enabled() bool {
	_, ok := t.State().(Enabled)
	return ok
}

// SetEnabled toggles the source to destination edge. The pipes and the device
// attachment are kept.
func (t *MediaStreamTrack) SetEnabled(enabled bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stopped {
		return ErrTrackStopped
	}

	switch state := t.state.(type) {
	case Enabled:
		if enabled {
			return nil
		}
		if err := t.router.Cancel(state.Subscription); err != nil && !errors.Is(err, pipe.ErrUnknownSubscription) {
			return err
		}
		t.state = Disabled{}
	case Disabled:
		if !enabled {
			return nil
		}
		sub, err := t.router.Forward(t.source, t.destination)
		if err != nil {
			return err
		}
		t.state = Enabled{Subscription: sub}
	}

	log.Debug().Str("service", "track").Str("track", t.id).Bool("enabled", enabled).Msg("track toggled")

	return nil
}

func (t *MediaStreamTrack) Stopped() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.stopped
}

// Stop detaches the device and destroys both pipes. Safe to call more than once.
func (t *MediaStreamTrack) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true

	if t.device != nil {
		t.device.Detach(t.source)
	}
	t.destroyPipes()
	t.state = Disabled{}

	log.Debug().Str("service", "track").Str("track", t.id).Msg("track stopped")
}

func (t *MediaStreamTrack) destroyPipes() {
	t.router.DestroyPipe(t.source)
	t.router.DestroyPipe(t.destination)
}
