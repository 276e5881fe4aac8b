// Package render draws the destination pipe of a track at a fixed cadence.
package render

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/isqad/livelook-media/internal/pipe"
)

const DefaultInterval = 10 * time.Millisecond

// View pulls the most recent frame of one pipe. Frames that arrive between
// two ticks are dropped.
type View struct {
	lock sync.Mutex

	router   *pipe.Router
	interval time.Duration

	source pipe.ID
	sub    pipe.SubscriptionID
	latest *pipe.Latest
	cancel context.CancelFunc
	done   chan struct{}

	last    media.Sample
	hasLast bool
	frames  *atomic.Uint64
	onFrame func(media.Sample)
}

func NewView(router *pipe.Router, interval time.Duration) *View {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &View{
		router:   router,
		interval: interval,
		frames:   atomic.NewUint64(0),
	}
}

// OnFrame registers the draw callback, called from the view loop
func (v *View) OnFrame(f func(media.Sample)) {
	v.lock.Lock()
	v.onFrame = f
	v.lock.Unlock()
}

// Attach starts rendering source, replacing the previous one
func (v *View) Attach(source pipe.ID) error {
	v.Detach()

	sub, latest, err := v.router.SubscribeLatest(source)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	v.lock.Lock()
	v.source = source
	v.sub = sub
	v.latest = latest
	v.cancel = cancel
	v.done = make(chan struct{})
	done := v.done
	v.lock.Unlock()

	go v.loop(ctx, latest, done)

	log.Debug().Str("service", "render").Str("pipe", string(source)).Msg("view attached")

	return nil
}

// Detach stops the loop. The last rendered frame stays available.
func (v *View) Detach() {
	v.lock.Lock()
	cancel, done, sub, source := v.cancel, v.done, v.sub, v.source
	v.cancel = nil
	v.done = nil
	v.lock.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	_ = v.router.Cancel(sub)

	log.Debug().Str("service", "render").Str("pipe", string(source)).Msg("view detached")
}

// Snapshot returns the last rendered frame
func (v *View) Snapshot() (media.Sample, bool) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if !v.hasLast {
		return media.Sample{}, false
	}
	frame := v.last
	frame.Data = append([]byte(nil), v.last.Data...)

	return frame, true
}

// Frames returns number of rendered frames
func (v *View) Frames() uint64 {
	return v.frames.Load()
}

func (v *View) loop(ctx context.Context, latest *pipe.Latest, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, ok := latest.Take()
			if !ok {
				continue
			}

			v.lock.Lock()
			v.last = sample
			v.hasLast = true
			callback := v.onFrame
			v.lock.Unlock()

			v.frames.Inc()
			if callback != nil {
				callback(sample)
			}
		}
	}
}
