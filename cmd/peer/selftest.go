package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-media/internal/config"
	"github.com/isqad/livelook-media/internal/engine"
	"github.com/isqad/livelook-media/internal/engine/loopback"
	"github.com/isqad/livelook-media/internal/rtc"
	"github.com/isqad/livelook-media/internal/service"
	"github.com/isqad/livelook-media/internal/signaling"
)

var errNoMedia = errors.New("selftest: no media reached the answerer")

func startSelftest(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}

	result, err := selftest(c.Context, conf, c.Duration("duration"))
	if err != nil {
		return err
	}

	log.Info().
		Int("tracks", result.tracks).
		Uint64("frames", result.frames).
		Msg("selftest passed")

	return nil
}

type selftestResult struct {
	tracks int
	frames uint64
}

// selftest streams the synthetic camera and microphone from an offerer to an
// answerer living in the same process
func selftest(ctx context.Context, conf *config.Config, duration time.Duration) (selftestResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := newPeer(conf)
	defer p.close()

	eng := loopback.New(p.router)
	transport := signaling.NewMemoryTransport()
	defer transport.Close()

	offerer, err := newSelftestSession(ctx, p, eng, transport, "offerer", "answerer")
	if err != nil {
		return selftestResult{}, err
	}
	defer offerer.Close()

	answerer, err := newSelftestSession(ctx, p, eng, transport, "answerer", "")
	if err != nil {
		return selftestResult{}, err
	}
	defer answerer.Close()

	tracks := make(chan rtc.TrackEvent, 2)
	answerer.PeerConnection().OnTrack(func(e rtc.TrackEvent) {
		p.play(ctx, e)
		tracks <- e
	})

	// the answerer only listens
	if _, err := p.publish(ctx, answerer.PeerConnection(), rtc.MediaStreamConstraints{}); err != nil {
		return selftestResult{}, err
	}

	local, err := p.publish(ctx, offerer.PeerConnection(), rtc.MediaStreamConstraints{Audio: true, Video: true})
	if err != nil {
		return selftestResult{}, err
	}
	defer stopTracks(local)

	if err := offerer.Offer(ctx); err != nil {
		return selftestResult{}, err
	}

	result := selftestResult{}
	timeout := time.After(duration)

wait:
	for {
		select {
		case <-tracks:
			result.tracks++
		case <-timeout:
			break wait
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	p.lock.Lock()
	for _, v := range p.views {
		result.frames += v.Frames()
	}
	p.lock.Unlock()

	if result.tracks != len(local) || result.frames == 0 {
		return result, fmt.Errorf("%w: tracks %d/%d, frames %d", errNoMedia, result.tracks, len(local), result.frames)
	}

	return result, nil
}

func newSelftestSession(ctx context.Context, p *peer, eng engine.Engine, transport signaling.Transport, self, remote string) (*service.PeerSession, error) {
	signalRouter, err := signaling.NewRouter(ctx, transport, self)
	if err != nil {
		return nil, err
	}

	return service.NewPeerSession(service.PeerSessionParams{
		Engine:   eng,
		Router:   p.router,
		Signal:   signalRouter,
		Registry: p.registry,
		Remote:   remote,
	})
}
