package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-media/internal/api"
	"github.com/isqad/livelook-media/internal/config"
	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/device"
	"github.com/isqad/livelook-media/internal/engine"
	"github.com/isqad/livelook-media/internal/engine/pionengine"
	"github.com/isqad/livelook-media/internal/pipe"
	"github.com/isqad/livelook-media/internal/render"
	"github.com/isqad/livelook-media/internal/rtc"
	"github.com/isqad/livelook-media/internal/service"
	"github.com/isqad/livelook-media/internal/signaling"
)

// peer is the process-wide media stack
type peer struct {
	conf     *config.Config
	router   *pipe.Router
	devices  *device.Set
	registry *rtc.Registry

	lock  sync.Mutex
	views []*render.View
}

func newPeer(conf *config.Config) *peer {
	router := pipe.NewRouter()

	var camera device.CaptureDriver = device.NewTestPatternCamera(device.TestPatternConfig{
		Width:  conf.Devices.CameraWidth,
		Height: conf.Devices.CameraHeight,
		FPS:    conf.Devices.CameraFPS,
	})
	if conf.Devices.CameraFile != "" {
		camera = device.NewIVFCamera(conf.Devices.CameraFile)
	}

	devices := &device.Set{
		Camera:     device.NewCaptureManager(camera, router),
		Microphone: device.NewCaptureManager(device.NewToneMicrophone(conf.Devices.AudioChunk), router),
		Speaker:    device.NewRenderManager(device.NewNullSpeaker(), router, conf.Devices.RenderInterval),
	}

	for _, m := range []*device.Manager{devices.Camera, devices.Microphone, devices.Speaker} {
		m.OnError(func(kind device.Kind, err error) {
			log.Error().Err(err).Str("device", kind.String()).Msg("device fault")
		})
	}

	return &peer{
		conf:     conf,
		router:   router,
		devices:  devices,
		registry: rtc.NewRegistry(),
	}
}

// play sends remote audio to the speaker and draws remote video
func (p *peer) play(ctx context.Context, e rtc.TrackEvent) {
	logger := log.With().Str("track", e.Track.ID()).Str("kind", e.Track.Kind().String()).Logger()
	logger.Info().Int("streams", len(e.Streams)).Msg("remote track")

	if e.Track.Kind() == core.AudioKind {
		if err := p.devices.Speaker.Attach(ctx, e.Track.Destination()); err != nil {
			logger.Error().Err(err).Msg("attach speaker")
		}
		return
	}

	view := render.NewView(p.router, p.conf.Devices.RenderInterval)
	view.OnFrame(func(s media.Sample) {
		if n := view.Frames(); n%100 == 1 {
			logger.Debug().Uint64("frames", n).Int("bytes", len(s.Data)).Msg("frame rendered")
		}
	})
	if err := view.Attach(e.Track.Destination()); err != nil {
		logger.Error().Err(err).Msg("attach view")
		return
	}

	p.lock.Lock()
	p.views = append(p.views, view)
	p.lock.Unlock()
}

func (p *peer) close() {
	p.lock.Lock()
	views := p.views
	p.views = nil
	p.lock.Unlock()

	for _, v := range views {
		v.Detach()
	}

	p.registry.Close()
	p.devices.Close()
}

// publish lays out one transceiver per kind, audio first. A published kind is
// sendrecv and a missing one recvonly, so both peers end up with the same mids.
func (p *peer) publish(ctx context.Context, pc *rtc.PeerConnection, constraints rtc.MediaStreamConstraints) ([]*rtc.MediaStreamTrack, error) {
	var stream *rtc.MediaStream
	if constraints.Audio || constraints.Video {
		var err error
		stream, err = rtc.NewMediaDevices(p.router, p.devices).GetUserMedia(ctx, constraints)
		if err != nil {
			return nil, err
		}
	}

	var tracks []*rtc.MediaStreamTrack
	if stream != nil {
		tracks = stream.GetTracks()
	}

	for _, kind := range []core.MediaKind{core.AudioKind, core.VideoKind} {
		var local []*rtc.MediaStreamTrack
		if stream != nil {
			if kind == core.AudioKind {
				local = stream.GetAudioTracks()
			} else {
				local = stream.GetVideoTracks()
			}
		}

		var err error
		if len(local) > 0 {
			_, err = pc.AddTransceiverFromTrack(local[0], rtc.RTPTransceiverInit{
				Direction: engine.SendRecv,
				Streams:   []*rtc.MediaStream{stream},
			})
		} else {
			_, err = pc.AddTransceiverFromKind(kind, rtc.RTPTransceiverInit{Direction: engine.RecvOnly})
		}
		if err != nil {
			stopTracks(tracks)
			return nil, err
		}
	}

	return tracks, nil
}

func stopTracks(tracks []*rtc.MediaStreamTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

func newTransport(ctx context.Context, conf config.SignalingConfig, self string) (signaling.Transport, error) {
	switch conf.Transport {
	case config.TransportRedis:
		return signaling.NewRedisTransport(conf.RedisAddr, conf.Room), nil
	case config.TransportNATS:
		return signaling.NewNATSTransport(conf.NATSAddr, conf.Room)
	case config.TransportWebsocket:
		return signaling.DialWebsocket(ctx, conf.WSURL, conf.Room, self)
	default:
		return nil, fmt.Errorf("%w: unknown signaling transport %q", core.ErrConfiguration, conf.Transport)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	initLogger(conf)

	return conf, nil
}

func startOffer(c *cli.Context) error {
	return runPeer(c, c.String("remote"))
}

func startAnswer(c *cli.Context) error {
	return runPeer(c, "")
}

func runPeer(c *cli.Context, remote string) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	self := c.String("id")

	p := newPeer(conf)
	defer p.close()

	rtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return err
	}
	eng := pionengine.New(p.router, rtcConf, conf.Peer.EnabledCodecs)

	transport, err := newTransport(ctx, conf.Signaling, self)
	if err != nil {
		return err
	}
	defer transport.Close()

	signalRouter, err := signaling.NewRouter(ctx, transport, self)
	if err != nil {
		return err
	}

	session, err := service.NewPeerSession(service.PeerSessionParams{
		Engine:   eng,
		Router:   p.router,
		Signal:   signalRouter,
		Registry: p.registry,
		Config:   rtc.Configuration{ICEServers: conf.ICEServers},
		Remote:   remote,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	session.PeerConnection().OnTrack(func(e rtc.TrackEvent) { p.play(ctx, e) })

	tracks, err := p.publish(ctx, session.PeerConnection(), rtc.MediaStreamConstraints{
		Audio: c.Bool("audio"),
		Video: c.Bool("video"),
	})
	if err != nil {
		return err
	}
	defer stopTracks(tracks)

	server := &http.Server{
		Addr:              conf.HTTP.Address,
		Handler:           api.NewApp(api.AppOptions{Registry: p.registry}).Router(),
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", conf.HTTP.Address).Msg("status server")
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("can't gracefully shutdown the status server")
		}
	}()

	if remote != "" {
		if err := session.Offer(ctx); err != nil {
			return err
		}
	}

	log.Info().Str("id", self).Str("room", conf.Signaling.Room).Str("transport", conf.Signaling.Transport).Msg("peer started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		log.Warn().Msg("received signal to terminate the peer")
	case <-session.Done():
		log.Info().Msg("session closed")
	}

	return nil
}
