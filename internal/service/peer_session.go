package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/engine"
	"github.com/isqad/livelook-media/internal/pipe"
	"github.com/isqad/livelook-media/internal/rtc"
	"github.com/isqad/livelook-media/internal/signaling"
	"github.com/isqad/livelook-media/internal/signaling/rpc"
	"github.com/isqad/livelook-media/internal/telemetry"
)

const sendTimeout = 5 * time.Second

var errUnexpectedPeer = errors.New("message from unexpected peer")

type PeerSessionParams struct {
	Engine   engine.Engine
	Router   *pipe.Router
	Signal   *signaling.Router
	Registry *rtc.Registry
	Config   rtc.Configuration
	// Remote peer id, empty means the first offering peer is adopted
	Remote string
}

// PeerSession binds one PeerConnection to a signaling router: it answers
// offers, applies answers, trickles candidates both ways and closes on bye
type PeerSession struct {
	pc       *rtc.PeerConnection
	signal   *signaling.Router
	registry *rtc.Registry

	lock   sync.Mutex
	remote string

	closeOnce sync.Once
	done      chan struct{}

	logger zerolog.Logger
}

func NewPeerSession(params PeerSessionParams) (*PeerSession, error) {
	pc, err := rtc.NewPeerConnection(params.Engine, params.Router, params.Config)
	if err != nil {
		return nil, err
	}

	s := &PeerSession{
		pc:       pc,
		signal:   params.Signal,
		registry: params.Registry,
		remote:   params.Remote,
		done:     make(chan struct{}),
		logger:   log.With().Str("service", "peer_session").Str("pc", pc.ID()).Str("self", params.Signal.Self()).Logger(),
	}

	pc.OnICECandidate(s.sendICECandidate)
	pc.OnConnectionStateChange(s.handleStateChange)

	s.signal.OnOffer(s.HandleOffer)
	s.signal.OnAnswer(s.HandleAnswer)
	s.signal.OnICECandidate(s.AddICECandidate)
	s.signal.OnBye(s.handleBye)

	if s.registry != nil {
		s.registry.Add(pc)
	}

	<-s.signal.Start()

	return s, nil
}

func (s *PeerSession) PeerConnection() *rtc.PeerConnection {
	return s.pc
}

// Done is closed once the session is closed
func (s *PeerSession) Done() <-chan struct{} {
	return s.done
}

func (s *PeerSession) Remote() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.remote
}

// accept adopts the first peer when no remote was configured
func (s *PeerSession) accept(from string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.remote == "" {
		s.remote = from
	}
	if s.remote != from {
		s.logger.Warn().Str("from", from).Str("remote", s.remote).Msg("ignore message")
		return errUnexpectedPeer
	}
	return nil
}

// Offer creates an offer from the current transceivers and sends it to the remote peer
func (s *PeerSession) Offer(ctx context.Context) error {
	offer, err := s.pc.CreateOffer()
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	s.logger.Debug().Msg("send offer")

	return s.send(ctx, rpc.NewOfferRpc(offer))
}

func (s *PeerSession) HandleOffer(from string, offer webrtc.SessionDescription) error {
	if err := s.accept(from); err != nil {
		return err
	}

	s.logger.Debug().Str("from", from).Msg("handle offer")

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return err
	}

	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	return s.send(ctx, rpc.NewAnswerRpc(answer))
}

func (s *PeerSession) HandleAnswer(from string, answer webrtc.SessionDescription) error {
	if err := s.accept(from); err != nil {
		return err
	}

	s.logger.Debug().Str("from", from).Msg("handle answer")

	return s.pc.SetRemoteDescription(answer)
}

func (s *PeerSession) AddICECandidate(from string, candidate webrtc.ICECandidateInit) error {
	if err := s.accept(from); err != nil {
		return err
	}

	return s.pc.AddICECandidate(candidate)
}

func (s *PeerSession) handleBye(from string) error {
	if err := s.accept(from); err != nil {
		return err
	}

	s.logger.Info().Str("from", from).Msg("remote peer left")
	s.close(false)

	return nil
}

// sendICECandidate trickles local candidates, nil is sent as an empty
// candidate to mark the end of gathering
func (s *PeerSession) sendICECandidate(candidate *webrtc.ICECandidateInit) {
	init := webrtc.ICECandidateInit{}
	if candidate != nil {
		init = *candidate
	}

	if s.Remote() == "" {
		s.logger.Debug().Msg("no remote peer yet, drop local candidate")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := s.send(ctx, rpc.NewICECandidateRpc(init)); err != nil {
		s.logger.Error().Err(err).Msg("error on send ICE candidate")
	}
}

func (s *PeerSession) handleStateChange(state webrtc.PeerConnectionState) {
	s.logger.Debug().Str("state", state.String()).Msg("connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		telemetry.Operation("ice_connection", nil, "")
	case webrtc.PeerConnectionStateFailed:
		telemetry.Operation("ice_connection", errors.New(state.String()), "state_failed")
		s.close(true)
	}
}

func (s *PeerSession) send(ctx context.Context, r rpc.Rpc) error {
	remote := s.Remote()
	if remote == "" {
		return errUnexpectedPeer
	}

	return s.signal.Send(ctx, remote, r)
}

// Close says bye to the remote peer and releases the connection
func (s *PeerSession) Close() {
	s.close(true)
}

func (s *PeerSession) close(bye bool) {
	s.closeOnce.Do(func() {
		s.logger.Debug().Msg("close peer session")

		if bye && s.Remote() != "" {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.send(ctx, rpc.NewByeRpc()); err != nil {
				s.logger.Error().Err(err).Msg("send bye")
			}
			cancel()
		}

		if s.registry != nil {
			s.registry.Remove(s.pc)
		}
		if err := s.pc.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close peer connection")
		}

		// may run inside a router callback, don't wait for the loop
		s.signal.Stop()

		close(s.done)
	})
}
