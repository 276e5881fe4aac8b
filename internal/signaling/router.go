package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/signaling/rpc"
)

var (
	errConvertICECandidate = errors.New("can't convert to ice candidate")
	errConvertSDP          = errors.New("can't convert to session description")
	errNoHandler           = errors.New("no handler registered")
	errMissingSender       = errors.New("envelope without sender")
)

// Router subscribes to the inbox of one peer and calls a callback per rpc method
type Router struct {
	self      string
	transport Transport
	inbox     Inbox

	onOffer        func(from string, sdp webrtc.SessionDescription) error
	onAnswer       func(from string, sdp webrtc.SessionDescription) error
	onICECandidate func(from string, candidate webrtc.ICECandidateInit) error
	onBye          func(from string) error

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	done      chan struct{}
}

func NewRouter(ctx context.Context, transport Transport, self string) (*Router, error) {
	inbox, err := transport.Subscribe(ctx, self)
	if err != nil {
		return nil, err
	}

	return &Router{
		self:      self,
		transport: transport,
		inbox:     inbox,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (router *Router) Self() string {
	return router.self
}

// Start runs the dispatch loop, the returned channel is closed once it is running
func (router *Router) Start() <-chan struct{} {
	router.startOnce.Do(func() {
		log.Debug().Str("service", "signaling").Str("peer", router.self).Msg("start")

		go func() {
			defer close(router.done)

			channel := router.inbox.Channel()
			close(router.started)

			for payload := range channel {
				router.dispatch(payload)
			}
		}()
	})

	return router.started
}

// Stop closes the inbox, the returned channel is closed when the loop exits
func (router *Router) Stop() <-chan struct{} {
	router.stopOnce.Do(func() {
		if err := router.inbox.Close(); err != nil {
			log.Error().Err(err).Str("service", "signaling").Str("peer", router.self).Msg("close inbox")
		}
		router.startOnce.Do(func() {
			close(router.started)
			close(router.done)
		})
	})

	return router.done
}

// Send wraps the rpc into an envelope from this peer and publishes it to peerID
func (router *Router) Send(ctx context.Context, peerID string, r rpc.Rpc) error {
	msg, err := r.ToJSON()
	if err != nil {
		return err
	}

	env := Envelope{From: router.self, Message: msg}
	if err := router.transport.Publish(ctx, peerID, env); err != nil {
		return fmt.Errorf("send %s to %s: %w", r.GetMethod(), peerID, err)
	}
	return nil
}

func (router *Router) dispatch(payload []byte) {
	from, r, err := parseRpc(payload)
	if err != nil {
		log.Error().Err(err).Str("service", "signaling").Str("peer", router.self).Msg("")
		return
	}

	logger := log.With().Str("service", "signaling").Str("peer", router.self).Str("from", from).Str("rpcMethod", string(r.GetMethod())).Logger()

	switch r.GetMethod() {
	case rpc.OfferMethod, rpc.AnswerMethod:
		msg, ok := r.(*rpc.SDPRpc)
		if !ok {
			logger.Error().Err(errConvertSDP).Msg("")
			return
		}

		callback := router.onOffer
		if r.GetMethod() == rpc.AnswerMethod {
			callback = router.onAnswer
		}
		if callback == nil {
			logger.Warn().Err(errNoHandler).Msg("")
			return
		}

		if err := callback(from, msg.Params); err != nil {
			logger.Error().Err(err).Msg("error occured in sdp handler")
		}
	case rpc.ICECandidateMethod:
		msg, ok := r.(*rpc.ICECandidateRpc)
		if !ok {
			logger.Error().Err(errConvertICECandidate).Msg("")
			return
		}
		if router.onICECandidate == nil {
			logger.Warn().Err(errNoHandler).Msg("")
			return
		}

		if err := router.onICECandidate(from, msg.Params); err != nil {
			logger.Error().Err(err).Msg("error add ice candidate")
		}
	case rpc.ByeMethod:
		if router.onBye == nil {
			logger.Warn().Err(errNoHandler).Msg("")
			return
		}

		if err := router.onBye(from); err != nil {
			logger.Error().Err(err).Msg("bye error")
		}
	default:
		logger.Error().Err(rpc.ErrUnknownRpcType).Msg("")
	}
}

func parseRpc(payload []byte) (string, rpc.Rpc, error) {
	env := Envelope{}
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, err
	}

	if env.From == "" {
		return "", nil, errMissingSender
	}

	r, err := rpc.RpcFromReader(bytes.NewReader(env.Message))
	if err != nil {
		return "", nil, err
	}

	return env.From, r, nil
}

func (router *Router) OnOffer(callback func(from string, sdp webrtc.SessionDescription) error) {
	router.onOffer = callback
}

func (router *Router) OnAnswer(callback func(from string, sdp webrtc.SessionDescription) error) {
	router.onAnswer = callback
}

func (router *Router) OnICECandidate(callback func(from string, candidate webrtc.ICECandidateInit) error) {
	router.onICECandidate = callback
}

func (router *Router) OnBye(callback func(from string) error) {
	router.onBye = callback
}
