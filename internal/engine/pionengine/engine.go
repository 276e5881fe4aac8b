// Package pionengine implements the negotiation engine on top of pion/webrtc.
// Outbound pipes are written to local static sample tracks and inbound RTP is
// rebuilt into samples and published to the receive pipes.
package pionengine

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/config"
	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/engine"
	"github.com/isqad/livelook-media/internal/pipe"
	"github.com/isqad/livelook-media/internal/telemetry"
)

const maxLate = 256

var (
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrUnknownTransceiver = errors.New("unknown transceiver")
)

type slot struct {
	id        engine.TransceiverID
	handle    engine.Handle
	mid       string
	kind      core.MediaKind
	direction engine.Direction
	sendPipe  pipe.ID
	recvPipe  pipe.ID
	sendSub   pipe.SubscriptionID
	sending   bool

	transceiver *webrtc.RTPTransceiver
}

type connection struct {
	transport *pcTransport
	slots     []*slot
}

type Engine struct {
	lock sync.RWMutex

	router        *pipe.Router
	events        *engine.Dispatcher
	rtcConf       *config.WebRTCConfig
	enabledCodecs []config.CodecSpec

	conns map[engine.Handle]*connection
	slots map[engine.TransceiverID]*slot
}

func New(router *pipe.Router, rtcConf *config.WebRTCConfig, enabledCodecs []config.CodecSpec) *Engine {
	return &Engine{
		router:        router,
		events:        engine.NewDispatcher(),
		rtcConf:       rtcConf,
		enabledCodecs: enabledCodecs,
		conns:         make(map[engine.Handle]*connection),
		slots:         make(map[engine.TransceiverID]*slot),
	}
}

func (e *Engine) Events() *engine.Dispatcher {
	return e.events
}

func (e *Engine) CreateConnection(iceServers []string) (engine.Handle, error) {
	servers, err := parseICEServers(iceServers)
	if err != nil {
		return "", err
	}

	handle := engine.Handle(uuid.New().String())
	t, err := newPCTransport(transportParams{
		Handle:        handle,
		EnabledCodecs: e.enabledCodecs,
		Config:        e.rtcConf,
		ICEServers:    servers,
	})
	if err != nil {
		return "", err
	}

	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("service", "pionengine").Str("pc", string(handle)).Str("state", state.String()).Msg("connection state changed")

		switch state {
		case webrtc.PeerConnectionStateConnected:
			telemetry.Operation("ice_connection", nil, "")
		case webrtc.PeerConnectionStateFailed:
			telemetry.Operation("ice_connection", errors.New("ice failed"), "state_failed")
		}
		e.events.Emit(engine.ConnectionStateChanged{Handle: handle, State: state})
	})
	t.pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		e.events.Emit(engine.GatheringStateChanged{Handle: handle, State: gatheringState(state)})
	})
	t.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			e.events.Emit(engine.LocalCandidate{Handle: handle})
			return
		}
		init := candidate.ToJSON()
		e.events.Emit(engine.LocalCandidate{Handle: handle, Candidate: &init.Candidate, Mid: init.SDPMid})
	})
	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.onTrack(handle, t, track, receiver)
	})

	e.lock.Lock()
	e.conns[handle] = &connection{transport: t}
	e.lock.Unlock()

	log.Debug().Str("service", "pionengine").Str("pc", string(handle)).Int("ice_servers", len(servers)).Msg("connection created")

	return handle, nil
}

func gatheringState(state webrtc.ICEGathererState) webrtc.ICEGatheringState {
	switch state {
	case webrtc.ICEGathererStateNew:
		return webrtc.ICEGatheringStateNew
	case webrtc.ICEGathererStateGathering:
		return webrtc.ICEGatheringStateGathering
	case webrtc.ICEGathererStateComplete:
		return webrtc.ICEGatheringStateComplete
	default:
		return webrtc.ICEGatheringState(0)
	}
}

func (e *Engine) CloseConnection(h engine.Handle) error {
	e.lock.Lock()
	c, ok := e.conns[h]
	if !ok {
		e.lock.Unlock()
		return ErrUnknownConnection
	}
	delete(e.conns, h)
	for _, s := range c.slots {
		delete(e.slots, s.id)
		e.stopSending(s)
	}
	e.lock.Unlock()

	c.transport.close()

	return nil
}

func (e *Engine) connection(h engine.Handle) (*connection, bool) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	c, ok := e.conns[h]
	return c, ok
}

func (e *Engine) ConnectionState(h engine.Handle) webrtc.PeerConnectionState {
	c, ok := e.connection(h)
	if !ok {
		return webrtc.PeerConnectionStateClosed
	}
	return c.transport.pc.ConnectionState()
}

func (e *Engine) GatheringState(h engine.Handle) webrtc.ICEGatheringState {
	c, ok := e.connection(h)
	if !ok {
		return webrtc.ICEGatheringState(0)
	}
	return c.transport.pc.ICEGatheringState()
}

// RegisterTransceiver binds the pipes to a pion transceiver. After a remote
// offer the transceiver created for the offered section is reused.
func (e *Engine) RegisterTransceiver(h engine.Handle, req engine.TransceiverRequest) (engine.TransceiverID, error) {
	c, ok := e.connection(h)
	if !ok {
		return "", ErrUnknownConnection
	}
	pc := c.transport.pc

	s := &slot{
		id:        engine.TransceiverID(uuid.New().String()),
		handle:    h,
		mid:       strconv.Itoa(req.Index),
		kind:      req.Kind,
		direction: req.Direction,
		sendPipe:  req.SendPipe,
		recvPipe:  req.RecvPipe,
	}

	codecType := webrtc.NewRTPCodecType(string(req.Kind))
	existing := findTransceiver(pc, s.mid, codecType)

	if req.Direction.Sends() && req.SendPipe != "" {
		local, err := e.localTrack(req)
		if err != nil {
			return "", err
		}

		var sender *webrtc.RTPSender
		if existing != nil {
			if sender, err = pc.AddTrack(local); err != nil {
				return "", err
			}
			for _, tr := range pc.GetTransceivers() {
				if tr.Sender() == sender {
					s.transceiver = tr
				}
			}
		} else {
			s.transceiver, err = pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{
				Direction: webrtc.NewRTPTransceiverDirection(string(req.Direction)),
			})
			if err != nil {
				return "", err
			}
			sender = s.transceiver.Sender()
		}

		go drainRTCP(sender)

		sub, err := e.router.Subscribe(req.SendPipe, func(sample media.Sample) {
			if err := local.WriteSample(sample); err != nil {
				log.Error().Err(err).Str("service", "pionengine").Str("pc", string(h)).Str("mid", s.mid).Msg("write sample")
			}
		})
		if err != nil {
			return "", err
		}
		s.sendSub = sub
		s.sending = true
	} else if existing != nil {
		s.transceiver = existing
	} else {
		var err error
		s.transceiver, err = pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return "", err
		}
	}

	e.lock.Lock()
	c.slots = append(c.slots, s)
	e.slots[s.id] = s
	e.lock.Unlock()

	log.Debug().Str("service", "pionengine").Str("pc", string(h)).Str("mid", s.mid).Str("direction", string(s.direction)).Bool("reused", existing != nil).Msg("transceiver registered")

	return s.id, nil
}

func (e *Engine) localTrack(req engine.TransceiverRequest) (*webrtc.TrackLocalStaticSample, error) {
	codec, ok := outboundCodec(e.enabledCodecs, req.Kind)
	if !ok {
		return nil, fmt.Errorf("no enabled codec for %s", req.Kind)
	}

	trackID := req.TrackID
	if trackID == "" {
		trackID = uuid.New().String()
	}
	streamID := trackID
	if len(req.StreamIDs) > 0 {
		streamID = req.StreamIDs[0]
	}

	return webrtc.NewTrackLocalStaticSample(codec, trackID, streamID)
}

func findTransceiver(pc *webrtc.PeerConnection, mid string, kind webrtc.RTPCodecType) *webrtc.RTPTransceiver {
	if pc.RemoteDescription() == nil {
		return nil
	}
	for _, tr := range pc.GetTransceivers() {
		if tr.Mid() == mid && tr.Kind() == kind {
			return tr
		}
	}
	return nil
}

// drainRTCP reads sender RTCP so interceptors keep working
func drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) UnregisterTransceiver(id engine.TransceiverID) error {
	e.lock.Lock()
	s, ok := e.slots[id]
	if !ok {
		e.lock.Unlock()
		return ErrUnknownTransceiver
	}
	delete(e.slots, id)
	if c, ok := e.conns[s.handle]; ok {
		for i, other := range c.slots {
			if other == s {
				c.slots = append(c.slots[:i], c.slots[i+1:]...)
				break
			}
		}
	}
	e.stopSending(s)
	e.lock.Unlock()

	if s.transceiver != nil {
		if err := s.transceiver.Stop(); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) stopSending(s *slot) {
	if !s.sending {
		return
	}
	if err := e.router.Cancel(s.sendSub); err != nil && !errors.Is(err, pipe.ErrUnknownSubscription) {
		log.Error().Err(err).Str("service", "pionengine").Str("mid", s.mid).Msg("cancel send subscription")
	}
	s.sending = false
}

func (e *Engine) CreateOffer(h engine.Handle) (string, error) {
	c, ok := e.connection(h)
	if !ok {
		return "", ErrUnknownConnection
	}

	offer, err := c.transport.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (e *Engine) CreateAnswer(h engine.Handle) (string, error) {
	c, ok := e.connection(h)
	if !ok {
		return "", ErrUnknownConnection
	}

	answer, err := c.transport.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (e *Engine) LocalDescription(h engine.Handle) *webrtc.SessionDescription {
	c, ok := e.connection(h)
	if !ok {
		return nil
	}
	return c.transport.pc.LocalDescription()
}

func (e *Engine) SetLocalDescription(h engine.Handle, desc webrtc.SessionDescription) error {
	c, ok := e.connection(h)
	if !ok {
		return ErrUnknownConnection
	}
	return c.transport.pc.SetLocalDescription(desc)
}

func (e *Engine) RemoteDescription(h engine.Handle) *webrtc.SessionDescription {
	c, ok := e.connection(h)
	if !ok {
		return nil
	}
	return c.transport.pc.RemoteDescription()
}

func (e *Engine) SetRemoteDescription(h engine.Handle, desc webrtc.SessionDescription) error {
	c, ok := e.connection(h)
	if !ok {
		return ErrUnknownConnection
	}
	return c.transport.setRemoteDescription(desc)
}

func (e *Engine) AddRemoteCandidate(h engine.Handle, candidate string, mid string) error {
	c, ok := e.connection(h)
	if !ok {
		return ErrUnknownConnection
	}
	return c.transport.addICECandidate(webrtc.ICECandidateInit{Candidate: candidate, SDPMid: &mid})
}

func (e *Engine) slotFor(h engine.Handle, tr *webrtc.RTPTransceiver) *slot {
	e.lock.RLock()
	defer e.lock.RUnlock()

	c, ok := e.conns[h]
	if !ok {
		return nil
	}
	for _, s := range c.slots {
		if s.transceiver == tr {
			return s
		}
	}
	for _, s := range c.slots {
		if s.mid == tr.Mid() && webrtc.NewRTPCodecType(string(s.kind)) == tr.Kind() {
			return s
		}
	}
	return nil
}

func (e *Engine) onTrack(h engine.Handle, t *pcTransport, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	var tr *webrtc.RTPTransceiver
	for _, candidate := range t.pc.GetTransceivers() {
		if candidate.Receiver() == receiver {
			tr = candidate
			break
		}
	}
	if tr == nil {
		log.Error().Str("service", "pionengine").Str("pc", string(h)).Str("track", track.ID()).Msg("no transceiver for inbound track")
		return
	}

	mid := tr.Mid()
	var recvPipe pipe.ID
	if s := e.slotFor(h, tr); s != nil {
		mid = s.mid
		recvPipe = s.recvPipe
	}

	log.Debug().Str("service", "pionengine").Str("pc", string(h)).Str("mid", mid).Str("track", track.ID()).Str("codec", track.Codec().MimeType).Msg("on media track")

	e.events.Emit(engine.TrackArrived{
		Handle:    h,
		Mid:       mid,
		TrackID:   track.ID(),
		StreamIDs: []string{track.StreamID()},
	})

	done := make(chan struct{})
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go e.sendPLI(h, t, track, done)
	}

	go e.forwardRTP(h, track, recvPipe, done)
}

// sendPLI asks the remote side for a keyframe every rtcpPLIInterval
func (e *Engine) sendPLI(h engine.Handle, t *pcTransport, track *webrtc.TrackRemote, done chan struct{}) {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
				log.Error().Err(err).Str("service", "pionengine").Str("pc", string(h)).Msg("write PLI")
			}
		}
	}
}

// forwardRTP rebuilds samples from RTP and publishes them to the receive pipe
func (e *Engine) forwardRTP(h engine.Handle, track *webrtc.TrackRemote, recvPipe pipe.ID, done chan struct{}) {
	defer close(done)

	codec := track.Codec()
	depacketizer, ok := depacketizer(codec.MimeType)
	if !ok {
		log.Error().Str("service", "pionengine").Str("pc", string(h)).Str("codec", codec.MimeType).Msg("unsupported inbound codec")
	}

	var builder *samplebuilder.SampleBuilder
	if ok {
		builder = samplebuilder.New(maxLate, depacketizer, codec.ClockRate)
	}

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("service", "pionengine").Str("pc", string(h)).Str("track", track.ID()).Msg("inbound track ended")
			return
		}
		if builder == nil || recvPipe == "" {
			continue
		}

		builder.Push(packet)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			e.router.Publish(recvPipe, *sample)
		}
	}
}
