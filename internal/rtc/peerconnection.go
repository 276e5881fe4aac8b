package rtc

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/engine"
	"github.com/isqad/livelook-media/internal/pipe"
	"github.com/isqad/livelook-media/internal/telemetry"
)

const defaultMid = "0"

var ErrClosed = errors.New("peer connection is closed")

type Configuration struct {
	ICEServers []ICEServer
}

// TrackEvent is delivered when remote media arrives on a transceiver
type TrackEvent struct {
	Track       *MediaStreamTrack
	Streams     []*MediaStream
	Transceiver *RTPTransceiver
}

// PeerConnection drives negotiation through the engine and keeps the
// transceivers and remote streams of one connection
type PeerConnection struct {
	lock sync.RWMutex
	// serializes negotiation calls
	negotiation sync.Mutex

	engine engine.Engine
	router *pipe.Router
	handle engine.Handle
	sub    *engine.Subscription

	transceivers []*RTPTransceiver
	streams      map[string]*MediaStream

	onTrack                   func(TrackEvent)
	onICECandidate            func(*webrtc.ICECandidateInit)
	onConnectionStateChange   func(webrtc.PeerConnectionState)
	onICEGatheringStateChange func(webrtc.ICEGatheringState)

	closed    *atomic.Bool
	closeOnce sync.Once
}

// NewPeerConnection validates ICE servers before creating the native connection
func NewPeerConnection(eng engine.Engine, router *pipe.Router, config Configuration) (*PeerConnection, error) {
	iceServers, err := ICEServerURLs(config.ICEServers)
	if err != nil {
		return nil, err
	}

	handle, err := eng.CreateConnection(iceServers)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	pc := &PeerConnection{
		engine:  eng,
		router:  router,
		handle:  handle,
		sub:     eng.Events().Subscribe(handle),
		streams: make(map[string]*MediaStream),
		closed:  atomic.NewBool(false),
	}

	go pc.listen()

	telemetry.ConnectionOpened()
	log.Debug().Str("service", "peer_connection").Str("pc", string(handle)).Msg("connection created")

	return pc, nil
}

func (pc *PeerConnection) ID() string {
	return string(pc.handle)
}

func (pc *PeerConnection) OnTrack(f func(TrackEvent)) {
	pc.lock.Lock()
	pc.onTrack = f
	pc.lock.Unlock()
}

// OnICECandidate callback receives nil at the end of candidates
func (pc *PeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	pc.lock.Lock()
	pc.onICECandidate = f
	pc.lock.Unlock()
}

func (pc *PeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	pc.lock.Lock()
	pc.onConnectionStateChange = f
	pc.lock.Unlock()
}

func (pc *PeerConnection) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	pc.lock.Lock()
	pc.onICEGatheringStateChange = f
	pc.lock.Unlock()
}

func (pc *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	if pc.closed.Load() {
		return webrtc.PeerConnectionStateClosed
	}
	return pc.engine.ConnectionState(pc.handle)
}

func (pc *PeerConnection) ICEGatheringState() webrtc.ICEGatheringState {
	return pc.engine.GatheringState(pc.handle)
}

func (pc *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	return pc.engine.LocalDescription(pc.handle)
}

func (pc *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return pc.engine.RemoteDescription(pc.handle)
}

func (pc *PeerConnection) GetTransceivers() []*RTPTransceiver {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return append([]*RTPTransceiver(nil), pc.transceivers...)
}

// Stream returns a known stream by msid
func (pc *PeerConnection) Stream(id string) *MediaStream {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.streams[id]
}

// AddTransceiverFromKind creates transceiver with fresh tracks for the directions it uses
func (pc *PeerConnection) AddTransceiverFromKind(kind core.MediaKind, init ...RTPTransceiverInit) (*RTPTransceiver, error) {
	if pc.closed.Load() {
		return nil, ErrClosed
	}
	i := transceiverInit(init)

	pc.lock.Lock()
	defer pc.lock.Unlock()

	t, err := newTransceiverFromKind(pc.router, kind, strconv.Itoa(len(pc.transceivers)), i.Direction)
	if err != nil {
		return nil, err
	}
	pc.appendLocked(t, i.Streams)

	return t, nil
}

// AddTransceiverFromTrack binds track as the sender for sending directions
func (pc *PeerConnection) AddTransceiverFromTrack(track *MediaStreamTrack, init ...RTPTransceiverInit) (*RTPTransceiver, error) {
	if pc.closed.Load() {
		return nil, ErrClosed
	}
	if track == nil {
		return nil, fmt.Errorf("%w: transceiver without track", core.ErrConfiguration)
	}
	i := transceiverInit(init)

	pc.lock.Lock()
	defer pc.lock.Unlock()

	t, err := newTransceiverFromTrack(pc.router, track, strconv.Itoa(len(pc.transceivers)), i.Direction)
	if err != nil {
		return nil, err
	}
	pc.appendLocked(t, i.Streams)

	return t, nil
}

func transceiverInit(init []RTPTransceiverInit) RTPTransceiverInit {
	i := RTPTransceiverInit{Direction: engine.SendRecv}
	if len(init) > 0 {
		i = init[0]
		if i.Direction == "" {
			i.Direction = engine.SendRecv
		}
	}
	return i
}

func (pc *PeerConnection) appendLocked(t *RTPTransceiver, streams []*MediaStream) {
	for _, s := range streams {
		if _, ok := pc.streams[s.ID()]; !ok {
			pc.streams[s.ID()] = s
		}
		t.addStreamID(s.ID())
	}
	pc.transceivers = append(pc.transceivers, t)

	log.Debug().Str("service", "peer_connection").Str("pc", string(pc.handle)).Str("mid", t.mid).Str("kind", string(t.kind)).Str("direction", string(t.direction)).Msg("transceiver added")
}

func (pc *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return pc.createDescription(webrtc.SDPTypeOffer, pc.engine.CreateOffer)
}

func (pc *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return pc.createDescription(webrtc.SDPTypeAnswer, pc.engine.CreateAnswer)
}

func (pc *PeerConnection) createDescription(typ webrtc.SDPType, create func(engine.Handle) (string, error)) (webrtc.SessionDescription, error) {
	pc.negotiation.Lock()
	defer pc.negotiation.Unlock()

	op := "create_" + typ.String()

	if pc.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}

	if err := pc.registerTransceivers(); err != nil {
		telemetry.Operation(op, err, "negotiation")
		return webrtc.SessionDescription{}, err
	}

	sdp, err := create(pc.handle)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", core.ErrNegotiation, op, err)
		telemetry.Operation(op, err, "negotiation")
		return webrtc.SessionDescription{}, err
	}
	telemetry.Operation(op, nil, "")

	return webrtc.SessionDescription{Type: typ, SDP: sdp}, nil
}

// registerTransceivers pushes every transceiver without a registration.
// Registered ones are never pushed again.
func (pc *PeerConnection) registerTransceivers() error {
	for i, t := range pc.GetTransceivers() {
		if t.registered() || t.Direction() == engine.Stopped {
			continue
		}

		id, err := pc.engine.RegisterTransceiver(pc.handle, t.request(i))
		if err != nil {
			return fmt.Errorf("%w: register transceiver %s: %v", core.ErrNegotiation, t.mid, err)
		}
		t.setRegistration(id, pc.engine.UnregisterTransceiver)
	}

	return nil
}

func (pc *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return pc.setDescription("set_local_description", desc, pc.engine.SetLocalDescription)
}

func (pc *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return pc.setDescription("set_remote_description", desc, pc.engine.SetRemoteDescription)
}

func (pc *PeerConnection) setDescription(op string, desc webrtc.SessionDescription, set func(engine.Handle, webrtc.SessionDescription) error) error {
	pc.negotiation.Lock()
	defer pc.negotiation.Unlock()

	if pc.closed.Load() {
		return ErrClosed
	}
	if desc.SDP == "" {
		return fmt.Errorf("%w: %s: empty description", core.ErrNegotiation, op)
	}

	if err := set(pc.handle, desc); err != nil {
		err = fmt.Errorf("%w: %s: %v", core.ErrNegotiation, op, err)
		telemetry.Operation(op, err, "negotiation")
		return err
	}
	telemetry.Operation(op, nil, "")

	return nil
}

// AddICECandidate forwards remote candidate. Empty candidate marks the end of
// candidates and is not forwarded.
func (pc *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if candidate.Candidate == "" {
		return nil
	}

	pc.negotiation.Lock()
	defer pc.negotiation.Unlock()

	if pc.closed.Load() {
		return ErrClosed
	}

	mid := defaultMid
	if candidate.SDPMid != nil && *candidate.SDPMid != "" {
		mid = *candidate.SDPMid
	}

	if err := pc.engine.AddRemoteCandidate(pc.handle, candidate.Candidate, mid); err != nil {
		err = fmt.Errorf("%w: add candidate: %v", core.ErrNegotiation, err)
		telemetry.Operation("add_ice_candidate", err, "negotiation")
		return err
	}

	return nil
}

// Close unsubscribes from engine events, clears streams and releases the
// native connection. Safe to call more than once.
func (pc *PeerConnection) Close() error {
	var err error

	pc.closeOnce.Do(func() {
		pc.closed.Store(true)
		pc.sub.Close()

		pc.lock.Lock()
		pc.streams = make(map[string]*MediaStream)
		pc.lock.Unlock()

		if cerr := pc.engine.CloseConnection(pc.handle); cerr != nil {
			err = fmt.Errorf("close connection: %w", cerr)
		}

		telemetry.ConnectionClosed()
		log.Debug().Str("service", "peer_connection").Str("pc", string(pc.handle)).Msg("connection closed")
	})

	return err
}

// listen runs until Close. Callbacks may call Close themselves.
func (pc *PeerConnection) listen() {
	for {
		select {
		case <-pc.sub.Done():
			return
		case ev := <-pc.sub.Channel():
			if pc.closed.Load() {
				continue
			}
			pc.dispatch(ev)
		}
	}
}

func (pc *PeerConnection) dispatch(ev engine.Event) {
	switch e := ev.(type) {
	case engine.TrackArrived:
		pc.handleTrack(e)
	case engine.ConnectionStateChanged:
		log.Debug().Str("service", "peer_connection").Str("pc", string(pc.handle)).Str("state", e.State.String()).Msg("connection state changed")

		pc.lock.RLock()
		callback := pc.onConnectionStateChange
		pc.lock.RUnlock()
		if callback != nil {
			callback(e.State)
		}
	case engine.GatheringStateChanged:
		pc.lock.RLock()
		callback := pc.onICEGatheringStateChange
		pc.lock.RUnlock()
		if callback != nil {
			callback(e.State)
		}
	case engine.LocalCandidate:
		pc.lock.RLock()
		callback := pc.onICECandidate
		pc.lock.RUnlock()
		if callback == nil {
			return
		}
		if e.Candidate == nil {
			callback(nil)
			return
		}
		callback(&webrtc.ICECandidateInit{Candidate: *e.Candidate, SDPMid: e.Mid})
	}
}

func (pc *PeerConnection) handleTrack(e engine.TrackArrived) {
	pc.lock.Lock()

	var transceiver *RTPTransceiver
	for _, t := range pc.transceivers {
		if t.mid == e.Mid {
			transceiver = t
			break
		}
	}
	if transceiver == nil || transceiver.receiver.track == nil {
		pc.lock.Unlock()
		log.Debug().Str("service", "peer_connection").Str("pc", string(pc.handle)).Str("mid", e.Mid).Msg("drop track for unknown transceiver")
		return
	}

	track := transceiver.receiver.track
	if e.TrackID != "" {
		track.setID(e.TrackID)
	}

	for _, id := range e.StreamIDs {
		stream, ok := pc.streams[id]
		if !ok {
			stream = NewMediaStream(id)
			pc.streams[id] = stream
		}
		stream.AddTrack(track)
		transceiver.addStreamID(id)
	}

	var streams []*MediaStream
	for _, id := range transceiver.StreamIDs() {
		if s, ok := pc.streams[id]; ok {
			streams = append(streams, s)
		}
	}
	callback := pc.onTrack
	pc.lock.Unlock()

	log.Debug().Str("service", "peer_connection").Str("pc", string(pc.handle)).Str("mid", e.Mid).Str("track", track.ID()).Strs("streams", e.StreamIDs).Msg("track arrived")

	if callback != nil {
		callback(TrackEvent{Track: track, Streams: streams, Transceiver: transceiver})
	}
}
