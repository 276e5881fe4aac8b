// Package loopback implements the negotiation engine in-process. Connections
// created by the same Engine find each other through the session id of the
// exchanged descriptions, and negotiated media flows through the pipe router.
package loopback

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/engine"
	"github.com/isqad/livelook-media/internal/pipe"
)

var (
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrUnknownTransceiver = errors.New("unknown transceiver")
)

type transceiver struct {
	id        engine.TransceiverID
	handle    engine.Handle
	mid       string
	kind      core.MediaKind
	direction engine.Direction
	sendPipe  pipe.ID
	recvPipe  pipe.ID
	streamIDs []string
	trackID   string
}

type connection struct {
	handle     engine.Handle
	sessionID  uint64
	iceServers []string

	transceivers []*transceiver

	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	remoteSession  uint64
	remoteSections []section

	state     webrtc.PeerConnectionState
	gathering webrtc.ICEGatheringState

	// inbound edges per local mid
	forwards   map[string]pipe.SubscriptionID
	candidates []string
	port       int
}

// Engine is an in-process negotiation engine
type Engine struct {
	lock sync.Mutex

	router *pipe.Router
	events *engine.Dispatcher

	conns        map[engine.Handle]*connection
	sessions     map[uint64]engine.Handle
	transceivers map[engine.TransceiverID]*transceiver
	nextSession  uint64
}

func New(router *pipe.Router) *Engine {
	return &Engine{
		router:       router,
		events:       engine.NewDispatcher(),
		conns:        make(map[engine.Handle]*connection),
		sessions:     make(map[uint64]engine.Handle),
		transceivers: make(map[engine.TransceiverID]*transceiver),
		nextSession:  1000,
	}
}

func (e *Engine) Events() *engine.Dispatcher {
	return e.events
}

func (e *Engine) CreateConnection(iceServers []string) (engine.Handle, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.nextSession++
	c := &connection{
		handle:     engine.Handle(uuid.New().String()),
		sessionID:  e.nextSession,
		iceServers: iceServers,
		state:      webrtc.PeerConnectionStateNew,
		gathering:  webrtc.ICEGatheringStateNew,
		forwards:   make(map[string]pipe.SubscriptionID),
		port:       int(50000 + e.nextSession%10000),
	}
	e.conns[c.handle] = c
	e.sessions[c.sessionID] = c.handle

	log.Debug().Str("service", "loopback").Str("pc", string(c.handle)).Strs("ice_servers", iceServers).Msg("connection created")

	return c.handle, nil
}

// CloseConnection releases the connection and moves its peer to disconnected
func (e *Engine) CloseConnection(h engine.Handle) error {
	e.lock.Lock()
	c, ok := e.conns[h]
	if !ok {
		e.lock.Unlock()
		return ErrUnknownConnection
	}

	e.cancelForwardsLocked(c)
	for _, t := range c.transceivers {
		delete(e.transceivers, t.id)
	}
	delete(e.conns, h)
	delete(e.sessions, c.sessionID)
	c.state = webrtc.PeerConnectionStateClosed

	var pending []engine.Event
	if peer := e.peerLocked(c); peer != nil && peer.remoteSession == c.sessionID && peer.state == webrtc.PeerConnectionStateConnected {
		e.cancelForwardsLocked(peer)
		peer.state = webrtc.PeerConnectionStateDisconnected
		pending = append(pending, engine.ConnectionStateChanged{Handle: peer.handle, State: peer.state})
	}
	e.lock.Unlock()

	e.emit(pending)

	log.Debug().Str("service", "loopback").Str("pc", string(h)).Msg("connection closed")

	return nil
}

func (e *Engine) ConnectionState(h engine.Handle) webrtc.PeerConnectionState {
	e.lock.Lock()
	defer e.lock.Unlock()

	if c, ok := e.conns[h]; ok {
		return c.state
	}
	return webrtc.PeerConnectionStateClosed
}

func (e *Engine) GatheringState(h engine.Handle) webrtc.ICEGatheringState {
	e.lock.Lock()
	defer e.lock.Unlock()

	if c, ok := e.conns[h]; ok {
		return c.gathering
	}
	return webrtc.ICEGatheringState(0)
}

func (e *Engine) RegisterTransceiver(h engine.Handle, req engine.TransceiverRequest) (engine.TransceiverID, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	c, ok := e.conns[h]
	if !ok {
		return "", ErrUnknownConnection
	}

	t := &transceiver{
		id:        engine.TransceiverID(uuid.New().String()),
		handle:    h,
		mid:       strconv.Itoa(req.Index),
		kind:      req.Kind,
		direction: req.Direction,
		sendPipe:  req.SendPipe,
		recvPipe:  req.RecvPipe,
		streamIDs: append([]string(nil), req.StreamIDs...),
		trackID:   req.TrackID,
	}
	if t.direction.Sends() && t.trackID == "" {
		t.trackID = uuid.New().String()
	}

	c.transceivers = append(c.transceivers, t)
	e.transceivers[t.id] = t

	log.Debug().Str("service", "loopback").Str("pc", string(h)).Str("mid", t.mid).Str("direction", string(t.direction)).Msg("transceiver registered")

	return t.id, nil
}

func (e *Engine) UnregisterTransceiver(id engine.TransceiverID) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	t, ok := e.transceivers[id]
	if !ok {
		return ErrUnknownTransceiver
	}
	delete(e.transceivers, id)

	c, ok := e.conns[t.handle]
	if !ok {
		return nil
	}
	for i, other := range c.transceivers {
		if other == t {
			c.transceivers = append(c.transceivers[:i], c.transceivers[i+1:]...)
			break
		}
	}
	if sub, ok := c.forwards[t.mid]; ok {
		_ = e.router.Cancel(sub)
		delete(c.forwards, t.mid)
	}

	return nil
}

func (e *Engine) CreateOffer(h engine.Handle) (string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	c, ok := e.conns[h]
	if !ok {
		return "", ErrUnknownConnection
	}

	sections := make([]section, 0, len(c.transceivers))
	for _, t := range c.transceivers {
		sections = append(sections, t.section(t.direction))
	}

	return marshalDescription(c.sessionID, sections)
}

// CreateAnswer mirrors the sections of the remote offer. Local transceivers
// without a matching section wait for the next negotiation round.
func (e *Engine) CreateAnswer(h engine.Handle) (string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	c, ok := e.conns[h]
	if !ok {
		return "", ErrUnknownConnection
	}
	if c.remote == nil || c.remote.Type != webrtc.SDPTypeOffer {
		return "", fmt.Errorf("create answer: no remote offer")
	}

	sections := make([]section, 0, len(c.remoteSections))
	for _, remote := range c.remoteSections {
		t := c.transceiver(remote.mid)
		if t == nil || t.kind != remote.kind {
			sections = append(sections, section{mid: remote.mid, kind: remote.kind, direction: engine.Inactive})
			continue
		}
		sections = append(sections, t.section(t.direction.Intersect(remote.direction.Reverse())))
	}

	return marshalDescription(c.sessionID, sections)
}

func (e *Engine) LocalDescription(h engine.Handle) *webrtc.SessionDescription {
	e.lock.Lock()
	defer e.lock.Unlock()

	if c, ok := e.conns[h]; ok {
		return c.local
	}
	return nil
}

func (e *Engine) RemoteDescription(h engine.Handle) *webrtc.SessionDescription {
	e.lock.Lock()
	defer e.lock.Unlock()

	if c, ok := e.conns[h]; ok {
		return c.remote
	}
	return nil
}

// SetLocalDescription applies the description and gathers a single host candidate
func (e *Engine) SetLocalDescription(h engine.Handle, desc webrtc.SessionDescription) error {
	if _, _, err := unmarshalDescription(desc.SDP); err != nil {
		return err
	}

	e.lock.Lock()
	c, ok := e.conns[h]
	if !ok {
		e.lock.Unlock()
		return ErrUnknownConnection
	}
	c.local = &desc

	mid := "0"
	candidate := fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", c.port)
	c.gathering = webrtc.ICEGatheringStateComplete

	pending := []engine.Event{
		engine.GatheringStateChanged{Handle: h, State: webrtc.ICEGatheringStateGathering},
		engine.LocalCandidate{Handle: h, Candidate: &candidate, Mid: &mid},
		engine.LocalCandidate{Handle: h},
		engine.GatheringStateChanged{Handle: h, State: webrtc.ICEGatheringStateComplete},
	}
	pending = append(pending, e.reconcileLocked(c)...)
	e.lock.Unlock()

	e.emit(pending)

	return nil
}

func (e *Engine) SetRemoteDescription(h engine.Handle, desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer && desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("unsupported description type %s", desc.Type)
	}

	session, sections, err := unmarshalDescription(desc.SDP)
	if err != nil {
		return err
	}

	e.lock.Lock()
	c, ok := e.conns[h]
	if !ok {
		e.lock.Unlock()
		return ErrUnknownConnection
	}
	c.remote = &desc
	c.remoteSession = session
	c.remoteSections = sections

	pending := e.reconcileLocked(c)
	e.lock.Unlock()

	e.emit(pending)

	return nil
}

func (e *Engine) AddRemoteCandidate(h engine.Handle, candidate string, mid string) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	c, ok := e.conns[h]
	if !ok {
		return ErrUnknownConnection
	}
	if c.transceiver(mid) == nil && len(c.remoteSections) > 0 {
		return fmt.Errorf("no media section with mid %q", mid)
	}
	c.candidates = append(c.candidates, candidate)

	return nil
}

// reconcileLocked wires inbound media once both descriptions are applied
func (e *Engine) reconcileLocked(c *connection) []engine.Event {
	if c.local == nil || c.remote == nil {
		return nil
	}

	var pending []engine.Event

	peer := e.peerLocked(c)
	if peer == nil {
		if c.state != webrtc.PeerConnectionStateFailed {
			c.state = webrtc.PeerConnectionStateFailed
			pending = append(pending, engine.ConnectionStateChanged{Handle: c.handle, State: c.state})
		}
		return pending
	}

	for _, remote := range c.remoteSections {
		if !remote.direction.Sends() {
			continue
		}
		if _, done := c.forwards[remote.mid]; done {
			continue
		}

		local := c.transceiver(remote.mid)
		if local == nil || !local.direction.Receives() || local.kind != remote.kind || local.recvPipe == "" {
			continue
		}
		source := peer.transceiver(remote.mid)
		if source == nil || source.sendPipe == "" {
			continue
		}

		sub, err := e.router.Forward(source.sendPipe, local.recvPipe)
		if err != nil {
			log.Error().Err(err).Str("service", "loopback").Str("pc", string(c.handle)).Str("mid", remote.mid).Msg("wire inbound media")
			continue
		}
		c.forwards[remote.mid] = sub

		pending = append(pending, engine.TrackArrived{
			Handle:    c.handle,
			Mid:       remote.mid,
			TrackID:   remote.trackID,
			StreamIDs: append([]string(nil), remote.streamIDs...),
		})
	}

	if c.state == webrtc.PeerConnectionStateNew || c.state == webrtc.PeerConnectionStateDisconnected {
		pending = append(pending,
			engine.ConnectionStateChanged{Handle: c.handle, State: webrtc.PeerConnectionStateConnecting},
			engine.ConnectionStateChanged{Handle: c.handle, State: webrtc.PeerConnectionStateConnected},
		)
		c.state = webrtc.PeerConnectionStateConnected
	}

	return pending
}

func (e *Engine) peerLocked(c *connection) *connection {
	h, ok := e.sessions[c.remoteSession]
	if !ok {
		return nil
	}
	return e.conns[h]
}

func (e *Engine) cancelForwardsLocked(c *connection) {
	for mid, sub := range c.forwards {
		_ = e.router.Cancel(sub)
		delete(c.forwards, mid)
	}
}

func (e *Engine) emit(events []engine.Event) {
	for _, ev := range events {
		e.events.Emit(ev)
	}
}

func (c *connection) transceiver(mid string) *transceiver {
	for _, t := range c.transceivers {
		if t.mid == mid {
			return t
		}
	}
	return nil
}

func (t *transceiver) section(direction engine.Direction) section {
	return section{
		mid:       t.mid,
		kind:      t.kind,
		direction: direction,
		trackID:   t.trackID,
		streamIDs: t.streamIDs,
	}
}
