package rtc

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/engine"
	"github.com/isqad/livelook-media/internal/pipe"
)

type RTPSender struct {
	track *MediaStreamTrack
}

// Track is nil when the transceiver does not send
func (s *RTPSender) Track() *MediaStreamTrack {
	return s.track
}

type RTPReceiver struct {
	track *MediaStreamTrack
}

// Track is nil when the transceiver does not receive
func (r *RTPReceiver) Track() *MediaStreamTrack {
	return r.track
}

// RTPTransceiverInit configures a new transceiver
type RTPTransceiverInit struct {
	Direction engine.Direction
	Streams   []*MediaStream
}

// RTPTransceiver is a negotiation slot. Associated streams are referenced by
// msid and resolved through the owning connection.
type RTPTransceiver struct {
	lock sync.RWMutex

	mid       string
	kind      core.MediaKind
	direction engine.Direction
	sender    *RTPSender
	receiver  *RTPReceiver
	streamIDs []string

	registration engine.TransceiverID
	unregister   func(engine.TransceiverID) error
}

func newTransceiverFromKind(router *pipe.Router, kind core.MediaKind, mid string, direction engine.Direction) (*RTPTransceiver, error) {
	t := &RTPTransceiver{
		mid:       mid,
		kind:      kind,
		direction: direction,
		sender:    &RTPSender{},
		receiver:  &RTPReceiver{},
	}

	if direction.Sends() {
		track, err := NewMediaStreamTrack(context.Background(), router, kind, nil)
		if err != nil {
			return nil, err
		}
		t.sender.track = track
	}
	if direction.Receives() {
		track, err := NewMediaStreamTrack(context.Background(), router, kind, nil)
		if err != nil {
			if t.sender.track != nil {
				t.sender.track.Stop()
			}
			return nil, err
		}
		t.receiver.track = track
	}

	return t, nil
}

// newTransceiverFromTrack sends track and gets a fresh receiver track when
// the direction receives
func newTransceiverFromTrack(router *pipe.Router, track *MediaStreamTrack, mid string, direction engine.Direction) (*RTPTransceiver, error) {
	t := &RTPTransceiver{
		mid:       mid,
		kind:      track.Kind(),
		direction: direction,
		sender:    &RTPSender{},
		receiver:  &RTPReceiver{},
	}
	if direction.Sends() {
		t.sender.track = track
	}
	if direction.Receives() {
		receiving, err := NewMediaStreamTrack(context.Background(), router, track.Kind(), nil)
		if err != nil {
			return nil, err
		}
		t.receiver.track = receiving
	}

	return t, nil
}

func (t *RTPTransceiver) Mid() string {
	return t.mid
}

func (t *RTPTransceiver) Kind() core.MediaKind {
	return t.kind
}

func (t *RTPTransceiver) Direction() engine.Direction {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.direction
}

func (t *RTPTransceiver) Sender() *RTPSender {
	return t.sender
}

func (t *RTPTransceiver) Receiver() *RTPReceiver {
	return t.receiver
}

// StreamIDs returns msids of the associated streams
func (t *RTPTransceiver) StreamIDs() []string {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return append([]string(nil), t.streamIDs...)
}

func (t *RTPTransceiver) addStreamID(id string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, existing := range t.streamIDs {
		if existing == id {
			return
		}
	}
	t.streamIDs = append(t.streamIDs, id)
}

func (t *RTPTransceiver) registered() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.registration != ""
}

func (t *RTPTransceiver) setRegistration(id engine.TransceiverID, unregister func(engine.TransceiverID) error) {
	t.lock.Lock()
	t.registration = id
	t.unregister = unregister
	t.lock.Unlock()
}

func (t *RTPTransceiver) request(index int) engine.TransceiverRequest {
	t.lock.RLock()
	defer t.lock.RUnlock()

	req := engine.TransceiverRequest{
		Index:     index,
		Kind:      t.kind,
		Direction: t.direction,
		StreamIDs: append([]string(nil), t.streamIDs...),
	}
	if t.sender.track != nil {
		req.SendPipe = t.sender.track.Destination()
		req.TrackID = t.sender.track.ID()
	}
	if t.receiver.track != nil {
		req.RecvPipe = t.receiver.track.Source()
	}

	return req
}

// Stop releases the negotiation registration and clears the stream list.
// Tracks are left running.
func (t *RTPTransceiver) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.registration != "" {
		if err := t.unregister(t.registration); err != nil {
			log.Error().Err(err).Str("service", "transceiver").Str("mid", t.mid).Msg("unregister transceiver")
		}
		t.registration = ""
		t.unregister = nil
	}
	t.streamIDs = nil
	t.direction = engine.Stopped
}
