package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/engine"
	"github.com/isqad/livelook-media/internal/engine/loopback"
	"github.com/isqad/livelook-media/internal/pipe"
)

// recordingEngine records calls and answers with canned descriptions
type recordingEngine struct {
	mu         sync.Mutex
	events     *engine.Dispatcher
	handles    int
	iceServers []string
	registered []engine.TransceiverRequest
	candidates []string
	mids       []string
	closes     int
	remoteErr  error
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{events: engine.NewDispatcher()}
}

func (e *recordingEngine) CreateConnection(iceServers []string) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handles++
	e.iceServers = iceServers
	return engine.Handle(fmt.Sprintf("pc-%d", e.handles)), nil
}

func (e *recordingEngine) CloseConnection(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *recordingEngine) ConnectionState(h engine.Handle) webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (e *recordingEngine) GatheringState(h engine.Handle) webrtc.ICEGatheringState {
	return webrtc.ICEGatheringStateNew
}

func (e *recordingEngine) RegisterTransceiver(h engine.Handle, req engine.TransceiverRequest) (engine.TransceiverID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered = append(e.registered, req)
	return engine.TransceiverID(fmt.Sprintf("t-%d", len(e.registered))), nil
}

func (e *recordingEngine) UnregisterTransceiver(id engine.TransceiverID) error { return nil }

func (e *recordingEngine) CreateOffer(h engine.Handle) (string, error)  { return "offer", nil }
func (e *recordingEngine) CreateAnswer(h engine.Handle) (string, error) { return "answer", nil }

func (e *recordingEngine) LocalDescription(h engine.Handle) *webrtc.SessionDescription  { return nil }
func (e *recordingEngine) RemoteDescription(h engine.Handle) *webrtc.SessionDescription { return nil }

func (e *recordingEngine) SetLocalDescription(h engine.Handle, desc webrtc.SessionDescription) error {
	return nil
}

func (e *recordingEngine) SetRemoteDescription(h engine.Handle, desc webrtc.SessionDescription) error {
	return e.remoteErr
}

func (e *recordingEngine) AddRemoteCandidate(h engine.Handle, candidate string, mid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, candidate)
	e.mids = append(e.mids, mid)
	return nil
}

func (e *recordingEngine) Events() *engine.Dispatcher { return e.events }

func (e *recordingEngine) registrations() []engine.TransceiverRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.TransceiverRequest(nil), e.registered...)
}

func TestAddTransceiverAssignsMid(t *testing.T) {
	pc, err := NewPeerConnection(newRecordingEngine(), pipe.NewRouter(), Configuration{})
	require.Nil(t, err)
	defer pc.Close()

	first, err := pc.AddTransceiverFromKind(core.AudioKind)
	require.Nil(t, err)
	second, err := pc.AddTransceiverFromKind(core.VideoKind, RTPTransceiverInit{Direction: engine.RecvOnly})
	require.Nil(t, err)

	assert.Equal(t, "0", first.Mid())
	assert.Equal(t, "1", second.Mid())
	assert.Equal(t, engine.SendRecv, first.Direction())
	assert.Len(t, pc.GetTransceivers(), 2)
}

func TestCreateOfferRegistersOnce(t *testing.T) {
	eng := newRecordingEngine()
	pc, err := NewPeerConnection(eng, pipe.NewRouter(), Configuration{})
	require.Nil(t, err)
	defer pc.Close()

	stream := NewMediaStream("local")
	_, err = pc.AddTransceiverFromKind(core.VideoKind, RTPTransceiverInit{Direction: engine.SendRecv, Streams: []*MediaStream{stream}})
	require.Nil(t, err)

	offer, err := pc.CreateOffer()
	require.Nil(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	_, err = pc.CreateOffer()
	require.Nil(t, err)

	regs := eng.registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, 0, regs[0].Index)
	assert.Equal(t, core.VideoKind, regs[0].Kind)
	assert.Equal(t, []string{"local"}, regs[0].StreamIDs)
	assert.NotEmpty(t, regs[0].SendPipe)
	assert.NotEmpty(t, regs[0].RecvPipe)
	assert.NotEmpty(t, regs[0].TrackID)

	// transceivers added later join the next round only
	_, err = pc.AddTransceiverFromKind(core.AudioKind)
	require.Nil(t, err)

	_, err = pc.CreateAnswer()
	require.Nil(t, err)

	regs = eng.registrations()
	require.Len(t, regs, 2)
	assert.Equal(t, 1, regs[1].Index)
}

func TestStoppedTransceiverIsNotRegistered(t *testing.T) {
	eng := newRecordingEngine()
	pc, err := NewPeerConnection(eng, pipe.NewRouter(), Configuration{})
	require.Nil(t, err)
	defer pc.Close()

	tr, err := pc.AddTransceiverFromKind(core.AudioKind)
	require.Nil(t, err)
	tr.Stop()
	tr.Stop()

	_, err = pc.CreateOffer()
	require.Nil(t, err)
	assert.Empty(t, eng.registrations())
	assert.Equal(t, engine.Stopped, tr.Direction())
}

func TestAddICECandidate(t *testing.T) {
	eng := newRecordingEngine()
	pc, err := NewPeerConnection(eng, pipe.NewRouter(), Configuration{})
	require.Nil(t, err)
	defer pc.Close()

	mid := "0"
	require.Nil(t, pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: "", SDPMid: &mid}))
	assert.Empty(t, eng.candidates)

	require.Nil(t, pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}))
	other := "2"
	require.Nil(t, pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.1 5001 typ host", SDPMid: &other}))

	assert.Equal(t, []string{"0", "2"}, eng.mids)
}

func TestSetDescriptionErrors(t *testing.T) {
	eng := newRecordingEngine()
	eng.remoteErr = errors.New("rejected")
	pc, err := NewPeerConnection(eng, pipe.NewRouter(), Configuration{})
	require.Nil(t, err)
	defer pc.Close()

	err = pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer})
	assert.True(t, errors.Is(err, core.ErrNegotiation))

	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.True(t, errors.Is(err, core.ErrNegotiation))
}

func TestCloseIsIdempotent(t *testing.T) {
	eng := newRecordingEngine()
	pc, err := NewPeerConnection(eng, pipe.NewRouter(), Configuration{})
	require.Nil(t, err)

	require.Nil(t, pc.Close())
	require.Nil(t, pc.Close())
	assert.Equal(t, 1, eng.closes)
	assert.Equal(t, webrtc.PeerConnectionStateClosed, pc.ConnectionState())

	_, err = pc.CreateOffer()
	assert.Equal(t, ErrClosed, err)

	// events after close are ignored
	eng.events.Emit(engine.ConnectionStateChanged{Handle: engine.Handle(pc.ID()), State: webrtc.PeerConnectionStateFailed})
}

func TestInvalidICEServerFailsBeforeConnection(t *testing.T) {
	eng := newRecordingEngine()

	_, err := NewPeerConnection(eng, pipe.NewRouter(), Configuration{
		ICEServers: []ICEServer{{URLs: []string{"turn:example.com"}}},
	})
	assert.True(t, errors.Is(err, core.ErrConfiguration))
	assert.Equal(t, 0, eng.handles)
}

func TestAddTransceiverWithoutTrack(t *testing.T) {
	eng := newRecordingEngine()
	pc, err := NewPeerConnection(eng, pipe.NewRouter(), Configuration{})
	require.Nil(t, err)
	defer pc.Close()

	_, err = pc.AddTransceiverFromTrack(nil)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
	assert.Empty(t, pc.GetTransceivers())
}

func TestTrackEventForUnknownMidIsDropped(t *testing.T) {
	eng := newRecordingEngine()
	pc, err := NewPeerConnection(eng, pipe.NewRouter(), Configuration{})
	require.Nil(t, err)
	defer pc.Close()

	tracks := make(chan TrackEvent, 2)
	pc.OnTrack(func(e TrackEvent) { tracks <- e })

	_, err = pc.AddTransceiverFromKind(core.AudioKind, RTPTransceiverInit{Direction: engine.RecvOnly})
	require.Nil(t, err)

	h := engine.Handle(pc.ID())
	eng.events.Emit(engine.TrackArrived{Handle: h, Mid: "5", TrackID: "x", StreamIDs: []string{"s"}})
	eng.events.Emit(engine.TrackArrived{Handle: "someone-else", Mid: "0", TrackID: "y"})
	eng.events.Emit(engine.TrackArrived{Handle: h, Mid: "0", TrackID: "remote-audio", StreamIDs: []string{"s", "s"}})

	select {
	case e := <-tracks:
		assert.Equal(t, "remote-audio", e.Track.ID())
		require.Len(t, e.Streams, 1)
		assert.Equal(t, "s", e.Streams[0].ID())
		assert.Len(t, e.Streams[0].GetTracks(), 1)
	case <-time.After(time.Second):
		t.Fatal("track event was not delivered")
	}

	select {
	case e := <-tracks:
		t.Fatalf("unexpected track event %s", e.Track.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackEndToEnd(t *testing.T) {
	router := pipe.NewRouter()
	eng := loopback.New(router)

	a, err := NewPeerConnection(eng, router, Configuration{})
	require.Nil(t, err)
	defer a.Close()
	b, err := NewPeerConnection(eng, router, Configuration{
		ICEServers: []ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	})
	require.Nil(t, err)
	defer b.Close()

	tracks := make(chan TrackEvent, 2)
	a.OnTrack(func(e TrackEvent) { tracks <- e })

	connected := make(chan struct{})
	var once sync.Once
	a.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})

	_, err = a.AddTransceiverFromKind(core.VideoKind, RTPTransceiverInit{Direction: engine.RecvOnly})
	require.Nil(t, err)

	offer, err := a.CreateOffer()
	require.Nil(t, err)
	require.Nil(t, a.SetLocalDescription(offer))

	require.Nil(t, b.SetRemoteDescription(offer))

	local, err := NewMediaStreamTrack(context.Background(), router, core.VideoKind, nil)
	require.Nil(t, err)
	defer local.Stop()

	_, err = b.AddTransceiverFromTrack(local, RTPTransceiverInit{
		Direction: engine.SendOnly,
		Streams:   []*MediaStream{NewMediaStream("b-stream", local)},
	})
	require.Nil(t, err)

	answer, err := b.CreateAnswer()
	require.Nil(t, err)
	require.Nil(t, b.SetLocalDescription(answer))
	require.Nil(t, a.SetRemoteDescription(answer))

	var event TrackEvent
	select {
	case event = <-tracks:
	case <-time.After(time.Second):
		t.Fatal("track event was not delivered")
	}

	assert.Equal(t, core.VideoKind, event.Track.Kind())
	assert.Equal(t, local.ID(), event.Track.ID())
	require.Len(t, event.Streams, 1)
	assert.Equal(t, "b-stream", event.Streams[0].ID())
	assert.NotNil(t, a.Stream("b-stream"))

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connection did not reach connected")
	}

	select {
	case e := <-tracks:
		t.Fatalf("track event fired twice for %s", e.Track.ID())
	case <-time.After(50 * time.Millisecond):
	}

	// media published into the sender track reaches the receiver track consumers
	got := make(chan []byte, 1)
	_, err = router.Subscribe(event.Track.Destination(), func(s media.Sample) { got <- s.Data })
	require.Nil(t, err)
	router.Publish(local.Source(), media.Sample{Data: []byte{42}})

	select {
	case data := <-got:
		assert.Equal(t, []byte{42}, data)
	case <-time.After(time.Second):
		t.Fatal("media did not flow")
	}
}

func TestLoopbackSendRecvTracksExchangeMedia(t *testing.T) {
	router := pipe.NewRouter()
	eng := loopback.New(router)

	newSide := func(stream string) (*PeerConnection, *MediaStreamTrack, chan TrackEvent) {
		pc, err := NewPeerConnection(eng, router, Configuration{})
		require.Nil(t, err)

		local, err := NewMediaStreamTrack(context.Background(), router, core.VideoKind, nil)
		require.Nil(t, err)

		_, err = pc.AddTransceiverFromTrack(local, RTPTransceiverInit{
			Direction: engine.SendRecv,
			Streams:   []*MediaStream{NewMediaStream(stream, local)},
		})
		require.Nil(t, err)

		tracks := make(chan TrackEvent, 2)
		pc.OnTrack(func(e TrackEvent) { tracks <- e })

		return pc, local, tracks
	}

	a, aLocal, aTracks := newSide("a-stream")
	defer a.Close()
	defer aLocal.Stop()
	b, bLocal, bTracks := newSide("b-stream")
	defer b.Close()
	defer bLocal.Stop()

	offer, err := a.CreateOffer()
	require.Nil(t, err)
	require.Nil(t, a.SetLocalDescription(offer))
	require.Nil(t, b.SetRemoteDescription(offer))

	answer, err := b.CreateAnswer()
	require.Nil(t, err)
	require.Nil(t, b.SetLocalDescription(answer))
	require.Nil(t, a.SetRemoteDescription(answer))

	receive := func(tracks chan TrackEvent, from *MediaStreamTrack, stream string) {
		var event TrackEvent
		select {
		case event = <-tracks:
		case <-time.After(time.Second):
			t.Fatalf("no track event for %s", stream)
		}
		assert.Equal(t, from.ID(), event.Track.ID())
		require.Len(t, event.Streams, 1)
		assert.Equal(t, stream, event.Streams[0].ID())

		got := make(chan []byte, 1)
		sub, err := router.Subscribe(event.Track.Destination(), func(s media.Sample) {
			select {
			case got <- s.Data:
			default:
			}
		})
		require.Nil(t, err)
		defer router.Cancel(sub)

		router.Publish(from.Source(), media.Sample{Data: []byte(stream)})

		select {
		case data := <-got:
			assert.Equal(t, []byte(stream), data)
		case <-time.After(time.Second):
			t.Fatalf("media from %s did not flow", stream)
		}
	}

	receive(aTracks, bLocal, "b-stream")
	receive(bTracks, aLocal, "a-stream")
}
