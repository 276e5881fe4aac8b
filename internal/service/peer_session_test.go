package service

import (
	"context"
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
	"github.com/isqad/livelook-media/internal/rtc"
	"github.com/isqad/livelook-media/internal/signaling"
	"github.com/isqad/livelook-media/internal/signaling/rpc"
)

type sessionPair struct {
	router    *pipe.Router
	registry  *rtc.Registry
	transport *signaling.MemoryTransport
	offerer   *PeerSession
	answerer  *PeerSession
}

func newSessionPair(t *testing.T) *sessionPair {
	ctx := context.Background()
	router := pipe.NewRouter()
	eng := loopback.New(router)
	transport := signaling.NewMemoryTransport()
	registry := rtc.NewRegistry()

	signalA, err := signaling.NewRouter(ctx, transport, "a")
	require.NoError(t, err)
	signalB, err := signaling.NewRouter(ctx, transport, "b")
	require.NoError(t, err)

	offerer, err := NewPeerSession(PeerSessionParams{
		Engine:   eng,
		Router:   router,
		Signal:   signalA,
		Registry: registry,
		Remote:   "b",
	})
	require.NoError(t, err)

	answerer, err := NewPeerSession(PeerSessionParams{
		Engine:   eng,
		Router:   router,
		Signal:   signalB,
		Registry: registry,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		offerer.Close()
		answerer.Close()
		transport.Close()
	})

	return &sessionPair{
		router:    router,
		registry:  registry,
		transport: transport,
		offerer:   offerer,
		answerer:  answerer,
	}
}

func waitConnected(pc *rtc.PeerConnection) <-chan struct{} {
	connected := make(chan struct{})
	var once sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})
	return connected
}

func TestPeerSessionNegotiates(t *testing.T) {
	p := newSessionPair(t)

	tracks := make(chan rtc.TrackEvent, 1)
	p.offerer.PeerConnection().OnTrack(func(e rtc.TrackEvent) { tracks <- e })

	_, err := p.offerer.PeerConnection().AddTransceiverFromKind(core.VideoKind, rtc.RTPTransceiverInit{Direction: engine.RecvOnly})
	require.NoError(t, err)

	local, err := rtc.NewMediaStreamTrack(context.Background(), p.router, core.VideoKind, nil)
	require.NoError(t, err)
	defer local.Stop()

	_, err = p.answerer.PeerConnection().AddTransceiverFromTrack(local, rtc.RTPTransceiverInit{
		Direction: engine.SendOnly,
		Streams:   []*rtc.MediaStream{rtc.NewMediaStream("camera", local)},
	})
	require.NoError(t, err)

	connected := waitConnected(p.answerer.PeerConnection())

	require.NoError(t, p.offerer.Offer(context.Background()))

	var event rtc.TrackEvent
	select {
	case event = <-tracks:
	case <-time.After(2 * time.Second):
		t.Fatal("track event was not delivered")
	}
	require.Len(t, event.Streams, 1)
	assert.Equal(t, "camera", event.Streams[0].ID())

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("answerer did not connect")
	}

	assert.Equal(t, "a", p.answerer.Remote())
	assert.Equal(t, 2, p.registry.Len())

	got := make(chan []byte, 1)
	_, err = p.router.Subscribe(event.Track.Destination(), func(s media.Sample) { got <- s.Data })
	require.NoError(t, err)
	p.router.Publish(local.Source(), media.Sample{Data: []byte{7}})

	select {
	case data := <-got:
		assert.Equal(t, []byte{7}, data)
	case <-time.After(time.Second):
		t.Fatal("media did not flow")
	}
}

func TestPeerSessionClosesOnBye(t *testing.T) {
	p := newSessionPair(t)

	_, err := p.offerer.PeerConnection().AddTransceiverFromKind(core.AudioKind)
	require.NoError(t, err)
	require.NoError(t, p.offerer.Offer(context.Background()))

	assert.Eventually(t, func() bool { return p.answerer.Remote() == "a" }, time.Second, 10*time.Millisecond)

	p.offerer.Close()

	select {
	case <-p.answerer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("answerer did not close on bye")
	}

	assert.Equal(t, webrtc.PeerConnectionStateClosed, p.answerer.PeerConnection().ConnectionState())
	assert.Equal(t, 0, p.registry.Len())
}

func TestPeerSessionIgnoresStrangers(t *testing.T) {
	p := newSessionPair(t)

	stranger, err := signaling.NewRouter(context.Background(), p.transport, "c")
	require.NoError(t, err)

	err = p.offerer.HandleAnswer("c", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.ErrorIs(t, err, errUnexpectedPeer)

	require.NoError(t, stranger.Send(context.Background(), "a", rpc.NewByeRpc()))

	select {
	case <-p.offerer.Done():
		t.Fatal("stranger closed the session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerSessionAddICECandidate(t *testing.T) {
	p := newSessionPair(t)

	// end of candidates is a no-op
	assert.NoError(t, p.offerer.AddICECandidate("b", webrtc.ICECandidateInit{}))
	assert.NoError(t, p.offerer.AddICECandidate("b", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}))
}
