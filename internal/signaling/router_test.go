package signaling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-media/internal/signaling/rpc"
)

const (
	mockSelf = "peer-b"
	mockFrom = "peer-a"
)

type MockCallbacks struct {
	OfferFired        bool
	AnswerFired       bool
	ICECandidateFired bool
	ByeFired          bool

	From      string
	SDP       webrtc.SessionDescription
	Candidate webrtc.ICECandidateInit
}

func (m *MockCallbacks) OnOffer(from string, sdp webrtc.SessionDescription) error {
	m.OfferFired = true
	m.From = from
	m.SDP = sdp
	return nil
}

func (m *MockCallbacks) OnAnswer(from string, sdp webrtc.SessionDescription) error {
	m.AnswerFired = true
	m.From = from
	m.SDP = sdp
	return nil
}

func (m *MockCallbacks) OnICECandidate(from string, candidate webrtc.ICECandidateInit) error {
	m.ICECandidateFired = true
	m.From = from
	m.Candidate = candidate
	return nil
}

func (m *MockCallbacks) OnBye(from string) error {
	m.ByeFired = true
	m.From = from
	return nil
}

func newMockRouter(t *testing.T) (*Router, *MockBus, *MockCallbacks) {
	bus := NewMockBus()
	router, err := NewRouter(context.Background(), NewMockTransport(bus), mockSelf)
	require.NoError(t, err)

	callbacks := &MockCallbacks{}
	router.OnOffer(callbacks.OnOffer)
	router.OnAnswer(callbacks.OnAnswer)
	router.OnICECandidate(callbacks.OnICECandidate)
	router.OnBye(callbacks.OnBye)

	return router, bus, callbacks
}

func mockEnvelopePayload(method rpc.Method, params string) []byte {
	return []byte(fmt.Sprintf(
		`{"from":"%s","message":{"jsonrpc":"2.0","method":"%s","params":%s}}`,
		mockFrom,
		string(method),
		params,
	))
}

func TestNewRouter(t *testing.T) {
	bus := NewMockBus()
	defer bus.Close()

	transport := NewMockTransport(bus)

	router, err := NewRouter(context.Background(), transport, mockSelf)
	assert.Nil(t, err)
	assert.Equal(t, mockSelf, router.Self())
	assert.Equal(t, []string{mockSelf}, transport.Subscribed)
}

func TestParseRpc(t *testing.T) {
	from, r, err := parseRpc(mockEnvelopePayload(rpc.ByeMethod, "null"))
	assert.Nil(t, err)

	assert.Equal(t, mockFrom, from)
	assert.Equal(t, rpc.ByeMethod, r.GetMethod())

	_, _, err = parseRpc([]byte(`{"message":{"jsonrpc":"2.0","method":"bye"}}`))
	assert.ErrorIs(t, err, errMissingSender)

	_, _, err = parseRpc([]byte(`{"from":"x","message":{"jsonrpc":"2.0","method":"join"}}`))
	assert.ErrorIs(t, err, rpc.ErrUnknownRpcType)
}

func TestOnOffer(t *testing.T) {
	router, bus, callbacks := newMockRouter(t)

	<-router.Start()
	bus.Messages <- mockEnvelopePayload(rpc.OfferMethod, `{"type":"offer","sdp":"v=0"}`)
	<-router.Stop()

	assert.True(t, callbacks.OfferFired)
	assert.False(t, callbacks.AnswerFired)
	assert.Equal(t, mockFrom, callbacks.From)
	assert.Equal(t, webrtc.SDPTypeOffer, callbacks.SDP.Type)
}

func TestOnAnswer(t *testing.T) {
	router, bus, callbacks := newMockRouter(t)

	<-router.Start()
	bus.Messages <- mockEnvelopePayload(rpc.AnswerMethod, `{"type":"answer","sdp":"v=0"}`)
	<-router.Stop()

	assert.True(t, callbacks.AnswerFired)
	assert.False(t, callbacks.OfferFired)
}

func TestOnICECandidate(t *testing.T) {
	router, bus, callbacks := newMockRouter(t)

	<-router.Start()
	bus.Messages <- mockEnvelopePayload(rpc.ICECandidateMethod, `{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host","sdpMid":"0"}`)
	<-router.Stop()

	assert.True(t, callbacks.ICECandidateFired)
	require.NotNil(t, callbacks.Candidate.SDPMid)
	assert.Equal(t, "0", *callbacks.Candidate.SDPMid)
}

func TestOnBye(t *testing.T) {
	router, bus, callbacks := newMockRouter(t)

	<-router.Start()
	bus.Messages <- mockEnvelopePayload(rpc.ByeMethod, "null")
	<-router.Stop()

	assert.True(t, callbacks.ByeFired)
	assert.Equal(t, mockFrom, callbacks.From)
}

func TestRouterSurvivesGarbage(t *testing.T) {
	router, bus, callbacks := newMockRouter(t)

	<-router.Start()
	bus.Messages <- []byte("{")
	bus.Messages <- mockEnvelopePayload("join", "null")
	bus.Messages <- mockEnvelopePayload(rpc.ByeMethod, "null")
	<-router.Stop()

	assert.True(t, callbacks.ByeFired)
}

func TestRouterWithoutHandlers(t *testing.T) {
	bus := NewMockBus()
	router, err := NewRouter(context.Background(), NewMockTransport(bus), mockSelf)
	require.NoError(t, err)

	<-router.Start()
	bus.Messages <- mockEnvelopePayload(rpc.ByeMethod, "null")
	bus.Messages <- mockEnvelopePayload(rpc.OfferMethod, `{"type":"offer","sdp":"v=0"}`)
	<-router.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	router, _, _ := newMockRouter(t)

	select {
	case <-router.Stop():
	case <-time.After(time.Second):
		t.Fatal("stop blocked")
	}
	<-router.Start()
	<-router.Stop()
}

func TestSend(t *testing.T) {
	bus := NewMockBus()
	transport := NewMockTransport(bus)

	router, err := NewRouter(context.Background(), transport, mockSelf)
	require.NoError(t, err)

	err = router.Send(context.Background(), mockFrom, rpc.NewByeRpc())
	require.NoError(t, err)

	require.Len(t, transport.Published[mockFrom], 1)
	env := transport.Published[mockFrom][0]
	assert.Equal(t, mockSelf, env.From)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"bye","params":null}`, string(env.Message))
}

func TestMemoryTransportRoundTrip(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()

	ctx := context.Background()

	a, err := NewRouter(ctx, transport, "a")
	require.NoError(t, err)
	b, err := NewRouter(ctx, transport, "b")
	require.NoError(t, err)

	received := make(chan webrtc.SessionDescription, 1)
	b.OnOffer(func(from string, sdp webrtc.SessionDescription) error {
		assert.Equal(t, "a", from)
		received <- sdp
		return nil
	})

	<-a.Start()
	<-b.Start()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, a.Send(ctx, "b", rpc.NewOfferRpc(offer)))

	select {
	case sdp := <-received:
		assert.Equal(t, offer, sdp)
	case <-time.After(time.Second):
		t.Fatal("offer not delivered")
	}

	<-a.Stop()
	<-b.Stop()

	require.NoError(t, transport.Close())
	assert.ErrorIs(t, a.Send(ctx, "b", rpc.NewByeRpc()), ErrTransportClosed)
}
