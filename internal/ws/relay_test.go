package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-media/internal/signaling"
	"github.com/isqad/livelook-media/internal/signaling/rpc"
)

func newRelayServer(t *testing.T) (*WsApp, string) {
	app := New(WsAppOptions{})
	server := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		app.Relay().Close()
		server.Close()
	})

	return app, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url, room, peer string) *signaling.Router {
	transport, err := signaling.DialWebsocket(context.Background(), url, room, peer)
	require.NoError(t, err)

	router, err := signaling.NewRouter(context.Background(), transport, peer)
	require.NoError(t, err)

	return router
}

func waitPeers(t *testing.T, relay *Relay, room string, peers ...string) {
	sort.Strings(peers)
	assert.Eventually(t, func() bool {
		got := relay.Peers(room)
		sort.Strings(got)
		return assert.ObjectsAreEqual(peers, got)
	}, time.Second, 10*time.Millisecond)
}

func TestRelayForwardsToAddressedPeer(t *testing.T) {
	app, url := newRelayServer(t)

	a := dial(t, url, "room-1", "a")
	b := dial(t, url, "room-1", "b")
	c := dial(t, url, "room-2", "c")
	waitPeers(t, app.Relay(), "room-1", "a", "b")
	waitPeers(t, app.Relay(), "room-2", "c")

	offers := make(chan string, 1)
	b.OnOffer(func(from string, sdp webrtc.SessionDescription) error {
		offers <- from
		return nil
	})
	c.OnOffer(func(from string, sdp webrtc.SessionDescription) error {
		t.Error("offer crossed rooms")
		return nil
	})

	<-a.Start()
	<-b.Start()
	<-c.Start()

	err := a.Send(context.Background(), "b", rpc.NewOfferRpc(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}))
	require.NoError(t, err)

	select {
	case from := <-offers:
		assert.Equal(t, "a", from)
	case <-time.After(2 * time.Second):
		t.Fatal("offer not relayed")
	}

	<-a.Stop()
	<-b.Stop()
	<-c.Stop()
}

func TestRelaySendsByeOnDisconnect(t *testing.T) {
	app, url := newRelayServer(t)

	a := dial(t, url, "room", "a")
	b := dial(t, url, "room", "b")
	waitPeers(t, app.Relay(), "room", "a", "b")

	byes := make(chan string, 1)
	b.OnBye(func(from string) error {
		byes <- from
		return nil
	})
	<-b.Start()
	<-a.Start()

	<-a.Stop()

	select {
	case from := <-byes:
		assert.Equal(t, "a", from)
	case <-time.After(2 * time.Second):
		t.Fatal("bye not relayed")
	}
	waitPeers(t, app.Relay(), "room", "b")

	<-b.Stop()
}

func TestWsHandlerRequiresPeer(t *testing.T) {
	app := New(WsAppOptions{})
	defer app.Relay().Close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?room=x", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
