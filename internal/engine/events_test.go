package engine

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"

	"github.com/isqad/livelook-media/internal/core"
)

func TestDispatcherRoutesByHandle(t *testing.T) {
	d := NewDispatcher()

	a := d.Subscribe("a")
	b := d.Subscribe("b")
	defer a.Close()
	defer b.Close()

	d.Emit(ConnectionStateChanged{Handle: "b", State: webrtc.PeerConnectionStateConnected})
	d.Emit(TrackArrived{Handle: "a", Mid: "0", TrackID: "t"})

	ev := <-a.Channel()
	assert.Equal(t, TrackArrived{Handle: "a", Mid: "0", TrackID: "t"}, ev)

	ev = <-b.Channel()
	assert.Equal(t, ConnectionStateChanged{Handle: "b", State: webrtc.PeerConnectionStateConnected}, ev)

	assert.Len(t, a.Channel(), 0)
	assert.Len(t, b.Channel(), 0)
}

func TestDispatcherDropsUnknownHandle(t *testing.T) {
	d := NewDispatcher()
	a := d.Subscribe("a")

	d.Emit(GatheringStateChanged{Handle: "other", State: webrtc.ICEGatheringStateGathering})
	assert.Len(t, a.Channel(), 0)
}

func TestSubscriptionCloseTwice(t *testing.T) {
	d := NewDispatcher()
	a := d.Subscribe("a")

	a.Close()
	a.Close()

	// emit after close must not block
	for i := 0; i < subscriberBuffer+1; i++ {
		d.Emit(LocalCandidate{Handle: "a"})
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("subscription is not done")
	}
}

func TestDirection(t *testing.T) {
	assert.True(t, SendRecv.Sends())
	assert.True(t, SendRecv.Receives())
	assert.False(t, RecvOnly.Sends())
	assert.False(t, SendOnly.Receives())
	assert.False(t, Stopped.Sends())

	assert.Equal(t, SendOnly, RecvOnly.Reverse())
	assert.Equal(t, SendOnly, SendRecv.Intersect(RecvOnly.Reverse()))
	assert.Equal(t, Inactive, SendOnly.Intersect(RecvOnly))

	d, err := ParseDirection("")
	assert.Nil(t, err)
	assert.Equal(t, SendRecv, d)

	_, err = ParseDirection("sideways")
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}
