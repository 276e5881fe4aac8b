package render

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/pipe"
)

func TestViewRendersLatest(t *testing.T) {
	router := pipe.NewRouter()
	src := router.CreatePipe(core.VideoKind)

	v := NewView(router, 5*time.Millisecond)
	_, ok := v.Snapshot()
	assert.False(t, ok)

	require.Nil(t, v.Attach(src))
	assert.Equal(t, 1, router.Subscriptions())

	router.Publish(src, media.Sample{Data: []byte{1}})
	router.Publish(src, media.Sample{Data: []byte{2}})

	assert.Eventually(t, func() bool {
		frame, ok := v.Snapshot()
		return ok && frame.Data[0] == 2
	}, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, v.Frames(), uint64(2))

	v.Detach()
	v.Detach()
	assert.Equal(t, 0, router.Subscriptions())

	// snapshot survives detach
	frame, ok := v.Snapshot()
	assert.True(t, ok)
	assert.Equal(t, []byte{2}, frame.Data)
}

func TestViewAttachUnknownPipe(t *testing.T) {
	v := NewView(pipe.NewRouter(), 0)
	assert.Equal(t, pipe.ErrUnknownPipe, v.Attach(pipe.ID("missing")))
}

func TestViewOnFrame(t *testing.T) {
	router := pipe.NewRouter()
	src := router.CreatePipe(core.AudioKind)

	v := NewView(router, 5*time.Millisecond)
	frames := make(chan []byte, 1)
	v.OnFrame(func(s media.Sample) { frames <- s.Data })

	require.Nil(t, v.Attach(src))
	defer v.Detach()

	router.Publish(src, media.Sample{Data: []byte{9}})

	select {
	case data := <-frames:
		assert.Equal(t, []byte{9}, data)
	case <-time.After(time.Second):
		t.Fatal("frame was not rendered")
	}
}
