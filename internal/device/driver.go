package device

import (
	"context"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/isqad/livelook-media/internal/core"
)

// Kind of the hardware device
type Kind int

const (
	Camera Kind = iota
	Microphone
	Speaker
)

func (k Kind) String() string {
	switch k {
	case Camera:
		return "camera"
	case Microphone:
		return "microphone"
	case Speaker:
		return "speaker"
	default:
		return "unknown"
	}
}

// MediaKind returns the kind of media the device produces or consumes
func (k Kind) MediaKind() core.MediaKind {
	if k == Camera {
		return core.VideoKind
	}
	return core.AudioKind
}

// IsCapture reports whether the device produces samples
func (k Kind) IsCapture() bool {
	return k == Camera || k == Microphone
}

// Driver is the platform side of a device: open/close, permission query.
type Driver interface {
	Kind() Kind
	// Permission reports whether access to the device is granted
	Permission(ctx context.Context) (bool, error)
	Open(ctx context.Context) error
	Close() error
}

// CaptureDriver produces frames (camera) or chunks (microphone).
// ReadFrame blocks until the next sample is available or ctx is done.
type CaptureDriver interface {
	Driver
	ReadFrame(ctx context.Context) (media.Sample, error)
}

// RenderDriver pushes samples to the hardware
type RenderDriver interface {
	Driver
	WriteFrame(sample media.Sample) error
}
