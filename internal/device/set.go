package device

import (
	"fmt"

	"github.com/isqad/livelook-media/internal/core"
)

// Set holds the single manager per device kind of the process.
// It is constructed once by the application and passed by reference.
type Set struct {
	Camera     *Manager
	Microphone *Manager
	Speaker    *Manager
}

func (s *Set) Manager(kind Kind) (*Manager, error) {
	var m *Manager

	switch kind {
	case Camera:
		m = s.Camera
	case Microphone:
		m = s.Microphone
	case Speaker:
		m = s.Speaker
	}

	if m == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceUnavailable, kind)
	}

	return m, nil
}

// Close stops every running device
func (s *Set) Close() {
	for _, m := range []*Manager{s.Camera, s.Microphone, s.Speaker} {
		if m != nil {
			m.Close()
		}
	}
}
