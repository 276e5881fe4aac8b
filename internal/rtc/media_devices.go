package rtc

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/device"
	"github.com/isqad/livelook-media/internal/pipe"
)

type MediaStreamConstraints struct {
	Audio bool
	Video bool
}

// MediaDevices creates device-backed tracks
type MediaDevices struct {
	router  *pipe.Router
	devices *device.Set
}

func NewMediaDevices(router *pipe.Router, devices *device.Set) *MediaDevices {
	return &MediaDevices{
		router:  router,
		devices: devices,
	}
}

// GetUserMedia returns a stream with one track per requested kind. On error no
// track is left attached to a device.
func (m *MediaDevices) GetUserMedia(ctx context.Context, constraints MediaStreamConstraints) (*MediaStream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("%w: no media requested", core.ErrConfiguration)
	}

	var kinds []device.Kind
	if constraints.Audio {
		kinds = append(kinds, device.Microphone)
	}
	if constraints.Video {
		kinds = append(kinds, device.Camera)
	}

	stream := NewMediaStream("")
	for _, kind := range kinds {
		track, err := m.track(ctx, kind)
		if err != nil {
			for _, t := range stream.GetTracks() {
				t.Stop()
			}
			return nil, err
		}
		stream.AddTrack(track)
	}

	log.Debug().Str("service", "media_devices").Str("stream", stream.ID()).Bool("audio", constraints.Audio).Bool("video", constraints.Video).Msg("user media acquired")

	return stream, nil
}

func (m *MediaDevices) track(ctx context.Context, kind device.Kind) (*MediaStreamTrack, error) {
	manager, err := m.devices.Manager(kind)
	if err != nil {
		return nil, err
	}

	granted, err := manager.Permission(ctx)
	if err != nil || !granted {
		return nil, fmt.Errorf("%w: %s", core.ErrPermissionDenied, kind)
	}

	return NewMediaStreamTrack(ctx, m.router, kind.MediaKind(), manager)
}
