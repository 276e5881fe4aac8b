package rtc

import (
	"sync"

	"github.com/google/uuid"

	"github.com/isqad/livelook-media/internal/core"
)

// MediaStream groups tracks under a msid
type MediaStream struct {
	lock   sync.RWMutex
	id     string
	tracks []*MediaStreamTrack
}

// NewMediaStream creates stream, an empty id generates one
func NewMediaStream(id string, tracks ...*MediaStreamTrack) *MediaStream {
	if id == "" {
		id = uuid.New().String()
	}

	s := &MediaStream{id: id}
	for _, t := range tracks {
		s.AddTrack(t)
	}

	return s
}

func (s *MediaStream) ID() string {
	return s.id
}

// AddTrack adds track once
func (s *MediaStream) AddTrack(track *MediaStreamTrack) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, t := range s.tracks {
		if t == track {
			return
		}
	}
	s.tracks = append(s.tracks, track)
}

func (s *MediaStream) RemoveTrack(track *MediaStreamTrack) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, t := range s.tracks {
		if t == track {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

func (s *MediaStream) GetTrackByID(id string) *MediaStreamTrack {
	s.lock.RLock()
	defer s.lock.RUnlock()

	for _, t := range s.tracks {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

func (s *MediaStream) GetTracks() []*MediaStreamTrack {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return append([]*MediaStreamTrack(nil), s.tracks...)
}

func (s *MediaStream) GetAudioTracks() []*MediaStreamTrack {
	return s.byKind(core.AudioKind)
}

func (s *MediaStream) GetVideoTracks() []*MediaStreamTrack {
	return s.byKind(core.VideoKind)
}

func (s *MediaStream) byKind(kind core.MediaKind) []*MediaStreamTrack {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var tracks []*MediaStreamTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			tracks = append(tracks, t)
		}
	}
	return tracks
}
