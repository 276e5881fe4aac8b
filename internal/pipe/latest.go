package pipe

import (
	"sync"

	"github.com/pion/webrtc/v3/pkg/media"
)

// Latest keeps only the most recent sample. Older samples are overwritten, never queued.
type Latest struct {
	mu     sync.Mutex
	sample media.Sample
	seq    uint64
	taken  uint64
}

func (l *Latest) Put(sample media.Sample) {
	l.mu.Lock()
	l.sample = sample
	l.seq++
	l.mu.Unlock()
}

// Take returns the latest sample if it has not been taken yet
func (l *Latest) Take() (media.Sample, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seq == l.taken {
		return media.Sample{}, false
	}
	l.taken = l.seq

	return l.sample, true
}

// Pending returns how many samples were put since the last Take
func (l *Latest) Pending() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.seq - l.taken
}
