package engine

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 64

// Event is emitted by the engine for a particular connection
type Event interface {
	ConnectionHandle() Handle
}

type TrackArrived struct {
	Handle    Handle
	Mid       string
	TrackID   string
	StreamIDs []string
}

type ConnectionStateChanged struct {
	Handle Handle
	State  webrtc.PeerConnectionState
}

type GatheringStateChanged struct {
	Handle Handle
	State  webrtc.ICEGatheringState
}

// LocalCandidate with nil Candidate signals the end of candidates
type LocalCandidate struct {
	Handle    Handle
	Candidate *string
	Mid       *string
}

func (e TrackArrived) ConnectionHandle() Handle           { return e.Handle }
func (e ConnectionStateChanged) ConnectionHandle() Handle { return e.Handle }
func (e GatheringStateChanged) ConnectionHandle() Handle  { return e.Handle }
func (e LocalCandidate) ConnectionHandle() Handle         { return e.Handle }

// Subscription receives events of a single connection
type Subscription struct {
	handle Handle
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	owner  *Dispatcher
}

func (s *Subscription) Channel() <-chan Event {
	return s.ch
}

// Done is closed when the subscription is cancelled
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unregisters subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.owner.remove(s)
	})
}

// Dispatcher routes engine events to the subscriber of the connection handle,
// so consumers never see events of other connections.
type Dispatcher struct {
	lock sync.RWMutex
	subs map[Handle]*Subscription
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[Handle]*Subscription)}
}

// Subscribe replaces any previous subscription for the handle
func (d *Dispatcher) Subscribe(h Handle) *Subscription {
	s := &Subscription{
		handle: h,
		ch:     make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
		owner:  d,
	}

	d.lock.Lock()
	prev := d.subs[h]
	d.subs[h] = s
	d.lock.Unlock()

	if prev != nil {
		prev.Close()
	}

	return s
}

// Emit delivers event to its connection; events for unknown handles are dropped.
// Blocks while the subscriber buffer is full unless the subscription is closed.
func (d *Dispatcher) Emit(e Event) {
	d.lock.RLock()
	s := d.subs[e.ConnectionHandle()]
	d.lock.RUnlock()

	if s == nil {
		log.Debug().Str("service", "engine").Str("pc", string(e.ConnectionHandle())).Msg("drop event for unknown connection")
		return
	}

	select {
	case s.ch <- e:
	case <-s.done:
	}
}

func (d *Dispatcher) remove(s *Subscription) {
	d.lock.Lock()
	if d.subs[s.handle] == s {
		delete(d.subs, s.handle)
	}
	d.lock.Unlock()
}
