package pipe

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/telemetry"
)

var (
	ErrUnknownPipe         = errors.New("unknown pipe")
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// ID identifies a routing endpoint
type ID string

// SubscriptionID identifies a forwarding edge or a handler subscription
type SubscriptionID uint64

// Handler consumes samples published into a pipe
type Handler func(sample media.Sample)

type edge struct {
	source ID
	sink   ID
}

type subscription struct {
	id      SubscriptionID
	source  ID
	sink    ID
	handler Handler
}

type endpoint struct {
	id   ID
	kind core.MediaKind
}

// Router is a directed routing graph: pipes are nodes,
// subscriptions are either pipe->pipe edges or pipe->handler taps.
type Router struct {
	lock    sync.RWMutex
	nextSub SubscriptionID
	pipes   map[ID]*endpoint
	subs    map[SubscriptionID]*subscription
	edges   map[edge]SubscriptionID
}

func NewRouter() *Router {
	return &Router{
		pipes: make(map[ID]*endpoint),
		subs:  make(map[SubscriptionID]*subscription),
		edges: make(map[edge]SubscriptionID),
	}
}

func (r *Router) CreatePipe(kind core.MediaKind) ID {
	id := ID(uuid.NewString())

	r.lock.Lock()
	r.pipes[id] = &endpoint{id: id, kind: kind}
	r.lock.Unlock()

	log.Debug().Str("service", "pipe").Str("pipe", string(id)).Str("kind", kind.String()).Msg("pipe created")

	return id
}

// Kind returns media kind of the pipe
func (r *Router) Kind(id ID) (core.MediaKind, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	p, ok := r.pipes[id]
	if !ok {
		return "", false
	}
	return p.kind, true
}

func (r *Router) Exists(id ID) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.pipes[id]
	return ok
}

// DestroyPipe removes the pipe and cancels every subscription touching it.
// Destroying an unknown pipe is a no-op.
func (r *Router) DestroyPipe(id ID) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.pipes[id]; !ok {
		return
	}
	delete(r.pipes, id)

	for subID, s := range r.subs {
		if s.source == id || s.sink == id {
			r.removeLocked(subID, s)
		}
	}

	log.Debug().Str("service", "pipe").Str("pipe", string(id)).Msg("pipe destroyed")
}

// Forward establishes the edge source->sink or returns the existing one
func (r *Router) Forward(source, sink ID) (SubscriptionID, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.pipes[source]; !ok {
		return 0, ErrUnknownPipe
	}
	if _, ok := r.pipes[sink]; !ok {
		return 0, ErrUnknownPipe
	}

	key := edge{source: source, sink: sink}
	if id, ok := r.edges[key]; ok {
		return id, nil
	}

	s := r.addLocked(&subscription{source: source, sink: sink})
	r.edges[key] = s.id

	return s.id, nil
}

// Subscribe taps the pipe with a handler. Handlers are invoked on the
// publisher's goroutine one after another and must not block. Consumers that
// work at their own pace use SubscribeLatest.
func (r *Router) Subscribe(source ID, handler Handler) (SubscriptionID, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.pipes[source]; !ok {
		return 0, ErrUnknownPipe
	}

	s := r.addLocked(&subscription{source: source, handler: handler})

	return s.id, nil
}

// SubscribeLatest taps the pipe into a Latest slot. Publishing only
// overwrites the slot, the consumer takes frames whenever it is ready.
func (r *Router) SubscribeLatest(source ID) (SubscriptionID, *Latest, error) {
	latest := &Latest{}

	id, err := r.Subscribe(source, latest.Put)
	if err != nil {
		return 0, nil, err
	}

	return id, latest, nil
}

// Cancel removes an edge or a tap; pipes are left intact
func (r *Router) Cancel(id SubscriptionID) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	s, ok := r.subs[id]
	if !ok {
		return ErrUnknownSubscription
	}
	r.removeLocked(id, s)

	return nil
}

// Forwarding reports whether source->sink edge is active
func (r *Router) Forwarding(source, sink ID) (SubscriptionID, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	id, ok := r.edges[edge{source: source, sink: sink}]
	return id, ok
}

func (r *Router) Subscriptions() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.subs)
}

// Publish delivers the sample to every handler reachable from the pipe.
// The graph is snapshotted under the read lock, handlers run without it.
func (r *Router) Publish(source ID, sample media.Sample) {
	handlers := r.collect(source)

	for _, h := range handlers {
		h(sample)
	}
}

func (r *Router) collect(source ID) []Handler {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if _, ok := r.pipes[source]; !ok {
		return nil
	}

	var handlers []Handler
	visited := map[ID]bool{source: true}
	queue := []ID{source}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, s := range r.subs {
			if s.source != current {
				continue
			}
			if s.handler != nil {
				handlers = append(handlers, s.handler)
				continue
			}
			if !visited[s.sink] {
				visited[s.sink] = true
				queue = append(queue, s.sink)
			}
		}
	}

	return handlers
}

func (r *Router) addLocked(s *subscription) *subscription {
	r.nextSub++
	s.id = r.nextSub
	r.subs[s.id] = s

	telemetry.PipeSubscriptions.Inc()

	return s
}

func (r *Router) removeLocked(id SubscriptionID, s *subscription) {
	delete(r.subs, id)
	if s.handler == nil {
		delete(r.edges, edge{source: s.source, sink: s.sink})
	}

	telemetry.PipeSubscriptions.Dec()
}
