package signaling

import (
	"context"
	"encoding/json"
	"sync"
)

const memoryInboxSize = 64

// MemoryTransport connects peers living in one process
type MemoryTransport struct {
	lock    sync.Mutex
	queues  map[string]chan []byte
	inboxes map[string]*memoryInbox
	closed  bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues:  make(map[string]chan []byte),
		inboxes: make(map[string]*memoryInbox),
	}
}

func (t *MemoryTransport) queueLocked(peerID string) chan []byte {
	q, ok := t.queues[peerID]
	if !ok {
		q = make(chan []byte, memoryInboxSize)
		t.queues[peerID] = q
	}
	return q
}

// Publish queues the envelope, messages for a peer that has not subscribed
// yet wait for its subscription
func (t *MemoryTransport) Publish(ctx context.Context, peerID string, env Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return ErrTransportClosed
	}
	q := t.queueLocked(peerID)
	t.lock.Unlock()

	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) Subscribe(ctx context.Context, peerID string) (Inbox, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	if prev, ok := t.inboxes[peerID]; ok {
		prev.Close()
	}

	in := &memoryInbox{inbox: newInbox()}
	t.inboxes[peerID] = in
	go in.run(t.queueLocked(peerID))

	return in, nil
}

func (t *MemoryTransport) Close() error {
	t.lock.Lock()
	t.closed = true
	inboxes := t.inboxes
	t.inboxes = make(map[string]*memoryInbox)
	t.lock.Unlock()

	for _, in := range inboxes {
		in.Close()
	}
	return nil
}

type memoryInbox struct {
	*inbox
}

func (i *memoryInbox) run(queue <-chan []byte) {
	defer close(i.messages)

	for {
		select {
		case <-i.stop:
			return
		case msg := <-queue:
			if !i.deliver(msg) {
				return
			}
		}
	}
}

func (i *memoryInbox) Close() error {
	i.shutdown(func() {})
	return nil
}
