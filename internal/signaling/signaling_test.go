package signaling

import (
	"context"
	"sync"
)

type MockBus struct {
	Messages  chan []byte
	closeOnce sync.Once
}

func NewMockBus() *MockBus {
	return &MockBus{Messages: make(chan []byte)}
}

func (b *MockBus) Channel() <-chan []byte {
	return b.Messages
}

func (b *MockBus) Close() error {
	b.closeOnce.Do(func() { close(b.Messages) })
	return nil
}

type MockTransport struct {
	Bus        *MockBus
	Subscribed []string

	lock      sync.Mutex
	Published map[string][]Envelope
}

func NewMockTransport(bus *MockBus) *MockTransport {
	return &MockTransport{
		Bus:       bus,
		Published: make(map[string][]Envelope),
	}
}

func (t *MockTransport) Publish(ctx context.Context, peerID string, env Envelope) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.Published[peerID] = append(t.Published[peerID], env)
	return nil
}

func (t *MockTransport) Subscribe(ctx context.Context, peerID string) (Inbox, error) {
	t.Subscribed = append(t.Subscribed, peerID)
	return t.Bus, nil
}

func (t *MockTransport) Close() error {
	return t.Bus.Close()
}
