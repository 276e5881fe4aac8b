package signaling

import "sync"

// inbox hands received payloads to a single reader until closed
type inbox struct {
	messages chan []byte

	stop     chan struct{}
	stopOnce sync.Once
}

func newInbox() *inbox {
	return &inbox{
		messages: make(chan []byte),
		stop:     make(chan struct{}),
	}
}

func (i *inbox) Channel() <-chan []byte {
	return i.messages
}

// deliver blocks until the reader takes the payload, false after shutdown
func (i *inbox) deliver(payload []byte) bool {
	select {
	case i.messages <- payload:
		return true
	case <-i.stop:
		return false
	}
}

func (i *inbox) shutdown(release func()) {
	i.stopOnce.Do(func() {
		release()
		close(i.stop)
	})
}
