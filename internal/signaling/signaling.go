package signaling

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrTransportClosed = errors.New("signaling transport closed")
	ErrUnknownPeer     = errors.New("signaling peer is not served by this transport")
)

// Envelope carries one rpc between peers of a room
type Envelope struct {
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Message json.RawMessage `json:"message"`
}

// Inbox is a stream of raw envelopes addressed to one peer
type Inbox interface {
	Channel() <-chan []byte
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, peerID string, env Envelope) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, peerID string) (Inbox, error)
}

// Transport delivers envelopes between peers of the same room
type Transport interface {
	Publisher
	Subscriber
	Close() error
}

func channelName(room, peerID string) string {
	return "signaling:" + room + ":" + peerID
}

func subjectName(room, peerID string) string {
	return "signaling." + room + "." + peerID
}
