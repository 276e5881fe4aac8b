package signaling

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

const natsInboxSize = 64

// NATSTransport publishes envelopes on per peer subjects
type NATSTransport struct {
	nc   *nats.Conn
	room string
}

func NewNATSTransport(addr, room string) (*NATSTransport, error) {
	nc, err := nats.Connect(addr, nats.Name("livelook-signaling"))
	if err != nil {
		return nil, err
	}

	return &NATSTransport{nc: nc, room: room}, nil
}

func (t *NATSTransport) Publish(ctx context.Context, peerID string, env Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.nc.Publish(subjectName(t.room, peerID), msg)
}

func (t *NATSTransport) Subscribe(ctx context.Context, peerID string) (Inbox, error) {
	msgs := make(chan *nats.Msg, natsInboxSize)

	sub, err := t.nc.ChanSubscribe(subjectName(t.room, peerID), msgs)
	if err != nil {
		return nil, err
	}
	if err := t.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	inbox := &natsInbox{
		inbox: newInbox(),
		sub:   sub,
	}
	go inbox.run(msgs)

	return inbox, nil
}

// Close drains pending messages before closing the connection
func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}

type natsInbox struct {
	*inbox
	sub *nats.Subscription
}

func (i *natsInbox) run(msgs <-chan *nats.Msg) {
	defer close(i.messages)

	for {
		select {
		case <-i.stop:
			return
		case msg := <-msgs:
			if !i.deliver(msg.Data) {
				return
			}
		}
	}
}

func (i *natsInbox) Close() error {
	var err error
	i.shutdown(func() {
		err = i.sub.Unsubscribe()
	})
	return err
}
