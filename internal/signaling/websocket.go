package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsHandshakeTimeout = 45 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// WebsocketTransport talks to the signaling relay over one websocket,
// the relay forwards envelopes to the peer named in Envelope.To
type WebsocketTransport struct {
	self string
	conn *websocket.Conn

	writeLock sync.Mutex
	closeOnce sync.Once

	inbox *inbox
	done  chan struct{}
}

// DialWebsocket joins the room on the relay as peer self
func DialWebsocket(ctx context.Context, rawURL, room, self string) (*WebsocketTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("room", room)
	q.Set("peer", self)
	u.RawQuery = q.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
	}

	c, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	t := &WebsocketTransport{
		self:  self,
		conn:  c,
		inbox: newInbox(),
		done:  make(chan struct{}),
	}
	go t.read()

	return t, nil
}

func (t *WebsocketTransport) read() {
	defer close(t.done)
	defer close(t.inbox.messages)

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("service", "signaling").Str("peer", t.self).Msg("websocket read")
			}
			return
		}

		if !t.inbox.deliver(message) {
			return
		}
	}
}

func (t *WebsocketTransport) Publish(ctx context.Context, peerID string, env Envelope) error {
	env.To = peerID

	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Subscribe returns the envelopes the relay delivers to this connection.
// Closing the returned inbox closes the transport.
func (t *WebsocketTransport) Subscribe(ctx context.Context, peerID string) (Inbox, error) {
	if peerID != t.self {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	select {
	case <-t.done:
		return nil, ErrTransportClosed
	default:
	}

	return &wsInbox{inbox: t.inbox, transport: t}, nil
}

// Close sends a close frame and waits a second for the relay to hang up
func (t *WebsocketTransport) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.writeLock.Lock()
		err = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeLock.Unlock()

		select {
		case <-t.done:
		case <-time.After(time.Second):
		}

		t.inbox.shutdown(func() {})

		if closeErr := t.conn.Close(); err == nil {
			err = closeErr
		}
	})

	return err
}

type wsInbox struct {
	*inbox
	transport *WebsocketTransport
}

func (i *wsInbox) Close() error {
	return i.transport.Close()
}
