package engine

import (
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/pipe"
)

// Handle identifies a native connection inside the engine
type Handle string

// TransceiverID identifies a transceiver registration inside the engine
type TransceiverID string

// Direction of a negotiation slot
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
	Stopped  Direction = "stopped"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case SendRecv, SendOnly, RecvOnly, Inactive, Stopped:
		return Direction(s), nil
	case "":
		return SendRecv, nil
	default:
		return "", fmt.Errorf("%w: unknown direction %q", core.ErrConfiguration, s)
	}
}

func (d Direction) Sends() bool {
	return d == SendRecv || d == SendOnly
}

func (d Direction) Receives() bool {
	return d == SendRecv || d == RecvOnly
}

// Reverse returns the direction as seen from the remote side
func (d Direction) Reverse() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	default:
		return d
	}
}

// Intersect narrows d to what the other side allows
func (d Direction) Intersect(other Direction) Direction {
	send := d.Sends() && other.Sends()
	recv := d.Receives() && other.Receives()

	switch {
	case send && recv:
		return SendRecv
	case send:
		return SendOnly
	case recv:
		return RecvOnly
	default:
		return Inactive
	}
}

// TransceiverRequest carries what the engine needs to create a negotiation slot
type TransceiverRequest struct {
	Index     int
	Kind      core.MediaKind
	Direction Direction
	// SendPipe is consumed by the engine and sent to the remote side
	SendPipe pipe.ID
	// RecvPipe receives the remote media
	RecvPipe  pipe.ID
	StreamIDs []string
	// TrackID to announce for the outbound track, empty means generate one
	TrackID string
}

// Engine is the native negotiation and transport collaborator
type Engine interface {
	CreateConnection(iceServers []string) (Handle, error)
	CloseConnection(h Handle) error
	ConnectionState(h Handle) webrtc.PeerConnectionState
	GatheringState(h Handle) webrtc.ICEGatheringState

	RegisterTransceiver(h Handle, req TransceiverRequest) (TransceiverID, error)
	UnregisterTransceiver(id TransceiverID) error

	CreateOffer(h Handle) (string, error)
	CreateAnswer(h Handle) (string, error)
	LocalDescription(h Handle) *webrtc.SessionDescription
	SetLocalDescription(h Handle, desc webrtc.SessionDescription) error
	RemoteDescription(h Handle) *webrtc.SessionDescription
	SetRemoteDescription(h Handle, desc webrtc.SessionDescription) error
	AddRemoteCandidate(h Handle, candidate string, mid string) error

	// Events returns the dispatcher delivering events per connection
	Events() *Dispatcher
}
