package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v3"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	OfferMethod        Method = "offer"
	AnswerMethod       Method = "answer"
	ICECandidateMethod Method = "iceCandidate"
	ByeMethod          Method = "bye"
)

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
	ErrMalformedRpc   = errors.New("malformed RPC")
)

type Rpc interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type jsonRpc struct {
	jsonRpcHead
	Params json.RawMessage `json:"params"`
}

func RpcFromReader(reader io.Reader) (Rpc, error) {
	rpc := &jsonRpc{}

	if err := json.NewDecoder(reader).Decode(rpc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRpc, err)
	}

	if rpc.Version != jsonRpcVersion {
		return nil, fmt.Errorf("%w: version %q", ErrMalformedRpc, rpc.Version)
	}

	switch rpc.Method {
	case OfferMethod, AnswerMethod:
		sdp := webrtc.SessionDescription{}
		if err := unmarshalParams(rpc.Params, &sdp); err != nil {
			return nil, err
		}

		if rpc.Method == OfferMethod {
			return NewOfferRpc(sdp), nil
		}
		return NewAnswerRpc(sdp), nil
	case ICECandidateMethod:
		c := webrtc.ICECandidateInit{}
		if err := unmarshalParams(rpc.Params, &c); err != nil {
			return nil, err
		}

		return NewICECandidateRpc(c), nil
	case ByeMethod:
		return NewByeRpc(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRpcType, rpc.Method)
	}
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", ErrMalformedRpc)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRpc, err)
	}
	return nil
}
