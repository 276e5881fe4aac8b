package loopback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/isqad/livelook-media/internal/core"
	"github.com/isqad/livelook-media/internal/engine"
)

const noStream = "-"

var errMissingOrigin = errors.New("parse sdp: missing origin")

// section is a parsed media description
type section struct {
	mid       string
	kind      core.MediaKind
	direction engine.Direction
	trackID   string
	streamIDs []string
}

type codec struct {
	payloadType uint8
	name        string
	clockRate   uint32
	channels    uint16
	fmtp        string
}

var codecs = map[core.MediaKind]codec{
	core.VideoKind: {payloadType: 96, name: "VP8", clockRate: 90000},
	core.AudioKind: {payloadType: 111, name: "opus", clockRate: 48000, channels: 2, fmtp: "minptime=10;useinbandfec=1"},
}

func marshalDescription(sessionID uint64, sections []section) (string, error) {
	d, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", err
	}
	d.Origin.SessionID = sessionID

	mids := make([]string, 0, len(sections))
	for _, s := range sections {
		mids = append(mids, s.mid)
	}
	if len(mids) > 0 {
		d.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(mids, " "))
	}
	d.WithValueAttribute(sdp.AttrKeyMsidSemantic, "WMS")

	for _, s := range sections {
		c := codecs[s.kind]
		md := sdp.NewJSEPMediaDescription(string(s.kind), nil).
			WithValueAttribute(sdp.AttrKeyConnectionSetup, "actpass").
			WithValueAttribute(sdp.AttrKeyMID, s.mid).
			WithPropertyAttribute(sdp.AttrKeyRTCPMux).
			WithPropertyAttribute(string(s.direction)).
			WithCodec(c.payloadType, c.name, c.clockRate, c.channels, c.fmtp)

		if s.direction.Sends() && s.trackID != "" {
			streams := s.streamIDs
			if len(streams) == 0 {
				streams = []string{noStream}
			}
			for _, stream := range streams {
				md.WithValueAttribute(sdp.AttrKeyMsid, stream+" "+s.trackID)
			}
		}

		d.WithMedia(md)
	}

	out, err := d.Marshal()
	if err != nil {
		return "", err
	}

	return string(out), nil
}

func unmarshalDescription(raw string) (uint64, []section, error) {
	d := &sdp.SessionDescription{}
	if err := d.Unmarshal([]byte(raw)); err != nil {
		return 0, nil, fmt.Errorf("parse sdp: %w", err)
	}
	// the sdp parser tolerates input without any known line
	if d.Origin.SessionID == 0 || d.Origin.NetworkType == "" {
		return 0, nil, errMissingOrigin
	}

	sections := make([]section, 0, len(d.MediaDescriptions))
	for i, md := range d.MediaDescriptions {
		kind, err := core.ParseMediaKind(md.MediaName.Media)
		if err != nil {
			return 0, nil, err
		}

		s := section{
			mid:       strconv.Itoa(i),
			kind:      kind,
			direction: engine.SendRecv,
		}

		for _, a := range md.Attributes {
			switch a.Key {
			case sdp.AttrKeyMID:
				s.mid = a.Value
			case sdp.AttrKeySendRecv, sdp.AttrKeySendOnly, sdp.AttrKeyRecvOnly, sdp.AttrKeyInactive:
				s.direction = engine.Direction(a.Key)
			case sdp.AttrKeyMsid:
				parts := strings.Fields(a.Value)
				if len(parts) != 2 {
					return 0, nil, fmt.Errorf("malformed msid %q", a.Value)
				}
				s.trackID = parts[1]
				if parts[0] != noStream {
					s.streamIDs = append(s.streamIDs, parts[0])
				}
			}
		}

		sections = append(sections, s)
	}

	return d.Origin.SessionID, sections, nil
}
