package pionengine

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/config"
	"github.com/isqad/livelook-media/internal/engine"
)

const (
	rtcpPLIInterval            = time.Second * 3
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 10 * time.Second // compatible for ice-lite with firefox client
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default
)

// pcTransport wraps one pion peer connection and queues remote candidates
// until the remote description is applied
type pcTransport struct {
	handle engine.Handle
	pc     *webrtc.PeerConnection

	lock              sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
}

type transportParams struct {
	Handle        engine.Handle
	EnabledCodecs []config.CodecSpec
	Config        *config.WebRTCConfig
	ICEServers    []webrtc.ICEServer
}

func newPCTransport(params transportParams) (*pcTransport, error) {
	pc, err := newPeerConnection(params)
	if err != nil {
		return nil, err
	}

	return &pcTransport{
		handle:            params.Handle,
		pc:                pc,
		pendingCandidates: make([]webrtc.ICECandidateInit, 0),
	}, nil
}

func newPeerConnection(params transportParams) (*webrtc.PeerConnection, error) {
	me, registry, err := createMediaEngine(params.EnabledCodecs, params.Config.Publisher)
	if err != nil {
		log.Error().Err(err).Str("service", "pionengine").Str("pc", string(params.Handle)).Msg("create media engine")
		return nil, err
	}

	se := params.Config.SettingEngine
	se.DisableMediaEngineCopy(true)
	se.DisableSRTPReplayProtection(true)
	se.DisableSRTCPReplayProtection(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetReceiveMTU(mtu)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(registry),
	)

	conf := params.Config.Configuration
	conf.ICEServers = params.ICEServers

	return api.NewPeerConnection(conf)
}

func (t *pcTransport) addICECandidate(candidate webrtc.ICECandidateInit) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.pc.RemoteDescription() != nil {
		return t.pc.AddICECandidate(candidate)
	}

	t.pendingCandidates = append(t.pendingCandidates, candidate)

	return nil
}

func (t *pcTransport) setRemoteDescription(sdp webrtc.SessionDescription) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}

	for _, candidate := range t.pendingCandidates {
		if err := t.pc.AddICECandidate(candidate); err != nil {
			log.Error().Err(err).Str("service", "pionengine").Str("pc", string(t.handle)).Msg("add pending candidate")
		}
	}

	t.pendingCandidates = make([]webrtc.ICECandidateInit, 0)

	return nil
}

func (t *pcTransport) pending() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.pendingCandidates)
}

// close does not block, pion may wait for candidate gathering
func (t *pcTransport) close() {
	go func() {
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("service", "pionengine").Str("pc", string(t.handle)).Msg("close peer connection")
		}
	}()
}
