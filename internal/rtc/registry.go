package rtc

import (
	"sort"
	"sync"

	"github.com/pion/webrtc/v3"
)

// ConnectionInfo describes a live connection
type ConnectionInfo struct {
	ID                string                     `json:"id"`
	ConnectionState   webrtc.PeerConnectionState `json:"-"`
	State             string                     `json:"state"`
	ICEGatheringState string                     `json:"ice_gathering_state"`
	Transceivers      int                        `json:"transceivers"`
}

// Registry keeps connections of the process
type Registry struct {
	lock  sync.RWMutex
	conns map[string]*PeerConnection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*PeerConnection)}
}

func (r *Registry) Add(pc *PeerConnection) {
	r.lock.Lock()
	r.conns[pc.ID()] = pc
	r.lock.Unlock()
}

func (r *Registry) Remove(pc *PeerConnection) {
	r.lock.Lock()
	delete(r.conns, pc.ID())
	r.lock.Unlock()
}

func (r *Registry) Get(id string) *PeerConnection {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.conns[id]
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.conns)
}

// List returns connections sorted by id
func (r *Registry) List() []ConnectionInfo {
	r.lock.RLock()
	conns := make([]*PeerConnection, 0, len(r.conns))
	for _, pc := range r.conns {
		conns = append(conns, pc)
	}
	r.lock.RUnlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, pc := range conns {
		state := pc.ConnectionState()
		infos = append(infos, ConnectionInfo{
			ID:                pc.ID(),
			ConnectionState:   state,
			State:             state.String(),
			ICEGatheringState: pc.ICEGatheringState().String(),
			Transceivers:      len(pc.GetTransceivers()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

// Close closes every registered connection
func (r *Registry) Close() {
	r.lock.Lock()
	conns := r.conns
	r.conns = make(map[string]*PeerConnection)
	r.lock.Unlock()

	for _, pc := range conns {
		_ = pc.Close()
	}
}
