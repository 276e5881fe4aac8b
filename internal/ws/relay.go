package ws

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/signaling"
	"github.com/isqad/livelook-media/internal/signaling/rpc"
)

const (
	wsRoomSessionKey = "room"
	wsPeerSessionKey = "peer"

	maxMessageSize = 200 * 1024 // 200K
)

var errMalformedSession = errors.New("websocket session without room or peer")

// Relay forwards signaling envelopes between websocket sessions of a room
type Relay struct {
	websocket *melody.Melody

	lock  sync.RWMutex
	rooms map[string]map[string]*melody.Session
}

func NewRelay() *Relay {
	relay := &Relay{
		websocket: melody.New(),
		rooms:     make(map[string]map[string]*melody.Session),
	}
	relay.websocket.Config.MaxMessageSize = maxMessageSize

	relay.websocket.HandleConnect(relay.handleConnect)
	relay.websocket.HandleDisconnect(relay.handleDisconnect)
	relay.websocket.HandleMessage(relay.handleMessage)
	relay.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("error in websocket session")
	})

	return relay
}

// Peers returns the peer ids present in the room
func (relay *Relay) Peers(room string) []string {
	relay.lock.RLock()
	defer relay.lock.RUnlock()

	peers := make([]string, 0, len(relay.rooms[room]))
	for peer := range relay.rooms[room] {
		peers = append(peers, peer)
	}
	return peers
}

func (relay *Relay) Close() error {
	return relay.websocket.Close()
}

func (relay *Relay) handleConnect(session *melody.Session) {
	room, peer, err := sessionPeer(session)
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("")
		closeWsSession(session)
		return
	}

	relay.lock.Lock()
	peers, ok := relay.rooms[room]
	if !ok {
		peers = make(map[string]*melody.Session)
		relay.rooms[room] = peers
	}
	previous := peers[peer]
	peers[peer] = session
	relay.lock.Unlock()

	if previous != nil {
		log.Warn().Str("service", "ws").Str("room", room).Str("peer", peer).Msg("peer reconnected, closing previous session")
		closeWsSession(previous)
	}

	log.Info().Str("service", "ws").Str("room", room).Str("peer", peer).Msg("peer joined")
}

func (relay *Relay) handleDisconnect(session *melody.Session) {
	room, peer, err := sessionPeer(session)
	if err != nil {
		return
	}

	relay.lock.Lock()
	peers := relay.rooms[room]
	if peers[peer] != session {
		relay.lock.Unlock()
		return
	}
	delete(peers, peer)
	if len(peers) == 0 {
		delete(relay.rooms, room)
	}
	others := make([]*melody.Session, 0, len(peers))
	for _, s := range peers {
		others = append(others, s)
	}
	relay.lock.Unlock()

	log.Info().Str("service", "ws").Str("room", room).Str("peer", peer).Msg("peer left")

	message, err := rpc.NewByeRpc().ToJSON()
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("bye rpc")
		return
	}
	payload, err := json.Marshal(signaling.Envelope{From: peer, Message: message})
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("bye envelope")
		return
	}

	for _, s := range others {
		writeWsSession(s, payload)
	}
}

func (relay *Relay) handleMessage(session *melody.Session, msg []byte) {
	room, peer, err := sessionPeer(session)
	if err != nil {
		closeWsSession(session)
		return
	}

	env := signaling.Envelope{}
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Error().Err(err).Str("service", "ws").Str("room", room).Str("peer", peer).Msg("malformed envelope")
		return
	}

	// peers can't speak for each other
	env.From = peer
	to := env.To
	env.To = ""

	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("")
		return
	}

	relay.lock.RLock()
	targets := make([]*melody.Session, 0, 1)
	for id, s := range relay.rooms[room] {
		if id == peer {
			continue
		}
		if to == "" || to == id {
			targets = append(targets, s)
		}
	}
	relay.lock.RUnlock()

	if len(targets) == 0 {
		log.Warn().Str("service", "ws").Str("room", room).Str("peer", peer).Str("to", to).Msg("no recipient for envelope")
		return
	}

	for _, s := range targets {
		writeWsSession(s, payload)
	}
}

func sessionPeer(session *melody.Session) (string, string, error) {
	room, _ := session.Keys[wsRoomSessionKey].(string)
	peer, _ := session.Keys[wsPeerSessionKey].(string)

	if room == "" || peer == "" {
		return "", "", errMalformedSession
	}
	return room, peer, nil
}

func writeWsSession(session *melody.Session, payload []byte) {
	// there's only session closed error can be
	if err := session.Write(payload); err != nil {
		log.Debug().Err(err).Str("service", "ws").Msg("write to session")
	}
}

func closeWsSession(session *melody.Session) {
	if err := session.Close(); err != nil {
		log.Debug().Err(err).Str("service", "ws").Msg("close session")
	}
}
