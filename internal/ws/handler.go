package ws

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

const defaultRoom = "default"

// WsHandler upgrades the request and joins the session to ?room= as ?peer=
func WsHandler(relay *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		peer := query.Get("peer")
		if peer == "" {
			log.Error().Err(errMalformedSession).Str("service", "ws").Msg("can't get the peer from request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		room := query.Get("room")
		if room == "" {
			room = defaultRoom
		}

		keys := make(map[string]interface{})
		keys[wsRoomSessionKey] = room
		keys[wsPeerSessionKey] = peer

		if err := relay.websocket.HandleRequestWithKeys(w, r, keys); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't handle request")
		}
	}
}
