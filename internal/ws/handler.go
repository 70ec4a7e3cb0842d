package ws

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/emberchat/ember/internal/relay"
	"github.com/emberchat/ember/pkg/wire"
)

// Handler upgrades /ws connections. Without a room param the client
// lands in the matchmaking queue; with one it joins a dedicated room.
func Handler(h *relay.Hub, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tab := r.URL.Query().Get("tab")
		if tab == "" {
			http.Error(w, "missing tab", http.StatusBadRequest)
			return
		}
		roomID := r.URL.Query().Get("room")

		var room *relay.Room
		if roomID != "" {
			reply := make(chan *relay.Room, 1)
			h.Inbox() <- relay.GetRoom{RoomID: roomID, Reply: reply}
			room = <-reply
			if room == nil {
				http.Error(w, "room not found", http.StatusNotFound)
				return
			}
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan wire.Envelope, 16)
		if room != nil {
			room.Inbox() <- relay.RoomJoin{ClientID: tab, Outbox: out}
			defer func() { room.Inbox() <- relay.RoomLeave{ClientID: tab} }()
		} else {
			h.Inbox() <- relay.Register{ClientID: tab, Outbox: out}
			defer func() { h.Inbox() <- relay.Unregister{ClientID: tab, Outbox: out} }()
		}

		// Writer goroutine; exits when the actor closes the outbox.
		go func() {
			for env := range out {
				payload, err := json.Marshal(env)
				if err != nil {
					continue
				}
				if err := conn.Write(r.Context(), websocket.MessageText, payload); err != nil {
					return
				}
			}
			_ = conn.Close(websocket.StatusGoingAway, "room closed")
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debugw("ws read", "tab", tab, "err", err)
				}
				return
			}

			env, err := wire.Decode(data)
			if err != nil {
				// Malformed frames are dropped.
				continue
			}
			env.Sender = tab

			switch env.Type {
			case wire.TypeHeartbeat, wire.TypePing:
				// Keepalive only; carries no state.
				continue
			}

			if room != nil {
				room.Inbox() <- relay.FromClient{From: tab, Env: env}
			} else {
				h.Inbox() <- relay.Forward{From: tab, Env: env}
			}
		}
	}
}
