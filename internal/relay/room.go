package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/emberchat/ember/pkg/wire"
)

const roomIdleGrace = 30 * time.Second

type RoomMsg interface{ isRoomMsg() }

// RoomJoin registers a client and its outbox with the room.
type RoomJoin struct {
	ClientID string
	Outbox   chan wire.Envelope
}

type RoomLeave struct{ ClientID string }

// FromClient is one inbound envelope to fan out.
type FromClient struct {
	From string
	Env  wire.Envelope
}

// RoomState is test-only introspection.
type RoomState struct{ Reply chan RoomView }

type RoomShutdown struct{}

func (RoomJoin) isRoomMsg()     {}
func (RoomLeave) isRoomMsg()    {}
func (FromClient) isRoomMsg()   {}
func (RoomState) isRoomMsg()    {}
func (RoomShutdown) isRoomMsg() {}

type RoomView struct {
	RoomID     string
	NumClients int
}

type RoomConfig struct {
	RoomID    string
	Topic     string
	Duration  int // seconds; the room expires this long plus grace after creation
	MaxClient int
}

// Room relays envelopes between the members of one dedicated pairing
// room. Broadcast includes the sender, which clients must suppress on
// their own id.
type Room struct {
	inbox   chan RoomMsg
	cfg     RoomConfig
	clients map[string]chan wire.Envelope
	hub     *Hub
	log     *zap.SugaredLogger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRoom(parent context.Context, cfg RoomConfig, hub *Hub, log *zap.SugaredLogger) *Room {
	ctx, cancel := context.WithCancel(parent)
	if cfg.MaxClient == 0 {
		cfg.MaxClient = 2
	}
	r := &Room{
		inbox:   make(chan RoomMsg, 64),
		cfg:     cfg,
		clients: make(map[string]chan wire.Envelope),
		hub:     hub,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- RoomMsg { return r.inbox }

func (r *Room) loop() {
	var expiry <-chan time.Time
	if r.cfg.Duration > 0 {
		timer := time.NewTimer(time.Duration(r.cfg.Duration)*time.Second + roomIdleGrace)
		defer timer.Stop()
		expiry = timer.C
	}

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-expiry:
			// Time's up: tell everyone, then tear down.
			r.broadcast(wire.Envelope{Type: wire.TypeExpired})
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case RoomJoin:
				if len(r.clients) >= r.cfg.MaxClient {
					close(msg.Outbox)
					break
				}
				r.clients[msg.ClientID] = msg.Outbox

			case RoomLeave:
				if _, ok := r.clients[msg.ClientID]; !ok {
					break
				}
				delete(r.clients, msg.ClientID)
				r.broadcast(wire.Envelope{Type: wire.TypeLeave, Sender: msg.ClientID})

			case FromClient:
				switch msg.Env.Type {
				case wire.TypeSignal, wire.TypeMessage, wire.TypeLeave:
					r.broadcast(msg.Env)
				}
				if msg.Env.Type == wire.TypeLeave {
					delete(r.clients, msg.From)
				}

			case RoomState:
				msg.Reply <- RoomView{RoomID: r.cfg.RoomID, NumClients: len(r.clients)}

			case RoomShutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) broadcast(env wire.Envelope) {
	for id, ch := range r.clients {
		select {
		case ch <- env:
		default:
			close(ch)
			delete(r.clients, id)
		}
	}
}

func (r *Room) shutdown() {
	for id, ch := range r.clients {
		close(ch)
		delete(r.clients, id)
	}
	if r.hub != nil {
		select {
		case r.hub.Inbox() <- RemoveRoom{RoomID: r.cfg.RoomID}:
		default:
		}
	}
	r.cancel()
	r.log.Debugw("room closed", "room", r.cfg.RoomID)
}
