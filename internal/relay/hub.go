package relay

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/emberchat/ember/pkg/wire"
)

// Topics shown to a fresh pair. Display-only.
var topics = []string{
	"pineapple on pizza: crime or cuisine?",
	"cats are better roommates than dogs",
	"would you survive a week without your phone?",
	"night owls run the world",
	"cereal is a soup",
}

type HubMsg interface{ isHubMsg() }

// Register puts a fresh connection into the matchmaking queue.
type Register struct {
	ClientID string
	Outbox   chan wire.Envelope
}

// Unregister drops a queue connection; its pair (if any) is notified.
// A non-nil Outbox makes the drop conditional on it still being the
// registered one, so a stale unregister from an old connection cannot
// evict a client that reconnected meanwhile.
type Unregister struct {
	ClientID string
	Outbox   chan wire.Envelope
}

// Forward routes one envelope from a queued client to its pair. Signals
// are also echoed back to the sender; clients self-suppress, and the
// protocol depends on them doing so.
type Forward struct {
	From string
	Env  wire.Envelope
}

// EnsureRoom creates a dedicated room if it does not exist.
type EnsureRoom struct {
	RoomID    string
	Topic     string
	Duration  int
	MaxClient int
	Reply     chan *Room
}

// GetRoom looks a room up; reply may be nil.
type GetRoom struct {
	RoomID string
	Reply  chan *Room
}

type RemoveRoom struct{ RoomID string }

type ShutdownHub struct{}

func (Register) isHubMsg()    {}
func (Unregister) isHubMsg()  {}
func (Forward) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

// Hub owns the matchmaking queue and the room registry. One goroutine,
// message-driven, same shape as the per-room actors it manages.
type Hub struct {
	inbox     chan HubMsg
	clients   map[string]chan wire.Envelope
	waiting   []string
	pairs     map[string]string
	switching map[string]bool
	rooms     map[string]*Room
	log       *zap.SugaredLogger
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewHub(parent context.Context, log *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:     make(chan HubMsg, 64),
		clients:   make(map[string]chan wire.Envelope),
		pairs:     make(map[string]string),
		switching: make(map[string]bool),
		rooms:     make(map[string]*Room),
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Register:
				h.clients[msg.ClientID] = msg.Outbox
				h.enqueue(msg.ClientID)

			case Unregister:
				if msg.Outbox != nil && h.clients[msg.ClientID] != msg.Outbox {
					break
				}
				h.drop(msg.ClientID)

			case Forward:
				h.forward(msg.From, msg.Env)

			case EnsureRoom:
				room := h.rooms[msg.RoomID]
				if room == nil {
					room = NewRoom(h.ctx, RoomConfig{
						RoomID:    msg.RoomID,
						Topic:     msg.Topic,
						Duration:  msg.Duration,
						MaxClient: msg.MaxClient,
					}, h, h.log)
					h.rooms[msg.RoomID] = room
				}
				msg.Reply <- room

			case GetRoom:
				msg.Reply <- h.rooms[msg.RoomID]

			case RemoveRoom:
				delete(h.rooms, msg.RoomID)

			case ShutdownHub:
				for _, room := range h.rooms {
					room.Inbox() <- RoomShutdown{}
				}
				clear(h.rooms)
				h.cancel()
				return
			}
		}
	}
}

// tryPair matches the two oldest waiting clients and sends each a start
// envelope with opposite roles and a shared room ref.
func (h *Hub) tryPair() {
	for len(h.waiting) >= 2 {
		a, b := h.waiting[0], h.waiting[1]
		h.waiting = h.waiting[2:]
		if h.clients[a] == nil || h.clients[b] == nil {
			continue
		}

		roomID := randID(8)
		topic := topics[rand.Intn(len(topics))]
		h.pairs[a] = b
		h.pairs[b] = a

		h.push(a, wire.Envelope{Type: wire.TypeStart, Role: wire.RoleProducer, RoomID: roomID, Topic: topic})
		h.push(b, wire.Envelope{Type: wire.TypeStart, Role: wire.RoleConsumer, RoomID: roomID, Topic: topic})
		h.log.Infow("paired", "producer", a, "consumer", b, "room", roomID)
	}
}

func (h *Hub) forward(from string, env wire.Envelope) {
	if env.Type == wire.TypeJoin {
		h.requeue(from)
		return
	}
	peer, ok := h.pairs[from]
	if !ok {
		return
	}
	// A switch_room marks the pair as moving to a dedicated room, so
	// the queue disconnects that follow are not treated as leaves.
	if env.Type == wire.TypeSignal && env.Subtype == wire.SigSwitchRoom {
		h.switching[from] = true
		h.switching[peer] = true
	}
	h.push(peer, env)
	// Echo topology: the sender sees its own signals too.
	if env.Type == wire.TypeSignal {
		h.push(from, env)
	}
}

// requeue puts a client back into the waiting line, unpairing it first.
func (h *Hub) requeue(clientID string) {
	if h.clients[clientID] == nil {
		return
	}
	delete(h.switching, clientID)
	if peer, ok := h.pairs[clientID]; ok {
		delete(h.pairs, clientID)
		delete(h.pairs, peer)
		h.push(peer, wire.Envelope{Type: wire.TypeLeave, Sender: clientID})
	}
	h.enqueue(clientID)
}

// enqueue appends a client to the waiting line at most once.
func (h *Hub) enqueue(clientID string) {
	for _, id := range h.waiting {
		if id == clientID {
			return
		}
	}
	h.waiting = append(h.waiting, clientID)
	h.tryPair()
}

func (h *Hub) drop(clientID string) {
	delete(h.clients, clientID)
	wasSwitching := h.switching[clientID]
	delete(h.switching, clientID)
	for i, id := range h.waiting {
		if id == clientID {
			h.waiting = append(h.waiting[:i], h.waiting[i+1:]...)
			break
		}
	}
	if peer, ok := h.pairs[clientID]; ok {
		delete(h.pairs, clientID)
		delete(h.pairs, peer)
		if wasSwitching {
			// The pair is following its own redial into the dedicated
			// room; telling the peer would reset a live match.
			delete(h.switching, peer)
			return
		}
		h.push(peer, wire.Envelope{Type: wire.TypeLeave, Sender: clientID})
	}
}

func (h *Hub) push(clientID string, env wire.Envelope) {
	ch := h.clients[clientID]
	if ch == nil {
		return
	}
	select {
	case ch <- env:
	default:
		// Slow client; drop the connection rather than block the hub.
		close(ch)
		h.drop(clientID)
	}
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
