package wire

import "encoding/json"

// Envelope types carried over the relay channel.
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeMessage   = "message"
	TypeSignal    = "signal"
	TypePing      = "ping"
	TypeHeartbeat = "heartbeat"
	TypeStart     = "start"
	TypeExpired   = "expired"
)

// Signal subtypes. Signals are peer-to-peer control messages relayed
// verbatim; the relay never interprets them.
const (
	SigHandshake     = "handshake"
	SigHandshakeAck  = "handshake_ack"
	SigConsent       = "consent"
	SigDecline       = "decline"
	SigStatusRequest = "status_request"
	SigSwitchRoom    = "switch_room"
	SigReaction      = "reaction"
)

// Roles assigned by the matchmaker. The producer side performs the
// room-creation round trip; the consumer waits for switch_room.
const (
	RoleProducer = "producer"
	RoleConsumer = "consumer"
)

// Envelope is the single JSON message format on the wire. Fields are
// type-specific; unused ones are omitted.
type Envelope struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// start fields, set by the matchmaker
	Role   string `json:"role,omitempty"`
	RoomID string `json:"roomid,omitempty"`
	Topic  string `json:"topic,omitempty"`

	// message fields
	Body string `json:"body,omitempty"`
}

// Profile is the payload piggybacked on a consent signal. It is the only
// way profile data crosses the wire.
type Profile struct {
	Instagram string `json:"instagram,omitempty"`
	TopTrack  string `json:"top_track,omitempty"`
}

func (p Profile) Empty() bool {
	return p.Instagram == "" && p.TopTrack == ""
}

// RoomRef is the payload of a switch_room signal.
type RoomRef struct {
	RoomID string `json:"roomid"`
}

// Decode parses a raw frame. Callers drop malformed frames silently.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Signal builds a signal envelope with an optional JSON payload.
func Signal(subtype, sender string, data any) (Envelope, error) {
	env := Envelope{Type: TypeSignal, Subtype: subtype, Sender: sender}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}
