package engine

import (
	"errors"
	"time"

	"github.com/emberchat/ember/pkg/wire"
)

var ErrDuplicateMatch = errors.New("match already pending or active")
var ErrNoActiveMatch = errors.New("no active match")
var ErrAlreadyConsented = errors.New("consent already submitted")
var ErrMatchClosed = errors.New("match already declined")
var ErrUnsupportedEvent = errors.New("unsupported event")

type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

type HandshakeStatus string

const (
	HandshakeIdle      HandshakeStatus = "idle"
	HandshakeVerifying HandshakeStatus = "verifying"
	HandshakeVerified  HandshakeStatus = "verified"
	HandshakeFailed    HandshakeStatus = "failed"
)

type Phase string

const (
	PhaseChat           Phase = "chat"
	PhaseVibe           Phase = "vibe"
	PhaseRevealDecision Phase = "reveal_decision"
	PhaseRevealResult   Phase = "reveal_result"
)

// MatchSignal is the pairing notification from the matchmaker.
type MatchSignal struct {
	Role   Role
	RoomID string
	Topic  string
}

// ActiveMatch is a pairing that survived the handshake.
type ActiveMatch struct {
	Match     MatchSignal
	StartedAt time.Time
}

// ConsentRecord tracks reveal intent for both sides. MyConsent and
// MatchConfirmed are monotonic: once true they never revert.
type ConsentRecord struct {
	MyConsent        bool
	PartnerConsented bool
	MatchConfirmed   bool
	PartnerDeclined  bool
	PartnerProfile   wire.Profile
}

// Config is injected at construction. TabID is the per-tab identity used
// for self-echo suppression; passing it in (rather than a package global)
// lets tests run several simulated clients in one process.
type Config struct {
	TabID        string
	Profile      wire.Profile
	ChatDuration time.Duration
	PhaseWindow  time.Duration

	// The producer side may be mid room-creation when its pulse starts,
	// so it gets the longer bound.
	ProducerHandshakeTimeout time.Duration
	ConsumerHandshakeTimeout time.Duration
}

type State struct {
	Cfg Config

	Handshake HandshakeStatus
	Pending   *MatchSignal
	Active    *ActiveMatch

	Phase         Phase
	ChatDeadline  time.Time
	PhaseDeadline time.Time

	Consent ConsentRecord
}

// HandshakeTimeoutBound returns the ghost-bust bound for the pending
// match's role.
func (s State) HandshakeTimeoutBound() time.Duration {
	if s.Pending != nil && s.Pending.Role == RoleProducer {
		return s.Cfg.ProducerHandshakeTimeout
	}
	return s.Cfg.ConsumerHandshakeTimeout
}

// RoomID returns the room ref of the current pairing, pending or active.
func (s State) RoomID() string {
	if s.Active != nil {
		return s.Active.Match.RoomID
	}
	if s.Pending != nil {
		return s.Pending.RoomID
	}
	return ""
}

type Event interface{ isEvent() }

// MatchStart is the matchmaker's pairing signal.
type MatchStart struct{ Signal MatchSignal }

// PulseTick fires on the short probe interval while verifying.
type PulseTick struct{}

// HandshakeTimeout fires once when the ghost-bust bound elapses.
type HandshakeTimeout struct{}

// Tick drives deadline-based phase transitions. Deadlines are wall-clock
// so a suspended tab self-corrects on the next tick.
type Tick struct{}

// HandshakePing is an inbound handshake probe from the peer.
type HandshakePing struct{ Sender string }

// HandshakeAck is the peer's acknowledgment of our probe.
type HandshakeAck struct{ Sender string }

// ConsentSignal is the peer's reveal intent, carrying its profile.
type ConsentSignal struct {
	Sender  string
	Profile wire.Profile
}

// DeclineSignal is the peer's refusal to reveal.
type DeclineSignal struct{ Sender string }

// StatusRequest asks us to re-broadcast already-submitted consent.
type StatusRequest struct{ Sender string }

// SwitchRoomSignal moves the pairing to a dedicated room.
type SwitchRoomSignal struct {
	Sender string
	RoomID string
}

// RoomCreated reports the producer's room-creation round trip.
type RoomCreated struct{ RoomID string }

// PartnerLeft is the relay's notice that the peer disconnected.
type PartnerLeft struct{}

// RoomExpired is the relay's notice that the room timed out.
type RoomExpired struct{}

// BackendConfirmed reports the polled backend saying both sides matched.
type BackendConfirmed struct{}

// SubmitConsent is the local user consenting to reveal.
type SubmitConsent struct{}

// RateVibe is the local user's numeric vibe rating.
type RateVibe struct{ Karma int }

// Skip is decline-and-exit.
type Skip struct{}

// LeaveMatch is the local user exiting without re-queueing.
type LeaveMatch struct{}

// NextMatch tears down the current pairing and re-queues.
type NextMatch struct{}

func (MatchStart) isEvent()       {}
func (PulseTick) isEvent()        {}
func (HandshakeTimeout) isEvent() {}
func (Tick) isEvent()             {}
func (HandshakePing) isEvent()    {}
func (HandshakeAck) isEvent()     {}
func (ConsentSignal) isEvent()    {}
func (DeclineSignal) isEvent()    {}
func (StatusRequest) isEvent()    {}
func (SwitchRoomSignal) isEvent() {}
func (RoomCreated) isEvent()      {}
func (PartnerLeft) isEvent()      {}
func (RoomExpired) isEvent()      {}
func (BackendConfirmed) isEvent() {}
func (SubmitConsent) isEvent()    {}
func (RateVibe) isEvent()         {}
func (Skip) isEvent()             {}
func (LeaveMatch) isEvent()       {}
func (NextMatch) isEvent()        {}

type Effect interface{ isEffect() }

// SendSignal sends a signal envelope to the peer.
type SendSignal struct {
	Subtype string
	Profile *wire.Profile
	RoomID  string
}

// SendLeave announces our departure from the room.
type SendLeave struct{}

// CreateRoom asks the room service for a dedicated room.
type CreateRoom struct{ Topic string }

// JoinRoom reconnects the transport to a dedicated room.
type JoinRoom struct{ RoomID string }

// RecordIntent writes consent to the backend fallback channel.
type RecordIntent struct{ RoomID string }

// SubmitKarma posts the vibe rating.
type SubmitKarma struct {
	RoomID string
	Karma  int
}

// Requeue re-enters matchmaking.
type Requeue struct{}

func (SendSignal) isEffect()   {}
func (SendLeave) isEffect()    {}
func (CreateRoom) isEffect()   {}
func (JoinRoom) isEffect()     {}
func (RecordIntent) isEffect() {}
func (SubmitKarma) isEffect()  {}
func (Requeue) isEffect()      {}

// Apply is the whole protocol: one dispatch arm per event, each a pure
// function of (state, event, now) returning side effects for the session
// to execute. Rejected events return the state unchanged.
func Apply(s State, ev Event, now time.Time) ([]Effect, State, error) {
	switch e := ev.(type) {
	case MatchStart:
		// At most one pending match; a signal arriving while verifying
		// or while a match is live is a duplicate.
		if s.Handshake == HandshakeVerifying || s.Active != nil {
			return nil, s, ErrDuplicateMatch
		}
		sig := e.Signal
		s.Pending = &sig
		s.Handshake = HandshakeVerifying
		if sig.Role == RoleProducer {
			return []Effect{CreateRoom{Topic: sig.Topic}}, s, nil
		}
		return nil, s, nil

	case PulseTick:
		if s.Handshake != HandshakeVerifying {
			return nil, s, nil
		}
		return []Effect{SendSignal{Subtype: wire.SigHandshake}}, s, nil

	case HandshakeTimeout:
		// A stale timer firing after promotion or teardown is a no-op,
		// so the reset happens exactly once.
		if s.Handshake != HandshakeVerifying {
			return nil, s, nil
		}
		s = reset(s)
		s.Handshake = HandshakeFailed
		return []Effect{Requeue{}}, s, nil

	case HandshakePing:
		if e.Sender == s.Cfg.TabID {
			return nil, s, nil
		}
		// Reply before touching pending state; the peer may be blocked
		// on this ack.
		effects := []Effect{SendSignal{Subtype: wire.SigHandshakeAck}}
		if s.Pending != nil {
			var promoted []Effect
			promoted, s = promote(s, now)
			return append(effects, promoted...), s, nil
		}
		if s.Handshake == HandshakeVerifying {
			// No pending match to promote; the ack path or a later
			// signal finishes the job.
			s.Handshake = HandshakeVerified
		}
		return effects, s, nil

	case HandshakeAck:
		if e.Sender == s.Cfg.TabID {
			return nil, s, nil
		}
		// An ack implies the peer already holds its own pairing.
		if s.Pending != nil {
			var promoted []Effect
			promoted, s = promote(s, now)
			return promoted, s, nil
		}
		if s.Handshake == HandshakeVerifying {
			s.Handshake = HandshakeVerified
		}
		return nil, s, nil

	case Tick:
		return tick(s, now)

	case ConsentSignal:
		if e.Sender == s.Cfg.TabID {
			return nil, s, nil
		}
		// Decline is terminal for the match; a straggler consent signal
		// must not resurrect it.
		if s.Consent.PartnerDeclined {
			return nil, s, nil
		}
		s.Consent.PartnerConsented = true
		if !e.Profile.Empty() {
			s.Consent.PartnerProfile = e.Profile
		}
		if s.Consent.MyConsent {
			s.Consent.MatchConfirmed = true
		}
		return nil, s, nil

	case DeclineSignal:
		if e.Sender == s.Cfg.TabID {
			return nil, s, nil
		}
		s.Consent.PartnerDeclined = true
		return nil, s, nil

	case StatusRequest:
		if e.Sender == s.Cfg.TabID {
			return nil, s, nil
		}
		if !s.Consent.MyConsent {
			return nil, s, nil
		}
		// Idempotent resend; the peer may have missed the original
		// consent while offline.
		profile := s.Cfg.Profile
		return []Effect{SendSignal{Subtype: wire.SigConsent, Profile: &profile}}, s, nil

	case SwitchRoomSignal:
		if e.Sender == s.Cfg.TabID {
			return nil, s, nil
		}
		if e.RoomID == "" {
			return nil, s, nil
		}
		s = setRoomRef(s, e.RoomID)
		return []Effect{JoinRoom{RoomID: e.RoomID}}, s, nil

	case RoomCreated:
		if e.RoomID == "" || (s.Pending == nil && s.Active == nil) {
			return nil, s, nil
		}
		s = setRoomRef(s, e.RoomID)
		return []Effect{
			SendSignal{Subtype: wire.SigSwitchRoom, RoomID: e.RoomID},
			JoinRoom{RoomID: e.RoomID},
		}, s, nil

	case PartnerLeft:
		if s.Active == nil {
			return nil, s, nil
		}
		if s.Phase == PhaseRevealDecision || s.Phase == PhaseRevealResult {
			s.Consent.PartnerDeclined = true
			return nil, s, nil
		}
		s = reset(s)
		return []Effect{Requeue{}}, s, nil

	case RoomExpired:
		if s.Pending == nil && s.Active == nil {
			return nil, s, nil
		}
		s = reset(s)
		return []Effect{Requeue{}}, s, nil

	case BackendConfirmed:
		// Monotonic OR with the peer-to-peer path; the poll can only
		// raise the flag, never lower it.
		if !s.Consent.MyConsent || s.Consent.PartnerDeclined {
			return nil, s, nil
		}
		s.Consent.PartnerConsented = true
		s.Consent.MatchConfirmed = true
		return nil, s, nil

	case SubmitConsent:
		if s.Active == nil {
			return nil, s, ErrNoActiveMatch
		}
		if s.Consent.MyConsent {
			return nil, s, ErrAlreadyConsented
		}
		if s.Consent.PartnerDeclined {
			return nil, s, ErrMatchClosed
		}
		s.Consent.MyConsent = true
		if s.Consent.PartnerConsented {
			s.Consent.MatchConfirmed = true
		}
		profile := s.Cfg.Profile
		return []Effect{
			SendSignal{Subtype: wire.SigConsent, Profile: &profile},
			RecordIntent{RoomID: s.Active.Match.RoomID},
		}, s, nil

	case RateVibe:
		if s.Active == nil {
			return nil, s, ErrNoActiveMatch
		}
		return []Effect{SubmitKarma{RoomID: s.Active.Match.RoomID, Karma: e.Karma}}, s, nil

	case Skip:
		if s.Pending == nil && s.Active == nil {
			return nil, s, ErrNoActiveMatch
		}
		effects := []Effect{SendSignal{Subtype: wire.SigDecline}, SendLeave{}, Requeue{}}
		s = reset(s)
		return effects, s, nil

	case LeaveMatch:
		if s.Pending == nil && s.Active == nil {
			return nil, s, ErrNoActiveMatch
		}
		effects := []Effect{SendLeave{}}
		s = reset(s)
		return effects, s, nil

	case NextMatch:
		if s.Pending == nil && s.Active == nil {
			return nil, s, ErrNoActiveMatch
		}
		effects := []Effect{SendLeave{}, Requeue{}}
		s = reset(s)
		return effects, s, nil

	default:
		return nil, s, ErrUnsupportedEvent
	}
}

// promote turns the pending match into the live one and starts the chat
// countdown. Both peers promote at the same logical event, which is the
// only synchronization the phase timers ever get; nothing corrects drift
// after that.
func promote(s State, now time.Time) ([]Effect, State) {
	if s.Pending == nil {
		return nil, s
	}
	s.Active = &ActiveMatch{Match: *s.Pending, StartedAt: now}
	s.Pending = nil
	s.Handshake = HandshakeVerified
	s.Phase = PhaseChat
	s.ChatDeadline = now.Add(s.Cfg.ChatDuration)
	s.PhaseDeadline = time.Time{}

	// Rapid re-match edge: consent recorded for a previous pairing of
	// this tab must survive the promotion boundary.
	if s.Consent.MyConsent {
		profile := s.Cfg.Profile
		return []Effect{SendSignal{Subtype: wire.SigConsent, Profile: &profile}}, s
	}
	return nil, s
}

// tick advances phases whose deadline has passed. Transitions cascade so
// a long-suspended tab catches up in one call, and never wait on the
// remote peer.
func tick(s State, now time.Time) ([]Effect, State, error) {
	if s.Active == nil || s.Handshake != HandshakeVerified {
		return nil, s, nil
	}
	var effects []Effect
	for {
		switch {
		case s.Phase == PhaseChat && !now.Before(s.ChatDeadline):
			s.Phase = PhaseVibe
			s.PhaseDeadline = s.ChatDeadline.Add(s.Cfg.PhaseWindow)

		case s.Phase == PhaseVibe && !now.Before(s.PhaseDeadline):
			s.Phase = PhaseRevealDecision
			s.PhaseDeadline = s.PhaseDeadline.Add(s.Cfg.PhaseWindow)
			// Proactively learn about consent the peer already
			// submitted under minor clock skew.
			effects = append(effects, SendSignal{Subtype: wire.SigStatusRequest})

		case s.Phase == PhaseRevealDecision && !now.Before(s.PhaseDeadline):
			s.Phase = PhaseRevealResult
			s.PhaseDeadline = time.Time{}
			if s.Consent.MyConsent && s.Consent.PartnerConsented && !s.Consent.PartnerDeclined {
				s.Consent.MatchConfirmed = true
			}

		default:
			return effects, s, nil
		}
	}
}

func setRoomRef(s State, roomID string) State {
	if s.Active != nil {
		active := *s.Active
		active.Match.RoomID = roomID
		s.Active = &active
	}
	if s.Pending != nil {
		pending := *s.Pending
		pending.RoomID = roomID
		s.Pending = &pending
	}
	return s
}

// reset drops the pairing but keeps the injected config, ready for the
// next match signal.
func reset(s State) State {
	return State{Cfg: s.Cfg, Handshake: HandshakeIdle, Phase: PhaseChat}
}
