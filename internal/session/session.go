package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/emberchat/ember/internal/engine"
	"github.com/emberchat/ember/pkg/wire"
)

// Transport is the bidirectional channel to the relay.
type Transport interface {
	Send(ctx context.Context, env wire.Envelope) error
	JoinRoom(ctx context.Context, roomID string) error
	// Rejoin moves the transport back to the matchmaking endpoint; a
	// transport already there does nothing.
	Rejoin(ctx context.Context) error
}

// Backend is the eventually-consistent REST fallback for consent state,
// plus the room service used by the producer side.
type Backend interface {
	RecordIntent(ctx context.Context, roomID string) error
	Confirmed(ctx context.Context, roomID string) (bool, error)
	SubmitKarma(ctx context.Context, roomID string, karma int) error
	CreateRoom(ctx context.Context, topic string, duration time.Duration, maxClients int) (string, error)
}

type Msg interface{ isSessionMsg() }

// FromTransport delivers one decoded inbound envelope.
type FromTransport struct{ Env wire.Envelope }

// Reconnected tells the session the transport came back after a drop, so
// it can rehydrate consent state it may have missed.
type Reconnected struct{}

// Consent is the local user consenting to reveal.
type Consent struct{}

// Rate is the local vibe rating.
type Rate struct{ Karma int }

// SkipMatch declines and exits in one step.
type SkipMatch struct{}

// Leave exits the pairing without re-queueing.
type Leave struct{}

// Next tears down the pairing and re-queues.
type Next struct{}

// GetState is test/UI-only: reflect internal state without data races.
type GetState struct{ Reply chan engine.State }

type Shutdown struct{}

func (FromTransport) isSessionMsg() {}
func (Reconnected) isSessionMsg()   {}
func (Consent) isSessionMsg()       {}
func (Rate) isSessionMsg()          {}
func (SkipMatch) isSessionMsg()     {}
func (Leave) isSessionMsg()         {}
func (Next) isSessionMsg()          {}
func (GetState) isSessionMsg()      {}
func (Shutdown) isSessionMsg()      {}

// roomCreated and pollDone come back from fire-and-forget backend
// goroutines.
type roomCreated struct{ roomID string }

type pollDone struct {
	matched bool
	err     error
}

func (roomCreated) isSessionMsg() {}
func (pollDone) isSessionMsg()    {}

// Options tune the session's timers; zero values take the engine
// defaults. Tests shrink these.
type Options struct {
	PulseInterval   time.Duration
	TickInterval    time.Duration
	ConfirmPoll     time.Duration
	ProfileRecovery time.Duration

	// OnMessage receives chat message bodies; nil drops them.
	OnMessage func(sender, body string)
	// OnRequeue fires after the session re-enters matchmaking.
	OnRequeue func()
}

// Session runs the protocol for one tab: a single goroutine owns the
// engine state, all timers, and all side effects, so handlers never race
// each other.
type Session struct {
	inbox     chan Msg
	state     engine.State
	transport Transport
	backend   Backend
	opts      Options
	log       *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	hsTimer *time.Timer
	polling bool
}

func New(parent context.Context, cfg engine.Config, tr Transport, be Backend, opts Options, log *zap.SugaredLogger) *Session {
	ctx, cancel := context.WithCancel(parent)
	if opts.PulseInterval == 0 {
		opts.PulseInterval = engine.DefaultPulseInterval
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = engine.DefaultTickInterval
	}
	if opts.ConfirmPoll == 0 {
		opts.ConfirmPoll = engine.DefaultConfirmPoll
	}
	if opts.ProfileRecovery == 0 {
		opts.ProfileRecovery = engine.DefaultProfileRecovery
	}

	s := &Session{
		inbox:     make(chan Msg, 64),
		state:     engine.NewState(cfg),
		transport: tr,
		backend:   be,
		opts:      opts,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
	go s.loop()
	return s
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Snapshot returns the current engine state, for tests and rendering.
func (s *Session) Snapshot() engine.State {
	reply := make(chan engine.State, 1)
	select {
	case s.inbox <- GetState{Reply: reply}:
		select {
		case st := <-reply:
			return st
		case <-s.ctx.Done():
		}
	case <-s.ctx.Done():
	}
	return engine.State{}
}

func (s *Session) loop() {
	pulse := time.NewTicker(s.opts.PulseInterval)
	tick := time.NewTicker(s.opts.TickInterval)
	poll := time.NewTicker(s.opts.ConfirmPoll)
	rehydrate := time.NewTicker(s.opts.ProfileRecovery)
	defer pulse.Stop()
	defer tick.Stop()
	defer poll.Stop()
	defer rehydrate.Stop()
	defer s.stopHandshakeTimer()

	for {
		var hsC <-chan time.Time
		if s.hsTimer != nil {
			hsC = s.hsTimer.C
		}

		select {
		case <-s.ctx.Done():
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case FromTransport:
				s.dispatch(msg.Env)
			case Reconnected:
				s.rehydrate()
			case Consent:
				s.apply(engine.SubmitConsent{})
			case Rate:
				s.apply(engine.RateVibe{Karma: msg.Karma})
			case SkipMatch:
				s.apply(engine.Skip{})
			case Leave:
				s.apply(engine.LeaveMatch{})
			case Next:
				s.apply(engine.NextMatch{})
			case roomCreated:
				s.apply(engine.RoomCreated{RoomID: msg.roomID})
			case pollDone:
				s.polling = false
				if msg.err != nil {
					s.log.Debugw("confirmation poll", "err", msg.err)
				} else if msg.matched {
					s.apply(engine.BackendConfirmed{})
				}
			case GetState:
				msg.Reply <- s.state
			case Shutdown:
				s.cancel()
				return
			}

		case <-pulse.C:
			s.apply(engine.PulseTick{})

		case <-tick.C:
			s.apply(engine.Tick{})

		case <-hsC:
			s.hsTimer = nil
			s.apply(engine.HandshakeTimeout{})

		case <-poll.C:
			s.maybePollConfirmation()

		case <-rehydrate.C:
			s.maybeRecoverProfile()
		}
	}
}

// dispatch maps one inbound envelope to its engine event. Unknown types
// and subtypes are dropped.
func (s *Session) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypeStart:
		s.apply(engine.MatchStart{Signal: engine.MatchSignal{
			Role:   engine.Role(env.Role),
			RoomID: env.RoomID,
			Topic:  env.Topic,
		}})

	case wire.TypeSignal:
		switch env.Subtype {
		case wire.SigHandshake:
			s.apply(engine.HandshakePing{Sender: env.Sender})
		case wire.SigHandshakeAck:
			s.apply(engine.HandshakeAck{Sender: env.Sender})
		case wire.SigConsent:
			var profile wire.Profile
			if len(env.Data) > 0 {
				if err := json.Unmarshal(env.Data, &profile); err != nil {
					s.log.Debugw("bad consent payload", "err", err)
				}
			}
			s.apply(engine.ConsentSignal{Sender: env.Sender, Profile: profile})
		case wire.SigDecline:
			s.apply(engine.DeclineSignal{Sender: env.Sender})
		case wire.SigStatusRequest:
			s.apply(engine.StatusRequest{Sender: env.Sender})
		case wire.SigSwitchRoom:
			var ref wire.RoomRef
			if len(env.Data) > 0 {
				if err := json.Unmarshal(env.Data, &ref); err != nil {
					s.log.Debugw("bad switch_room payload", "err", err)
					return
				}
			}
			s.apply(engine.SwitchRoomSignal{Sender: env.Sender, RoomID: ref.RoomID})
		}

	case wire.TypeLeave:
		if env.Sender == s.state.Cfg.TabID {
			return
		}
		s.apply(engine.PartnerLeft{})

	case wire.TypeExpired:
		s.log.Infow("room expired", "room", s.state.RoomID())
		s.apply(engine.RoomExpired{})

	case wire.TypeMessage:
		if env.Sender != s.state.Cfg.TabID && s.opts.OnMessage != nil {
			s.opts.OnMessage(env.Sender, env.Body)
		}
	}
}

func (s *Session) apply(ev engine.Event) {
	wasVerifying := s.state.Handshake == engine.HandshakeVerifying

	effects, next, err := engine.Apply(s.state, ev, time.Now())
	if err != nil {
		s.log.Debugw("event rejected", "event", ev, "err", err)
		return
	}
	s.state = next

	// Arm the ghost-bust timer on entry to verifying, drop it on exit.
	nowVerifying := s.state.Handshake == engine.HandshakeVerifying
	if nowVerifying && !wasVerifying {
		s.stopHandshakeTimer()
		s.hsTimer = time.NewTimer(s.state.HandshakeTimeoutBound())
	} else if !nowVerifying && wasVerifying {
		s.stopHandshakeTimer()
	}

	for _, eff := range effects {
		s.execute(eff)
	}
}

func (s *Session) execute(eff engine.Effect) {
	switch e := eff.(type) {
	case engine.SendSignal:
		var data any
		if e.Profile != nil {
			data = *e.Profile
		} else if e.RoomID != "" {
			data = wire.RoomRef{RoomID: e.RoomID}
		}
		env, err := wire.Signal(e.Subtype, s.state.Cfg.TabID, data)
		if err != nil {
			s.log.Errorw("encode signal", "subtype", e.Subtype, "err", err)
			return
		}
		s.send(env)

	case engine.SendLeave:
		s.send(wire.Envelope{Type: wire.TypeLeave, Sender: s.state.Cfg.TabID})

	case engine.CreateRoom:
		chatDur := s.state.Cfg.ChatDuration
		s.goAsync(func(ctx context.Context) {
			roomID, err := s.backend.CreateRoom(ctx, e.Topic, chatDur, 2)
			if err != nil {
				// The handshake timeout cleans up if this never lands.
				s.log.Warnw("create room", "err", err)
				return
			}
			s.post(roomCreated{roomID: roomID})
		})

	case engine.JoinRoom:
		s.goAsync(func(ctx context.Context) {
			if err := s.transport.JoinRoom(ctx, e.RoomID); err != nil {
				s.log.Warnw("join room", "room", e.RoomID, "err", err)
			}
		})

	case engine.RecordIntent:
		s.goAsync(func(ctx context.Context) {
			if err := s.backend.RecordIntent(ctx, e.RoomID); err != nil {
				s.log.Warnw("record intent", "room", e.RoomID, "err", err)
			}
		})

	case engine.SubmitKarma:
		s.goAsync(func(ctx context.Context) {
			if err := s.backend.SubmitKarma(ctx, e.RoomID, e.Karma); err != nil {
				s.log.Warnw("submit karma", "room", e.RoomID, "err", err)
			}
		})

	case engine.Requeue:
		s.send(wire.Envelope{Type: wire.TypeJoin, Sender: s.state.Cfg.TabID})
		// The join envelope only reaches the matchmaker from the queue
		// connection; a transport pinned to a dedicated room must
		// redial the queue or the client is stranded there.
		s.goAsync(func(ctx context.Context) {
			if err := s.transport.Rejoin(ctx); err != nil {
				s.log.Warnw("rejoin queue", "err", err)
			}
		})
		if s.opts.OnRequeue != nil {
			s.opts.OnRequeue()
		}
	}
}

// rehydrate asks the peer to re-broadcast consent state after a
// reconnect gap.
func (s *Session) rehydrate() {
	if s.state.Active == nil {
		return
	}
	env, err := wire.Signal(wire.SigStatusRequest, s.state.Cfg.TabID, nil)
	if err != nil {
		return
	}
	s.send(env)
}

// maybePollConfirmation runs the backend fallback while our consent is
// out but unconfirmed. The poll stops by itself once any path confirms.
func (s *Session) maybePollConfirmation() {
	c := s.state.Consent
	if !c.MyConsent || c.MatchConfirmed || c.PartnerDeclined || s.polling {
		return
	}
	roomID := s.state.RoomID()
	if roomID == "" {
		return
	}
	s.polling = true
	s.goAsync(func(ctx context.Context) {
		matched, err := s.backend.Confirmed(ctx, roomID)
		s.post(pollDone{matched: matched, err: err})
	})
}

func (s *Session) maybeRecoverProfile() {
	c := s.state.Consent
	if !c.MatchConfirmed || !c.PartnerProfile.Empty() {
		return
	}
	// The peer-to-peer consent payload never arrived; keep asking.
	s.rehydrate()
}

func (s *Session) send(env wire.Envelope) {
	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	if err := s.transport.Send(ctx, env); err != nil {
		s.log.Debugw("send failed", "type", env.Type, "subtype", env.Subtype, "err", err)
	}
}

func (s *Session) goAsync(fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Session) post(m Msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func (s *Session) stopHandshakeTimer() {
	if s.hsTimer != nil {
		s.hsTimer.Stop()
		s.hsTimer = nil
	}
}
