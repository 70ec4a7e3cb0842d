package engine

import "time"

// Defaults mirror the production session: a several-minute chat window,
// fixed 10s vibe and decision windows, and asymmetric handshake bounds.
const (
	DefaultChatDuration     = 3 * time.Minute
	DefaultPhaseWindow      = 10 * time.Second
	DefaultProducerTimeout  = 8 * time.Second
	DefaultConsumerTimeout  = 4 * time.Second
	DefaultPulseInterval    = 75 * time.Millisecond
	DefaultTickInterval     = 250 * time.Millisecond
	DefaultConfirmPoll      = 1500 * time.Millisecond
	DefaultProfileRecovery  = 1 * time.Second
)

func NewState(cfg Config) State {
	if cfg.ChatDuration == 0 {
		cfg.ChatDuration = DefaultChatDuration
	}
	if cfg.PhaseWindow == 0 {
		cfg.PhaseWindow = DefaultPhaseWindow
	}
	if cfg.ProducerHandshakeTimeout == 0 {
		cfg.ProducerHandshakeTimeout = DefaultProducerTimeout
	}
	if cfg.ConsumerHandshakeTimeout == 0 {
		cfg.ConsumerHandshakeTimeout = DefaultConsumerTimeout
	}
	return State{Cfg: cfg, Handshake: HandshakeIdle, Phase: PhaseChat}
}

func ContainsEffect(effects []Effect, want Effect) bool {
	for _, eff := range effects {
		if eff == want {
			return true
		}
	}
	return false
}

func ContainsSignal(effects []Effect, subtype string) bool {
	for _, eff := range effects {
		if sig, ok := eff.(SendSignal); ok && sig.Subtype == subtype {
			return true
		}
	}
	return false
}

// PhaseRemaining reports the seconds left in the current phase, clamped
// at zero. Derived from the deadline each call rather than a tick count,
// so it self-corrects after the host tab was suspended.
func PhaseRemaining(s State, now time.Time) int {
	var deadline time.Time
	switch s.Phase {
	case PhaseChat:
		deadline = s.ChatDeadline
	case PhaseVibe, PhaseRevealDecision:
		deadline = s.PhaseDeadline
	default:
		return 0
	}
	if deadline.IsZero() || !deadline.After(now) {
		return 0
	}
	return int(deadline.Sub(now).Round(time.Second) / time.Second)
}
