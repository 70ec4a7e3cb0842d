package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/emberchat/ember/internal/backend"
	"github.com/emberchat/ember/internal/config"
	"github.com/emberchat/ember/internal/engine"
	"github.com/emberchat/ember/internal/session"
	"github.com/emberchat/ember/internal/transport"
	"github.com/emberchat/ember/pkg/wire"
)

// simclient runs one headless protocol client against a relay. Start two
// of them to watch a full match: pairing, pulse handshake, timed phases
// and the mutual reveal.
func main() {
	config.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tabID := newTabID()
	sugar.Infow("starting", "tab", tabID)

	apiBase := config.String("EMBER_API_URL", "http://localhost:8080")
	wsBase := config.String("EMBER_WS_URL", "ws://localhost:8080/ws")
	be := backend.NewClient(apiBase, config.String("EMBER_API_TOKEN", ""), tabID)

	cfg := engine.Config{
		TabID: tabID,
		Profile: wire.Profile{
			Instagram: config.String("EMBER_PROFILE_INSTAGRAM", "@"+tabID[:6]),
			TopTrack:  config.String("EMBER_PROFILE_TOP_TRACK", ""),
		},
		ChatDuration: config.Duration("EMBER_CHAT_DURATION", 30*time.Second),
	}

	var sess *session.Session
	ch := transport.New(ctx, wsBase, tabID, transport.Options{
		OnMessage: func(env wire.Envelope) {
			sess.Inbox() <- session.FromTransport{Env: env}
		},
		OnReconnect: func() {
			sess.Inbox() <- session.Reconnected{}
		},
	}, sugar)

	sess = session.New(ctx, cfg, ch, be, session.Options{
		OnMessage: func(sender, body string) {
			sugar.Infow("chat", "from", sender, "body", body)
		},
		OnRequeue: func() {
			sugar.Info("back in matchmaking")
		},
	}, sugar)

	ch.Connect()

	// Auto-consent once the decision phase opens, and report phases as
	// they change.
	go watch(ctx, sess, sugar,
		config.Duration("EMBER_CONSENT_DELAY", 2*time.Second),
		config.Int("EMBER_VIBE_KARMA", 5))

	<-ctx.Done()
}

func watch(ctx context.Context, sess *session.Session, sugar *zap.SugaredLogger, consentDelay time.Duration, karma int) {
	var lastPhase engine.Phase
	var lastHandshake engine.HandshakeStatus
	consented := false

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := sess.Snapshot()
		if st.Handshake != lastHandshake {
			lastHandshake = st.Handshake
			sugar.Infow("handshake", "status", st.Handshake)
		}
		if st.Active == nil {
			lastPhase = ""
			consented = false
			continue
		}
		if st.Phase != lastPhase {
			lastPhase = st.Phase
			sugar.Infow("phase", "phase", st.Phase, "remaining", engine.PhaseRemaining(st, time.Now()))

			if st.Phase == engine.PhaseVibe {
				sess.Inbox() <- session.Rate{Karma: karma}
			}
			if st.Phase == engine.PhaseRevealDecision && !consented {
				consented = true
				time.AfterFunc(consentDelay, func() {
					sess.Inbox() <- session.Consent{}
				})
			}
			if st.Phase == engine.PhaseRevealResult {
				sugar.Infow("result",
					"confirmed", st.Consent.MatchConfirmed,
					"declined", st.Consent.PartnerDeclined,
					"partner_instagram", st.Consent.PartnerProfile.Instagram,
				)
			}
		}
	}
}

func newTabID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		log.Fatal(err)
	}
	return hex.EncodeToString(b)
}
