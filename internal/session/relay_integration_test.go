package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emberchat/ember/internal/backend"
	"github.com/emberchat/ember/internal/engine"
	"github.com/emberchat/ember/internal/httpapi"
	"github.com/emberchat/ember/internal/relay"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/transport"
	"github.com/emberchat/ember/pkg/wire"
)

// startStack runs the full relay binary surface in-process: hub, ws
// endpoint, REST API and store behind one httptest server.
func startStack(t *testing.T) (apiURL, wsURL string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zap.NewNop().Sugar()
	hub := relay.NewHub(ctx, log)
	srv := httptest.NewServer(httpapi.SetupRoutes(hub, store.NewMemory(), "", log))
	t.Cleanup(srv.Close)

	return srv.URL, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// relayClient wires a real transport channel and backend client into a
// session, the same hookup as cmd/simclient.
func relayClient(t *testing.T, apiURL, wsURL, tab string) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zap.NewNop().Sugar()
	cfg := engine.Config{
		TabID:        tab,
		Profile:      wire.Profile{Instagram: "@" + tab},
		ChatDuration: 200 * time.Millisecond,
		PhaseWindow:  100 * time.Millisecond,
	}

	var sess *Session
	ch := transport.New(ctx, wsURL, tab, transport.Options{
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  100 * time.Millisecond,
		SwitchGrace:   20 * time.Millisecond,
		OnMessage: func(env wire.Envelope) {
			sess.Inbox() <- FromTransport{Env: env}
		},
		OnReconnect: func() {
			sess.Inbox() <- Reconnected{}
		},
	}, log)
	t.Cleanup(ch.Close)

	sess = New(ctx, cfg, ch, backend.NewClient(apiURL, "", tab), testOpts, log)
	ch.Connect()
	return sess
}

// dedicatedRoom waits for the producer's room round trip to land in the
// store and returns the created room id.
func dedicatedRoom(t *testing.T, apiURL string) string {
	t.Helper()
	lister := backend.NewClient(apiURL, "", "lister")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rooms, err := lister.ListRooms(context.Background())
		if err == nil && len(rooms) > 0 {
			return rooms[0].RoomID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the dedicated room")
	return ""
}

func TestMatch_OverRealRelay(t *testing.T) {
	apiURL, wsURL := startStack(t)

	sessA := relayClient(t, apiURL, wsURL, "alice")
	sessB := relayClient(t, apiURL, wsURL, "bob")

	// Queue pairing, pulse handshake, producer room creation and the
	// switch_room redial all have to land for both sides.
	roomID := dedicatedRoom(t, apiURL)
	for _, sess := range []*Session{sessA, sessB} {
		waitFor(t, sess, "dedicated room", func(st engine.State) bool {
			return st.Handshake == engine.HandshakeVerified && st.RoomID() == roomID
		})
	}

	for _, sess := range []*Session{sessA, sessB} {
		waitFor(t, sess, "decision phase", func(st engine.State) bool {
			return st.Phase == engine.PhaseRevealDecision || st.Phase == engine.PhaseRevealResult
		})
		sess.Inbox() <- Consent{}
	}

	stA := waitFor(t, sessA, "confirmation with profile on alice", func(st engine.State) bool {
		return st.Consent.MatchConfirmed && !st.Consent.PartnerProfile.Empty()
	})
	stB := waitFor(t, sessB, "confirmation with profile on bob", func(st engine.State) bool {
		return st.Consent.MatchConfirmed && !st.Consent.PartnerProfile.Empty()
	})
	require.Equal(t, "@bob", stA.Consent.PartnerProfile.Instagram)
	require.Equal(t, "@alice", stB.Consent.PartnerProfile.Instagram)
}

func TestRequeue_RepairsAfterRoomSwitch(t *testing.T) {
	apiURL, wsURL := startStack(t)

	sessA := relayClient(t, apiURL, wsURL, "alice")
	sessB := relayClient(t, apiURL, wsURL, "bob")

	roomID := dedicatedRoom(t, apiURL)
	for _, sess := range []*Session{sessA, sessB} {
		waitFor(t, sess, "dedicated room", func(st engine.State) bool {
			return st.Handshake == engine.HandshakeVerified && st.RoomID() == roomID
		})
	}

	// Both bail out of the dedicated room; the requeue must carry the
	// transport back to the matchmaking endpoint, where the hub pairs
	// them again.
	sessA.Inbox() <- Next{}
	sessB.Inbox() <- Next{}

	for _, sess := range []*Session{sessA, sessB} {
		waitFor(t, sess, "second match", func(st engine.State) bool {
			return st.Handshake == engine.HandshakeVerified &&
				st.Active != nil && st.RoomID() != roomID
		})
	}
}
