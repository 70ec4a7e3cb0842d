package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emberchat/ember/internal/relay"
	"github.com/emberchat/ember/internal/ws"
	"github.com/emberchat/ember/pkg/wire"
)

var fastOpts = Options{
	ReconnectBase: 10 * time.Millisecond,
	ReconnectMax:  100 * time.Millisecond,
	Heartbeat:     50 * time.Millisecond,
	SwitchGrace:   20 * time.Millisecond,
}

func testRelay(t *testing.T) (*httptest.Server, *relay.Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zap.NewNop().Sugar()
	hub := relay.NewHub(ctx, log)
	srv := httptest.NewServer(ws.Handler(hub, log))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, hub, wsURL
}

func dial(t *testing.T, wsURL, tab string, opts Options) (*Channel, chan wire.Envelope) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	inbound := make(chan wire.Envelope, 32)
	o := opts
	o.OnMessage = func(env wire.Envelope) { inbound <- env }
	ch := New(ctx, wsURL, tab, o, zap.NewNop().Sugar())
	t.Cleanup(ch.Close)
	ch.Connect()
	return ch, inbound
}

func recvType(t *testing.T, ch chan wire.Envelope, typ string) wire.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q envelope", typ)
		}
	}
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := ch.Send(context.Background(), wire.Envelope{Type: wire.TypePing}); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for connection")
}

func TestChannel_PairAndRelay(t *testing.T) {
	_, _, wsURL := testRelay(t)

	chA, inA := dial(t, wsURL, "tab-a", fastOpts)
	_, inB := dial(t, wsURL, "tab-b", fastOpts)

	startA := recvType(t, inA, wire.TypeStart)
	startB := recvType(t, inB, wire.TypeStart)
	require.Equal(t, startA.RoomID, startB.RoomID)

	sig, err := wire.Signal(wire.SigHandshake, "tab-a", nil)
	require.NoError(t, err)
	require.NoError(t, chA.Send(context.Background(), sig))

	got := recvType(t, inB, wire.TypeSignal)
	require.Equal(t, wire.SigHandshake, got.Subtype)
	require.Equal(t, "tab-a", got.Sender, "relay stamps the sender")

	// Echo topology: the sender hears itself too.
	echo := recvType(t, inA, wire.TypeSignal)
	require.Equal(t, wire.SigHandshake, echo.Subtype)
	require.Equal(t, "tab-a", echo.Sender)
}

func TestChannel_SendFailsFastWhenOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := New(ctx, "ws://127.0.0.1:1/ws", "tab-a", fastOpts, zap.NewNop().Sugar())
	err := ch.Send(context.Background(), wire.Envelope{Type: wire.TypePing})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	srv, _, wsURL := testRelay(t)

	var reconnects atomic.Int32
	opts := fastOpts
	opts.OnReconnect = func() { reconnects.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := New(ctx, wsURL, "tab-a", opts, zap.NewNop().Sugar())
	defer ch.Close()
	ch.Connect()
	waitConnected(t, ch)

	srv.CloseClientConnections()

	deadline := time.Now().Add(2 * time.Second)
	for reconnects.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Positive(t, reconnects.Load(), "drop must be repaired and reported")
	waitConnected(t, ch)
}

func TestChannel_RejoinReturnsToQueue(t *testing.T) {
	_, hub, wsURL := testRelay(t)

	reply := make(chan *relay.Room, 1)
	hub.Inbox() <- relay.EnsureRoom{RoomID: "r1", Topic: "t", MaxClient: 2, Reply: reply}
	require.NotNil(t, <-reply)

	chA, inA := dial(t, wsURL, "tab-a", fastOpts)
	chB, inB := dial(t, wsURL, "tab-b", fastOpts)
	recvType(t, inA, wire.TypeStart)
	recvType(t, inB, wire.TypeStart)

	require.NoError(t, chA.JoinRoom(context.Background(), "r1"))
	require.NoError(t, chB.JoinRoom(context.Background(), "r1"))
	waitConnected(t, chA)

	// Back out of the room; the channel must land in the matchmaking
	// queue again, not keep redialing the dedicated room.
	require.NoError(t, chA.Rejoin(context.Background()))
	waitConnected(t, chA)

	_, inC := dial(t, wsURL, "tab-c", fastOpts)
	startA := recvType(t, inA, wire.TypeStart)
	startC := recvType(t, inC, wire.TypeStart)
	require.Equal(t, startA.RoomID, startC.RoomID)
}

func TestChannel_RoomSwitchDelivery(t *testing.T) {
	_, hub, wsURL := testRelay(t)

	reply := make(chan *relay.Room, 1)
	hub.Inbox() <- relay.EnsureRoom{RoomID: "r1", Topic: "t", MaxClient: 2, Reply: reply}
	require.NotNil(t, <-reply)

	chA, inA := dial(t, wsURL, "tab-a", fastOpts)
	chB, inB := dial(t, wsURL, "tab-b", fastOpts)
	recvType(t, inA, wire.TypeStart)
	recvType(t, inB, wire.TypeStart)

	require.NoError(t, chA.JoinRoom(context.Background(), "r1"))
	require.NoError(t, chB.JoinRoom(context.Background(), "r1"))
	waitConnected(t, chA)
	waitConnected(t, chB)

	require.NoError(t, chA.Send(context.Background(), wire.Envelope{Type: wire.TypeMessage, Body: "hey"}))

	got := recvType(t, inB, wire.TypeMessage)
	require.Equal(t, "hey", got.Body)
	require.Equal(t, "tab-a", got.Sender)
}
