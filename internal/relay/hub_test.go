package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emberchat/ember/pkg/wire"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHub(ctx, zap.NewNop().Sugar())
}

func recvEnv(t *testing.T, ch chan wire.Envelope) wire.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("outbox closed while waiting for envelope")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return wire.Envelope{}
}

func expectNone(t *testing.T, ch chan wire.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectClosed(t *testing.T, ch chan wire.Envelope) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for outbox close")
		}
	}
}

func register(h *Hub, id string, cap int) chan wire.Envelope {
	out := make(chan wire.Envelope, cap)
	h.Inbox() <- Register{ClientID: id, Outbox: out}
	return out
}

func TestHub_PairsTwoOldestWaiting(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 8)

	startA := recvEnv(t, outA)
	startB := recvEnv(t, outB)

	require.Equal(t, wire.TypeStart, startA.Type)
	require.Equal(t, wire.TypeStart, startB.Type)
	require.Equal(t, wire.RoleProducer, startA.Role)
	require.Equal(t, wire.RoleConsumer, startB.Role)
	require.Equal(t, startA.RoomID, startB.RoomID)
	require.NotEmpty(t, startA.RoomID)
	require.Equal(t, startA.Topic, startB.Topic)
}

func TestHub_ThirdClientWaits(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 8)
	outC := register(h, "c", 8)

	recvEnv(t, outA)
	recvEnv(t, outB)
	expectNone(t, outC)
}

func TestHub_SignalEchoedToSender(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 8)
	recvEnv(t, outA)
	recvEnv(t, outB)

	sig := wire.Envelope{Type: wire.TypeSignal, Subtype: wire.SigHandshake, Sender: "a"}
	h.Inbox() <- Forward{From: "a", Env: sig}

	require.Equal(t, sig, recvEnv(t, outB))
	require.Equal(t, sig, recvEnv(t, outA), "sender must see its own signal")
}

func TestHub_MessagesNotEchoed(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 8)
	recvEnv(t, outA)
	recvEnv(t, outB)

	msg := wire.Envelope{Type: wire.TypeMessage, Sender: "a", Body: "hey"}
	h.Inbox() <- Forward{From: "a", Env: msg}

	require.Equal(t, msg, recvEnv(t, outB))
	expectNone(t, outA)
}

func TestHub_ForwardFromUnpairedDropped(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)

	h.Inbox() <- Forward{From: "a", Env: wire.Envelope{Type: wire.TypeSignal, Subtype: wire.SigHandshake}}
	expectNone(t, outA)
}

func TestHub_JoinRequeuesAndNotifiesPeer(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 8)
	recvEnv(t, outA)
	recvEnv(t, outB)

	// "a" leaves the pairing and goes back into the line.
	h.Inbox() <- Forward{From: "a", Env: wire.Envelope{Type: wire.TypeJoin, Sender: "a"}}

	left := recvEnv(t, outB)
	require.Equal(t, wire.TypeLeave, left.Type)
	require.Equal(t, "a", left.Sender)

	// Next arrival pairs with the requeued "a".
	outC := register(h, "c", 8)
	startA := recvEnv(t, outA)
	startC := recvEnv(t, outC)
	require.Equal(t, wire.TypeStart, startA.Type)
	require.Equal(t, startA.RoomID, startC.RoomID)
}

func TestHub_UnregisterNotifiesPeer(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 8)
	recvEnv(t, outA)
	recvEnv(t, outB)

	h.Inbox() <- Unregister{ClientID: "a"}

	left := recvEnv(t, outB)
	require.Equal(t, wire.TypeLeave, left.Type)
	require.Equal(t, "a", left.Sender)
}

func TestHub_SlowClientDroppedNotBlocked(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 1)
	recvEnv(t, outA)
	recvEnv(t, outB)

	sig := func(n string) wire.Envelope {
		return wire.Envelope{Type: wire.TypeSignal, Subtype: wire.SigHandshake, Sender: "a", Body: n}
	}
	// First signal fills b's outbox; the second overflows it, so the hub
	// drops b instead of blocking.
	h.Inbox() <- Forward{From: "a", Env: sig("1")}
	h.Inbox() <- Forward{From: "a", Env: sig("2")}

	require.Equal(t, sig("1"), recvEnv(t, outA), "echo of the first signal")
	left := recvEnv(t, outA)
	require.Equal(t, wire.TypeLeave, left.Type)
	require.Equal(t, "b", left.Sender)
	expectClosed(t, outB)
}

func TestHub_RoomSwitchDepartureSilent(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 8)
	recvEnv(t, outA)
	recvEnv(t, outB)

	sw := wire.Envelope{Type: wire.TypeSignal, Subtype: wire.SigSwitchRoom, Sender: "a"}
	h.Inbox() <- Forward{From: "a", Env: sw}
	require.Equal(t, sw, recvEnv(t, outB))
	require.Equal(t, sw, recvEnv(t, outA))

	// The pair is moving to its dedicated room: the queue disconnects
	// must not surface as leaves on the peer's still-open connection.
	h.Inbox() <- Unregister{ClientID: "a"}
	expectNone(t, outB)
	h.Inbox() <- Unregister{ClientID: "b"}
	expectNone(t, outA)
}

func TestHub_StaleUnregisterIgnored(t *testing.T) {
	h := testHub(t)
	outA := register(h, "a", 8)
	outB := register(h, "b", 8)
	recvEnv(t, outA)
	recvEnv(t, outB)

	// An unregister carrying an outbox from an old connection must not
	// evict the reconnected client.
	h.Inbox() <- Unregister{ClientID: "a", Outbox: make(chan wire.Envelope, 1)}
	expectNone(t, outB)

	sig := wire.Envelope{Type: wire.TypeSignal, Subtype: wire.SigHandshake, Sender: "a"}
	h.Inbox() <- Forward{From: "a", Env: sig}
	require.Equal(t, sig, recvEnv(t, outB))
}

func TestHub_ReregisterKeepsSingleQueueSlot(t *testing.T) {
	h := testHub(t)
	old := register(h, "a", 8)
	fresh := register(h, "a", 8)
	outB := register(h, "b", 8)

	// "a" must pair with "b", not with its own duplicate slot.
	start := recvEnv(t, fresh)
	require.Equal(t, wire.TypeStart, start.Type)
	require.Equal(t, start.RoomID, recvEnv(t, outB).RoomID)
	expectNone(t, old)
}

func TestHub_EnsureRoomIdempotent(t *testing.T) {
	h := testHub(t)

	reply := make(chan *Room, 1)
	h.Inbox() <- EnsureRoom{RoomID: "r1", Topic: "t", MaxClient: 2, Reply: reply}
	first := <-reply

	h.Inbox() <- EnsureRoom{RoomID: "r1", Reply: reply}
	require.Same(t, first, <-reply)

	h.Inbox() <- GetRoom{RoomID: "r1", Reply: reply}
	require.Same(t, first, <-reply)

	h.Inbox() <- GetRoom{RoomID: "missing", Reply: reply}
	require.Nil(t, <-reply)
}
