package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/emberchat/ember/pkg/wire"
)

var ErrClosed = errors.New("channel closed")
var ErrNotConnected = errors.New("not connected")

const (
	reconnectBase     = 100 * time.Millisecond
	reconnectMax      = 10 * time.Second
	heartbeatInterval = 25 * time.Second
	switchGrace       = 300 * time.Millisecond
	writeTimeout      = 3 * time.Second
)

// Options tune the channel; zero values take the production defaults.
type Options struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Heartbeat     time.Duration
	SwitchGrace   time.Duration

	// OnMessage receives every decoded inbound envelope.
	OnMessage func(wire.Envelope)
	// OnReconnect fires after a drop is repaired, so the session can
	// rehydrate state missed while offline.
	OnReconnect func()
}

// Channel is the single logical WebSocket per tab. It reconnects on
// unexpected closes with capped exponential backoff (first retry is
// near-immediate to cover transient blips), heartbeats while connected,
// and supports an explicit teardown-then-redial room switch.
type Channel struct {
	baseURL string
	tabID   string
	opts    Options
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	room     string
	attempts int
	started  bool

	nudge  chan struct{}
	redial chan struct{}
}

// New prepares a channel against the relay's ws endpoint. Connect starts
// it.
func New(parent context.Context, baseURL, tabID string, opts Options, log *zap.SugaredLogger) *Channel {
	ctx, cancel := context.WithCancel(parent)
	if opts.ReconnectBase == 0 {
		opts.ReconnectBase = reconnectBase
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = reconnectMax
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = heartbeatInterval
	}
	if opts.SwitchGrace == 0 {
		opts.SwitchGrace = switchGrace
	}
	return &Channel{
		baseURL: baseURL,
		tabID:   tabID,
		opts:    opts,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		nudge:   make(chan struct{}, 1),
		redial:  make(chan struct{}, 1),
	}
}

// Connect starts the connection loop. Calling it again is a no-op.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Nudge forces an immediate reconnect attempt, bypassing any backoff
// wait. Wired to network-online / tab-visible events.
func (c *Channel) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// Close is the explicit local disconnect; no reconnection follows.
func (c *Channel) Close() {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// Send writes one envelope, or fails fast when offline.
func (c *Channel) Send(ctx context.Context, env wire.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

// JoinRoom tears the connection down and redials against a dedicated
// room. The grace delay avoids the relay's "already connected" rejection
// when the close has not landed server-side yet.
func (c *Channel) JoinRoom(ctx context.Context, roomID string) error {
	return c.switchEndpoint(ctx, roomID)
}

// Rejoin returns the channel to the matchmaking queue endpoint, the
// inverse of JoinRoom. A channel already on the queue is left alone.
func (c *Channel) Rejoin(ctx context.Context) error {
	c.mu.Lock()
	onQueue := c.room == ""
	c.mu.Unlock()
	if onQueue {
		return nil
	}
	return c.switchEndpoint(ctx, "")
}

func (c *Channel) switchEndpoint(ctx context.Context, roomID string) error {
	c.mu.Lock()
	c.room = roomID
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "switch room")
	}
	select {
	case <-time.After(c.opts.SwitchGrace):
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case c.redial <- struct{}{}:
	default:
	}
	return nil
}

func (c *Channel) run() {
	first := true
	everConnected := false
	for {
		if c.ctx.Err() != nil {
			return
		}
		if !first {
			if !c.waitBackoff() {
				return
			}
		}
		first = false

		conn, err := c.dial()
		if err != nil {
			c.mu.Lock()
			c.attempts++
			c.mu.Unlock()
			c.log.Debugw("dial failed", "attempt", c.attempts, "err", err)
			continue
		}

		// Any successful dial after the first connection is a repair,
		// whether or not a dial attempt failed in between.
		reconnected := everConnected
		everConnected = true
		c.mu.Lock()
		c.attempts = 0
		c.conn = conn
		c.mu.Unlock()

		if reconnected && c.opts.OnReconnect != nil {
			c.opts.OnReconnect()
		}

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, 8*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.endpoint(), nil)
	return conn, err
}

func (c *Channel) endpoint() string {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()

	q := url.Values{}
	q.Set("tab", c.tabID)
	if room != "" {
		q.Set("room", room)
	}
	return c.baseURL + "?" + q.Encode()
}

// readLoop pumps inbound frames until the connection dies. Heartbeats
// ride a side goroutine tied to this connection's lifetime.
func (c *Channel) readLoop(conn *websocket.Conn) {
	hbCtx, hbCancel := context.WithCancel(c.ctx)
	defer hbCancel()
	go c.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				c.log.Debugw("read failed", "err", err)
			}
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are dropped, never propagated.
			c.log.Debugw("bad frame", "err", err)
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(env)
		}
	}
}

func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(wire.Envelope{Type: wire.TypeHeartbeat, Sender: c.tabID})
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			_ = conn.Write(wctx, websocket.MessageText, payload)
			cancel()
		}
	}
}

// waitBackoff sleeps out the current backoff window. A nudge or a room
// switch cuts the wait short. Returns false when the channel is closed.
func (c *Channel) waitBackoff() bool {
	c.mu.Lock()
	attempt := c.attempts
	c.mu.Unlock()

	wait := c.opts.ReconnectBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= c.opts.ReconnectMax {
			wait = c.opts.ReconnectMax
			break
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
	case <-c.nudge:
	case <-c.redial:
	}
	return true
}
