package chatline

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vovakirdan/chatline-go/chatline/internal"
)

// Connection owns the single WebSocket connection to a chat server.
// Inbound text frames are handed to the OnFrame handler one at a time, in
// arrival order, from a single reader goroutine.
type Connection struct {
	cfg    Config
	logger Logger

	mu      sync.Mutex
	state   ConnectionState
	gen     uint64 // bumped on every Connect and Close; stale loops compare against it
	id      string
	conn    *internal.Conn
	writeCh chan string
	done    <-chan struct{}
	cancel  context.CancelFunc
	onFrame func(string)
	onState func(StateEvent)
}

// NewConnection constructs a connection manager with provided config.
// Use DefaultConfig() as a starting point and modify as needed.
func NewConnection(cfg Config) *Connection {
	return &Connection{
		cfg:    cfg,
		logger: noopLogger{},
	}
}

// SetLogger overrides logger (optional).
func (c *Connection) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}

func (c *Connection) log() Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// OnFrame registers the handler for raw inbound frames. Frames that arrive
// while no handler is registered are dropped.
func (c *Connection) OnFrame(fn func(payload string)) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

// OnStateChanged registers callback for state transitions.
func (c *Connection) OnStateChanged(fn func(StateEvent)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server and starts the read and write loops. It is a
// no-op while the connection is Connecting or Open. After Close, Connect
// dials a fresh connection.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	endpoint, err := c.cfg.Endpoint()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.id = uuid.NewString()
	id := c.id
	ev := c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()
	c.fireState(ev)

	dialCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	c.log().Debug("dialing", map[string]any{"conn_id": id, "url": endpoint})
	ws, _, err := websocket.Dial(dialCtx, endpoint, dialOptions(c.cfg))
	if err != nil {
		code := ErrorConnection
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrorTimeout
		}
		werr := WrapError(code, "dial "+endpoint, err)
		c.mu.Lock()
		var ev *StateEvent
		if c.gen == gen {
			ev = c.setStateLocked(StateClosed, werr)
		}
		c.mu.Unlock()
		c.fireState(ev)
		c.log().Warn("dial failed", map[string]any{"conn_id": id, "error": err.Error()})
		return werr
	}

	conn := internal.NewConn(ws, c.cfg.ReadTimeout, c.cfg.WriteTimeout)
	runCtx, cancel := context.WithCancel(context.Background())
	writeCh := make(chan string, c.cfg.SendQueueSize)

	c.mu.Lock()
	if c.gen != gen {
		// Closed while the handshake was in flight.
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
		return NewError(ErrorDisconnected, "closed during connect")
	}
	c.conn = conn
	c.writeCh = writeCh
	c.done = runCtx.Done()
	c.cancel = cancel
	ev = c.setStateLocked(StateOpen, nil)
	c.mu.Unlock()

	go c.readLoop(runCtx, conn, gen)
	go c.writeLoop(runCtx, conn, writeCh, gen)

	c.log().Info("connected", map[string]any{"conn_id": id, "url": endpoint})
	c.fireState(ev)
	return nil
}

// Send queues text for delivery as a single raw text frame. It returns a
// not_connected error and writes nothing unless the connection is Open.
// Send never blocks: a frame that does not fit in the send queue is dropped.
func (c *Connection) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		return NewError(ErrorNotConnected, "send while "+state.String())
	}
	writeCh, done, id := c.writeCh, c.done, c.id
	c.mu.Unlock()

	select {
	case <-done:
		return NewError(ErrorDisconnected, "connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case writeCh <- text:
		return nil
	default:
		c.log().Warn("send queue full, frame dropped", map[string]any{"conn_id": id, "size": len(text)})
		return NewError(ErrorSendQueueFull, "send queue full")
	}
}

// Close shuts down the connection. It is not resumable: a new connection
// needs another Connect.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	conn, cancel, id := c.conn, c.cancel, c.id
	c.conn, c.cancel, c.writeCh, c.done = nil, nil, nil, nil
	ev := c.setStateLocked(StateClosed, nil)
	c.mu.Unlock()
	c.fireState(ev)

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	if cancel != nil {
		cancel()
	}
	c.log().Info("closed", map[string]any{"conn_id": id})
	if err != nil && !isExpectedDisconnect(nil, err) {
		return err
	}
	return nil
}

func (c *Connection) readLoop(ctx context.Context, conn *internal.Conn, gen uint64) {
	for {
		data, text, err := conn.Read(ctx)
		if err != nil {
			c.finish(ctx, gen, err)
			return
		}
		if !text {
			c.log().Warn("binary frame dropped", map[string]any{"conn_id": c.connID(), "size": len(data)})
			continue
		}
		c.mu.Lock()
		fn := c.onFrame
		c.mu.Unlock()
		if fn == nil {
			c.log().Debug("frame dropped: no handler", map[string]any{"conn_id": c.connID()})
			continue
		}
		fn(string(data))
	}
}

func (c *Connection) writeLoop(ctx context.Context, conn *internal.Conn, writeCh <-chan string, gen uint64) {
	for {
		select {
		case text := <-writeCh:
			if err := conn.WriteText(ctx, text); err != nil {
				c.finish(ctx, gen, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// finish moves an Open connection of generation gen to Closed after the
// transport failed or the peer closed it.
func (c *Connection) finish(ctx context.Context, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn, cancel, id := c.conn, c.cancel, c.id
	c.conn, c.cancel, c.writeCh, c.done = nil, nil, nil, nil
	var werr error
	if !isExpectedDisconnect(ctx, cause) {
		werr = WrapError(ErrorDisconnected, "connection lost", cause)
	}
	ev := c.setStateLocked(StateClosed, werr)
	c.mu.Unlock()

	_ = conn.CloseNow()
	cancel()

	if werr != nil {
		c.log().Warn("connection lost", map[string]any{"conn_id": id, "error": cause.Error()})
	} else {
		c.log().Info("connection closed by peer", map[string]any{"conn_id": id})
	}
	c.fireState(ev)
}

func (c *Connection) setStateLocked(s ConnectionState, err error) *StateEvent {
	if c.state == s {
		return nil
	}
	ev := &StateEvent{OldState: c.state, NewState: s, Error: err}
	c.state = s
	return ev
}

func (c *Connection) fireState(ev *StateEvent) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(*ev)
	}
}

func (c *Connection) connID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
