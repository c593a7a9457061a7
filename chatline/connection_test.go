package chatline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatline-go/chatline/internal/chattest"
)

func newTestServer(t *testing.T) *chattest.Server {
	t.Helper()
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	return srv
}

func newTestConnection(t *testing.T, srv *chattest.Server) *Connection {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Origin = srv.Origin()
	c := NewConnection(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectJoinsAndFolds(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)
	s := NewSession(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open, got %s", c.State())
	}

	waitFor(t, "join notice and userlist", func() bool {
		return len(s.Transcript()) == 1 && len(s.Presence()) == 1
	})
	me := s.Presence()[0]
	entry := s.Transcript()[0]
	if !entry.IsSystem() || entry.Message != me+" has entered the chat" {
		t.Fatalf("unexpected join notice: %+v", entry)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	waitFor(t, "handshake", func() bool { return srv.Handshakes() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := srv.Handshakes(); n != 1 {
		t.Fatalf("expected exactly one handshake, got %d", n)
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Connect(context.Background())
		}()
	}
	wg.Wait()
	waitFor(t, "open", func() bool { return c.State() == StateOpen })
	time.Sleep(50 * time.Millisecond)
	if n := srv.Handshakes(); n != 1 {
		t.Fatalf("expected exactly one handshake, got %d", n)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)

	err := c.Send(context.Background(), "hi")
	if !errors.Is(err, NewError(ErrorNotConnected, "")) {
		t.Fatalf("expected not_connected, got %v", err)
	}
	if srv.Handshakes() != 0 {
		t.Fatalf("send must not dial")
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)
	s := NewSession(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "presence", func() bool { return len(s.Presence()) == 1 })
	me := s.Presence()[0]

	s.SetInput("hello")
	if err := s.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if s.Input() != "" {
		t.Fatalf("buffer not cleared")
	}

	waitFor(t, "echo", func() bool { return len(s.Transcript()) == 2 })
	if got := s.Transcript()[1]; got != (TranscriptEntry{User: me, Message: "hello"}) {
		t.Fatalf("unexpected echo: %+v", got)
	}
	if got := srv.Received(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("server received %v", got)
	}
}

func TestFramesFoldInArrivalOrder(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)
	s := NewSession(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "join", func() bool { return len(s.Transcript()) == 1 && len(s.Presence()) == 1 })

	const n = 100
	for i := 0; i < n; i++ {
		srv.BroadcastRaw(fmt.Sprintf(`{"type":"message","user":"bot","message":"%d"}`, i))
		if i == n/2 {
			srv.BroadcastRaw(`{"type":"bogus"}`)
			srv.BroadcastRaw(`{"type":"userlist","users":["bot"]}`)
		}
	}
	waitFor(t, "all frames", func() bool { return len(s.Transcript()) == n+1 })

	for i, e := range s.Transcript()[1:] {
		if e.Message != fmt.Sprint(i) {
			t.Fatalf("entry %d out of order: %+v", i, e)
		}
	}
	if p := s.Presence(); len(p) != 1 || p[0] != "bot" {
		t.Fatalf("unexpected presence: %v", p)
	}
}

func TestCloseStopsTraffic(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)
	s := NewSession(c)

	var mu sync.Mutex
	var events []StateEvent
	c.OnStateChanged(func(ev StateEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "join", func() bool { return len(s.Transcript()) == 1 })

	_ = c.Close()
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	waitFor(t, "server to see leave", func() bool { return len(srv.Users()) == 0 })

	s.SetInput("after close")
	if err := s.Submit(context.Background()); !errors.Is(err, NewError(ErrorNotConnected, "")) {
		t.Fatalf("expected not_connected, got %v", err)
	}
	if s.Input() != "" {
		t.Fatalf("buffer must clear on failed submit")
	}
	if len(srv.Received()) != 0 {
		t.Fatalf("server received frames after close: %v", srv.Received())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []ConnectionState{StateConnecting, StateOpen, StateClosed}
	if len(events) != len(want) {
		t.Fatalf("unexpected transitions: %+v", events)
	}
	for i, ev := range events {
		if ev.NewState != want[i] {
			t.Fatalf("transition %d: got %s, want %s", i, ev.NewState, want[i])
		}
	}
}

func TestServerDropClosesWithoutReconnect(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)
	s := NewSession(c)

	lost := make(chan StateEvent, 4)
	c.OnStateChanged(func(ev StateEvent) {
		if ev.NewState == StateClosed {
			lost <- ev
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "join", func() bool { return len(s.Transcript()) == 1 })

	srv.DropAll()

	select {
	case ev := <-lost:
		if ev.OldState != StateOpen {
			t.Fatalf("unexpected transition: %+v", ev)
		}
		if ev.Error != nil && !IsConnectionError(ev.Error) {
			t.Fatalf("unexpected error kind: %v", ev.Error)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("connection not closed after server drop")
	}

	time.Sleep(100 * time.Millisecond)
	if srv.Handshakes() != 1 {
		t.Fatalf("client must not reconnect, handshakes=%d", srv.Handshakes())
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if len(s.Transcript()) != 1 {
		t.Fatalf("transcript must stay as it was: %v", s.Transcript())
	}
}

func TestConnectAfterCloseDialsAgain(t *testing.T) {
	srv := newTestServer(t)
	c := newTestConnection(t, srv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open, got %s", c.State())
	}
	waitFor(t, "second handshake", func() bool { return srv.Handshakes() == 2 })
}

func TestConnectFailure(t *testing.T) {
	srv := chattest.NewServer()
	origin := srv.Origin()
	srv.Close()

	cfg := DefaultConfig()
	cfg.Origin = origin
	cfg.HandshakeTimeout = time.Second
	c := NewConnection(cfg)

	err := c.Connect(context.Background())
	if !IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed after failed handshake, got %s", c.State())
	}
	if err := c.Send(context.Background(), "x"); !errors.Is(err, NewError(ErrorNotConnected, "")) {
		t.Fatalf("expected not_connected, got %v", err)
	}
}

func TestConnectInvalidConfig(t *testing.T) {
	c := NewConnection(DefaultConfig())
	err := c.Connect(context.Background())
	if !errors.Is(err, NewError(ErrorInvalidConfig, "")) {
		t.Fatalf("expected invalid_config, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("invalid config must not leave idle, got %s", c.State())
	}
}

func TestCloseIdleIsNoop(t *testing.T) {
	c := NewConnection(DefaultConfig())
	if err := c.Close(); err != nil {
		t.Fatalf("close idle: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestConnectionStateString(t *testing.T) {
	for s, want := range map[ConnectionState]string{
		StateIdle: "idle", StateConnecting: "connecting", StateOpen: "open", StateClosed: "closed", ConnectionState(9): "unknown",
	} {
		if s.String() != want {
			t.Fatalf("%d: got %q, want %q", s, s.String(), want)
		}
	}
}

func TestSendQueueFullDoesNotBlock(t *testing.T) {
	var buf bytes.Buffer
	c := NewConnection(DefaultConfig())
	c.SetLogger(NewZerologLogger(zerolog.New(&buf)))
	c.state = StateOpen
	c.id = "conn-1"
	c.writeCh = make(chan string, 1)
	c.done = make(chan struct{})

	if err := c.Send(context.Background(), "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Send(ctx, "second")
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("send blocked for %s", elapsed)
	}
	if !errors.Is(err, NewError(ErrorSendQueueFull, "")) {
		t.Fatalf("expected send_queue_full, got %v", err)
	}
	if got := <-c.writeCh; got != "first" {
		t.Fatalf("queued frame replaced: %q", got)
	}
	if out := buf.String(); !strings.Contains(out, `"conn_id":"conn-1"`) || !strings.Contains(out, "send queue full") {
		t.Fatalf("drop not logged: %q", out)
	}
}

func TestSendUnbufferedWithoutWriterDoesNotBlock(t *testing.T) {
	c := NewConnection(DefaultConfig())
	c.state = StateOpen
	c.writeCh = make(chan string)
	c.done = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Send(ctx, "x")
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("send blocked for %s", elapsed)
	}
	if !errors.Is(err, NewError(ErrorSendQueueFull, "")) {
		t.Fatalf("expected send_queue_full, got %v", err)
	}
}

// heldServer accepts a handshake request and parks it until release is
// called, then hands it to respond.
type heldServer struct {
	url     string
	arrived chan struct{}
	release func()
}

func newHeldServer(t *testing.T, respond http.HandlerFunc) *heldServer {
	t.Helper()
	arrived := make(chan struct{}, 1)
	gate := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-gate
		respond(w, r)
	}))
	t.Cleanup(ts.Close)
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return &heldServer{url: ts.URL, arrived: arrived, release: release}
}

func recordStates(c *Connection) func() []ConnectionState {
	var mu sync.Mutex
	var states []ConnectionState
	c.OnStateChanged(func(ev StateEvent) {
		mu.Lock()
		states = append(states, ev.NewState)
		mu.Unlock()
	})
	return func() []ConnectionState {
		mu.Lock()
		defer mu.Unlock()
		return append([]ConnectionState{}, states...)
	}
}

func closeWhileConnecting(t *testing.T, hs *heldServer, c *Connection) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	select {
	case <-hs.arrived:
	case <-time.After(3 * time.Second):
		t.Fatalf("handshake never reached the server")
	}
	if c.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", c.State())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed right after close, got %s", c.State())
	}
	hs.release()

	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("connect did not return")
		return nil
	}
}

func TestCloseDuringHandshakeThenFailure(t *testing.T) {
	hs := newHeldServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "go away", http.StatusBadRequest)
	})
	cfg := DefaultConfig()
	cfg.Origin = hs.url
	c := NewConnection(cfg)
	states := recordStates(c)

	err := closeWhileConnecting(t, hs, c)
	if !IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	want := []ConnectionState{StateConnecting, StateClosed}
	if got := states(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions: got %v, want %v", got, want)
	}
}

func TestCloseDuringHandshakeDiscardsConnection(t *testing.T) {
	gone := make(chan struct{})
	upgrader := websocket.Upgrader{}
	hs := newHeldServer(t, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			close(gone)
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"userlist","users":["late"]}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				close(gone)
				return
			}
		}
	})
	cfg := DefaultConfig()
	cfg.Origin = hs.url
	c := NewConnection(cfg)
	states := recordStates(c)
	var frames atomic.Int32
	c.OnFrame(func(string) { frames.Add(1) })

	err := closeWhileConnecting(t, hs, c)
	if !errors.Is(err, NewError(ErrorDisconnected, "")) {
		t.Fatalf("expected disconnected, got %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("late handshake reopened the connection: %s", c.State())
	}

	select {
	case <-gone:
	case <-time.After(3 * time.Second):
		t.Fatalf("server socket not closed after discarded handshake")
	}
	if n := frames.Load(); n != 0 {
		t.Fatalf("frames delivered from discarded connection: %d", n)
	}
	if err := c.Send(context.Background(), "x"); !errors.Is(err, NewError(ErrorNotConnected, "")) {
		t.Fatalf("expected not_connected, got %v", err)
	}
	want := []ConnectionState{StateConnecting, StateClosed}
	if got := states(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions: got %v, want %v", got, want)
	}
}
