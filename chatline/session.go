package chatline

import (
	"context"
	"sync"
)

// Transport is what a Session needs from a connection. *Connection
// satisfies it.
type Transport interface {
	OnFrame(fn func(payload string))
	Send(ctx context.Context, text string) error
}

var _ Transport = (*Connection)(nil)

// Session folds inbound frames into a transcript and a presence list and
// owns the local input buffer.
//
// Folds run on the transport's reader goroutine, one frame at a time.
// Snapshot accessors may be called from any goroutine.
type Session struct {
	transport  Transport
	logger     Logger
	dispatcher Dispatcher

	mu         sync.Mutex
	transcript []TranscriptEntry
	presence   []string
	input      string
	onEntry    func(TranscriptEntry)
	onPresence func([]string)
}

// NewSession binds a session to t. The frame handler is registered here,
// before any Connect, so no frame can arrive unobserved.
func NewSession(t Transport) *Session {
	s := &Session{
		transport:  t,
		logger:     noopLogger{},
		transcript: []TranscriptEntry{},
		presence:   []string{},
	}
	s.dispatcher.SetOnUserList(s.replacePresence)
	s.dispatcher.SetOnMessage(s.appendEntry)
	s.dispatcher.SetOnError(func(err error) {
		s.log().Warn("protocol violation, frame dropped", map[string]any{"error": err.Error()})
	})
	if t != nil {
		t.OnFrame(s.HandleFrame)
	}
	return s
}

// SetLogger overrides logger (optional).
func (s *Session) SetLogger(l Logger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
}

func (s *Session) log() Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// OnEntry registers a callback run after each transcript append.
func (s *Session) OnEntry(fn func(TranscriptEntry)) {
	s.mu.Lock()
	s.onEntry = fn
	s.mu.Unlock()
}

// OnPresence registers a callback run after each presence replacement. The
// slice passed to it is a copy.
func (s *Session) OnPresence(fn func([]string)) {
	s.mu.Lock()
	s.onPresence = fn
	s.mu.Unlock()
}

// HandleFrame folds one raw inbound frame. Malformed or unknown frames leave
// the session untouched.
func (s *Session) HandleFrame(payload string) {
	s.dispatcher.Dispatch([]byte(payload))
}

func (s *Session) appendEntry(m ChatMessage) {
	entry := TranscriptEntry{User: m.User, Message: m.Message}
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	fn := s.onEntry
	s.mu.Unlock()
	if fn != nil {
		fn(entry)
	}
}

func (s *Session) replacePresence(ul UserList) {
	users := append([]string{}, ul.Users...)
	s.mu.Lock()
	s.presence = users
	fn := s.onPresence
	s.mu.Unlock()
	if fn != nil {
		fn(append([]string{}, users...))
	}
}

// Transcript returns a copy of the transcript in arrival order.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptEntry{}, s.transcript...)
}

// Presence returns a copy of the last reported user list.
func (s *Session) Presence() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.presence...)
}

// SetInput replaces the input buffer.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
}

// Input returns the input buffer.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// Submit sends the input buffer verbatim and clears it. The buffer is
// cleared even when the send fails; the error is only informational.
func (s *Session) Submit(ctx context.Context) error {
	s.mu.Lock()
	text := s.input
	s.input = ""
	s.mu.Unlock()

	if s.transport == nil {
		return NewError(ErrorNotConnected, "session has no transport")
	}
	if err := s.transport.Send(ctx, text); err != nil {
		s.log().Debug("submit dropped", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}
