// Package chattest runs an in-process chat server speaking the chatline wire
// protocol, for tests.
//
// Each client gets a generated name. Joins and leaves are announced by the
// "system" user followed by a fresh userlist; every text frame a client sends
// is broadcast to everyone as a message from that client.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

var adjectives = []string{"quiet", "brave", "lucky", "mellow", "swift"}
var animals = []string{"otter", "heron", "lynx", "badger", "finch"}

type peer struct {
	name string
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (p *peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is a running test chat server.
type Server struct {
	srv *httptest.Server

	mu         sync.Mutex
	peers      map[*peer]struct{}
	users      []string
	handshakes int
	received   []string
	wg         sync.WaitGroup
}

// NewServer starts a server on a loopback port.
func NewServer() *Server {
	s := &Server{peers: map[*peer]struct{}{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	s.srv = httptest.NewServer(mux)
	return s
}

// Origin is the http origin a page served by this server would have.
func (s *Server) Origin() string { return s.srv.URL }

// URL is the WebSocket endpoint.
func (s *Server) URL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/" }

// Handshakes counts completed WebSocket upgrades.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Received returns every raw text frame clients sent, in order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.received...)
}

// Users returns the names currently present.
func (s *Server) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.users...)
}

// BroadcastRaw writes frame verbatim to every client.
func (s *Server) BroadcastRaw(frame string) {
	s.broadcast([]byte(frame))
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.NetConn().Close()
	}
}

// Close drops all clients and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
	s.wg.Wait()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	n := s.handshakes
	s.handshakes++
	p := &peer{
		name: fmt.Sprintf("%s.%s", adjectives[n%len(adjectives)], animals[(n/len(adjectives))%len(animals)]),
		conn: conn,
	}
	s.peers[p] = struct{}{}
	s.users = append(s.users, p.name)
	s.mu.Unlock()

	s.sendChat("system", p.name+" has entered the chat")
	s.sendUserList()

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.peers, p)
		for i, u := range s.users {
			if u == p.name {
				s.users = append(s.users[:i], s.users[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.sendChat("system", p.name+" left the chat")
		s.sendUserList()
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, string(data))
		s.mu.Unlock()
		s.sendChat(p.name, string(data))
	}
}

func (s *Server) sendChat(user, message string) {
	data, _ := json.Marshal(map[string]string{"type": "message", "user": user, "message": message})
	s.broadcast(data)
}

func (s *Server) sendUserList() {
	s.mu.Lock()
	users := append([]string{}, s.users...)
	s.mu.Unlock()
	data, _ := json.Marshal(map[string]any{"type": "userlist", "users": users})
	s.broadcast(data)
}

func (s *Server) broadcast(data []byte) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.write(data)
	}
}
