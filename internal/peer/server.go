// Package peer implements a stand-in for the device side of the binding
// protocol: a parameter store served over WebSocket that answers GET and SET
// requests and pushes UPD messages to every other connected client when a
// value changes.
package peer

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/rickgao/parambind/internal/protocol"
)

// Config configures a Server.
type Config struct {
	Values        map[string]string // Initial parameter values
	ResponseDelay time.Duration     // Delay before every response
	Silent        []string          // Parameters whose requests are never answered
	WriteTimeout  time.Duration
}

// Server serves the binding protocol.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	values   map[string]string
	silent   map[string]bool
	sessions map[*session]struct{}
	requests int
}

// session is one connected client.
type session struct {
	id      string // sortable session ID for logs
	remote  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewServer creates a Server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		values:   make(map[string]string, len(cfg.Values)),
		silent:   make(map[string]bool, len(cfg.Silent)),
		sessions: make(map[*session]struct{}),
	}
	for k, v := range cfg.Values {
		s.values[k] = v
	}
	for _, name := range cfg.Silent {
		s.silent[name] = true
	}
	return s
}

// ServeHTTP upgrades the request and serves the session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &session{id: ulid.Make().String(), remote: r.RemoteAddr, conn: conn}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("client connected", "session", sess.id, "remote", sess.remote)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("client disconnected", "session", sess.id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handle(sess, string(data))
	}
}

func (s *Server) handle(sess *session, text string) {
	req, err := protocol.ParseRequest(text)
	if err != nil {
		s.logger.Warn("invalid request", "session", sess.id, "message", text, "error", err)
		return
	}

	s.mu.Lock()
	s.requests++
	silent := s.silent[req.Name]
	s.mu.Unlock()

	if silent {
		s.logger.Debug("not answering", "request_id", req.ID, "name", req.Name)
		return
	}

	if s.cfg.ResponseDelay > 0 {
		time.Sleep(s.cfg.ResponseDelay)
	}

	switch req.Verb {
	case protocol.VerbGet:
		s.mu.Lock()
		value, ok := s.values[req.Name]
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("get for unknown parameter", "request_id", req.ID, "name", req.Name)
			return
		}
		s.write(sess, protocol.FormatResponse(req.ID, value))

	case protocol.VerbSet:
		s.mu.Lock()
		s.values[req.Name] = req.Value
		s.mu.Unlock()

		s.write(sess, protocol.FormatResponse(req.ID, ""))
		s.broadcast(sess, req.Name, req.Value)
	}
}

// Set changes a value without notifying clients.
func (s *Server) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Push sets a value and sends an unsolicited update to every client.
func (s *Server) Push(name, value string) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()

	s.broadcast(nil, name, value)
}

// broadcast sends an update to every session except skip.
func (s *Server) broadcast(skip *session, name, value string) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess != skip {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	msg := protocol.FormatUpdate(name, value)
	for _, sess := range targets {
		s.write(sess, msg)
	}
}

func (s *Server) write(sess *session, text string) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := sess.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		s.logger.Debug("write failed", "session", sess.id, "error", err)
	}
}

// Value returns the stored value of a parameter.
func (s *Server) Value(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// Names returns all parameter names, sorted.
func (s *Server) Names() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	return names
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Requests returns the number of valid requests received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// CloseAll drops every client connection.
func (s *Server) CloseAll() {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.conn.Close()
	}
}
