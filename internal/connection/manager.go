package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/parambind/internal/protocol"
)

// Manager owns the connection to the peer and the bindings synchronized over it.
type Manager interface {
	// Connect dials url (or the configured URL when empty) and, once open,
	// issues a GET for every registered binding.
	Connect(ctx context.Context, url string) error

	// Disconnect closes the connection and resolves every in-flight request
	// as timed out. Safe to call in any state.
	Disconnect()

	// SendRequest assigns an ID, starts the timeout and writes the request.
	// Returns ErrNotConnected when there is no open connection.
	SendRequest(req Request) (uint64, error)

	// Bind creates an editable binding wired to the element's change events.
	Bind(el EditableElement, name string) *Binding

	// BindReadonly creates a display-only binding.
	BindReadonly(el Element, name string) *Binding

	// AddListener registers fn for connection error or close events.
	AddListener(kind EventKind, fn func(Event))

	// Binding returns the binding registered under name.
	Binding(name string) (*Binding, bool)

	// Bindings returns all bindings sorted by name.
	Bindings() []*Binding

	// State returns the connection state.
	State() State

	// Stats returns current statistics.
	Stats() ManagerStats
}

// Option configures a Manager.
type Option func(*manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRequestTimeout sets how long a request may stay unanswered.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithDialer sets the transport dialer.
func WithDialer(d Dialer) Option {
	return func(m *manager) {
		m.dialer = d
	}
}

// WithClock sets the clock used for request timeouts.
func WithClock(c Clock) Option {
	return func(m *manager) {
		m.clock = c
	}
}

// pendingRequest is an entry in the in-flight table.
type pendingRequest struct {
	req       Request
	timer     Timer
	transport Transport // connection the request was written to
}

// manager implements the Manager interface.
type manager struct {
	url     string
	timeout time.Duration
	dialer  Dialer
	clock   Clock
	logger  *slog.Logger

	// mu guards everything below it. Callbacks into bindings, requests and
	// listeners run after it is released.
	mu        sync.Mutex
	state     State
	transport Transport
	retired   Transport // failed transport replaced by Connect before its close arrived
	attempt   uint64    // bumped by Connect and Disconnect
	nextID    uint64
	active    map[uint64]*pendingRequest
	bindings  map[string]*Binding

	listenersMu sync.Mutex
	listeners   map[EventKind][]func(Event)

	// Stats
	sent      atomic.Int64
	responses atomic.Int64
	timeouts  atomic.Int64
	drained   atomic.Int64
	updates   atomic.Int64
	dropped   atomic.Int64
}

// NewManager creates a Connection Manager for the peer at url.
func NewManager(url string, opts ...Option) Manager {
	m := &manager{
		url:       url,
		timeout:   DefaultRequestTimeout,
		clock:     realClock{},
		logger:    slog.Default(),
		active:    make(map[uint64]*pendingRequest),
		bindings:  make(map[string]*Binding),
		listeners: make(map[EventKind][]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		cfg := DefaultClientConfig()
		m.dialer = WebSocketDialer{Config: cfg, Logger: m.logger}
	}
	return m
}

// Connect dials the peer and replays a GET for every binding.
func (m *manager) Connect(ctx context.Context, url string) error {
	if url == "" {
		url = m.url
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = StateConnecting
	m.attempt++
	attempt := m.attempt
	if m.transport != nil {
		m.retired = m.transport
		m.transport = nil
	}
	m.mu.Unlock()

	m.logger.Info("connecting", "url", url)

	t, err := m.dialer.Dial(ctx, url)
	if err != nil {
		m.mu.Lock()
		if m.attempt == attempt {
			m.state = StateDisconnected
		}
		m.mu.Unlock()

		m.logger.Warn("connect failed", "url", url, "error", err)
		m.dispatch(Event{Kind: EventError, Err: err})
		return fmt.Errorf("connect %s: %w", url, err)
	}

	m.mu.Lock()
	if m.attempt != attempt {
		// Disconnect was called while dialing.
		m.mu.Unlock()
		go m.pump(t)
		t.Close()
		return ErrNotConnected
	}
	m.transport = t
	m.state = StateConnected
	bindings := make([]*Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		bindings = append(bindings, b)
	}
	m.mu.Unlock()

	go m.pump(t)

	m.logger.Info("connected", "url", url, "bindings", len(bindings))

	for _, b := range bindings {
		if err := b.Update(); err != nil {
			m.logger.Warn("replay get failed", "binding", b.name, "error", err)
		}
	}

	return nil
}

// Disconnect closes the transport if open and always drains.
func (m *manager) Disconnect() {
	m.mu.Lock()
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.attempt++
	m.mu.Unlock()

	if t != nil {
		m.logger.Info("disconnecting")
		if err := t.Close(); err != nil {
			m.logger.Debug("close transport", "error", err)
		}
	}

	// Close listeners run later on the pump; requests resolve first.
	m.drain(nil)
}

// SendRequest registers and writes req.
func (m *manager) SendRequest(req Request) (uint64, error) {
	m.mu.Lock()
	t := m.transport
	if m.state != StateConnected || t == nil || !t.IsConnected() {
		m.mu.Unlock()
		return 0, ErrNotConnected
	}

	id := m.nextID
	if err := req.assign(id); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.nextID++

	p := &pendingRequest{req: req, transport: t}
	m.active[id] = p
	p.timer = m.clock.AfterFunc(m.timeout, func() { m.expire(id) })
	m.mu.Unlock()

	if err := t.Send(req.Serialize()); err != nil {
		if p := m.take(id); p != nil {
			p.req.OnTimeout()
			m.timeouts.Add(1)
		}
		return 0, fmt.Errorf("send request %d: %w", id, err)
	}

	m.sent.Add(1)
	return id, nil
}

// take removes id from the in-flight table and stops its timer. Only the
// caller that gets a non-nil entry may resolve the request.
func (m *manager) take(id uint64) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.active[id]
	if !ok {
		return nil
	}
	delete(m.active, id)
	p.timer.Stop()
	return p
}

// expire runs when a request timer fires.
func (m *manager) expire(id uint64) {
	p := m.take(id)
	if p == nil {
		return
	}
	m.logger.Debug("request timed out", "request_id", id, "timeout", m.timeout)
	m.timeouts.Add(1)
	p.req.OnTimeout()
}

// drain resolves in-flight requests written to t as timed out, or every
// in-flight request when t is nil.
func (m *manager) drain(t Transport) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.active))
	for id, p := range m.active {
		if t == nil || p.transport == t {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := 0
	for _, id := range ids {
		if p := m.take(id); p != nil {
			p.req.OnTimeout()
			n++
		}
	}
	if n > 0 {
		m.drained.Add(int64(n))
		m.logger.Info("drained in-flight requests", "count", n)
	}
}

// pump delivers transport events in arrival order.
func (m *manager) pump(t Transport) {
	for ev := range t.Events() {
		switch ev.Kind {
		case TransportMessage:
			m.handleMessage(string(ev.Data))
		case TransportError:
			m.handleError(t, ev.Err)
		case TransportClose:
			m.handleClose(t, ev.Err)
		}
	}
}

func (m *manager) handleMessage(text string) {
	env, err := protocol.Parse(text)
	if err != nil {
		m.dropped.Add(1)
		m.logger.Warn("invalid message from peer", "message", text, "error", err)
		return
	}

	switch env.Kind {
	case protocol.KindUpdate:
		m.handleUpdate(env.Name, env.Value)
	case protocol.KindResponse:
		m.handleResponse(env.ID, env.Payload)
	}
}

func (m *manager) handleUpdate(name, value string) {
	m.mu.Lock()
	b, ok := m.bindings[name]
	m.mu.Unlock()

	if !ok {
		m.dropped.Add(1)
		m.logger.Warn("unsolicited update for unknown parameter", "name", name)
		return
	}

	m.updates.Add(1)
	b.RemoteUpdate(value)
}

func (m *manager) handleResponse(id uint64, payload string) {
	p := m.take(id)
	if p == nil {
		m.dropped.Add(1)
		m.logger.Warn("response to unknown request, expired?", "request_id", id)
		return
	}
	m.responses.Add(1)
	p.req.OnResponse(payload)
}

func (m *manager) handleError(t Transport, err error) {
	m.mu.Lock()
	if m.transport == t {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	m.logger.Warn("connection error", "error", err)
	m.dispatch(Event{Kind: EventError, Err: err})
}

func (m *manager) handleClose(t Transport, err error) {
	m.mu.Lock()
	current := m.transport == t
	if current {
		m.transport = nil
		m.state = StateDisconnected
	}
	retired := m.retired == t
	if retired {
		m.retired = nil
	}
	m.mu.Unlock()

	m.logger.Info("connection closed", "error", err, "current", current)
	// A retired transport already reported its error and has been replaced.
	if !retired {
		m.dispatch(Event{Kind: EventClose, Err: err})
	}

	// Requests already written to a newer connection are left alone.
	m.drain(t)
}

// AddListener registers a lifecycle listener.
func (m *manager) AddListener(kind EventKind, fn func(Event)) {
	m.listenersMu.Lock()
	m.listeners[kind] = append(m.listeners[kind], fn)
	m.listenersMu.Unlock()
}

func (m *manager) dispatch(ev Event) {
	m.listenersMu.Lock()
	fns := append([]func(Event){}, m.listeners[ev.Kind]...)
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Bind creates an editable binding.
func (m *manager) Bind(el EditableElement, name string) *Binding {
	b := newBinding(name, ModeEditable, el, m)
	el.OnChange(func(value string) {
		_ = b.LocalEdit(value)
	})
	m.register(b)
	return b
}

// BindReadonly creates a display-only binding.
func (m *manager) BindReadonly(el Element, name string) *Binding {
	b := newBinding(name, ModeReadOnly, el, m)
	m.register(b)
	return b
}

func (m *manager) register(b *Binding) {
	m.mu.Lock()
	if _, exists := m.bindings[b.name]; exists {
		m.logger.Warn("replacing existing binding", "name", b.name)
	}
	m.bindings[b.name] = b
	connected := m.state == StateConnected
	m.mu.Unlock()

	m.logger.Debug("bound", "name", b.name, "mode", b.mode)

	if connected {
		if err := b.Update(); err != nil {
			m.logger.Debug("initial get failed", "name", b.name, "error", err)
		}
	}
}

// Binding returns the binding registered under name.
func (m *manager) Binding(name string) (*Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[name]
	return b, ok
}

// Bindings returns all bindings sorted by name.
func (m *manager) Bindings() []*Binding {
	m.mu.Lock()
	out := make([]*Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// State returns the connection state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	state := m.state
	bindings := len(m.bindings)
	inFlight := len(m.active)
	m.mu.Unlock()

	return ManagerStats{
		State:     state.String(),
		Bindings:  bindings,
		InFlight:  inFlight,
		Sent:      m.sent.Load(),
		Responses: m.responses.Load(),
		Timeouts:  m.timeouts.Load(),
		Drained:   m.drained.Load(),
		Updates:   m.updates.Load(),
		Dropped:   m.dropped.Load(),
	}
}
