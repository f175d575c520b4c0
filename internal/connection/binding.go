package connection

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Binding is the local state of one named remote parameter.
type Binding struct {
	name    string
	mode    Mode
	element Element
	manager *manager
	logger  *slog.Logger

	mu      sync.Mutex
	value   string
	pending map[uint64]string // request ID -> proposed value
	order   []uint64          // pending IDs in request order

	listenersMu sync.Mutex
	listeners   map[UpdateKind][]func(Update)
}

func newBinding(name string, mode Mode, el Element, m *manager) *Binding {
	return &Binding{
		name:      name,
		mode:      mode,
		element:   el,
		manager:   m,
		logger:    m.logger.With("binding", name),
		pending:   make(map[uint64]string),
		listeners: make(map[UpdateKind][]func(Update)),
	}
}

// Name returns the parameter name.
func (b *Binding) Name() string {
	return b.name
}

// Mode returns whether the binding is read-only or editable.
func (b *Binding) Mode() Mode {
	return b.mode
}

// Value returns the last authoritative value.
func (b *Binding) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Pending returns the proposed values awaiting confirmation, oldest first.
func (b *Binding) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.pending[id])
	}
	return out
}

// AddListener registers fn for events of the given kind. Listeners run
// synchronously in registration order; a panicking listener stops delivery.
func (b *Binding) AddListener(kind UpdateKind, fn func(Update)) {
	b.listenersMu.Lock()
	b.listeners[kind] = append(b.listeners[kind], fn)
	b.listenersMu.Unlock()
}

func (b *Binding) dispatch(u Update) {
	b.listenersMu.Lock()
	fns := append([]func(Update){}, b.listeners[u.Kind]...)
	b.listenersMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// LocalEdit proposes newValue to the peer. The displayed value changes only
// once the peer acknowledges. When not connected the edit is dropped and the
// element is repainted with the authoritative value.
func (b *Binding) LocalEdit(newValue string) error {
	if b.mode != ModeEditable {
		return ErrReadOnly
	}

	id, err := b.manager.SendRequest(NewSetRequest(b, newValue))
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			b.logger.Debug("edit dropped, not connected", "value", newValue)
		} else {
			b.logger.Warn("edit not sent", "value", newValue, "error", err)
		}
		b.revert()
		return err
	}

	b.logger.Debug("edit sent", "request_id", id, "value", newValue)
	return nil
}

// Update fetches the current value from the peer.
func (b *Binding) Update() error {
	_, err := b.manager.SendRequest(NewGetRequest(b))
	return err
}

// RemoteUpdate overwrites the displayed and authoritative value. It wins
// over any pending edit.
func (b *Binding) RemoteUpdate(newValue string) {
	b.mu.Lock()
	b.value = newValue
	b.element.Display(newValue)
	b.mu.Unlock()

	b.dispatch(Update{Kind: RemoteUpdate, Name: b.name, Value: newValue, At: time.Now()})
}

func (b *Binding) propose(id uint64, value string) {
	b.mu.Lock()
	b.pending[id] = value
	b.order = append(b.order, id)
	b.mu.Unlock()
}

// take removes and returns the proposal for id.
func (b *Binding) take(id uint64) (string, bool) {
	value, ok := b.pending[id]
	if !ok {
		return "", false
	}
	delete(b.pending, id)
	for i, pid := range b.order {
		if pid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return value, true
}

func (b *Binding) updateSucceeded(id uint64) {
	b.mu.Lock()
	value, ok := b.take(id)
	if ok {
		b.value = value
		b.element.Display(value)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("ack for unknown edit", "request_id", id)
		return
	}
	b.dispatch(Update{Kind: EditCommitted, Name: b.name, Value: value, RequestID: id, At: time.Now()})
}

func (b *Binding) updateFailed(id uint64) {
	b.mu.Lock()
	value, ok := b.take(id)
	if ok {
		b.element.Display(b.value)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.logger.Info("edit failed", "request_id", id, "value", value)
	b.dispatch(Update{Kind: EditFailed, Name: b.name, Value: value, RequestID: id, At: time.Now()})
}

func (b *Binding) revert() {
	b.mu.Lock()
	b.element.Display(b.value)
	b.mu.Unlock()
}
