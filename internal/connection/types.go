package connection

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrStaleConnection  = errors.New("connection stale (no pong)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrAlreadySent      = errors.New("request already sent")
	ErrReadOnly         = errors.New("binding is read-only")
)

// DefaultRequestTimeout is how long a request may stay unanswered.
const DefaultRequestTimeout = 10 * time.Second

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// TransportEventKind identifies a transport event.
type TransportEventKind int

const (
	TransportMessage TransportEventKind = iota
	TransportError
	TransportClose
)

// TransportEvent is delivered by a Transport in the order it happened.
// A TransportClose event is always the last event before the channel closes.
type TransportEvent struct {
	Kind       TransportEventKind
	Data       []byte    // TransportMessage only
	Err        error     // TransportError; TransportClose when the close was not requested locally
	ReceivedAt time.Time // Local timestamp when the event was produced
}

// Transport is an open message-oriented connection to the peer.
type Transport interface {
	// Send writes one text frame.
	Send(text string) error

	// Close closes the connection. A TransportClose event follows.
	Close() error

	// IsConnected reports whether the connection is open.
	IsConnected() bool

	// Events returns the ordered event stream. It is closed after TransportClose.
	Events() <-chan TransportEvent
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	EventError EventKind = iota
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Event is passed to Manager lifecycle listeners.
type Event struct {
	Kind EventKind
	Err  error // nil for a close requested through Disconnect
}

// UpdateKind identifies a binding event.
type UpdateKind int

const (
	// RemoteUpdate fires when a GET response or UPD push overwrites the value.
	RemoteUpdate UpdateKind = iota
	// EditCommitted fires when the peer acknowledged a SET.
	EditCommitted
	// EditFailed fires when a SET timed out or was drained by a close.
	EditFailed
)

func (k UpdateKind) String() string {
	switch k {
	case RemoteUpdate:
		return "remote_update"
	case EditCommitted:
		return "edit_committed"
	case EditFailed:
		return "edit_failed"
	}
	return "unknown"
}

// Update is passed to Binding listeners.
type Update struct {
	Kind      UpdateKind
	Name      string
	Value     string // new value, or the dropped proposal for EditFailed
	RequestID uint64 // zero for unsolicited updates
	At        time.Time
}

// Element is a display-only UI element.
// Display must not call back into the Binding that owns it.
type Element interface {
	Display(value string)
}

// EditableElement is a UI element the user can change.
type EditableElement interface {
	Element

	// OnChange registers a callback run with the new value on every user edit.
	OnChange(fn func(value string))
}

// Mode is the capability of a Binding.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeEditable
)

func (m Mode) String() string {
	if m == ModeEditable {
		return "editable"
	}
	return "readonly"
}

// Timer is a scheduled action that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules request timeouts.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., ws://192.168.4.1/api/v1/binding)
	UserAgent    string        // Sent as User-Agent on the handshake
	PingInterval time.Duration // How often to ping the peer
	PingTimeout  time.Duration // Max time without pong before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Event channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 15 * time.Second,
		PingTimeout:  45 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   256,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State     string `json:"state"`
	Bindings  int    `json:"bindings"`
	InFlight  int    `json:"in_flight"`
	Sent      int64  `json:"sent"`      // requests written to the transport
	Responses int64  `json:"responses"` // requests resolved by a response
	Timeouts  int64  `json:"timeouts"`  // requests resolved by their timer
	Drained   int64  `json:"drained"`   // requests resolved by a close or Disconnect
	Updates   int64  `json:"updates"`   // unsolicited updates applied
	Dropped   int64  `json:"dropped"`   // messages logged and dropped
}
