package connection

import (
	"github.com/rickgao/parambind/internal/protocol"
)

// Request is a unit of work sent to the peer and resolved exactly once,
// either by OnResponse or by OnTimeout.
type Request interface {
	// Serialize encodes the request with its assigned ID.
	Serialize() string

	// OnResponse handles the payload of the matching response.
	OnResponse(payload string)

	// OnTimeout handles expiry, including expiry forced by a close.
	OnTimeout()

	// ID returns the assigned request ID, if the request was sent.
	ID() (uint64, bool)

	// assign records the request ID. It fails if the request was already sent.
	assign(id uint64) error
}

// sendOnce holds the request ID assigned at send time.
type sendOnce struct {
	id   uint64
	sent bool
}

func (s *sendOnce) ID() (uint64, bool) {
	return s.id, s.sent
}

func (s *sendOnce) assign(id uint64) error {
	if s.sent {
		return ErrAlreadySent
	}
	s.id = id
	s.sent = true
	return nil
}

// GetRequest fetches the current value of a binding.
type GetRequest struct {
	sendOnce
	binding *Binding
}

// NewGetRequest creates a GET for b.
func NewGetRequest(b *Binding) *GetRequest {
	return &GetRequest{binding: b}
}

func (r *GetRequest) Serialize() string {
	return protocol.FormatGet(r.id, r.binding.name)
}

// OnResponse applies the payload as the authoritative value.
func (r *GetRequest) OnResponse(payload string) {
	r.binding.RemoteUpdate(payload)
}

// OnTimeout only logs; a failed poll is not user visible.
func (r *GetRequest) OnTimeout() {
	r.binding.logger.Debug("get timed out", "request_id", r.id)
}

// SetRequest proposes a new value for a binding.
type SetRequest struct {
	sendOnce
	binding *Binding
	value   string
}

// NewSetRequest creates a SET proposing value for b.
func NewSetRequest(b *Binding, value string) *SetRequest {
	return &SetRequest{binding: b, value: value}
}

// Value returns the proposed value.
func (r *SetRequest) Value() string {
	return r.value
}

func (r *SetRequest) Serialize() string {
	return protocol.FormatSet(r.id, r.binding.name, r.value)
}

// OnResponse commits the proposed value. The payload is ignored.
func (r *SetRequest) OnResponse(string) {
	r.binding.updateSucceeded(r.id)
}

// OnTimeout drops the proposed value.
func (r *SetRequest) OnTimeout() {
	r.binding.updateFailed(r.id)
}

// assign also records the proposal on the binding, so the entry exists
// before the frame is written and before any response can arrive.
func (r *SetRequest) assign(id uint64) error {
	if err := r.sendOnce.assign(id); err != nil {
		return err
	}
	r.binding.propose(id, r.value)
	return nil
}
