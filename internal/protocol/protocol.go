// Package protocol implements the line-oriented text protocol spoken on the
// binding WebSocket.
//
// Client to peer:
//
//	GET <id> <name>
//	SET <id> <name> <value>
//
// Peer to client:
//
//	<id> <payload>      response to a GET or SET (payload empty for SET acks)
//	UPD <name> <value>  unsolicited update
//
// Fields are separated by a single space. Values extend to the end of the
// message and are carried verbatim; there is no escaping.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Verbs.
const (
	VerbGet    = "GET"
	VerbSet    = "SET"
	VerbUpdate = "UPD"
)

const sep = " "

// Errors
var (
	ErrMalformed    = errors.New("malformed message")
	ErrBadRequestID = errors.New("invalid request id")
	ErrUnknownVerb  = errors.New("unknown verb")
)

// Kind distinguishes the two peer-to-client envelopes.
type Kind int

const (
	KindResponse Kind = iota
	KindUpdate
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindUpdate:
		return "update"
	}
	return "unknown"
}

// Envelope is a parsed peer-to-client message.
type Envelope struct {
	Kind Kind

	// Response fields
	ID      uint64
	Payload string

	// Update fields
	Name  string
	Value string
}

// FormatGet encodes a GET request.
func FormatGet(id uint64, name string) string {
	return VerbGet + sep + strconv.FormatUint(id, 10) + sep + name
}

// FormatSet encodes a SET request.
func FormatSet(id uint64, name, value string) string {
	return VerbSet + sep + strconv.FormatUint(id, 10) + sep + name + sep + value
}

// Parse decodes a message received from the peer.
func Parse(text string) (Envelope, error) {
	if text == "" {
		return Envelope{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	head, rest, found := strings.Cut(text, sep)

	if head == VerbUpdate {
		if !found {
			return Envelope{}, fmt.Errorf("%w: no parameter name", ErrMalformed)
		}
		name, value, ok := strings.Cut(rest, sep)
		if !ok || name == "" {
			return Envelope{}, fmt.Errorf("%w: no parameter name", ErrMalformed)
		}
		return Envelope{Kind: KindUpdate, Name: name, Value: value}, nil
	}

	id, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %q", ErrBadRequestID, head)
	}

	// "<id>" and "<id> " are both empty-payload acks.
	return Envelope{Kind: KindResponse, ID: id, Payload: rest}, nil
}

// Request is a parsed client-to-peer message, used by the peer side.
type Request struct {
	Verb  string
	ID    uint64
	Name  string
	Value string
}

// ParseRequest decodes a GET or SET line.
func ParseRequest(text string) (Request, error) {
	verb, rest, found := strings.Cut(text, sep)
	if !found {
		return Request{}, fmt.Errorf("%w: no verb", ErrMalformed)
	}
	if verb != VerbGet && verb != VerbSet {
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}

	idStr, rest, found := strings.Cut(rest, sep)
	if !found {
		return Request{}, fmt.Errorf("%w: no parameter name", ErrMalformed)
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %q", ErrBadRequestID, idStr)
	}

	req := Request{Verb: verb, ID: id}
	if verb == VerbGet {
		if rest == "" {
			return Request{}, fmt.Errorf("%w: no parameter name", ErrMalformed)
		}
		req.Name = rest
		return req, nil
	}

	name, value, found := strings.Cut(rest, sep)
	if !found || name == "" {
		return Request{}, fmt.Errorf("%w: no value", ErrMalformed)
	}
	req.Name = name
	req.Value = value
	return req, nil
}

// FormatResponse encodes a response. SET acks pass an empty payload.
func FormatResponse(id uint64, payload string) string {
	return strconv.FormatUint(id, 10) + sep + payload
}

// FormatUpdate encodes an unsolicited update.
func FormatUpdate(name, value string) string {
	return VerbUpdate + sep + name + sep + value
}
