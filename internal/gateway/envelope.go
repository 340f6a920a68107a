// Package gateway bridges the hub to child processes speaking JSONL
// envelopes over stdio. Each gateway owns one child; requests are
// pipelined and correlated by request id.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates envelope lines on the wire.
type Kind string

const (
	// KindRequest is daemon to child: handle this message.
	KindRequest Kind = "request"
	// KindAck is child to daemon: the request was accepted for work.
	KindAck Kind = "ack"
	// KindResult is child to daemon: the terminal outcome of a request.
	KindResult Kind = "result"
	// KindInput is child to daemon: unsolicited input to route onward.
	KindInput Kind = "input"
	// KindEvent is child to daemon: unsolicited event to route onward.
	KindEvent Kind = "event"
)

// DeliveryMode tells the child how much of a reply the daemon waits
// for: sync requests want a result, async requests only an ack.
type DeliveryMode string

const (
	DeliverSync  DeliveryMode = "sync"
	DeliverAsync DeliveryMode = "async"
)

// Envelope is one JSONL line exchanged with a gateway child. Fields are
// populated according to Type; the rest stay empty.
type Envelope struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// Request fields. Message is the routed hub message, opaque here.
	DeliveryMode DeliveryMode    `json:"deliveryMode,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`

	// Ack fields.
	Accepted  bool   `json:"accepted,omitempty"`
	GatewayID string `json:"gatewayId,omitempty"`

	// Result fields.
	Success bool            `json:"success,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Input fields. The child asks the daemon to route Message onward.
	Target   string `json:"target,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Blocking bool   `json:"blocking,omitempty"`

	// Event fields.
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode renders the envelope as one JSON line without the trailing
// newline.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// DecodeEnvelope parses one line. Unknown types and non-JSON lines are
// errors; callers discard those lines.
func DecodeEnvelope(line []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	switch e.Type {
	case KindRequest, KindAck, KindResult, KindInput, KindEvent:
		return &e, nil
	case "":
		return nil, fmt.Errorf("envelope has no type")
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
}

// CorrelatesRequest reports whether this envelope resolves a pending
// request.
func (e *Envelope) CorrelatesRequest() bool {
	return (e.Type == KindAck || e.Type == KindResult) && e.RequestID != ""
}
