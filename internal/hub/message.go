// Package hub routes messages between registered modules. Delivery is
// driven by route rules held in the registry; undeliverable messages
// park in a bounded FIFO queue until a matching route appears.
package hub

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Version is stamped on every minted message.
const Version = "1"

// Message is the unit of routing. Payload bytes are opaque to the hub.
type Message struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Type      string `json:"type,omitempty"`
	Route     string `json:"route,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source,omitempty"`
	Dest      string `json:"dest,omitempty"`
	TraceID   string `json:"traceId,omitempty"`

	// CallbackID is attached by routeToOutput when the sender wants the
	// terminal result delivered out of band.
	CallbackID string `json:"_callbackId,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage mints a message with a unique id and a monotonic timestamp.
func NewMessage(msgType, source string, payload json.RawMessage) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Version:   Version,
		Type:      msgType,
		Timestamp: NowMs(),
		Source:    source,
		Payload:   payload,
	}
}

// Clone returns a copy whose payload is independent of the original.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &cp
}

var lastStamp atomic.Int64

// NowMs returns the wall clock in unix milliseconds, strictly increasing
// across calls within this process even if the wall clock repeats or
// steps backwards.
func NowMs() int64 {
	for {
		now := time.Now().UnixMilli()
		last := lastStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastStamp.CompareAndSwap(last, now) {
			return now
		}
	}
}
