// Package registry indexes module descriptors and route rules. It is the
// hub's routing table and the snapshot manager's unit of persistence.
package registry

import "encoding/json"

// EntryType distinguishes message consumers from producers.
type EntryType string

const (
	TypeInput  EntryType = "input"
	TypeOutput EntryType = "output"
)

// Status is a module's registry-visible condition.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusError  Status = "error"
)

// Entry describes one registered module.
type Entry struct {
	ID     string          `json:"id"`
	Type   EntryType       `json:"type"`
	Kind   string          `json:"kind,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
	Status Status          `json:"status"`

	// LastHeartbeat is the unix-millisecond timestamp of the most recent
	// heartbeat, zero when the module has never reported one.
	LastHeartbeat int64 `json:"lastHeartbeat,omitempty"`

	// SingleWriter makes the hub serialize direct sends to this module:
	// one in-flight delivery at a time, later senders queue behind it.
	SingleWriter bool `json:"singleWriter,omitempty"`

	RegisteredAt int64 `json:"registeredAt"`
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Config != nil {
		cp.Config = append(json.RawMessage(nil), e.Config...)
	}
	return &cp
}

// ListQuery filters entries for listing.
type ListQuery struct {
	// Types filters by entry type(s). If empty, all types are included.
	Types []EntryType

	// Statuses filters by status(es). If empty, all statuses are included.
	Statuses []Status

	// Kind filters by implementation tag. If empty, all kinds are included.
	Kind string

	// Limit is the maximum number of results to return. 0 means no limit.
	Limit int

	// Offset is the number of results to skip. Used for pagination.
	Offset int
}
