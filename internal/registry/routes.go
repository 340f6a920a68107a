package registry

import (
	"fmt"
	"regexp"
)

// MatchFunc is a programmatic pattern. It receives the message's JSON
// serialization and reports whether the route applies.
type MatchFunc func(raw []byte) bool

// Match selects messages for a route. Every set criterion must hold.
// Fn and Regex are tested against the message's JSON form; Pattern is a
// string compared for equality against the message's type or route
// field. A message without a type never matches Pattern through its
// type, though its route may still match.
type Match struct {
	Type    string `json:"type,omitempty"`
	Source  string `json:"source,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Regex   string `json:"regex,omitempty"`

	// Fn cannot be persisted; routes carrying one are skipped by snapshots.
	Fn MatchFunc `json:"-"`

	compiled *regexp.Regexp
}

// compile prepares the regex criterion. Called when the route is added
// and again when routes are restored from a snapshot.
func (m *Match) compile() error {
	if m.Regex == "" {
		m.compiled = nil
		return nil
	}
	re, err := regexp.Compile(m.Regex)
	if err != nil {
		return fmt.Errorf("compiling route regex %q: %w", m.Regex, err)
	}
	m.compiled = re
	return nil
}

// empty reports whether no criterion is set. An empty match never fires.
func (m *Match) empty() bool {
	return m.Type == "" && m.Source == "" && m.Pattern == "" && m.Regex == "" && m.Fn == nil
}

// Matches evaluates the criteria against one message's routing fields
// and JSON form.
func (m *Match) Matches(msgType, msgRoute, msgSource string, raw []byte) bool {
	if m.empty() {
		return false
	}
	if m.Type != "" && m.Type != msgType {
		return false
	}
	if m.Source != "" && m.Source != msgSource {
		return false
	}
	if m.Fn != nil && !m.Fn(raw) {
		return false
	}
	if m.compiled != nil && !m.compiled.Match(raw) {
		return false
	}
	if m.Pattern != "" {
		typeHit := msgType != "" && msgType == m.Pattern
		routeHit := msgRoute != "" && msgRoute == m.Pattern
		if !typeHit && !routeHit {
			return false
		}
	}
	return true
}

// RouteRule binds a match to destination modules. Rules are evaluated in
// descending priority; equal priorities keep insertion order.
type RouteRule struct {
	ID       string   `json:"id"`
	Match    Match    `json:"match"`
	Dest     []string `json:"dest"`
	Priority int      `json:"priority"`

	// Blocking makes the first matching destination's handler result the
	// value of the send; no later rule fires after a blocking one.
	Blocking bool `json:"blocking,omitempty"`

	seq int
}

// Persistable reports whether the rule survives a snapshot round-trip.
func (r *RouteRule) Persistable() bool {
	return r.Match.Fn == nil
}

// Clone returns a copy safe to hand outside the registry lock. The
// compiled regex and function pattern are shared; both are immutable
// after the route is added.
func (r *RouteRule) Clone() *RouteRule {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Dest = append([]string(nil), r.Dest...)
	return &cp
}
