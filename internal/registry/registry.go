package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry stores module entries and route rules. All mutations are
// atomic with respect to concurrent reads: a caller sees either the
// pre-mutation or post-mutation table, never a torn view.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	routes  []*RouteRule
	byID    map[string]*RouteRule
	nextSeq int
	onDirty func()
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		byID:    make(map[string]*RouteRule),
	}
}

// SetDirtyHook installs a callback fired after every mutation. The
// snapshot manager uses it to flag pending persistence work.
func (r *Registry) SetDirtyHook(fn func()) {
	r.mu.Lock()
	r.onDirty = fn
	r.mu.Unlock()
}

// markDirty assumes r.mu is held.
func (r *Registry) markDirty() {
	if r.onDirty != nil {
		r.onDirty()
	}
}

// PutEntry stores a module descriptor, replacing any existing entry with
// the same id.
func (r *Registry) PutEntry(e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if e.ID == "" {
		return fmt.Errorf("entry id cannot be empty")
	}
	if e.Type != TypeInput && e.Type != TypeOutput {
		return fmt.Errorf("entry %s has invalid type %q", e.ID, e.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := e.Clone()
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	if cp.RegisteredAt == 0 {
		cp.RegisteredAt = time.Now().UnixMilli()
	}
	r.entries[cp.ID] = cp
	r.markDirty()
	return nil
}

// GetEntry retrieves an entry by id.
func (r *Registry) GetEntry(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// UpdateEntry atomically modifies an entry. The update function runs
// while holding the registry's exclusive lock.
func (r *Registry) UpdateEntry(id string, fn func(*Entry)) error {
	if fn == nil {
		return fmt.Errorf("update function cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("entry %s not found", id)
	}
	fn(e)
	r.markDirty()
	return nil
}

// RemoveEntry deletes an entry.
func (r *Registry) RemoveEntry(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("entry %s not found", id)
	}
	delete(r.entries, id)
	r.markDirty()
	return nil
}

// ListEntries returns entries matching the query, newest registration
// first.
func (r *Registry) ListEntries(q ListQuery) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Entry
	for _, e := range r.entries {
		if matchesQuery(e, &q) {
			results = append(results, e.Clone())
		}
	}

	sortByRegisteredAtDesc(results)

	if q.Offset > 0 {
		if q.Offset >= len(results) {
			return nil
		}
		results = results[q.Offset:]
	}
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// CountByStatus returns the number of entries in each status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range r.entries {
		counts[e.Status]++
	}
	return counts
}

// AddRoute registers a rule and returns its id. A rule without an id is
// assigned one. The rule list stays sorted by priority descending,
// insertion order breaking ties.
func (r *Registry) AddRoute(rule *RouteRule) (string, error) {
	if rule == nil {
		return "", fmt.Errorf("route rule cannot be nil")
	}
	if len(rule.Dest) == 0 {
		return "", fmt.Errorf("route rule needs at least one destination")
	}
	if rule.Match.empty() {
		return "", fmt.Errorf("route rule needs at least one match criterion")
	}

	cp := rule.Clone()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if err := cp.Match.compile(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[cp.ID]; exists {
		return "", fmt.Errorf("route %s already exists", cp.ID)
	}

	cp.seq = r.nextSeq
	r.nextSeq++
	r.routes = append(r.routes, cp)
	sortRoutes(r.routes)
	r.byID[cp.ID] = cp
	r.markDirty()
	return cp.ID, nil
}

// RemoveRoute deletes a rule by id.
func (r *Registry) RemoveRoute(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("route %s not found", id)
	}
	delete(r.byID, id)
	for i, rule := range r.routes {
		if rule.ID == id {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			break
		}
	}
	r.markDirty()
	return nil
}

// Routes returns the rules in evaluation order.
func (r *Registry) Routes() []*RouteRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RouteRule, len(r.routes))
	for i, rule := range r.routes {
		out[i] = rule.Clone()
	}
	return out
}

// Export returns the persistable registry state: all entries and every
// route that can survive a snapshot round-trip.
func (r *Registry) Export() ([]*Entry, []*RouteRule) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e.Clone())
	}
	sortByRegisteredAtDesc(entries)

	routes := make([]*RouteRule, 0, len(r.routes))
	for _, rule := range r.routes {
		if rule.Persistable() {
			routes = append(routes, rule.Clone())
		}
	}
	return entries, routes
}

// Restore replaces the registry state with the given entries and routes.
// Used at startup when a snapshot exists.
func (r *Registry) Restore(entries []*Entry, routes []*RouteRule) error {
	for _, rule := range routes {
		if err := rule.Match.compile(); err != nil {
			return fmt.Errorf("restoring route %s: %w", rule.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*Entry, len(entries))
	for _, e := range entries {
		r.entries[e.ID] = e.Clone()
	}

	r.routes = make([]*RouteRule, 0, len(routes))
	r.byID = make(map[string]*RouteRule, len(routes))
	r.nextSeq = 0
	for _, rule := range routes {
		cp := rule.Clone()
		cp.seq = r.nextSeq
		r.nextSeq++
		r.routes = append(r.routes, cp)
		r.byID[cp.ID] = cp
	}
	sortRoutes(r.routes)
	r.markDirty()
	return nil
}

// matchesQuery checks if an entry matches the given query filters.
func matchesQuery(e *Entry, q *ListQuery) bool {
	if len(q.Types) > 0 && !containsType(q.Types, e.Type) {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, e.Status) {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	return true
}

func containsType(types []EntryType, target EntryType) bool {
	for _, t := range types {
		if t == target {
			return true
		}
	}
	return false
}

func containsStatus(statuses []Status, target Status) bool {
	for _, s := range statuses {
		if s == target {
			return true
		}
	}
	return false
}

// sortByRegisteredAtDesc sorts entries newest first, ID descending on ties.
// Simple insertion sort - adequate for expected list sizes.
func sortByRegisteredAtDesc(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entrySortsBefore(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func entrySortsBefore(a, b *Entry) bool {
	if a.RegisteredAt != b.RegisteredAt {
		return a.RegisteredAt > b.RegisteredAt
	}
	return a.ID > b.ID
}

// sortRoutes orders rules by priority descending, insertion sequence
// ascending on ties. Simple insertion sort - adequate for expected list
// sizes.
func sortRoutes(routes []*RouteRule) {
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && routeSortsBefore(routes[j], routes[j-1]); j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}
}

func routeSortsBefore(a, b *RouteRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}
