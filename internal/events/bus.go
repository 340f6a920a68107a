package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fingerhq/finger/internal/log"
)

// DefaultRingCapacity bounds the in-memory tail of recent events.
const DefaultRingCapacity = 1000

// Handler consumes one event. Handlers run synchronously on the
// emitter's goroutine; a panicking handler is logged and skipped.
type Handler func(Event)

// Sink receives every emitted event, before handlers run. A sink may
// fill in Event.Seq (the archive does) so downstream consumers see it.
type Sink interface {
	Append(ev *Event) error
}

// Option configures the Bus.
type Option func(*Bus)

// WithRingCapacity overrides the recent-events ring size.
func WithRingCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithSink attaches a persistence sink. Sinks run in registration order.
func WithSink(s Sink) Option {
	return func(b *Bus) {
		b.sinks = append(b.sinks, s)
	}
}

// Bus is a synchronous typed pub/sub hub. Emit fans an event out to every
// matching subscription; one handler's failure never reaches another.
type Bus struct {
	mu       sync.RWMutex
	nextID   int64
	subs     map[int64]*subscription
	sinks    []Sink
	ring     []Event
	head     int
	count    int
	capacity int
}

type subscription struct {
	all    bool
	types  map[Type]struct{}
	groups map[Group]struct{}
	fn     Handler
}

func (s *subscription) matches(ev Event) bool {
	if s.all {
		return true
	}
	if s.types != nil {
		_, ok := s.types[ev.Type]
		return ok
	}
	if s.groups != nil {
		_, ok := s.groups[ev.Group]
		return ok
	}
	return false
}

// NewBus creates an event bus with the default ring capacity.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:     make(map[int64]*subscription),
		capacity: DefaultRingCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ring = make([]Event, b.capacity)
	return b
}

// Subscribe registers a handler for one event type. The returned function
// removes the subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	return b.add(&subscription{types: map[Type]struct{}{t: {}}, fn: fn})
}

// SubscribeMultiple registers a handler for a set of event types.
func (b *Bus) SubscribeMultiple(types []Type, fn Handler) func() {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return b.add(&subscription{types: set, fn: fn})
}

// SubscribeByGroup registers a handler for every type in a group.
func (b *Bus) SubscribeByGroup(g Group, fn Handler) func() {
	return b.add(&subscription{groups: map[Group]struct{}{g: {}}, fn: fn})
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.add(&subscription{all: true, fn: fn})
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Emit normalizes the event, hands it to every sink, appends it to the
// ring, and invokes matching handlers synchronously in arrival order.
func (b *Bus) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.Group == "" {
		ev.Group = GroupOf(ev.Type)
	}

	for _, s := range b.sinks {
		if err := s.Append(&ev); err != nil {
			log.Warn(log.CatEvents, "event sink append failed", "event_type", ev.Type, "error", err.Error())
		}
	}

	b.mu.Lock()
	b.ring[b.head] = ev
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev) {
			handlers = append(handlers, sub.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		b.invoke(fn, ev)
	}
}

func (b *Bus) invoke(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn(log.CatEvents, "event handler panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// Recent returns up to limit of the newest events, oldest first.
// limit <= 0 returns everything the ring holds.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	start := b.head - n
	if start < 0 {
		start += b.capacity
	}
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%b.capacity])
	}
	return out
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
