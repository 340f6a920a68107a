package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/registry"
)

// DefaultSweepInterval is how often the hub retries queued messages when
// no registration has kicked a retry sooner.
const DefaultSweepInterval = 5 * time.Second

// SendStatus classifies the outcome of a send.
type SendStatus string

const (
	StatusDelivered SendStatus = "delivered"
	StatusQueued    SendStatus = "queued"
	StatusFailed    SendStatus = "failed"
)

// SendResult is what a sender gets back. Value is populated only when a
// blocking handler produced the result; Failure only when Status is failed.
type SendResult struct {
	MessageID string         `json:"messageId"`
	Status    SendStatus     `json:"status"`
	Value     any            `json:"value,omitempty"`
	Failure   *DeliveryError `json:"failure,omitempty"`
}

// ModuleSpec describes a module being attached to the hub.
type ModuleSpec struct {
	ID     string
	Kind   string
	Config json.RawMessage

	// SingleWriter serializes deliveries to this module: one in-flight
	// at a time, later senders wait their turn.
	SingleWriter bool

	// Routes are installed alongside the registration. A rule with no
	// Dest is pointed at this module.
	Routes []*registry.RouteRule
}

type moduleBinding struct {
	id      string
	handler Handler
	slot    chan struct{} // cap 1 when single-writer, nil otherwise
}

// Options configures a Hub.
type Options struct {
	// QueueCapacity bounds the undeliverable queue. Zero means
	// DefaultQueueCapacity.
	QueueCapacity int

	// ErrorHandler receives delivery failures. Nil means the default
	// registry-backed handler.
	ErrorHandler ErrorHandler

	// Middlewares wrap every registered handler. Nil means recovery
	// plus logging; pass an empty slice for none.
	Middlewares []Middleware

	// SweepInterval is the queue retry cadence for Start. Zero means
	// DefaultSweepInterval; negative disables the sweep.
	SweepInterval time.Duration
}

// Hub routes messages between registered modules.
type Hub struct {
	reg  *registry.Registry
	errh ErrorHandler
	mws  []Middleware

	mu       sync.RWMutex
	bindings map[string]*moduleBinding

	queue     *messageQueue
	callbacks *callbackStore

	sweep       time.Duration
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a Hub over the given registry.
func New(reg *registry.Registry, opts Options) *Hub {
	errh := opts.ErrorHandler
	if errh == nil {
		errh = NewErrorHandler(reg, DefaultPauseAfter)
	}
	mws := opts.Middlewares
	if mws == nil {
		mws = []Middleware{NewRecoveryMiddleware(), NewLoggingMiddleware()}
	}
	sweep := opts.SweepInterval
	if sweep == 0 {
		sweep = DefaultSweepInterval
	}
	return &Hub{
		reg:       reg,
		errh:      errh,
		mws:       mws,
		bindings:  make(map[string]*moduleBinding),
		queue:     newMessageQueue(opts.QueueCapacity),
		callbacks: newCallbackStore(),
		sweep:     sweep,
	}
}

// Registry exposes the backing registry for read access.
func (h *Hub) Registry() *registry.Registry { return h.reg }

// RegisterInput attaches an input module. Registering an existing id
// replaces its handler and registry entry.
func (h *Hub) RegisterInput(spec ModuleSpec, handler Handler) error {
	return h.register(spec, registry.TypeInput, handler)
}

// RegisterOutput attaches an output module. Registering an existing id
// replaces its handler and registry entry.
func (h *Hub) RegisterOutput(spec ModuleSpec, handler Handler) error {
	return h.register(spec, registry.TypeOutput, handler)
}

func (h *Hub) register(spec ModuleSpec, typ registry.EntryType, handler Handler) error {
	if spec.ID == "" {
		return errors.New("module id is required")
	}
	if handler == nil {
		return fmt.Errorf("module %q has no handler", spec.ID)
	}

	entry := &registry.Entry{
		ID:           spec.ID,
		Type:         typ,
		Kind:         spec.Kind,
		Config:       spec.Config,
		SingleWriter: spec.SingleWriter,
	}
	if err := h.reg.PutEntry(entry); err != nil {
		return err
	}

	b := &moduleBinding{
		id:      spec.ID,
		handler: ChainMiddleware(handler, h.mws...),
	}
	if spec.SingleWriter {
		b.slot = make(chan struct{}, 1)
	}

	h.mu.Lock()
	h.bindings[spec.ID] = b
	h.mu.Unlock()

	for _, rule := range spec.Routes {
		if rule != nil && len(rule.Dest) == 0 {
			rule.Dest = []string{spec.ID}
		}
		if _, err := h.reg.AddRoute(rule); err != nil {
			return fmt.Errorf("registering module %q: %w", spec.ID, err)
		}
	}

	log.Info(log.CatHub, "module registered",
		"module_id", spec.ID,
		"module_type", string(typ),
		"kind", spec.Kind,
		"routes", len(spec.Routes),
	)

	h.kickQueue()
	return nil
}

// Unregister detaches a module and removes its registry entry. Routes
// pointing at it are left in place; deliveries to it queue until it
// returns or the routes are removed.
func (h *Hub) Unregister(id string) error {
	h.mu.Lock()
	_, ok := h.bindings[id]
	delete(h.bindings, id)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if err := h.reg.RemoveEntry(id); err != nil {
		return err
	}
	log.Info(log.CatHub, "module unregistered", "module_id", id)
	return nil
}

// IsRegistered reports whether a handler is bound for the id.
func (h *Hub) IsRegistered(id string) bool {
	return h.binding(id) != nil
}

// AddRoute installs a routing rule and returns its id. Queued messages
// are retried against the new rule.
func (h *Hub) AddRoute(rule *registry.RouteRule) (string, error) {
	id, err := h.reg.AddRoute(rule)
	if err != nil {
		return "", err
	}
	h.kickQueue()
	return id, nil
}

// RemoveRoute deletes a routing rule by id.
func (h *Hub) RemoveRoute(id string) error {
	return h.reg.RemoveRoute(id)
}

// Send routes a message through the rule table. Rules are evaluated in
// priority order; every matching non-blocking rule delivers, and the
// first matching blocking rule produces the result and ends the scan.
// A message matching nothing is queued.
func (h *Hub) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if msg == nil {
		return nil, ErrBadMessage
	}
	h.prepare(msg)

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	res, matched := h.dispatch(ctx, msg, raw)
	if matched {
		return res, nil
	}

	if err := h.queue.Enqueue(msg); err != nil {
		return nil, err
	}
	log.Debug(log.CatHub, "message queued",
		"message_id", msg.ID,
		"message_type", msg.Type,
		"queue_len", h.queue.Len(),
	)
	return &SendResult{MessageID: msg.ID, Status: StatusQueued}, nil
}

// dispatch scans the rule table once. The bool reports whether any rule
// matched.
func (h *Hub) dispatch(ctx context.Context, msg *Message, raw []byte) (*SendResult, bool) {
	matched := false
	for _, rule := range h.reg.Routes() {
		if !rule.Match.Matches(msg.Type, msg.Route, msg.Source, raw) {
			continue
		}
		matched = true
		if rule.Blocking {
			return h.deliverBlocking(ctx, rule, msg), true
		}
		h.deliverEach(ctx, rule, msg)
	}
	if !matched {
		return nil, false
	}
	return &SendResult{MessageID: msg.ID, Status: StatusDelivered}, true
}

// deliverBlocking invokes the first live destination of a blocking rule
// and surfaces its result or a structured failure.
func (h *Hub) deliverBlocking(ctx context.Context, rule *registry.RouteRule, msg *Message) *SendResult {
	for _, dest := range rule.Dest {
		b := h.binding(dest)
		if b == nil {
			log.Warn(log.CatHub, "route dest has no handler",
				"route_id", rule.ID, "dest", dest)
			continue
		}
		if h.isPaused(dest) {
			return &SendResult{
				MessageID: msg.ID,
				Status:    StatusFailed,
				Failure: &DeliveryError{
					RouteID:  rule.ID,
					ModuleID: dest,
					Paused:   true,
					Err:      fmt.Errorf("module %s is paused", dest),
				},
			}
		}

		value, err := h.invoke(WithBlockingDelivery(ctx), b, msg)
		if err != nil {
			paused := h.errh.NoteFailure(dest, err)
			return &SendResult{
				MessageID: msg.ID,
				Status:    StatusFailed,
				Failure: &DeliveryError{
					RouteID:  rule.ID,
					ModuleID: dest,
					Paused:   paused,
					Err:      err,
				},
			}
		}
		h.errh.NoteSuccess(dest)
		return &SendResult{MessageID: msg.ID, Status: StatusDelivered, Value: value}
	}
	return &SendResult{
		MessageID: msg.ID,
		Status:    StatusFailed,
		Failure:   &DeliveryError{RouteID: rule.ID, Err: ErrNotRegistered},
	}
}

// deliverEach invokes every destination of a non-blocking rule in
// declared order. Failures are reported to the error handler and a
// direct retry is queued; they never surface to the sender.
func (h *Hub) deliverEach(ctx context.Context, rule *registry.RouteRule, msg *Message) {
	for _, dest := range rule.Dest {
		b := h.binding(dest)
		if b == nil {
			h.scheduleRetry(rule.ID, dest, msg, false)
			continue
		}
		if h.isPaused(dest) {
			h.scheduleRetry(rule.ID, dest, msg, true)
			continue
		}

		if _, err := h.invoke(ctx, b, msg); err != nil {
			paused := h.errh.NoteFailure(dest, err)
			h.scheduleRetry(rule.ID, dest, msg, paused)
			continue
		}
		h.errh.NoteSuccess(dest)
	}
}

// scheduleRetry queues a direct redelivery for a failed destination.
func (h *Hub) scheduleRetry(routeID, dest string, msg *Message, paused bool) {
	retry := msg.Clone()
	retry.Dest = dest
	scheduled := h.queue.Enqueue(retry) == nil
	log.Error(log.CatHub, "delivery failed on route",
		"route_id", routeID,
		"dest", dest,
		"message_id", msg.ID,
		"paused", paused,
		"retry_scheduled", scheduled,
	)
}

// SendToModule delivers directly to one module, bypassing the rule
// table. Unknown targets fail with ErrNotRegistered.
func (h *Hub) SendToModule(ctx context.Context, target string, msg *Message) (*SendResult, error) {
	if msg == nil {
		return nil, ErrBadMessage
	}
	h.prepare(msg)

	b := h.binding(target)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, target)
	}
	msg.Dest = target

	value, err := h.invoke(WithBlockingDelivery(ctx), b, msg)
	if err != nil {
		paused := h.errh.NoteFailure(target, err)
		return &SendResult{
			MessageID: msg.ID,
			Status:    StatusFailed,
			Failure:   &DeliveryError{ModuleID: target, Paused: paused, Err: err},
		}, nil
	}
	h.errh.NoteSuccess(target)
	return &SendResult{MessageID: msg.ID, Status: StatusDelivered, Value: value}, nil
}

// SendToModuleAsync delivers in the background and hands the outcome to
// cb, which may be nil.
func (h *Hub) SendToModuleAsync(target string, msg *Message, cb CallbackFunc) {
	log.SafeGo("hub-async-send", func() {
		res, err := h.SendToModule(context.Background(), target, msg)
		if cb == nil {
			return
		}
		if err != nil {
			cb(nil, err)
			return
		}
		if res.Failure != nil {
			cb(nil, res.Failure)
			return
		}
		cb(res.Value, nil)
	})
}

// RouteToOutput hands a message to an output module. When cb is given a
// callback id is minted and attached to the message; the callback fires
// once ExecuteCallback is invoked with the terminal result.
func (h *Hub) RouteToOutput(ctx context.Context, outputID string, msg *Message, cb CallbackFunc) (*SendResult, error) {
	if msg == nil {
		return nil, ErrBadMessage
	}
	if entry, ok := h.reg.GetEntry(outputID); ok && entry.Type != registry.TypeOutput {
		return nil, fmt.Errorf("module %q is not an output", outputID)
	}
	if cb != nil {
		msg.CallbackID = h.callbacks.mint(cb)
	}
	return h.SendToModule(ctx, outputID, msg)
}

// ExecuteCallback resolves a pending callback exactly once. It reports
// whether a callback with that id was pending.
func (h *Hub) ExecuteCallback(id string, result any, err error) bool {
	resolved := h.callbacks.resolve(id, result, err)
	if !resolved {
		log.Warn(log.CatHub, "callback not pending", "callback_id", id)
	}
	return resolved
}

// PendingCallbacks returns the number of unresolved callbacks.
func (h *Hub) PendingCallbacks() int { return h.callbacks.len() }

// ProcessQueue retries every message queued at the time of the call and
// returns how many redelivered. Messages that still fail go back to the
// tail in order.
func (h *Hub) ProcessQueue(ctx context.Context) int {
	n := h.queue.Len()
	processed := 0
	for i := 0; i < n; i++ {
		m, ok := h.queue.Dequeue()
		if !ok {
			break
		}
		if h.redeliver(ctx, m) {
			processed++
		} else if err := h.queue.Enqueue(m); err != nil {
			log.Error(log.CatHub, "dropping undeliverable message",
				"message_id", m.ID, "error", err.Error())
		}
	}
	if processed > 0 {
		log.Info(log.CatHub, "queue processed",
			"delivered", processed,
			"remaining", h.queue.Len(),
		)
	}
	return processed
}

// redeliver attempts one queued message. Direct retries go straight to
// their destination; the rest rescan the rule table.
func (h *Hub) redeliver(ctx context.Context, msg *Message) bool {
	if msg.Dest != "" {
		if h.isPaused(msg.Dest) {
			return false
		}
		b := h.binding(msg.Dest)
		if b == nil {
			return false
		}
		if _, err := h.invoke(ctx, b, msg); err != nil {
			h.errh.NoteFailure(msg.Dest, err)
			return false
		}
		h.errh.NoteSuccess(msg.Dest)
		return true
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error(log.CatHub, "queued message is malformed, dropping",
			"message_id", msg.ID, "error", err.Error())
		return true
	}
	res, matched := h.dispatch(ctx, msg, raw)
	if !matched {
		return false
	}
	return res.Status != StatusFailed
}

// QueueLen returns the number of queued messages.
func (h *Hub) QueueLen() int { return h.queue.Len() }

// Start launches the periodic queue sweep. Stop halts it.
func (h *Hub) Start(ctx context.Context) {
	if h.sweep <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.sweepCancel = cancel
	done := make(chan struct{})
	h.sweepDone = done

	log.SafeGo("hub-sweep", func() {
		defer close(done)
		ticker := time.NewTicker(h.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.ProcessQueue(ctx)
			}
		}
	})
}

// Stop halts the queue sweep and waits for it to exit.
func (h *Hub) Stop() {
	if h.sweepCancel == nil {
		return
	}
	h.sweepCancel()
	<-h.sweepDone
	h.sweepCancel = nil
}

func (h *Hub) prepare(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Version == "" {
		msg.Version = Version
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = NowMs()
	}
}

func (h *Hub) binding(id string) *moduleBinding {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bindings[id]
}

func (h *Hub) isPaused(id string) bool {
	entry, ok := h.reg.GetEntry(id)
	return ok && entry.Status == registry.StatusPaused
}

// invoke runs the module handler, honoring the single-writer slot.
func (h *Hub) invoke(ctx context.Context, b *moduleBinding, msg *Message) (any, error) {
	if b.slot != nil {
		select {
		case b.slot <- struct{}{}:
			defer func() { <-b.slot }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.handler(ctx, msg)
}

// kickQueue retries queued messages after a registration or route
// change, off the caller's goroutine.
func (h *Hub) kickQueue() {
	if h.queue.Len() == 0 {
		return
	}
	log.SafeGo("hub-requeue", func() {
		h.ProcessQueue(context.Background())
	})
}
