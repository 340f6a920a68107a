package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fingerhq/finger/internal/hub"
	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/registry"
	"github.com/fingerhq/finger/internal/tracing"
)

// Message types the driver puts on and takes off the hub.
const (
	// MsgUserMessage is the inbound type the driver's default route claims.
	MsgUserMessage = "user_message"
	// MsgAgentRequest carries a reasoning prompt to the LLM gateway.
	MsgAgentRequest = "agent_request"
	// MsgTaskDispatch carries one task to an executor module.
	MsgTaskDispatch = "task_dispatch"
)

// ModuleSender is the slice of the hub the driver sends through. The
// hub itself satisfies it; the driver never holds the module graph.
type ModuleSender interface {
	SendToModule(ctx context.Context, target string, msg *hub.Message) (*hub.SendResult, error)
}

// SessionBinder ties running Epics to their owning session records.
// The session manager satisfies it.
type SessionBinder interface {
	AttachWorkflow(sessionID, workflowID string) error
	DetachWorkflow(sessionID, workflowID string) error
}

// DriverConfig wires a Driver to its collaborators. Store, Emitter,
// Sessions, and Tracer are optional.
type DriverConfig struct {
	// ModuleID is the hub id the driver answers under. Empty means
	// "orchestrator".
	ModuleID string

	// GatewayID is the LLM gateway consulted for reasoning turns.
	// Empty means the loop config's executor target.
	GatewayID string

	// Loop bounds applied to every Epic this driver starts.
	Loop Config

	Store    *Store
	Emitter  Emitter
	Sessions SessionBinder
	Clock    Clock
	Tracer   trace.Tracer
}

// Driver runs Epics in response to hub messages. Each inbound message
// either starts a new Epic for its session or feeds the one already
// running: plain follow-ups are injected into the next round's prompt,
// replacements interrupt the old run and start fresh.
type Driver struct {
	cfg    DriverConfig
	sender ModuleSender

	mu        sync.Mutex
	loops     map[string]*Loop  // epic id -> live loop
	bySession map[string]string // session id -> live epic id
	wg        sync.WaitGroup
}

// NewDriver creates a driver sending through the given hub capability.
func NewDriver(sender ModuleSender, cfg DriverConfig) *Driver {
	if cfg.ModuleID == "" {
		cfg.ModuleID = "orchestrator"
	}
	if cfg.Loop.MaxRounds == 0 {
		cfg.Loop = DefaultConfig()
	}
	if cfg.GatewayID == "" {
		cfg.GatewayID = cfg.Loop.TargetExecutorID
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	return &Driver{
		cfg:       cfg,
		sender:    sender,
		loops:     make(map[string]*Loop),
		bySession: make(map[string]string),
	}
}

// ModuleID returns the hub id the driver registers under.
func (d *Driver) ModuleID() string { return d.cfg.ModuleID }

// Register attaches the driver to the hub as an input module. The
// installed route claims user messages; the rule is blocking so the
// sender gets the start ack as its result.
func (d *Driver) Register(h *hub.Hub) error {
	return h.RegisterInput(hub.ModuleSpec{
		ID:   d.cfg.ModuleID,
		Kind: "orchestrator",
		Routes: []*registry.RouteRule{
			{Match: registry.Match{Type: MsgUserMessage}, Blocking: true},
		},
	}, d.Handler)
}

// TaskRequest is the payload the driver accepts on its hub binding.
// Task and Content are synonyms; Task wins when both are set.
type TaskRequest struct {
	Task       string `json:"task,omitempty"`
	Content    string `json:"content,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	ExecutorID string `json:"executorId,omitempty"`

	// Replace interrupts the session's running Epic (reason
	// task_replaced) instead of injecting a follow-up.
	Replace bool `json:"replace,omitempty"`
}

// TaskAck is the handler's immediate reply. Epics run in the
// background and report progress on the event bus.
type TaskAck struct {
	EpicID    string `json:"epicId"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status"`
}

// Ack statuses.
const (
	AckStarted  = "started"
	AckInjected = "injected"
	AckReplaced = "replaced"
)

// Handler is the hub entry point.
func (d *Driver) Handler(ctx context.Context, msg *hub.Message) (any, error) {
	req, err := decodeTaskRequest(msg.Payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	epicID, running := d.bySession[req.SessionID]
	loop := d.loops[epicID]
	d.mu.Unlock()

	if running && loop != nil {
		if !req.Replace {
			loop.InjectInput(req.Task)
			log.Info(log.CatOrch, "follow-up injected into running epic",
				"epic_id", epicID, "session_id", req.SessionID)
			return &TaskAck{EpicID: epicID, SessionID: req.SessionID, Status: AckInjected}, nil
		}
		loop.Interrupt(InterruptReplaced)
		ack, err := d.start(ctx, req)
		if err != nil {
			return nil, err
		}
		ack.Status = AckReplaced
		return ack, nil
	}

	return d.start(ctx, req)
}

func decodeTaskRequest(payload json.RawMessage) (TaskRequest, error) {
	var req TaskRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			// A bare JSON string is accepted as the task itself.
			var s string
			if serr := json.Unmarshal(payload, &s); serr != nil {
				return req, fmt.Errorf("undecodable task payload: %w", err)
			}
			req.Task = s
		}
	}
	if req.Task == "" {
		req.Task = req.Content
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		return req, errors.New("task content is required")
	}
	return req, nil
}

// start builds a fresh Epic for the request and launches its loop.
func (d *Driver) start(ctx context.Context, req TaskRequest) (*TaskAck, error) {
	executor := req.ExecutorID
	if executor == "" {
		executor = d.cfg.Loop.TargetExecutorID
	}

	now := d.cfg.Clock.Now()
	epicID := NewEpicID(now)
	st := NewState(epicID, req.SessionID, req.Task, executor, now)

	d.track(req.SessionID, epicID, d.buildLoop(st))
	d.launch(req.SessionID, epicID, tracing.TraceIDFromContext(ctx))

	return &TaskAck{EpicID: epicID, SessionID: req.SessionID, Status: AckStarted}, nil
}

func (d *Driver) buildLoop(st *State) *Loop {
	cfg := d.cfg.Loop
	cfg.TargetExecutorID = st.TargetExecutorID

	opts := []Option{
		WithConfig(cfg),
		WithDispatcher(&hubDispatcher{sender: d.sender, source: d.cfg.ModuleID}),
		WithClock(d.cfg.Clock),
	}
	if d.cfg.Store != nil {
		opts = append(opts, WithStore(d.cfg.Store))
	}
	if d.cfg.Emitter != nil {
		opts = append(opts, WithEmitter(d.cfg.Emitter))
	}
	if d.cfg.Tracer != nil {
		opts = append(opts, WithTracer(d.cfg.Tracer))
	}

	inv := &hubInvoker{sender: d.sender, gateway: d.cfg.GatewayID, source: d.cfg.ModuleID}
	return NewLoop(st, inv, opts...)
}

func (d *Driver) track(sessionID, epicID string, loop *Loop) {
	d.mu.Lock()
	d.loops[epicID] = loop
	d.bySession[sessionID] = epicID
	d.mu.Unlock()
}

func (d *Driver) untrack(sessionID, epicID string) {
	d.mu.Lock()
	delete(d.loops, epicID)
	// A replacement Epic may already own the session slot.
	if d.bySession[sessionID] == epicID {
		delete(d.bySession, sessionID)
	}
	d.mu.Unlock()
}

// launch runs the tracked loop on its own goroutine. The Epic outlives
// the inbound request, so it runs under a fresh context carrying only
// the trace id; Interrupt is the cancellation path.
func (d *Driver) launch(sessionID, epicID, traceID string) {
	d.mu.Lock()
	loop := d.loops[epicID]
	d.mu.Unlock()
	if loop == nil {
		return
	}

	if d.cfg.Sessions != nil && sessionID != "" {
		if err := d.cfg.Sessions.AttachWorkflow(sessionID, epicID); err != nil {
			log.Debug(log.CatOrch, "epic not attached to session",
				"epic_id", epicID, "session_id", sessionID, "error", err.Error())
		}
	}

	d.wg.Add(1)
	log.SafeGo("epic-"+epicID, func() {
		defer d.wg.Done()
		defer d.untrack(sessionID, epicID)
		if d.cfg.Sessions != nil && sessionID != "" {
			defer func() {
				if err := d.cfg.Sessions.DetachWorkflow(sessionID, epicID); err != nil {
					log.Debug(log.CatOrch, "epic not detached from session",
						"epic_id", epicID, "error", err.Error())
				}
			}()
		}

		ctx := context.Background()
		if traceID != "" {
			ctx = tracing.ContextWithTraceID(ctx, traceID)
		}
		if _, err := loop.Run(ctx); err != nil {
			log.Warn(log.CatOrch, "epic run refused", "epic_id", epicID, "error", err.Error())
		}
	})
}

// Interrupt stops a running Epic at its next suspension point. Unknown
// epic ids report ErrWorkflowNotFound.
func (d *Driver) Interrupt(epicID, reason string) error {
	d.mu.Lock()
	loop := d.loops[epicID]
	d.mu.Unlock()
	if loop == nil {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, epicID)
	}
	loop.Interrupt(reason)
	return nil
}

// Running reports whether a loop for the epic id is live.
func (d *Driver) Running(epicID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.loops[epicID]
	return ok
}

// RunningEpics lists live epic ids, sorted.
func (d *Driver) RunningEpics() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.loops))
	for id := range d.loops {
		out = append(out, id)
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

// Resume reloads a persisted workflow and restarts its loop when the
// Epic never reached a terminal outcome, or was aborted by a daemon
// shutdown. It reports whether a run was started.
func (d *Driver) Resume(epicID string) (bool, error) {
	if d.cfg.Store == nil {
		return false, errors.New("no workflow store attached")
	}
	st, err := d.cfg.Store.LoadWorkflow(epicID)
	if err != nil {
		return false, err
	}
	if !resumable(st) {
		return false, nil
	}

	d.mu.Lock()
	_, live := d.loops[epicID]
	_, sessionBusy := d.bySession[st.SessionID]
	d.mu.Unlock()
	if live || sessionBusy {
		return false, nil
	}

	st.Outcome = ""
	st.OutcomeReason = ""
	st.ReleaseInFlight()

	d.track(st.SessionID, epicID, d.buildLoop(st))
	d.launch(st.SessionID, epicID, "")
	log.Info(log.CatOrch, "epic resumed", "epic_id", epicID, "round", st.Round, "phase", string(st.Phase))
	return true, nil
}

// ResumeAll resumes every open Epic found in the workflow store and
// returns the epic ids that restarted.
func (d *Driver) ResumeAll() []string {
	if d.cfg.Store == nil {
		return nil
	}
	states, err := d.cfg.Store.ListWorkflows()
	if err != nil {
		log.Warn(log.CatOrch, "workflow scan failed", "error", err.Error())
		return nil
	}

	var resumed []string
	for _, st := range states {
		ok, err := d.Resume(st.EpicID)
		if err != nil {
			log.Warn(log.CatOrch, "epic not resumed", "epic_id", st.EpicID, "error", err.Error())
			continue
		}
		if ok {
			resumed = append(resumed, st.EpicID)
		}
	}
	return resumed
}

// resumable accepts crash leftovers (no outcome) and shutdown aborts.
// Epics a user interrupted or that terminated stay down.
func resumable(st *State) bool {
	if st.Outcome == "" {
		return true
	}
	return st.Outcome == OutcomeAborted && st.OutcomeReason == InterruptShutdown
}

// Shutdown interrupts every running Epic and waits for their loops to
// persist final checkpoints, up to the context deadline.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	loops := make([]*Loop, 0, len(d.loops))
	for _, l := range d.loops {
		loops = append(loops, l)
	}
	d.mu.Unlock()

	for _, l := range loops {
		l.Interrupt(InterruptShutdown)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("epics still draining: %w", ctx.Err())
	}
}

// NewEpicID mints an epic id in the epic-<unixMs>-<rand> format.
func NewEpicID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 6)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return fmt.Sprintf("epic-%d-%s", now.UnixMilli(), string(b))
}

// hubInvoker sends reasoning prompts to the LLM gateway and returns the
// reply text.
type hubInvoker struct {
	sender  ModuleSender
	gateway string
	source  string
}

func (inv *hubInvoker) Invoke(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]string{"content": prompt})
	if err != nil {
		return "", fmt.Errorf("encoding prompt: %w", err)
	}
	msg := hub.NewMessage(MsgAgentRequest, inv.source, payload)
	msg.TraceID = tracing.TraceIDFromContext(ctx)

	res, err := inv.sender.SendToModule(ctx, inv.gateway, msg)
	if err != nil {
		return "", err
	}
	if res.Failure != nil {
		return "", res.Failure
	}
	reply := decodeModuleReply(res.Value)
	return reply.text(), nil
}

// hubDispatcher delivers one task to the Epic's executor module and
// blocks for its structured result.
type hubDispatcher struct {
	sender ModuleSender
	source string
}

// DispatchPayload is the task envelope an executor receives.
type DispatchPayload struct {
	EpicID      string `json:"epicId"`
	SessionID   string `json:"sessionId,omitempty"`
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
	Assignee    string `json:"assignee,omitempty"`
}

func (hd *hubDispatcher) Dispatch(ctx context.Context, st *State, task *TaskNode) (string, error) {
	payload, err := json.Marshal(DispatchPayload{
		EpicID:      st.EpicID,
		SessionID:   st.SessionID,
		TaskID:      task.ID,
		Description: task.Description,
		Assignee:    task.Assignee,
	})
	if err != nil {
		return "", fmt.Errorf("encoding dispatch for task %s: %w", task.ID, err)
	}
	msg := hub.NewMessage(MsgTaskDispatch, hd.source, payload)
	msg.TraceID = tracing.TraceIDFromContext(ctx)

	res, err := hd.sender.SendToModule(ctx, st.TargetExecutorID, msg)
	if err != nil {
		return "", err
	}
	if res.Failure != nil {
		return "", res.Failure
	}

	reply := decodeModuleReply(res.Value)
	if reply.Success != nil && !*reply.Success {
		reason := reply.Error
		if reason == "" {
			reason = "executor reported failure"
		}
		return "", errors.New(reason)
	}
	return reply.text(), nil
}

// moduleReply is the conventional shape of a blocking module result.
// Real gateways return raw result-envelope payload bytes; in-process
// modules return maps or structs. Both funnel through JSON here.
type moduleReply struct {
	Success *bool  `json:"success,omitempty"`
	Output  string `json:"output,omitempty"`
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`

	raw string
}

func (r moduleReply) text() string {
	for _, s := range []string{r.Output, r.Content, r.Text} {
		if s != "" {
			return s
		}
	}
	return r.raw
}

func decodeModuleReply(v any) moduleReply {
	var reply moduleReply
	switch t := v.(type) {
	case nil:
		return reply
	case string:
		reply.raw = t
		return reply
	case json.RawMessage:
		return replyFromJSON([]byte(t))
	case []byte:
		return replyFromJSON(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			reply.raw = fmt.Sprint(v)
			return reply
		}
		return replyFromJSON(data)
	}
}

func replyFromJSON(data []byte) moduleReply {
	var reply moduleReply
	if err := json.Unmarshal(data, &reply); err == nil {
		reply.raw = string(data)
		return reply
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		reply.raw = s
		return reply
	}
	reply.raw = string(data)
	return reply
}
