package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/tracing"
)

// Outcome statuses recorded on the state when a run ends.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeEscalated = "escalated"
	OutcomeAborted   = "aborted"
)

// Interrupt reasons accepted by Interrupt.
const (
	InterruptUser     = "user_interrupt"
	InterruptReplaced = "task_replaced"
	InterruptShutdown = "shutdown"
)

// Config bounds one orchestration run.
type Config struct {
	MaxRounds        int
	MaxRejections    int
	OnStuck          int
	FormatFixRetries int
	CompleteActions  []string
	FailActions      []string
	TargetExecutorID string
}

// DefaultConfig returns the stock loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxRounds:        30,
		MaxRejections:    4,
		OnStuck:          3,
		FormatFixRetries: 3,
		CompleteActions:  []string{ActionComplete},
		FailActions:      []string{ActionFail},
		TargetExecutorID: "chat-codex-gateway",
	}
}

// Invoker runs one reasoning turn against the LLM gateway and returns
// the raw reply text.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// StateStore persists Epic state between rounds. *Store satisfies it.
type StateStore interface {
	SaveWorkflow(st *State) error
	SaveCheckpoint(st *State, trigger string) (string, error)
}

// Result reports how a run ended.
type Result struct {
	Status string
	Reason string
	Rounds int
}

// Loop drives one Epic: prompt, decide, act, until a termination
// condition or an interrupt lands.
type Loop struct {
	cfg        Config
	state      *State
	registry   *Registry
	invoker    Invoker
	dispatcher Dispatcher
	store      StateStore
	emitter    Emitter
	clock      Clock
	tracer     trace.Tracer

	mu       sync.Mutex
	injected []string
	reason   string
	cancel   context.CancelFunc
	running  bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithConfig overrides the default loop bounds.
func WithConfig(cfg Config) Option { return func(l *Loop) { l.cfg = cfg } }

// WithRegistry supplies a custom action registry.
func WithRegistry(reg *Registry) Option { return func(l *Loop) { l.registry = reg } }

// WithDispatcher attaches the executor transport.
func WithDispatcher(d Dispatcher) Option { return func(l *Loop) { l.dispatcher = d } }

// WithStore attaches workflow and checkpoint persistence.
func WithStore(s StateStore) Option { return func(l *Loop) { l.store = s } }

// WithEmitter attaches the event bus.
func WithEmitter(e Emitter) Option { return func(l *Loop) { l.emitter = e } }

// WithClock overrides the time source.
func WithClock(c Clock) Option { return func(l *Loop) { l.clock = c } }

// WithTracer attaches a tracer that opens a span per round. Nil
// disables round spans.
func WithTracer(t trace.Tracer) Option { return func(l *Loop) { l.tracer = t } }

// DefaultRegistry returns a registry preloaded with the builtin
// orchestrator actions.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		// The builtin table is static; a registration failure is a
		// programming error.
		panic(err)
	}
	return reg
}

// NewLoop creates a loop over the given Epic state.
func NewLoop(st *State, invoker Invoker, opts ...Option) *Loop {
	l := &Loop{
		cfg:     DefaultConfig(),
		state:   st,
		invoker: invoker,
		clock:   RealClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.registry == nil {
		l.registry = DefaultRegistry()
	}
	return l
}

// State exposes the Epic state. Callers must not mutate it while the
// loop is running.
func (l *Loop) State() *State { return l.state }

// Running reports whether Run is currently active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// InjectInput queues a user message for the next round's prompt.
func (l *Loop) InjectInput(msg string) {
	if strings.TrimSpace(msg) == "" {
		return
	}
	l.mu.Lock()
	l.injected = append(l.injected, msg)
	l.mu.Unlock()
	log.Debug(log.CatOrch, "user input queued for next round", "epic_id", l.state.EpicID)
}

// Interrupt stops the run at the next safe point and cancels any
// in-flight dispatch.
func (l *Loop) Interrupt(reason string) {
	if reason == "" {
		reason = InterruptUser
	}
	l.mu.Lock()
	l.reason = reason
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the loop until termination. The returned Result mirrors
// the Outcome fields stamped on the state.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil, fmt.Errorf("epic %s is already running", l.state.EpicID)
	}
	l.running = true
	l.cancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.cancel = nil
		l.mu.Unlock()
	}()

	st := l.state
	log.Info(log.CatOrch, "epic started", "epic_id", st.EpicID, "executor", st.TargetExecutorID, "task", preview(st.UserTask))
	l.emit(events.New(events.WorkflowStarted, map[string]any{
		"epicId":   st.EpicID,
		"userTask": st.UserTask,
		"executor": st.TargetExecutorID,
	}))
	l.save()

	actx := &ActionContext{
		State:       st,
		Emitter:     l.emitter,
		Dispatcher:  l.dispatcher,
		Checkpoints: l.store,
		Clock:       l.clock,
	}

	stuck := 0
	rejections := 0

	for {
		if reason := l.interruptReason(); reason != "" {
			return l.finishAborted(reason), nil
		}
		if runCtx.Err() != nil {
			return l.finishAborted(InterruptShutdown), nil
		}

		st.Round++
		roundCtx, span := l.beginRound(runCtx)
		prompt := BuildPrompt(PromptInput{
			State:     st,
			Actions:   l.registry.List(RoleOrchestrator),
			MaxRounds: l.cfg.MaxRounds,
			Injected:  l.drainInjected(),
		})

		decision, err := l.decide(roundCtx, prompt)
		if err != nil {
			l.endRound(span, "", false, err)
			if runCtx.Err() != nil {
				return l.finishAborted(l.abortReason()), nil
			}
			rejections++
			st.RecordError(err.Error())
			log.Warn(log.CatOrch, "round rejected", "epic_id", st.EpicID, "round", st.Round, "error", err.Error())
			l.save()
			if st.Round >= l.cfg.MaxRounds {
				return l.finishFailed("Exceeded max rounds"), nil
			}
			if rejections >= l.cfg.MaxRejections {
				return l.finishFailed(fmt.Sprintf("%d consecutive invalid responses", rejections)), nil
			}
			continue
		}
		rejections = 0

		before := l.progressSignature()
		result := l.registry.Execute(roundCtx, RoleOrchestrator, decision.Action, actx, decision.Params)
		progressed := l.progressSignature() != before
		l.endRound(span, decision.Action, result.Success, nil)

		log.Debug(log.CatOrch, "round executed",
			"epic_id", st.EpicID, "round", st.Round, "action", decision.Action,
			"success", result.Success, "progressed", progressed)
		l.emit(events.New(events.WorkflowProgress, map[string]any{
			"epicId":    st.EpicID,
			"round":     st.Round,
			"action":    decision.Action,
			"success":   result.Success,
			"phase":     string(st.Phase),
			"completed": len(st.CompletedTasks),
			"failed":    len(st.FailedTasks),
			"open":      len(st.UnfinishedTasks()),
		}))
		l.save()

		if runCtx.Err() != nil || l.interruptReason() != "" {
			return l.finishAborted(l.abortReason()), nil
		}

		if slices.Contains(l.cfg.CompleteActions, decision.Action) && st.AllTasksFinished() {
			return l.finishCompleted(result.Observation), nil
		}
		if slices.Contains(l.cfg.FailActions, decision.Action) {
			reason := result.Error
			if reason == "" {
				reason = result.Observation
			}
			return l.finishFailed(reason), nil
		}
		if result.ShouldStop {
			switch result.StopReason {
			case StopEscalate:
				return l.finishEscalated(result.Observation), nil
			case StopFail:
				return l.finishFailed(result.Observation), nil
			case StopComplete:
				if st.AllTasksFinished() {
					return l.finishCompleted(result.Observation), nil
				}
			}
		}
		if st.Round >= l.cfg.MaxRounds {
			return l.finishFailed("Exceeded max rounds"), nil
		}
		if progressed {
			stuck = 0
		} else {
			stuck++
			if stuck >= l.cfg.OnStuck {
				return l.finishFailed(fmt.Sprintf("no progress after %d rounds", stuck)), nil
			}
		}
	}
}

// beginRound opens the per-round span. With no tracer attached the
// context passes through and the span is nil.
func (l *Loop) beginRound(ctx context.Context) (context.Context, trace.Span) {
	if l.tracer == nil {
		return ctx, nil
	}
	return l.tracer.Start(ctx, tracing.SpanOrchestratorRound,
		trace.WithAttributes(
			attribute.String(tracing.AttrEpicID, l.state.EpicID),
			attribute.Int(tracing.AttrRound, l.state.Round),
			attribute.String(tracing.AttrPhase, string(l.state.Phase)),
		),
	)
}

// endRound closes the round span with the action taken and its outcome.
func (l *Loop) endRound(span trace.Span, action string, success bool, err error) {
	if span == nil {
		return
	}
	if action != "" {
		span.SetAttributes(attribute.String(tracing.AttrAction, action))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !success:
		span.SetStatus(codes.Error, "action failed")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// decide runs reasoning turns until a reply parses, re-prompting with a
// schema hint after each failure up to the format fix budget.
func (l *Loop) decide(ctx context.Context, basePrompt string) (*Decision, error) {
	prompt := basePrompt
	var lastErr error
	for attempt := 0; attempt <= l.cfg.FormatFixRetries; attempt++ {
		if attempt > 0 {
			prompt = basePrompt + "\n" + SchemaHint
		}
		reply, err := l.invokeTurn(ctx, prompt)
		if err != nil {
			return nil, err
		}
		d, perr := ParseDecision(reply)
		if perr == nil {
			return d, nil
		}
		lastErr = perr
		log.Debug(log.CatOrch, "reply parse failed", "epic_id", l.state.EpicID, "attempt", attempt+1, "error", perr.Error())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no valid decision after %d attempts: %w", l.cfg.FormatFixRetries+1, lastErr)
}

func (l *Loop) invokeTurn(ctx context.Context, prompt string) (string, error) {
	if reply, ok := MockOutcome(RoleOrchestrator); ok {
		return reply, nil
	}
	if l.invoker == nil {
		return "", errors.New("no reasoning gateway attached")
	}
	return l.invoker.Invoke(ctx, prompt)
}

// progressSignature fingerprints the state the loop treats as progress:
// the task graph's shape and the phase. Checkpoint bookkeeping is
// deliberately excluded so advisory CHECKPOINTs count as stalling.
func (l *Loop) progressSignature() string {
	var b strings.Builder
	for _, t := range l.state.TaskGraph {
		b.WriteString(t.ID)
		b.WriteByte(':')
		b.WriteString(string(t.Status))
		b.WriteByte(':')
		b.WriteString(t.Description)
		b.WriteByte(':')
		b.WriteString(t.Assignee)
		b.WriteByte('|')
	}
	b.WriteByte('#')
	b.WriteString(string(l.state.Phase))
	return b.String()
}

func (l *Loop) drainInjected() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.injected
	l.injected = nil
	return out
}

func (l *Loop) interruptReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

func (l *Loop) abortReason() string {
	if r := l.interruptReason(); r != "" {
		return r
	}
	return InterruptShutdown
}

func (l *Loop) finishCompleted(summary string) *Result {
	st := l.state
	if err := st.transitionPhase(PhaseCompleted); err != nil {
		log.Warn(log.CatOrch, "phase not closed", "epic_id", st.EpicID, "error", err.Error())
	}
	st.Outcome = OutcomeCompleted
	st.OutcomeReason = summary
	l.save()
	l.emit(events.New(events.WorkflowCompleted, map[string]any{
		"epicId":    st.EpicID,
		"rounds":    st.Round,
		"completed": len(st.CompletedTasks),
		"failed":    len(st.FailedTasks),
		"summary":   preview(summary),
	}))
	log.Info(log.CatOrch, "epic completed", "epic_id", st.EpicID, "rounds", st.Round)
	return &Result{Status: OutcomeCompleted, Reason: summary, Rounds: st.Round}
}

func (l *Loop) finishFailed(reason string) *Result {
	st := l.state
	if err := st.transitionPhase(PhaseFailed); err != nil {
		log.Warn(log.CatOrch, "phase not closed", "epic_id", st.EpicID, "error", err.Error())
	}
	st.Outcome = OutcomeFailed
	st.OutcomeReason = reason
	l.save()
	l.emit(events.New(events.WorkflowFailed, map[string]any{
		"epicId": st.EpicID,
		"rounds": st.Round,
		"reason": reason,
	}))
	log.Info(log.CatOrch, "epic failed", "epic_id", st.EpicID, "rounds", st.Round, "reason", reason)
	return &Result{Status: OutcomeFailed, Reason: reason, Rounds: st.Round}
}

// finishEscalated leaves the phase where the CHECKPOINT handler put it
// so the outer driver can schedule a re-planning run.
func (l *Loop) finishEscalated(reason string) *Result {
	st := l.state
	st.Outcome = OutcomeEscalated
	st.OutcomeReason = reason
	l.save()
	log.Info(log.CatOrch, "epic escalated to replanning", "epic_id", st.EpicID, "rounds", st.Round)
	return &Result{Status: OutcomeEscalated, Reason: reason, Rounds: st.Round}
}

// finishAborted releases in-flight tasks back to ready and persists a
// final checkpoint so the Epic can resume later.
func (l *Loop) finishAborted(reason string) *Result {
	st := l.state
	released := st.ReleaseInFlight()
	st.Outcome = OutcomeAborted
	st.OutcomeReason = reason
	if l.store != nil {
		if _, err := l.store.SaveCheckpoint(st, reason); err != nil {
			log.Warn(log.CatOrch, "final checkpoint not persisted", "epic_id", st.EpicID, "error", err.Error())
		}
	}
	l.save()
	l.emit(events.New(events.WorkflowAborted, map[string]any{
		"epicId":   st.EpicID,
		"reason":   reason,
		"round":    st.Round,
		"released": released,
	}))
	log.Info(log.CatOrch, "epic aborted", "epic_id", st.EpicID, "reason", reason, "released", len(released))
	return &Result{Status: OutcomeAborted, Reason: reason, Rounds: st.Round}
}

func (l *Loop) save() {
	if l.store == nil {
		return
	}
	if err := l.store.SaveWorkflow(l.state); err != nil {
		log.Warn(log.CatOrch, "workflow autosave failed", "epic_id", l.state.EpicID, "error", err.Error())
	}
}

func (l *Loop) emit(ev events.Event) {
	if l.emitter == nil {
		return
	}
	ev.SessionID = l.state.SessionID
	l.emitter.Emit(ev)
}
