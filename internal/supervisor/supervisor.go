// Package supervisor manages module lifecycles: start, stop, health
// polling, heartbeat staleness, and bounded exponential restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/pubsub"
	"github.com/fingerhq/finger/internal/registry"
)

// ErrInvalidState is returned when a module is in an invalid state for
// the operation.
var ErrInvalidState = fmt.Errorf("invalid module state")

// ErrAlreadySupervised is returned when registering a duplicate id.
var ErrAlreadySupervised = fmt.Errorf("module already supervised")

// ErrNotSupervised is returned for operations on unknown ids.
var ErrNotSupervised = fmt.Errorf("module not supervised")

// State is the lifecycle state of a supervised module.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// transitions lists the allowed next states. Failed is reachable from
// anywhere.
var transitions = map[State][]State{
	StateRegistered: {StateStarting},
	StateStarting:   {StateRunning, StateStopping},
	StateRunning:    {StateStopping},
	StateStopping:   {StateStopped},
	StateStopped:    {StateStarting},
	StateFailed:     {StateStarting},
}

// CanTransitionTo reports whether moving to next is a legal transition.
func (s State) CanTransitionTo(next State) bool {
	if next == StateFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Process is the unit the supervisor manages.
type Process interface {
	// Start launches the process.
	Start(ctx context.Context) error
	// Stop asks the process to terminate.
	Stop(ctx context.Context) error
	// Healthy reports liveness. Polled at the check interval.
	Healthy() bool
}

// Policy controls restart and health behavior for one module.
type Policy struct {
	// AutoRestart enables restart after failure.
	AutoRestart bool
	// MaxRestarts bounds restart attempts. Zero means DefaultMaxRestarts.
	MaxRestarts int
	// RestartBackoff is the base delay; attempt n waits
	// RestartBackoff * 2^n, capped at MaxRestartDelay.
	RestartBackoff time.Duration
	// HeartbeatTimeout marks the module failed when no heartbeat
	// arrives within it. Zero disables heartbeat checking.
	HeartbeatTimeout time.Duration
}

const (
	// DefaultCheckInterval is the monitor polling cadence.
	DefaultCheckInterval = 10 * time.Second
	// DefaultMaxRestarts bounds restart attempts per failure streak.
	DefaultMaxRestarts = 5
	// DefaultRestartBackoff is the base restart delay.
	DefaultRestartBackoff = 1 * time.Second
	// MaxRestartDelay caps the exponential restart delay.
	MaxRestartDelay = 60 * time.Second
	// DefaultHeartbeatTimeout marks a silent module failed.
	DefaultHeartbeatTimeout = 60 * time.Second
	// StableAfter is how long a module must stay running before its
	// restart count resets.
	StableAfter = 5 * time.Second
)

// StateChange is published on every module transition.
type StateChange struct {
	ModuleID string
	From     State
	To       State
	Reason   string
	Restarts int
}

// ModuleStatus is a read-only view of one supervised module.
type ModuleStatus struct {
	ID              string    `json:"id"`
	State           State     `json:"state"`
	Restarts        int       `json:"restarts"`
	LastError       string    `json:"lastError,omitempty"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	NextRestartAt   time.Time `json:"nextRestartAt,omitzero"`
}

type supervised struct {
	id            string
	proc          Process
	policy        Policy
	state         State
	restarts      int
	wantRunning   bool
	runningSince  time.Time
	lastHeartbeat time.Time
	lastErr       error
	restartAt     time.Time
}

// Config configures a Supervisor.
type Config struct {
	// Registry mirrors module status and heartbeats. Optional.
	Registry *registry.Registry
	// CheckInterval is the monitor cadence. Zero means
	// DefaultCheckInterval.
	CheckInterval time.Duration
	// Clock provides time operations. Defaults to RealClock if nil.
	Clock Clock
}

// Supervisor owns module lifecycle state and the health monitor loop.
type Supervisor struct {
	reg      *registry.Registry
	interval time.Duration
	clock    Clock
	events   *pubsub.Broker[StateChange]

	mu      sync.Mutex
	modules map[string]*supervised

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates a Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	interval := cfg.CheckInterval
	if interval == 0 {
		interval = DefaultCheckInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	return &Supervisor{
		reg:      cfg.Registry,
		interval: interval,
		clock:    clock,
		events:   pubsub.NewBroker[StateChange](),
		modules:  make(map[string]*supervised),
	}
}

// Events exposes module state transitions for subscribers.
func (s *Supervisor) Events() *pubsub.Broker[StateChange] { return s.events }

// Register places a module under supervision in the registered state.
func (s *Supervisor) Register(id string, proc Process, policy Policy) error {
	if id == "" {
		return errors.New("module id is required")
	}
	if proc == nil {
		return fmt.Errorf("module %q has no process", id)
	}
	if policy.MaxRestarts == 0 {
		policy.MaxRestarts = DefaultMaxRestarts
	}
	if policy.RestartBackoff == 0 {
		policy.RestartBackoff = DefaultRestartBackoff
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.modules[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySupervised, id)
	}
	s.modules[id] = &supervised{
		id:     id,
		proc:   proc,
		policy: policy,
		state:  StateRegistered,
	}
	log.Info(log.CatSupervisor, "module supervised",
		"module_id", id,
		"auto_restart", policy.AutoRestart,
		"max_restarts", policy.MaxRestarts,
	)
	return nil
}

// Remove takes a module out of supervision. Running modules are stopped
// first.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	m, ok := s.modules[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSupervised, id)
	}
	if m.state == StateRunning || m.state == StateStarting {
		if err := s.Stop(ctx, id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.modules, id)
	s.mu.Unlock()
	return nil
}

// Start launches a module. Legal from registered, stopped, and failed.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	m, ok := s.modules[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSupervised, id)
	}
	if !m.state.CanTransitionTo(StateStarting) {
		state := m.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start module in state %s", ErrInvalidState, state)
	}
	m.wantRunning = true
	m.restarts = 0
	m.restartAt = time.Time{}
	s.mu.Unlock()

	return s.launch(ctx, m)
}

// launch drives one starting attempt. The process runs outside the lock.
func (s *Supervisor) launch(ctx context.Context, m *supervised) error {
	s.transition(m, StateStarting, "start requested")

	err := m.proc.Start(ctx)

	s.mu.Lock()
	if err != nil {
		m.lastErr = err
		delay := restartDelay(m.policy.RestartBackoff, m.restarts)
		m.restartAt = s.clock.Now().Add(delay)
		s.mu.Unlock()
		s.transition(m, StateFailed, err.Error())
		return fmt.Errorf("starting module %s: %w", m.id, err)
	}
	now := s.clock.Now()
	m.runningSince = now
	m.lastHeartbeat = now
	m.lastErr = nil
	s.mu.Unlock()

	s.transition(m, StateRunning, "started")
	return nil
}

// Stop terminates a module deliberately; it will not be auto-restarted.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	m, ok := s.modules[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSupervised, id)
	}
	if !m.state.CanTransitionTo(StateStopping) {
		state := m.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot stop module in state %s", ErrInvalidState, state)
	}
	m.wantRunning = false
	s.mu.Unlock()

	s.transition(m, StateStopping, "stop requested")
	err := m.proc.Stop(ctx)
	if err != nil {
		s.mu.Lock()
		m.lastErr = err
		s.mu.Unlock()
		s.transition(m, StateFailed, err.Error())
		return fmt.Errorf("stopping module %s: %w", m.id, err)
	}
	s.transition(m, StateStopped, "stopped")
	return nil
}

// Heartbeat records module liveness and mirrors it into the registry.
func (s *Supervisor) Heartbeat(id string) error {
	s.mu.Lock()
	m, ok := s.modules[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSupervised, id)
	}
	now := s.clock.Now()
	m.lastHeartbeat = now
	s.mu.Unlock()

	if s.reg != nil {
		_ = s.reg.UpdateEntry(id, func(e *registry.Entry) {
			e.LastHeartbeat = now.UnixMilli()
		})
	}
	return nil
}

// ReportFailure marks a module failed from the outside, typically when
// its child process exits. Restart scheduling follows the policy.
func (s *Supervisor) ReportFailure(id string, cause error) error {
	s.mu.Lock()
	m, ok := s.modules[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSupervised, id)
	}
	m.lastErr = cause
	delay := restartDelay(m.policy.RestartBackoff, m.restarts)
	m.restartAt = s.clock.Now().Add(delay)
	s.mu.Unlock()

	reason := "failure reported"
	if cause != nil {
		reason = cause.Error()
	}
	s.transition(m, StateFailed, reason)
	return nil
}

// Status returns a snapshot for one module.
func (s *Supervisor) Status(id string) (ModuleStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return ModuleStatus{}, false
	}
	return statusOf(m), true
}

// List returns snapshots for all supervised modules, sorted by id.
func (s *Supervisor) List() []ModuleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ModuleStatus, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, statusOf(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func statusOf(m *supervised) ModuleStatus {
	st := ModuleStatus{
		ID:              m.id,
		State:           m.state,
		Restarts:        m.restarts,
		LastHeartbeatAt: m.lastHeartbeat,
		NextRestartAt:   m.restartAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// StartMonitor begins the periodic health check loop.
func (s *Supervisor) StartMonitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.loopCtx = ctx
	s.loopCancel = cancel
	done := make(chan struct{})
	s.loopDone = done

	log.SafeGo("supervisor-monitor", func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkAll(ctx)
			}
		}
	})
}

// StopMonitor halts the health check loop and waits for it to exit.
func (s *Supervisor) StopMonitor() {
	if s.loopCancel == nil {
		return
	}
	s.loopCancel()
	<-s.loopDone
	s.loopCancel = nil
}

// Shutdown stops the monitor and every running module, aggregating
// errors.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.StopMonitor()

	s.mu.Lock()
	ids := make([]string, 0, len(s.modules))
	for id, m := range s.modules {
		if m.state == StateRunning || m.state == StateStarting {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkAll runs one monitor pass: stability resets, health and heartbeat
// checks, and due restarts.
func (s *Supervisor) checkAll(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	candidates := make([]*supervised, 0, len(s.modules))
	for _, m := range s.modules {
		candidates = append(candidates, m)
	}
	s.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	for _, m := range candidates {
		s.checkOne(ctx, m, now)
	}
}

func (s *Supervisor) checkOne(ctx context.Context, m *supervised, now time.Time) {
	s.mu.Lock()
	state := m.state

	switch state {
	case StateRunning:
		if m.restarts > 0 && now.Sub(m.runningSince) >= StableAfter {
			m.restarts = 0
			log.Debug(log.CatSupervisor, "restart count reset",
				"module_id", m.id, "stable_for", now.Sub(m.runningSince))
		}
		stale := m.policy.HeartbeatTimeout > 0 &&
			now.Sub(m.lastHeartbeat) > m.policy.HeartbeatTimeout
		s.mu.Unlock()

		if stale {
			s.failModule(m, fmt.Errorf("heartbeat timeout after %s", m.policy.HeartbeatTimeout))
			return
		}
		if !m.proc.Healthy() {
			s.failModule(m, errors.New("health check failed"))
		}

	case StateFailed:
		if !m.wantRunning || !m.policy.AutoRestart {
			s.mu.Unlock()
			return
		}
		if m.restarts >= m.policy.MaxRestarts {
			s.mu.Unlock()
			return
		}
		if now.Before(m.restartAt) {
			s.mu.Unlock()
			return
		}
		m.restarts++
		attempt := m.restarts
		s.mu.Unlock()

		log.Info(log.CatSupervisor, "restarting module",
			"module_id", m.id,
			"attempt", attempt,
			"max_restarts", m.policy.MaxRestarts,
		)
		if err := s.launch(ctx, m); err != nil {
			log.ErrorErr(log.CatSupervisor, "restart failed", err,
				"module_id", m.id, "attempt", attempt)
		}

	default:
		s.mu.Unlock()
	}
}

// failModule transitions a running module to failed and schedules the
// next restart attempt.
func (s *Supervisor) failModule(m *supervised, cause error) {
	s.mu.Lock()
	m.lastErr = cause
	delay := restartDelay(m.policy.RestartBackoff, m.restarts)
	m.restartAt = s.clock.Now().Add(delay)
	s.mu.Unlock()

	// Best effort teardown; the process may already be gone.
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = m.proc.Stop(stopCtx)
	cancel()

	s.transition(m, StateFailed, cause.Error())
}

// transition moves a module to the next state, mirrors it into the
// registry, and publishes a StateChange.
func (s *Supervisor) transition(m *supervised, to State, reason string) {
	s.mu.Lock()
	from := m.state
	m.state = to
	restarts := m.restarts
	s.mu.Unlock()

	if from == to {
		return
	}
	log.Info(log.CatSupervisor, "module state changed",
		"module_id", m.id,
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)
	if s.reg != nil {
		_ = s.reg.UpdateEntry(m.id, func(e *registry.Entry) {
			e.Status = registryStatus(to)
		})
	}
	s.events.Publish(pubsub.UpdatedEvent, StateChange{
		ModuleID: m.id,
		From:     from,
		To:       to,
		Reason:   reason,
		Restarts: restarts,
	})
}

// registryStatus maps lifecycle states onto registry entry statuses.
func registryStatus(state State) registry.Status {
	switch state {
	case StateRunning:
		return registry.StatusActive
	case StateFailed:
		return registry.StatusError
	default:
		return registry.StatusPaused
	}
}

// restartDelay computes the exponential backoff for attempt n, capped at
// MaxRestartDelay.
func restartDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultRestartBackoff
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= MaxRestartDelay {
			return MaxRestartDelay
		}
	}
	if delay > MaxRestartDelay {
		return MaxRestartDelay
	}
	return delay
}
