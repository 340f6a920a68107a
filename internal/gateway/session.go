package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fingerhq/finger/internal/log"
)

const (
	// DefaultAckTimeout bounds the wait for a child to accept a request.
	DefaultAckTimeout = 3000 * time.Millisecond
	// DefaultResultTimeout bounds the wait for a request's outcome.
	DefaultResultTimeout = 60000 * time.Millisecond
)

var (
	// ErrAckTimeout means the child produced no ack in time.
	ErrAckTimeout = errors.New("gateway ack timeout")
	// ErrResultTimeout means the child produced no result in time.
	ErrResultTimeout = errors.New("gateway result timeout")
	// ErrProcessExited means the child died while requests were pending.
	ErrProcessExited = errors.New("gateway process exited")
)

// Ack is what an accept-only request resolves with.
type Ack struct {
	Accepted  bool   `json:"accepted"`
	RequestID string `json:"requestId"`
	GatewayID string `json:"gatewayId,omitempty"`
}

// Hooks receive traffic the child initiates on its own.
type Hooks struct {
	// OnInput is called for every unsolicited input envelope. The
	// envelope names the target and carries the message to route.
	OnInput func(gatewayID string, env *Envelope)
	// OnEvent is called for every unsolicited event envelope.
	OnEvent func(gatewayID string, env *Envelope)
	// OnExit is called when the child dies for any reason other than a
	// deliberate Stop.
	OnExit func(gatewayID string, err error)
}

// SessionConfig tunes one gateway session. Zero values take defaults.
type SessionConfig struct {
	AckTimeout    time.Duration
	ResultTimeout time.Duration

	// Env is added to the child's environment on top of the manifest's.
	Env map[string]string

	Hooks Hooks

	// Tracer, when set, opens a span around every request round trip.
	Tracer trace.Tracer

	// spawn is the test seam; nil means a real subprocess.
	spawn spawnFunc
}

// child is what a session needs from a running gateway process. The
// real implementation wraps exec.Cmd; tests substitute pipes.
type child interface {
	Status() ChildStatus
	Alive() bool
	PID() int
	writeLine(b []byte) error
	stdoutReader() io.Reader
	stderrReader() io.Reader
	wait() error
	stop()
}

type spawnFunc func(ctx context.Context, m *Manifest, env map[string]string) (child, error)

func defaultSpawn(ctx context.Context, m *Manifest, env map[string]string) (child, error) {
	return spawnChild(ctx, m, env)
}

type waiter struct {
	ack    chan *Envelope
	result chan *Envelope
	failed chan error
}

func newWaiter() *waiter {
	return &waiter{
		ack:    make(chan *Envelope, 1),
		result: make(chan *Envelope, 1),
		failed: make(chan error, 1),
	}
}

// Session owns one gateway child process. The child starts on the first
// request and is restarted by the next request after it dies. Requests
// are pipelined; correlation is strictly by request id.
type Session struct {
	manifest *Manifest
	cfg      SessionConfig

	// spawnCtx is the daemon lifetime; children die with it.
	spawnCtx context.Context

	counter atomic.Int64

	mu      sync.Mutex
	proc    child
	pending map[string]*waiter
	closed  bool
}

// NewSession prepares a session without starting the child.
func NewSession(ctx context.Context, m *Manifest, cfg SessionConfig) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = DefaultResultTimeout
	}
	if cfg.spawn == nil {
		cfg.spawn = defaultSpawn
	}
	return &Session{
		manifest: m,
		cfg:      cfg,
		spawnCtx: ctx,
		pending:  make(map[string]*waiter),
	}
}

// Start launches the child immediately. Sessions left unstarted launch
// on their first request instead.
func (s *Session) Start() error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	_, err := s.ensureRunning()
	return err
}

// Stop terminates the child and blocks new requests until Start.
func (s *Session) Stop() {
	s.mu.Lock()
	s.closed = true
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.stop()
	}
}

// Alive reports whether the child is currently running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && s.proc.Alive()
}

// ChildStatus returns the child's lifecycle status, StatusPending when
// no child has been spawned yet.
func (s *Session) ChildStatus() ChildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return StatusPending
	}
	return s.proc.Status()
}

// PID returns the child's pid, 0 when not running.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || !s.proc.Alive() {
		return 0
	}
	return s.proc.PID()
}

// RequestSync sends a message in sync mode and waits for its result
// envelope. A failed result rejects with the child's error text.
func (s *Session) RequestSync(ctx context.Context, message json.RawMessage) (json.RawMessage, error) {
	id, w, err := s.send(DeliverSync, message)
	if err != nil {
		return nil, err
	}
	defer s.dropWaiter(id)

	timer := time.NewTimer(s.cfg.ResultTimeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "gateway reported failure"
			}
			return nil, fmt.Errorf("gateway %s request %s failed: %s", s.manifest.ID, id, msg)
		}
		return res.Output, nil
	case err := <-w.failed:
		return nil, err
	case <-timer.C:
		return nil, fmt.Errorf("%w: request %s after %s", ErrResultTimeout, id, s.cfg.ResultTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestAsync sends a message in async mode and waits only for the
// child to accept it. A result arriving before the ack counts as
// acceptance.
func (s *Session) RequestAsync(ctx context.Context, message json.RawMessage) (*Ack, error) {
	id, w, err := s.send(DeliverAsync, message)
	if err != nil {
		return nil, err
	}
	defer s.dropWaiter(id)

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case env := <-w.ack:
		ack := &Ack{Accepted: env.Accepted, RequestID: id, GatewayID: env.GatewayID}
		if !ack.Accepted {
			return ack, fmt.Errorf("gateway %s rejected request %s", s.manifest.ID, id)
		}
		return ack, nil
	case res := <-w.result:
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "gateway reported failure"
			}
			return nil, fmt.Errorf("gateway %s request %s failed: %s", s.manifest.ID, id, msg)
		}
		return &Ack{Accepted: true, RequestID: id, GatewayID: res.GatewayID}, nil
	case err := <-w.failed:
		return nil, err
	case <-timer.C:
		return nil, fmt.Errorf("%w: request %s after %s", ErrAckTimeout, id, s.cfg.AckTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send writes one request envelope and registers its waiter.
func (s *Session) send(mode DeliveryMode, message json.RawMessage) (string, *waiter, error) {
	proc, err := s.ensureRunning()
	if err != nil {
		return "", nil, err
	}

	id := s.nextRequestID()
	w := newWaiter()

	s.mu.Lock()
	if s.proc != proc || !proc.Alive() {
		s.mu.Unlock()
		return "", nil, fmt.Errorf("%w: gateway %s died before request %s was sent",
			ErrProcessExited, s.manifest.ID, id)
	}
	s.pending[id] = w
	s.mu.Unlock()

	env := &Envelope{Type: KindRequest, RequestID: id, DeliveryMode: mode, Message: message}
	line, err := env.Encode()
	if err != nil {
		s.dropWaiter(id)
		return "", nil, err
	}
	if err := proc.writeLine(line); err != nil {
		s.dropWaiter(id)
		return "", nil, fmt.Errorf("gateway %s: %w", s.manifest.ID, err)
	}
	return id, w, nil
}

// ensureRunning returns a live child, spawning one if needed.
func (s *Session) ensureRunning() (child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("gateway %s is stopped", s.manifest.ID)
	}
	if s.proc != nil && s.proc.Alive() {
		return s.proc, nil
	}

	proc, err := s.cfg.spawn(s.spawnCtx, s.manifest, s.cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("spawning gateway %s: %w", s.manifest.ID, err)
	}
	s.proc = proc

	log.SafeGo("gateway-stdout-"+s.manifest.ID, func() {
		scanLines(proc.stdoutReader(), s.handleLine)
	})
	log.SafeGo("gateway-stderr-"+s.manifest.ID, func() {
		scanLines(proc.stderrReader(), func(line []byte) {
			log.Debug(log.CatGateway, "gateway stderr",
				"gateway_id", s.manifest.ID,
				"line", string(line))
		})
	})
	log.SafeGo("gateway-wait-"+s.manifest.ID, func() {
		s.waitLoop(proc)
	})

	log.Info(log.CatGateway, "gateway child started",
		"gateway_id", s.manifest.ID,
		"command", s.manifest.Command,
		"pid", proc.PID())
	return proc, nil
}

// nextRequestID mints <moduleId>-<unixMs>-<counter>.
func (s *Session) nextRequestID() string {
	return fmt.Sprintf("%s-%d-%d", s.manifest.ID, time.Now().UnixMilli(), s.counter.Add(1))
}

func (s *Session) dropWaiter(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// handleLine routes one stdout line. Lines that do not decode into a
// known envelope are discarded; pending requests keep waiting.
func (s *Session) handleLine(line []byte) {
	env, err := DecodeEnvelope(line)
	if err != nil {
		log.Debug(log.CatGateway, "discarding malformed envelope",
			"gateway_id", s.manifest.ID,
			"error", err)
		return
	}

	switch env.Type {
	case KindAck, KindResult:
		s.resolve(env)
	case KindInput:
		if s.cfg.Hooks.OnInput != nil {
			s.cfg.Hooks.OnInput(s.manifest.ID, env)
		}
	case KindEvent:
		if s.cfg.Hooks.OnEvent != nil {
			s.cfg.Hooks.OnEvent(s.manifest.ID, env)
		}
	case KindRequest:
		log.Debug(log.CatGateway, "child sent a request envelope, discarding",
			"gateway_id", s.manifest.ID)
	}
}

// resolve hands an ack or result to its waiter. Envelopes with no
// pending request are dropped.
func (s *Session) resolve(env *Envelope) {
	s.mu.Lock()
	w := s.pending[env.RequestID]
	s.mu.Unlock()

	if w == nil {
		log.Debug(log.CatGateway, "envelope has no pending request",
			"gateway_id", s.manifest.ID,
			"envelope_type", string(env.Type),
			"request_id", env.RequestID)
		return
	}

	ch := w.ack
	if env.Type == KindResult {
		ch = w.result
	}
	select {
	case ch <- env:
	default:
		// Duplicate ack or result for the same request.
	}
}

// waitLoop reaps the child and rejects every pending request with the
// exit reason.
func (s *Session) waitLoop(proc child) {
	err := proc.wait()
	status := proc.Status()

	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
	}
	rejected := s.pending
	s.pending = make(map[string]*waiter)
	s.mu.Unlock()

	reason := exitReason(s.manifest.ID, status, err)
	for _, w := range rejected {
		select {
		case w.failed <- reason:
		default:
		}
	}

	if status == StatusStopped {
		log.Debug(log.CatGateway, "gateway child stopped",
			"gateway_id", s.manifest.ID,
			"pending_rejected", len(rejected))
		return
	}

	log.Warn(log.CatGateway, "gateway child exited",
		"gateway_id", s.manifest.ID,
		"status", status.String(),
		"error", err,
		"pending_rejected", len(rejected))
	if s.cfg.Hooks.OnExit != nil {
		s.cfg.Hooks.OnExit(s.manifest.ID, reason)
	}
}

func exitReason(id string, status ChildStatus, err error) error {
	switch {
	case status == StatusStopped:
		return fmt.Errorf("%w: gateway %s was stopped", ErrProcessExited, id)
	case err != nil:
		return fmt.Errorf("%w: gateway %s: %v", ErrProcessExited, id, err)
	default:
		return fmt.Errorf("%w: gateway %s exited before responding", ErrProcessExited, id)
	}
}
