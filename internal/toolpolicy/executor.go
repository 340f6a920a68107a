package toolpolicy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/log"
)

// registeredTool pairs a tool's metadata with its handler.
type registeredTool struct {
	tool    Tool
	handler Handler
}

// Option configures the Executor.
type Option func(*Executor)

// WithClock overrides the time source used for token expiry.
func WithClock(c Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithEmitter attaches an event emitter.
func WithEmitter(em Emitter) Option {
	return func(e *Executor) { e.emitter = em }
}

// Executor owns the tool registry, per-agent policies, role presets,
// and the token store, and runs the gated execution path.
type Executor struct {
	clock   Clock
	emitter Emitter

	mu       sync.RWMutex
	tools    map[string]registeredTool
	policies map[string]Policy
	presets  map[string]Policy

	tokens *TokenStore
}

// NewExecutor creates an executor seeded with the built-in role presets.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		clock:    RealClock{},
		tools:    make(map[string]registeredTool),
		policies: make(map[string]Policy),
		presets:  DefaultPresets(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tokens = NewTokenStore(e.clock)
	return e
}

// Tokens exposes the token store for the authorization endpoints.
func (e *Executor) Tokens() *TokenStore {
	return e.tokens
}

// Register adds or replaces a tool and its handler.
func (e *Executor) Register(tool Tool, handler Handler) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.New("tool handler is required")
	}

	e.mu.Lock()
	e.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
	e.mu.Unlock()

	log.Debug(log.CatTools, "tool registered", "tool", tool.Name, "requires_authorization", tool.RequiresAuthorization)
	return nil
}

// Unregister removes a tool. Reports whether it existed.
func (e *Executor) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, found := e.tools[name]
	delete(e.tools, name)
	return found
}

// GetTool returns a tool's metadata.
func (e *Executor) GetTool(name string) (Tool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rt, ok := e.tools[name]
	return rt.tool, ok
}

// ListTools returns every registered tool, sorted by name.
func (e *Executor) ListTools() []Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Tool, 0, len(e.tools))
	for _, rt := range e.tools {
		out = append(out, rt.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetPolicy replaces an agent's policy.
func (e *Executor) SetPolicy(agentID string, p Policy) {
	e.mu.Lock()
	e.policies[agentID] = p
	e.mu.Unlock()
	log.Debug(log.CatTools, "agent policy set", "agent_id", agentID, "allowed", len(p.Allowed), "denied", len(p.Denied))
}

// GetPolicy returns an agent's policy. Agents without one fall back to
// the permissive zero policy.
func (e *Executor) GetPolicy(agentID string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.policies[agentID]
	return p, ok
}

// RemovePolicy deletes an agent's policy, restoring the default.
func (e *Executor) RemovePolicy(agentID string) {
	e.mu.Lock()
	delete(e.policies, agentID)
	e.mu.Unlock()
}

// RegisterPreset adds or replaces a named policy template.
func (e *Executor) RegisterPreset(name string, p Policy) {
	e.mu.Lock()
	e.presets[name] = p
	e.mu.Unlock()
}

// Presets returns the known preset names, sorted.
func (e *Executor) Presets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.presets))
	for name := range e.presets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyPreset replaces the agent's policy with the named template.
func (e *Executor) ApplyPreset(agentID, preset string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.presets[preset]
	if !ok {
		return fmt.Errorf("unknown policy preset %q", preset)
	}
	e.policies[agentID] = Policy{
		Allowed: append([]string(nil), p.Allowed...),
		Denied:  append([]string(nil), p.Denied...),
	}
	log.Info(log.CatTools, "policy preset applied", "agent_id", agentID, "preset", preset)
	return nil
}

// AuthorizeRequest asks for a token minting decision.
type AuthorizeRequest struct {
	AgentID  string   `json:"agentId"`
	ToolName string   `json:"toolName"`
	IssuedBy string   `json:"issuedBy"`
	Decision Decision `json:"decision"`
	TTLMs    int64    `json:"ttlMs,omitempty"`
	MaxUses  int      `json:"maxUses,omitempty"`
}

// Authorize mints (or refuses) a token per the decision vocabulary:
// approved defaults to a single use, approved_for_session is unbounded
// in uses but expires with the session, denied refuses outright.
func (e *Executor) Authorize(req AuthorizeRequest) (Token, error) {
	if req.AgentID == "" || req.ToolName == "" {
		return Token{}, errors.New("agentId and toolName are required")
	}
	if _, ok := e.GetTool(req.ToolName); !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrToolNotFound, req.ToolName)
	}

	switch req.Decision {
	case DecisionDenied:
		e.emit(events.ToolDenied, req.AgentID, "", map[string]any{"tool": req.ToolName, "issuedBy": req.IssuedBy})
		return Token{}, fmt.Errorf("%w: %s for %s", ErrAuthorizationDenied, req.ToolName, req.AgentID)

	case DecisionApprovedForSession:
		ttl := req.TTLMs
		if ttl <= 0 {
			ttl = DefaultSessionTTL.Milliseconds()
		}
		t := e.tokens.Mint(Token{
			AgentID:  req.AgentID,
			ToolName: req.ToolName,
			IssuedBy: req.IssuedBy,
			TTLMs:    ttl,
		})
		e.emit(events.ToolAuthorized, req.AgentID, "", map[string]any{"tool": req.ToolName, "decision": string(req.Decision)})
		return t, nil

	case DecisionApproved, "":
		maxUses := req.MaxUses
		if maxUses <= 0 {
			maxUses = 1
		}
		t := e.tokens.Mint(Token{
			AgentID:  req.AgentID,
			ToolName: req.ToolName,
			IssuedBy: req.IssuedBy,
			TTLMs:    req.TTLMs,
			MaxUses:  maxUses,
		})
		e.emit(events.ToolAuthorized, req.AgentID, "", map[string]any{"tool": req.ToolName, "decision": string(DecisionApproved)})
		return t, nil

	default:
		return Token{}, fmt.Errorf("unknown authorization decision %q", req.Decision)
	}
}

// ExecRequest is one tool invocation.
type ExecRequest struct {
	AgentID   string         `json:"agentId"`
	SessionID string         `json:"sessionId,omitempty"`
	ToolName  string         `json:"toolName"`
	Args      map[string]any `json:"args,omitempty"`
	Token     string         `json:"token,omitempty"`
}

// Execute runs the gated path: tool lookup, policy check, token
// redemption when required, then the handler bracketed by tool_call and
// tool_result or tool_error events.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (*Result, error) {
	e.mu.RLock()
	rt, ok := e.tools[req.ToolName]
	policy, hasPolicy := e.policies[req.AgentID]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.ToolName)
	}

	if hasPolicy && !policy.Allows(req.ToolName) {
		e.emit(events.ToolDenied, req.AgentID, req.SessionID, map[string]any{"tool": req.ToolName, "reason": "policy"})
		return nil, fmt.Errorf("%w: %s for %s", ErrPolicyDenied, req.ToolName, req.AgentID)
	}

	if rt.tool.RequiresAuthorization {
		if req.Token == "" {
			e.emit(events.ToolDenied, req.AgentID, req.SessionID, map[string]any{"tool": req.ToolName, "reason": "authorization_required"})
			return nil, fmt.Errorf("%w: %s", ErrAuthorizationRequired, req.ToolName)
		}
		if err := e.tokens.Redeem(req.Token, req.AgentID, req.ToolName); err != nil {
			e.emit(events.ToolDenied, req.AgentID, req.SessionID, map[string]any{"tool": req.ToolName, "reason": err.Error()})
			return nil, err
		}
	}

	e.emit(events.ToolCall, req.AgentID, req.SessionID, map[string]any{"tool": req.ToolName, "args": req.Args})

	result, err := e.invoke(ctx, rt.handler, req.Args)
	if err != nil {
		log.Warn(log.CatTools, "tool handler failed", "tool", req.ToolName, "agent_id", req.AgentID, "error", err.Error())
		e.emit(events.ToolError, req.AgentID, req.SessionID, map[string]any{"tool": req.ToolName, "error": err.Error()})
		return nil, err
	}
	if result == nil {
		result = &Result{OK: true}
	}

	e.emit(events.ToolResult, req.AgentID, req.SessionID, map[string]any{"tool": req.ToolName, "ok": result.OK})
	return result, nil
}

// invoke runs the handler with panic recovery so a misbehaving tool
// cannot take down the daemon.
func (e *Executor) invoke(ctx context.Context, handler Handler, args map[string]any) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return handler(ctx, args)
}

func (e *Executor) emit(t events.Type, agentID, sessionID string, payload map[string]any) {
	if e.emitter == nil {
		return
	}
	ev := events.New(t, payload)
	ev.AgentID = agentID
	ev.SessionID = sessionID
	e.emitter.Emit(ev)
}
