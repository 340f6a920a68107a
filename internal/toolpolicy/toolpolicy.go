// Package toolpolicy gates tool execution behind per-agent allow/deny
// policies and single-purpose authorization tokens. The daemon routes
// every tool invocation through the Executor, which validates the tool,
// checks the caller's policy, redeems a token when the tool demands
// authorization, and emits tool lifecycle events around the handler.
package toolpolicy

import (
	"context"
	"errors"
	"time"

	"github.com/fingerhq/finger/internal/events"
)

// Sentinel errors for the execution path.
var (
	ErrToolNotFound          = errors.New("tool not found")
	ErrPolicyDenied          = errors.New("tool denied by policy")
	ErrAuthorizationRequired = errors.New("tool requires authorization")
	ErrAuthorizationDenied   = errors.New("authorization denied")
	ErrTokenExpired          = errors.New("authorization token expired or unknown")
	ErrTokenInvalid          = errors.New("authorization token does not match agent and tool")
	ErrTokenUsedUp           = errors.New("authorization token used up")
)

// Handler executes one tool invocation.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Tool describes an invokable tool.
type Tool struct {
	Name                  string `json:"name" yaml:"name"`
	Description           string `json:"description,omitempty" yaml:"description,omitempty"`
	RequiresAuthorization bool   `json:"requiresAuthorization" yaml:"requires_authorization"`
}

// Result is the structured outcome of a tool run.
type Result struct {
	OK       bool           `json:"ok"`
	ExitCode *int           `json:"exitCode,omitempty"`
	Stdout   string         `json:"stdout,omitempty"`
	Stderr   string         `json:"stderr,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Policy is an agent's tool access list. Denied always wins. An empty
// Allowed list permits every tool not explicitly denied; a non-empty
// list is a whitelist.
type Policy struct {
	Allowed []string `json:"allowed" yaml:"allowed"`
	Denied  []string `json:"denied" yaml:"denied"`
}

// Allows reports whether the policy permits the tool.
func (p Policy) Allows(tool string) bool {
	for _, d := range p.Denied {
		if d == tool {
			return false
		}
	}
	if len(p.Allowed) == 0 {
		return true
	}
	for _, a := range p.Allowed {
		if a == tool {
			return true
		}
	}
	return false
}

// Decision is the approval vocabulary for authorization requests.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
)

// Token is an issued authorization grant.
type Token struct {
	Token    string `json:"token"`
	AgentID  string `json:"agentId"`
	ToolName string `json:"toolName"`
	IssuedBy string `json:"issuedBy"`
	TTLMs    int64  `json:"ttlMs,omitempty"`
	MaxUses  int    `json:"maxUses,omitempty"`
	IssuedAt int64  `json:"issuedAt"`
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Emitter receives tool lifecycle events. The event bus satisfies it.
type Emitter interface {
	Emit(ev events.Event)
}
