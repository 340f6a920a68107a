package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fingerhq/finger/internal/log"
)

// Role scopes an action registry. Each agent role sees only its own
// action vocabulary.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleExecutor     Role = "executor"
	RoleReviewer     Role = "reviewer"
	RoleSearcher     Role = "searcher"
)

// ParamKind names the JSON type a parameter must decode to.
type ParamKind string

const (
	KindStringParam  ParamKind = "string"
	KindNumberParam  ParamKind = "number"
	KindBooleanParam ParamKind = "boolean"
	KindObjectParam  ParamKind = "object"
	KindArrayParam   ParamKind = "array"
)

// ParamSpec declares one parameter of an action.
type ParamSpec struct {
	Name        string    `json:"name"`
	Kind        ParamKind `json:"kind"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// StopReason tells the loop why a handler wants it to stop.
type StopReason string

const (
	StopComplete StopReason = "complete"
	StopFail     StopReason = "fail"
	StopEscalate StopReason = "escalate"
)

// ActionResult is the structured outcome of executing one action.
// Execute never panics and never returns a bare error: lookup misses,
// bad parameters, handler errors, and handler panics all surface here.
type ActionResult struct {
	Success     bool           `json:"success"`
	Observation string         `json:"observation,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	ShouldStop  bool           `json:"shouldStop,omitempty"`
	StopReason  StopReason     `json:"stopReason,omitempty"`
}

// Handler executes one action against the Epic state.
type Handler func(ctx context.Context, actx *ActionContext, params map[string]any) (*ActionResult, error)

// Action is one registered capability.
type Action struct {
	Name        string
	Description string
	Params      []ParamSpec
	Handler     Handler
	RiskLevel   string
}

// Registry holds role-scoped action tables. Registering an existing
// name replaces the previous action.
type Registry struct {
	mu      sync.RWMutex
	actions map[Role]map[string]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[Role]map[string]*Action)}
}

// Register adds an action under the given role.
func (r *Registry) Register(role Role, act *Action) error {
	if act == nil {
		return errors.New("action cannot be nil")
	}
	if act.Name == "" {
		return errors.New("action name is required")
	}
	if act.Handler == nil {
		return fmt.Errorf("action %s has no handler", act.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.actions[role]
	if !ok {
		table = make(map[string]*Action)
		r.actions[role] = table
	}
	table[act.Name] = act
	return nil
}

// Get returns one action by name within a role.
func (r *Registry) Get(role Role, name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	act, ok := r.actions[role][name]
	return act, ok
}

// List returns a role's actions sorted by name.
func (r *Registry) List(role Role) []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Action, 0, len(r.actions[role]))
	for _, act := range r.actions[role] {
		out = append(out, act)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one action end to end. The result is always non-nil.
func (r *Registry) Execute(ctx context.Context, role Role, name string, actx *ActionContext, params map[string]any) *ActionResult {
	act, ok := r.Get(role, name)
	if !ok {
		return &ActionResult{
			Success:     false,
			Error:       fmt.Sprintf("unknown action %q for role %s", name, role),
			Observation: fmt.Sprintf("Action %q is not available. Known actions: %s", name, r.actionNames(role)),
		}
	}
	if err := validateParams(act.Params, params); err != nil {
		return &ActionResult{
			Success:     false,
			Error:       err.Error(),
			Observation: fmt.Sprintf("Action %s rejected its parameters: %s", name, err),
		}
	}
	return r.invoke(ctx, act, actx, params)
}

func (r *Registry) invoke(ctx context.Context, act *Action, actx *ActionContext, params map[string]any) (res *ActionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(log.CatOrch, "action handler panicked", "action", act.Name, "panic", fmt.Sprint(rec))
			res = &ActionResult{
				Success: false,
				Error:   fmt.Sprintf("action %s panicked: %v", act.Name, rec),
			}
		}
	}()

	out, err := act.Handler(ctx, actx, params)
	if err != nil {
		return &ActionResult{
			Success:     false,
			Error:       err.Error(),
			Observation: fmt.Sprintf("Action %s failed: %s", act.Name, err),
		}
	}
	if out == nil {
		return &ActionResult{Success: true}
	}
	return out
}

func (r *Registry) actionNames(role Role) string {
	acts := r.List(role)
	names := make([]string, 0, len(acts))
	for _, a := range acts {
		names = append(names, a.Name)
	}
	if len(names) == 0 {
		return "(none)"
	}
	return fmt.Sprint(names)
}

// validateParams checks required presence and declared kinds. Extra
// undeclared parameters pass through untouched.
func validateParams(specs []ParamSpec, params map[string]any) error {
	for _, spec := range specs {
		v, present := params[spec.Name]
		if !present || v == nil {
			if spec.Required {
				return fmt.Errorf("missing required parameter %q", spec.Name)
			}
			continue
		}
		if !kindMatches(spec.Kind, v) {
			return fmt.Errorf("parameter %q must be a %s, got %T", spec.Name, spec.Kind, v)
		}
	}
	return nil
}

func kindMatches(kind ParamKind, v any) bool {
	switch kind {
	case KindStringParam:
		_, ok := v.(string)
		return ok
	case KindNumberParam:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case KindBooleanParam:
		_, ok := v.(bool)
		return ok
	case KindObjectParam:
		_, ok := v.(map[string]any)
		return ok
	case KindArrayParam:
		_, ok := v.([]any)
		return ok
	}
	return false
}
