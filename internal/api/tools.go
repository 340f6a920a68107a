package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fingerhq/finger/internal/toolpolicy"
)

// ListTools returns the tool catalog.
func (h *Handler) ListTools(w http.ResponseWriter, _ *http.Request) {
	if !h.requireTools(w) {
		return
	}
	tools := h.cfg.Tools.ListTools()
	if tools == nil {
		tools = []toolpolicy.Tool{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "total": len(tools)})
}

// ExecuteTool runs a tool under the caller's policy. Authorization
// failures are 403; an unknown tool is 404.
func (h *Handler) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	if !h.requireTools(w) {
		return
	}
	var req toolpolicy.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	result, err := h.cfg.Tools.Execute(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, toolpolicy.ErrToolNotFound):
			h.writeError(w, http.StatusNotFound, "tool_not_found", "Tool not found", err.Error())
		case errors.Is(err, toolpolicy.ErrPolicyDenied),
			errors.Is(err, toolpolicy.ErrAuthorizationRequired),
			errors.Is(err, toolpolicy.ErrAuthorizationDenied),
			errors.Is(err, toolpolicy.ErrTokenExpired),
			errors.Is(err, toolpolicy.ErrTokenInvalid),
			errors.Is(err, toolpolicy.ErrTokenUsedUp):
			h.writeError(w, http.StatusForbidden, "policy_denied", "Tool execution denied", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "execution_failed", "Tool execution failed", err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// AuthorizeTool issues a one-shot or session-scoped token for a gated
// tool, or records a refusal.
func (h *Handler) AuthorizeTool(w http.ResponseWriter, r *http.Request) {
	if !h.requireTools(w) {
		return
	}
	var req toolpolicy.AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	token, err := h.cfg.Tools.Authorize(req)
	if err != nil {
		switch {
		case errors.Is(err, toolpolicy.ErrToolNotFound):
			h.writeError(w, http.StatusNotFound, "tool_not_found", "Tool not found", err.Error())
		case errors.Is(err, toolpolicy.ErrAuthorizationDenied):
			h.writeError(w, http.StatusForbidden, "authorization_denied", "Authorization denied", err.Error())
		default:
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid authorization request", err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, token)
}

// RevokeToken invalidates an authorization token.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if !h.requireTools(w) {
		return
	}
	if !h.cfg.Tools.Tokens().Revoke(r.PathValue("token")) {
		h.writeError(w, http.StatusNotFound, "not_found", "Token not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPresets names the registered policy presets.
func (h *Handler) ListPresets(w http.ResponseWriter, _ *http.Request) {
	if !h.requireTools(w) {
		return
	}
	presets := h.cfg.Tools.Presets()
	if presets == nil {
		presets = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"presets": presets})
}

// GetPolicy returns the effective policy for an agent.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if !h.requireTools(w) {
		return
	}
	policy, ok := h.cfg.Tools.GetPolicy(r.PathValue("agentId"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "No policy for agent", "")
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

// PutPolicy installs an explicit allow/deny policy for an agent.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	if !h.requireTools(w) {
		return
	}
	var policy toolpolicy.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	h.cfg.Tools.SetPolicy(r.PathValue("agentId"), policy)
	h.writeJSON(w, http.StatusOK, policy)
}

// DeletePolicy removes an agent's policy, restoring defaults.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if !h.requireTools(w) {
		return
	}
	h.cfg.Tools.RemovePolicy(r.PathValue("agentId"))
	w.WriteHeader(http.StatusNoContent)
}

// ApplyPreset replaces an agent's policy with a named preset.
func (h *Handler) ApplyPreset(w http.ResponseWriter, r *http.Request) {
	if !h.requireTools(w) {
		return
	}
	var req struct {
		Preset string `json:"preset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if err := h.cfg.Tools.ApplyPreset(r.PathValue("agentId"), req.Preset); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown preset", err.Error())
		return
	}
	policy, _ := h.cfg.Tools.GetPolicy(r.PathValue("agentId"))
	h.writeJSON(w, http.StatusOK, policy)
}

// requireTools writes a 503 when the tool executor is not wired.
func (h *Handler) requireTools(w http.ResponseWriter) bool {
	if h.cfg.Tools == nil {
		h.writeError(w, http.StatusServiceUnavailable, "tools_unavailable", "Tool executor is not available", "")
		return false
	}
	return true
}
