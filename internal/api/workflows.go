package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fingerhq/finger/internal/orchestrator"
)

// WorkflowSummary is one row of the workflow listing.
type WorkflowSummary struct {
	EpicID    string `json:"epicId"`
	SessionID string `json:"sessionId,omitempty"`
	UserTask  string `json:"userTask"`
	Phase     string `json:"phase"`
	Round     int    `json:"round"`
	Outcome   string `json:"outcome,omitempty"`
	Running   bool   `json:"running"`
	UpdatedAt int64  `json:"updatedAt"`
}

// WorkflowDetail is the full persisted state plus liveness.
type WorkflowDetail struct {
	*orchestrator.State
	Running bool `json:"running"`
}

// InterruptRequest optionally names why a workflow is being stopped.
type InterruptRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ListWorkflows lists persisted workflows, newest update first.
func (h *Handler) ListWorkflows(w http.ResponseWriter, _ *http.Request) {
	if h.cfg.Workflows == nil {
		h.writeError(w, http.StatusServiceUnavailable, "workflows_unavailable", "Workflow store is not available", "")
		return
	}
	states, err := h.cfg.Workflows.ListWorkflows()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list workflows", err.Error())
		return
	}
	summaries := make([]WorkflowSummary, 0, len(states))
	for _, st := range states {
		summaries = append(summaries, WorkflowSummary{
			EpicID:    st.EpicID,
			SessionID: st.SessionID,
			UserTask:  st.UserTask,
			Phase:     string(st.Phase),
			Round:     st.Round,
			Outcome:   st.Outcome,
			Running:   h.epicRunning(st.EpicID),
			UpdatedAt: st.UpdatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries, "total": len(summaries)})
}

// GetWorkflow returns one workflow's full state.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Workflows == nil {
		h.writeError(w, http.StatusServiceUnavailable, "workflows_unavailable", "Workflow store is not available", "")
		return
	}
	id := r.PathValue("id")
	st, err := h.cfg.Workflows.LoadWorkflow(id)
	if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load workflow", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, WorkflowDetail{State: st, Running: h.epicRunning(id)})
}

// InterruptWorkflow stops a running workflow. Only live workflows can be
// interrupted; finished or unknown ones are 404.
func (h *Handler) InterruptWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Epics == nil {
		h.writeError(w, http.StatusServiceUnavailable, "workflows_unavailable", "Orchestrator is not available", "")
		return
	}
	var req InterruptRequest
	if r.Body != nil {
		// Body is optional; a decode failure on an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	reason := req.Reason
	if reason == "" {
		reason = orchestrator.InterruptUser
	}

	err := h.cfg.Epics.Interrupt(r.PathValue("id"), reason)
	if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Workflow not running", err.Error())
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to interrupt workflow", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) epicRunning(epicID string) bool {
	return h.cfg.Epics != nil && h.cfg.Epics.Running(epicID)
}
