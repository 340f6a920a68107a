package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/registry"
)

// AgentRegistration announces an external agent process to the daemon.
// Registered agents show up in the module registry with kind "agent"
// and are expected to heartbeat.
type AgentRegistration struct {
	AgentID      string   `json:"agentId"`
	AgentName    string   `json:"agentName,omitempty"`
	PID          int      `json:"pid,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	StartTime    int64    `json:"startTime,omitempty"`
}

// AgentRef names an agent for unregister and heartbeat calls.
type AgentRef struct {
	AgentID string `json:"agentId"`
}

// AgentRoleRequest is the body of POST /api/v1/agent/{role}: a
// role-addressed message, blocking by default.
type AgentRoleRequest struct {
	Message  json.RawMessage `json:"message"`
	Target   string          `json:"target,omitempty"`
	Blocking *bool           `json:"blocking,omitempty"`
	Sender   string          `json:"sender,omitempty"`
}

// RegisterAgent records an external agent in the registry. Re-registering
// an existing id refreshes its descriptor.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.AgentID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "agentId is required", "")
		return
	}

	cfg, err := json.Marshal(req)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode registration", err.Error())
		return
	}
	entry := &registry.Entry{
		ID:            req.AgentID,
		Type:          registry.TypeInput,
		Kind:          "agent",
		Config:        cfg,
		Status:        registry.StatusActive,
		LastHeartbeat: time.Now().UnixMilli(),
	}
	if err := h.cfg.Hub.Registry().PutEntry(entry); err != nil {
		h.writeError(w, http.StatusBadRequest, "registration_failed", "Failed to register agent", err.Error())
		return
	}

	log.Info(log.CatAPI, "agent registered", "agent_id", req.AgentID, "pid", req.PID)
	h.emitAgent(events.AgentRegistered, req.AgentID, map[string]any{"agentName": req.AgentName, "pid": req.PID})
	h.writeJSON(w, http.StatusCreated, map[string]any{"agentId": req.AgentID, "status": "registered"})
}

// UnregisterAgent removes an agent. Hub-attached modules go through the
// hub so their routes are torn down too; registry-only agents are
// removed directly.
func (h *Handler) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.AgentID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "agentId is required", "")
		return
	}

	var err error
	if h.cfg.Hub.IsRegistered(req.AgentID) {
		err = h.cfg.Hub.Unregister(req.AgentID)
	} else {
		err = h.cfg.Hub.Registry().RemoveEntry(req.AgentID)
	}
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Agent not registered", err.Error())
		return
	}

	log.Info(log.CatAPI, "agent unregistered", "agent_id", req.AgentID)
	h.emitAgent(events.AgentUnregistered, req.AgentID, nil)
	h.writeJSON(w, http.StatusOK, map[string]any{"agentId": req.AgentID, "status": "unregistered"})
}

// AgentHeartbeat refreshes an agent's liveness timestamp.
func (h *Handler) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req AgentRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.AgentID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "agentId is required", "")
		return
	}

	now := time.Now().UnixMilli()
	err := h.cfg.Hub.Registry().UpdateEntry(req.AgentID, func(e *registry.Entry) {
		e.LastHeartbeat = now
	})
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Agent not registered", err.Error())
		return
	}
	h.emitAgent(events.AgentHeartbeat, req.AgentID, nil)
	h.writeJSON(w, http.StatusOK, map[string]any{"agentId": req.AgentID, "lastHeartbeat": now})
}

// AgentRole submits a role-addressed message. The role rides in the
// message route so the receiving module can pick a persona; delivery
// still goes to a single target, the primary one unless overridden.
func (h *Handler) AgentRole(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")

	var req AgentRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	target := req.Target
	if target == "" {
		target = h.cfg.PrimaryTarget
	}
	if target == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "target is required", "")
		return
	}
	if !h.routeAllowed(r, target) {
		h.writeJSON(w, http.StatusForbidden, DirectRouteError{
			Error:         "direct module routing is disabled",
			Code:          "DIRECT_ROUTE_DISABLED",
			PrimaryTarget: h.cfg.PrimaryTarget,
		})
		return
	}

	msg := h.newMessage("agent_request", req.Sender, role, req.Message)

	if req.Blocking != nil && !*req.Blocking {
		h.cfg.Hub.SendToModuleAsync(target, msg, nil)
		h.writeJSON(w, http.StatusAccepted, MessageResponse{MessageID: msg.ID, Status: "accepted"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Blocking.Timeout())
	defer cancel()
	res, err := h.sendBlocking(ctx, target, msg)
	h.respondBlocking(w, res, err)
}

// ListModules returns every registry entry, filterable by type, kind,
// and status.
func (h *Handler) ListModules(w http.ResponseWriter, r *http.Request) {
	q := registry.ListQuery{Kind: r.URL.Query().Get("kind")}
	if v := r.URL.Query().Get("type"); v != "" {
		q.Types = []registry.EntryType{registry.EntryType(v)}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		q.Statuses = []registry.Status{registry.Status(v)}
	}
	entries := h.cfg.Hub.Registry().ListEntries(q)
	if entries == nil {
		entries = []*registry.Entry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"modules": entries, "total": len(entries)})
}

// emitAgent publishes an agent lifecycle event when a bus is wired.
func (h *Handler) emitAgent(t events.Type, agentID string, payload map[string]any) {
	if h.cfg.Emitter == nil {
		return
	}
	ev := events.New(t, payload)
	ev.AgentID = agentID
	h.cfg.Emitter.Emit(ev)
}
