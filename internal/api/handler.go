// Package api exposes the daemon over HTTP: message submission with the
// direct-route guard, the callback mailbox, agent and session management,
// tool policy, the event archive, and workflow control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/fingerhq/finger/internal/config"
	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/hub"
	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/orchestrator"
	"github.com/fingerhq/finger/internal/session"
	"github.com/fingerhq/finger/internal/store"
	"github.com/fingerhq/finger/internal/toolpolicy"
	"github.com/fingerhq/finger/internal/tracing"
)

// RouteModeHeader relaxes the direct-route guard for one request when
// set to "test".
const RouteModeHeader = "x-finger-route-mode"

// maxRetryDelay caps the blocking-delivery backoff.
const maxRetryDelay = 30 * time.Second

// EpicController is the slice of the orchestrator driver the frontend
// controls.
type EpicController interface {
	Interrupt(epicID, reason string) error
	Running(epicID string) bool
	RunningEpics() []string
}

// WorkflowReader serves persisted workflow state. The orchestrator
// store satisfies it.
type WorkflowReader interface {
	LoadWorkflow(epicID string) (*orchestrator.State, error)
	ListWorkflows() ([]*orchestrator.State, error)
}

// Emitter publishes bus events for agent registration traffic.
type Emitter interface {
	Emit(ev events.Event)
}

// Config wires the HTTP surface to the daemon components. Hub is
// required; endpoints whose collaborator is absent answer 503.
type Config struct {
	Hub       *hub.Hub
	Sessions  *session.Manager
	Tools     *toolpolicy.Executor
	Mailbox   *store.Mailbox
	Archive   *store.EventArchive
	Epics     EpicController
	Workflows WorkflowReader
	Emitter   Emitter

	// PrimaryTarget is the one module the guard lets anonymous clients
	// address. Empty disables the guard entirely.
	PrimaryTarget string

	// AllowDirectRoute waives the guard daemon-wide.
	AllowDirectRoute bool

	// Blocking tunes blocking delivery: end-to-end timeout, retry
	// budget, and backoff base.
	Blocking config.BlockingConfig

	// Version is reported by /health.
	Version string
}

// Handler serves the daemon's HTTP API.
type Handler struct {
	cfg       Config
	startedAt time.Time
}

// NewHandler creates a handler over the given components.
func NewHandler(cfg Config) *Handler {
	if cfg.Blocking.TimeoutMs <= 0 {
		cfg.Blocking = config.Defaults().Blocking
	}
	return &Handler{cfg: cfg, startedAt: time.Now()}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	// Messaging
	mux.HandleFunc("POST /api/v1/message", h.PostMessage)
	mux.HandleFunc("GET /api/v1/mailbox/callback/{id}", h.GetCallback)

	// Agents and modules
	mux.HandleFunc("POST /api/v1/agents/register", h.RegisterAgent)
	mux.HandleFunc("POST /api/v1/agents/unregister", h.UnregisterAgent)
	mux.HandleFunc("POST /api/v1/agents/heartbeat", h.AgentHeartbeat)
	mux.HandleFunc("POST /api/v1/agent/{role}", h.AgentRole)
	mux.HandleFunc("GET /api/v1/modules", h.ListModules)

	// Event archive
	mux.HandleFunc("GET /api/v1/events", h.QueryEvents)

	// Tool policy
	mux.HandleFunc("GET /api/v1/tools", h.ListTools)
	mux.HandleFunc("POST /api/v1/tools/execute", h.ExecuteTool)
	mux.HandleFunc("POST /api/v1/tools/authorize", h.AuthorizeTool)
	mux.HandleFunc("DELETE /api/v1/tools/tokens/{token}", h.RevokeToken)
	mux.HandleFunc("GET /api/v1/tools/presets", h.ListPresets)
	mux.HandleFunc("GET /api/v1/tools/policies/{agentId}", h.GetPolicy)
	mux.HandleFunc("PUT /api/v1/tools/policies/{agentId}", h.PutPolicy)
	mux.HandleFunc("DELETE /api/v1/tools/policies/{agentId}", h.DeletePolicy)
	mux.HandleFunc("POST /api/v1/tools/policies/{agentId}/preset", h.ApplyPreset)

	// Sessions
	mux.HandleFunc("POST /api/v1/sessions", h.CreateSession)
	mux.HandleFunc("POST /api/v1/sessions/ensure", h.EnsureSession)
	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.DeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", h.AddSessionMessage)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", h.ListSessionMessages)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}/messages/{msgId}", h.UpdateSessionMessage)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/messages/{msgId}", h.DeleteSessionMessage)
	mux.HandleFunc("POST /api/v1/sessions/{id}/compress", h.CompressSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/pause", h.PauseSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", h.ResumeSession)

	// Workflows
	mux.HandleFunc("GET /api/v1/workflows", h.ListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/interrupt", h.InterruptWorkflow)

	return mux
}

// === Request/Response Types ===

// MessageRequest is the body of POST /api/v1/message. Message carries
// the payload verbatim; a JSON string and a JSON object are both valid.
type MessageRequest struct {
	Target     string          `json:"target"`
	Message    json.RawMessage `json:"message,omitempty"`
	Type       string          `json:"type,omitempty"`
	Route      string          `json:"route,omitempty"`
	Blocking   bool            `json:"blocking,omitempty"`
	Sender     string          `json:"sender,omitempty"`
	CallbackID string          `json:"callbackId,omitempty"`
}

// MessageResponse reports one submission's outcome.
type MessageResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DirectRouteError is the 403 body for guarded targets.
type DirectRouteError struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	PrimaryTarget string `json:"primaryTarget"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version,omitempty"`
	UptimeMs int64          `json:"uptimeMs"`
	Modules  map[string]int `json:"modules"`
	QueueLen int            `json:"queueLen"`
	Epics    []string       `json:"epics,omitempty"`
}

// ErrorResponse is the error body for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Handlers ===

// Health reports liveness plus a module and queue summary.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  h.cfg.Version,
		UptimeMs: time.Since(h.startedAt).Milliseconds(),
		Modules:  map[string]int{},
	}
	if h.cfg.Hub != nil {
		for status, n := range h.cfg.Hub.Registry().CountByStatus() {
			resp.Modules[string(status)] = n
		}
		resp.QueueLen = h.cfg.Hub.QueueLen()
	}
	if h.cfg.Epics != nil {
		resp.Epics = h.cfg.Epics.RunningEpics()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// PostMessage submits a message to a module. Blocking requests run the
// delivery inline under the configured timeout and retry policy;
// non-blocking requests are acknowledged immediately, optionally with a
// mailbox entry the client can poll by callback id.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.Target == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "target is required", "")
		return
	}
	if !h.routeAllowed(r, req.Target) {
		h.writeJSON(w, http.StatusForbidden, DirectRouteError{
			Error:         "direct module routing is disabled",
			Code:          "DIRECT_ROUTE_DISABLED",
			PrimaryTarget: h.cfg.PrimaryTarget,
		})
		return
	}

	msg := h.newMessage(req.Type, req.Sender, req.Route, req.Message)

	if req.CallbackID != "" {
		h.sendWithCallback(w, req.Target, req.CallbackID, msg)
		return
	}
	if !req.Blocking {
		h.cfg.Hub.SendToModuleAsync(req.Target, msg, nil)
		h.writeJSON(w, http.StatusAccepted, MessageResponse{MessageID: msg.ID, Status: "accepted"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Blocking.Timeout())
	defer cancel()
	res, err := h.sendBlocking(ctx, req.Target, msg)
	h.respondBlocking(w, res, err)
}

// newMessage mints the hub message for one HTTP submission. Every
// ingress message gets a trace id.
func (h *Handler) newMessage(msgType, sender, route string, payload json.RawMessage) *hub.Message {
	if msgType == "" {
		msgType = orchestrator.MsgUserMessage
	}
	if sender == "" {
		sender = "http"
	}
	msg := hub.NewMessage(msgType, sender, payload)
	msg.Route = route
	msg.TraceID = tracing.GenerateTraceID()
	return msg
}

// sendWithCallback records a pending mailbox entry, then delivers in the
// background and completes the entry with the outcome.
func (h *Handler) sendWithCallback(w http.ResponseWriter, target, callbackID string, msg *hub.Message) {
	if h.cfg.Mailbox == nil {
		h.writeError(w, http.StatusServiceUnavailable, "mailbox_unavailable", "Callback mailbox is not available", "")
		return
	}
	if err := h.cfg.Mailbox.Create(context.Background(), callbackID); err != nil {
		h.writeError(w, http.StatusInternalServerError, "mailbox_error", "Failed to create mailbox entry", err.Error())
		return
	}

	mailbox := h.cfg.Mailbox
	h.cfg.Hub.SendToModuleAsync(target, msg, func(result any, err error) {
		failure := ""
		if err != nil {
			failure = err.Error()
		}
		if cerr := mailbox.Complete(context.Background(), callbackID, result, failure); cerr != nil {
			log.Warn(log.CatAPI, "callback completion not stored",
				"callback_id", callbackID, "error", cerr.Error())
		}
	})
	h.writeJSON(w, http.StatusAccepted, MessageResponse{MessageID: msg.ID, Status: "accepted"})
}

// sendBlocking drives the retry policy: a failed delivery is retried up
// to MaxRetries times with exponential backoff, all under one deadline.
func (h *Handler) sendBlocking(ctx context.Context, target string, msg *hub.Message) (*hub.SendResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := h.cfg.Hub.SendToModule(ctx, target, msg)
		if err != nil {
			return nil, err
		}
		if res.Status != hub.StatusFailed || attempt >= h.cfg.Blocking.MaxRetries {
			return res, nil
		}
		log.Debug(log.CatAPI, "blocking delivery retrying",
			"message_id", msg.ID, "target", target, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDelay(h.cfg.Blocking.RetryBase(), attempt)):
		}
	}
}

// respondBlocking maps a blocking delivery outcome onto the HTTP reply:
// client mistakes are 4xx, timeouts 504, handler failures 500.
func (h *Handler) respondBlocking(w http.ResponseWriter, res *hub.SendResult, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, hub.ErrNotRegistered), errors.Is(err, hub.ErrBadMessage):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		h.writeJSON(w, status, MessageResponse{Status: "failed", Error: err.Error()})
		return
	}
	if res.Status == hub.StatusFailed {
		status := http.StatusInternalServerError
		errText := "delivery failed"
		if res.Failure != nil {
			errText = res.Failure.Error()
			if errors.Is(res.Failure, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
		}
		h.writeJSON(w, status, MessageResponse{MessageID: res.MessageID, Status: string(res.Status), Error: errText})
		return
	}
	h.writeJSON(w, http.StatusOK, MessageResponse{
		MessageID: res.MessageID,
		Status:    string(res.Status),
		Result:    res.Value,
	})
}

// GetCallback fetches a mailbox completion by its client-supplied id.
func (h *Handler) GetCallback(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Mailbox == nil {
		h.writeError(w, http.StatusServiceUnavailable, "mailbox_unavailable", "Callback mailbox is not available", "")
		return
	}
	entry, err := h.cfg.Mailbox.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrCallbackNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Callback not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to read mailbox", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// routeAllowed applies the direct-route guard: anonymous clients may
// only address the primary target unless the test header, NODE_ENV, or
// configuration waives the restriction.
func (h *Handler) routeAllowed(r *http.Request, target string) bool {
	if h.cfg.PrimaryTarget == "" || target == h.cfg.PrimaryTarget {
		return true
	}
	if h.cfg.AllowDirectRoute {
		return true
	}
	if r.Header.Get(RouteModeHeader) == "test" {
		return true
	}
	return os.Getenv("NODE_ENV") == "test"
}

// backoffDelay doubles the base per attempt, capped at maxRetryDelay.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// === Helpers ===

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatAPI, "response not encoded", "error", err.Error())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
