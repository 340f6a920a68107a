package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fingerhq/finger/internal/session"
)

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	ProjectPath string `json:"projectPath"`
	Name        string `json:"name,omitempty"`
	AllowReuse  bool   `json:"allowReuse,omitempty"`
}

// EnsureSessionRequest is the body of POST /api/v1/sessions/ensure.
type EnsureSessionRequest struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
	Name        string `json:"name,omitempty"`
}

// AddMessageRequest is the body of POST /api/v1/sessions/{id}/messages.
type AddMessageRequest struct {
	Role     string         `json:"role,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateMessageRequest is the body of PATCH .../messages/{msgId}.
type UpdateMessageRequest struct {
	Content string `json:"content"`
}

// CreateSession mints (or reuses) a root session for a project.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	s, err := h.cfg.Sessions.CreateSession(req.ProjectPath, req.Name, req.AllowReuse)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to create session", err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, s)
}

// EnsureSession loads a session by id, creating it when missing.
func (h *Handler) EnsureSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	var req EnsureSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "sessionId is required", "")
		return
	}
	s, err := h.cfg.Sessions.EnsureSession(req.SessionID, req.ProjectPath, req.Name)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to ensure session", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// ListSessions lists root sessions, optionally scoped to one project.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	sessions, err := h.cfg.Sessions.ListSessions(r.URL.Query().Get("projectPath"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list sessions", err.Error())
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": len(sessions)})
}

// GetSession fetches one session with its full message history.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	s, ok := h.cfg.Sessions.GetSession(r.PathValue("id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Session not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// DeleteSession removes a session and its on-disk state.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	if err := h.cfg.Sessions.DeleteSession(r.PathValue("id")); err != nil {
		h.writeSessionError(w, err, "Failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddSessionMessage appends a message to the session history.
func (h *Handler) AddSessionMessage(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	var req AddMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	role := session.Role(req.Role)
	if role == "" {
		role = session.RoleUser
	}
	msg, err := h.cfg.Sessions.AddMessage(r.PathValue("id"), role, req.Content, req.Metadata)
	if err != nil {
		h.writeSessionError(w, err, "Failed to add message")
		return
	}
	h.writeJSON(w, http.StatusCreated, msg)
}

// ListSessionMessages returns the newest messages, bounded by limit.
func (h *Handler) ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer", err.Error())
			return
		}
		limit = n
	}
	msgs, err := h.cfg.Sessions.GetMessages(r.PathValue("id"), limit)
	if err != nil {
		h.writeSessionError(w, err, "Failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}

// UpdateSessionMessage rewrites a message's content.
func (h *Handler) UpdateSessionMessage(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	var req UpdateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	err := h.cfg.Sessions.UpdateMessage(r.PathValue("id"), r.PathValue("msgId"), req.Content)
	if err != nil {
		h.writeSessionError(w, err, "Failed to update message")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messageId": r.PathValue("msgId"), "status": "updated"})
}

// DeleteSessionMessage removes one message from the history.
func (h *Handler) DeleteSessionMessage(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	err := h.cfg.Sessions.DeleteMessage(r.PathValue("id"), r.PathValue("msgId"))
	if err != nil {
		h.writeSessionError(w, err, "Failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompressSession folds older history into the compressed summary.
func (h *Handler) CompressSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	compressed, err := h.cfg.Sessions.CompressContext(r.PathValue("id"), nil)
	if err != nil {
		h.writeSessionError(w, err, "Failed to compress session")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"compressed": compressed})
}

// PauseSession marks the session paused.
func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	if err := h.cfg.Sessions.PauseSession(r.PathValue("id")); err != nil {
		h.writeSessionError(w, err, "Failed to pause session")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessionId": r.PathValue("id"), "paused": true})
}

// ResumeSession clears the paused flag.
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	if err := h.cfg.Sessions.ResumeSession(r.PathValue("id")); err != nil {
		h.writeSessionError(w, err, "Failed to resume session")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessionId": r.PathValue("id"), "paused": false})
}

// requireSessions writes a 503 when the session manager is not wired.
func (h *Handler) requireSessions(w http.ResponseWriter) bool {
	if h.cfg.Sessions == nil {
		h.writeError(w, http.StatusServiceUnavailable, "sessions_unavailable", "Session manager is not available", "")
		return false
	}
	return true
}

// writeSessionError maps session manager errors onto HTTP statuses.
func (h *Handler) writeSessionError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Session not found", err.Error())
	case errors.Is(err, session.ErrMessageNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", err.Error())
	case errors.Is(err, session.ErrEmptyContent):
		h.writeError(w, http.StatusBadRequest, "validation_error", "content cannot be empty", "")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", message, err.Error())
	}
}
