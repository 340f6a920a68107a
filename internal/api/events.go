package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/store"
)

// QueryEvents serves the event archive. Filters combine with AND;
// types and groups are comma-separated lists.
func (h *Handler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Archive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "events_unavailable", "Event archive is not available", "")
		return
	}

	q := store.ArchiveQuery{
		SessionID: r.URL.Query().Get("sessionId"),
		AgentID:   r.URL.Query().Get("agentId"),
	}
	for _, t := range splitCSV(r.URL.Query().Get("types")) {
		q.Types = append(q.Types, events.Type(t))
	}
	for _, g := range splitCSV(r.URL.Query().Get("groups")) {
		q.Groups = append(q.Groups, events.Group(g))
	}
	if v := r.URL.Query().Get("sinceId"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "sinceId must be an integer", err.Error())
			return
		}
		q.SinceID = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer", err.Error())
			return
		}
		q.Limit = n
	}

	evs, err := h.cfg.Archive.Query(r.Context(), q)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to query events", err.Error())
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": evs, "total": len(evs)})
}

// splitCSV splits a comma-separated list, dropping empty items.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
