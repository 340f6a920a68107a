package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fingerhq/finger/internal/events"
)

// Query limits for the archive. Callers asking for nothing get the
// default; nobody gets more than the max in one page.
const (
	DefaultQueryLimit = 200
	MaxQueryLimit     = 1000
)

// eventColumns is the list of columns to select for archive queries.
const eventColumns = `seq, event_id, event_type, event_group, session_id, agent_id, timestamp, payload`

// EventArchive appends every bus event to sqlite and serves catch-up
// and timeline queries over the archived tail. Seq is the table's
// autoincrement rowid, so it is strictly monotonic across restarts.
type EventArchive struct {
	db *sql.DB
}

var (
	_ events.Sink    = (*EventArchive)(nil)
	_ events.Archive = (*EventArchive)(nil)
)

func newEventArchive(db *sql.DB) *EventArchive {
	return &EventArchive{db: db}
}

// Append persists the event and fills in its Seq from the inserted row.
func (a *EventArchive) Append(ev *events.Event) error {
	var payload any
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = string(raw)
	}
	res, err := a.db.Exec(
		`INSERT INTO events (event_id, event_type, event_group, session_id, agent_id, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), string(ev.Group), nullString(ev.SessionID), nullString(ev.AgentID), ev.Timestamp, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to archive event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read archive seq: %w", err)
	}
	ev.Seq = seq
	return nil
}

// EventsSince returns archived events with seq strictly greater than
// sinceID, oldest first. It backs websocket catch-up.
func (a *EventArchive) EventsSince(ctx context.Context, sinceID int64, limit int) ([]events.Event, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		sinceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

// ArchiveQuery narrows a timeline query. Zero values mean "no filter";
// Limit is clamped to [1, MaxQueryLimit] with DefaultQueryLimit when unset.
type ArchiveQuery struct {
	Types     []events.Type
	Groups    []events.Group
	SessionID string
	AgentID   string
	SinceID   int64
	Limit     int
}

// Query returns archived events matching q in insertion order.
func (a *EventArchive) Query(ctx context.Context, q ArchiveQuery) ([]events.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE seq > ?`
	args := []any{q.SinceID}

	if len(q.Types) > 0 {
		query += ` AND event_type IN (` + placeholders(len(q.Types)) + `)`
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if len(q.Groups) > 0 {
		query += ` AND event_group IN (` + placeholders(len(q.Groups)) + `)`
		for _, g := range q.Groups {
			args = append(args, string(g))
		}
	}
	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}

	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, clampLimit(q.Limit))

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

// LastSeq reports the highest archived seq, or 0 when the archive is empty.
func (a *EventArchive) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := a.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return seq.Int64, nil
}

// PruneBefore deletes archived events older than cutoffMs. It returns
// the number of rows removed.
func (a *EventArchive) PruneBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned events: %w", err)
	}
	return n, nil
}

func collectEvents(rows *sql.Rows) ([]events.Event, error) {
	defer func() { _ = rows.Close() }()

	var out []events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(...any) error }) (events.Event, error) {
	var (
		ev        events.Event
		evType    string
		evGroup   string
		sessionID sql.NullString
		agentID   sql.NullString
		payload   sql.NullString
	)
	err := scanner.Scan(&ev.Seq, &ev.ID, &evType, &evGroup, &sessionID, &agentID, &ev.Timestamp, &payload)
	if err != nil {
		return ev, err
	}
	ev.Type = events.Type(evType)
	ev.Group = events.Group(evGroup)
	ev.SessionID = sessionID.String
	ev.AgentID = agentID.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return ev, fmt.Errorf("failed to decode event payload: %w", err)
		}
	}
	return ev, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
