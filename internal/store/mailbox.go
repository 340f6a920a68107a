package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CallbackStatus is the lifecycle of a mailbox entry.
type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "pending"
	CallbackCompleted CallbackStatus = "completed"
	CallbackFailed    CallbackStatus = "failed"
)

// ErrCallbackNotFound is returned when a mailbox entry does not exist.
var ErrCallbackNotFound = errors.New("callback not found")

// CallbackEntry is one stored completion, keyed by the client-supplied
// callback id.
type CallbackEntry struct {
	CallbackID  string          `json:"callbackId"`
	Status      CallbackStatus  `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	CompletedAt int64           `json:"completedAt,omitempty"`
}

// Mailbox stores callback completions so clients can poll for results
// by callback id, including after a daemon restart.
type Mailbox struct {
	db *sql.DB
}

func newMailbox(db *sql.DB) *Mailbox {
	return &Mailbox{db: db}
}

// Create records a pending entry for a client-supplied callback id.
// Re-creating an id resets it to pending.
func (m *Mailbox) Create(ctx context.Context, callbackID string) error {
	if callbackID == "" {
		return errors.New("callback id is required")
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO mailbox (callback_id, status, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (callback_id) DO UPDATE SET
			status = excluded.status,
			result = NULL,
			error = NULL,
			created_at = excluded.created_at,
			completed_at = NULL`,
		callbackID, string(CallbackPending), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create mailbox entry: %w", err)
	}
	return nil
}

// Complete stores the outcome for a callback id. A non-empty failure
// marks the entry failed; otherwise result is JSON-encoded and the
// entry is marked completed. Works whether or not Create ran first.
func (m *Mailbox) Complete(ctx context.Context, callbackID string, result any, failure string) error {
	if callbackID == "" {
		return errors.New("callback id is required")
	}

	status := CallbackCompleted
	var encoded any
	var failureCol any
	if failure != "" {
		status = CallbackFailed
		failureCol = failure
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode callback result: %w", err)
		}
		encoded = string(raw)
	}

	now := time.Now().UnixMilli()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO mailbox (callback_id, status, result, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (callback_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		callbackID, string(status), encoded, failureCol, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to complete mailbox entry: %w", err)
	}
	return nil
}

// Get fetches an entry by callback id. Returns ErrCallbackNotFound when
// no entry exists.
func (m *Mailbox) Get(ctx context.Context, callbackID string) (*CallbackEntry, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT callback_id, status, result, error, created_at, completed_at
		 FROM mailbox WHERE callback_id = ?`,
		callbackID,
	)

	var (
		entry       CallbackEntry
		status      string
		result      sql.NullString
		failure     sql.NullString
		completedAt sql.NullInt64
	)
	err := row.Scan(&entry.CallbackID, &status, &result, &failure, &entry.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallbackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mailbox entry: %w", err)
	}

	entry.Status = CallbackStatus(status)
	if result.Valid {
		entry.Result = json.RawMessage(result.String)
	}
	entry.Error = failure.String
	entry.CompletedAt = completedAt.Int64
	return &entry, nil
}

// PurgeBefore deletes finished entries created before cutoffMs. Pending
// entries are kept regardless of age so slow completions stay claimable.
func (m *Mailbox) PurgeBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM mailbox WHERE created_at < ? AND status != ?`,
		cutoffMs, string(CallbackPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge mailbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}
	return n, nil
}
