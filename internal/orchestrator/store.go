package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/paths"
)

// ErrWorkflowNotFound is returned when no state file exists for an Epic.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Store persists workflow state and checkpoints under the finger home.
// Every mutation of an Epic's state is followed by a SaveWorkflow, so
// the file is the authoritative record of the run.
type Store struct {
	home  string
	clock Clock
}

// NewStore creates a store rooted at the finger home directory.
func NewStore(home string, clock Clock) *Store {
	if clock == nil {
		clock = RealClock{}
	}
	return &Store{home: home, clock: clock}
}

// SaveWorkflow writes the Epic state to workflows/<epicId>.json and
// stamps UpdatedAt.
func (s *Store) SaveWorkflow(st *State) error {
	st.UpdatedAt = s.clock.Now().UnixMilli()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing workflow %s: %w", st.EpicID, err)
	}
	if err := writeFileAtomic(paths.WorkflowFile(s.home, st.EpicID), data); err != nil {
		return err
	}
	log.Debug(log.CatOrch, "workflow state saved", "epic_id", st.EpicID, "phase", st.Phase, "round", st.Round)
	return nil
}

// LoadWorkflow reads one Epic's state file.
func (s *Store) LoadWorkflow(epicID string) (*State, error) {
	data, err := os.ReadFile(paths.WorkflowFile(s.home, epicID)) //nolint:gosec // G304: path derives from the finger home dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, epicID)
		}
		return nil, fmt.Errorf("reading workflow %s: %w", epicID, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing workflow %s: %w", epicID, err)
	}
	return &st, nil
}

// ListWorkflows loads every persisted Epic state. Unreadable files are
// skipped with a warning.
func (s *Store) ListWorkflows() ([]*State, error) {
	entries, err := os.ReadDir(paths.WorkflowsDir(s.home))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading workflows dir: %w", err)
	}

	var out []*State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		st, err := s.LoadWorkflow(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			log.Warn(log.CatOrch, "skipping unreadable workflow file", "file", e.Name(), "error", err.Error())
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// CheckpointRecord is the document written for one checkpoint.
type CheckpointRecord struct {
	CheckpointID string `json:"checkpointId"`
	EpicID       string `json:"epicId"`
	SessionID    string `json:"sessionId"`
	Trigger      string `json:"trigger"`
	CreatedAt    int64  `json:"createdAt"`
	State        *State `json:"state"`
}

// SaveCheckpoint snapshots the Epic state under
// session-states/<sessionId>-<checkpointId>.json and returns the
// checkpoint id. Epics with no session fall back to the epic id.
func (s *Store) SaveCheckpoint(st *State, trigger string) (string, error) {
	now := s.clock.Now()
	owner := st.SessionID
	if owner == "" {
		owner = st.EpicID
	}
	id := fmt.Sprintf("cp%d-%d", st.Checkpoint.TotalChecks, now.UnixMilli())

	record := CheckpointRecord{
		CheckpointID: id,
		EpicID:       st.EpicID,
		SessionID:    owner,
		Trigger:      trigger,
		CreatedAt:    now.UnixMilli(),
		State:        st,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serializing checkpoint for %s: %w", st.EpicID, err)
	}
	if err := writeFileAtomic(paths.CheckpointFile(s.home, owner, id), data); err != nil {
		return "", err
	}
	log.Debug(log.CatOrch, "checkpoint saved", "epic_id", st.EpicID, "checkpoint_id", id, "trigger", trigger)
	return id, nil
}

// LoadCheckpoint reads one checkpoint document back.
func (s *Store) LoadCheckpoint(sessionID, checkpointID string) (*CheckpointRecord, error) {
	data, err := os.ReadFile(paths.CheckpointFile(s.home, sessionID, checkpointID)) //nolint:gosec // G304: path derives from the finger home dir
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s-%s: %w", sessionID, checkpointID, err)
	}
	var record CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s-%s: %w", sessionID, checkpointID, err)
	}
	return &record, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".workflow-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
