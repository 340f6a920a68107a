package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/paths"
)

// sessionFile returns the on-disk location for s. Runtime sub-sessions
// live inside their root session's directory.
func (m *Manager) sessionFile(s *Session) string {
	dir := paths.SessionDir(m.home, s.ProjectPath, s.RootID())
	if s.IsRuntime() {
		return filepath.Join(dir, "agent-"+s.Context.OwnerAgentID+".json")
	}
	return filepath.Join(dir, "main.json")
}

// writeLocked persists the session file. Caller holds m.mu.
func (m *Manager) writeLocked(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing session %s: %w", s.ID, err)
	}
	if err := writeFileAtomic(m.sessionFile(s), data); err != nil {
		return err
	}
	log.Debug(log.CatSession, "session saved", "session_id", s.ID, "messages", len(s.Messages))
	return nil
}

// removeFromDisk deletes a session's storage: the file for a runtime
// sub-session, the whole directory for a root session.
func (m *Manager) removeFromDisk(s *Session) error {
	if s.IsRuntime() {
		if err := os.Remove(m.sessionFile(s)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing session file: %w", err)
		}
		return nil
	}
	dir := paths.SessionDir(m.home, s.ProjectPath, s.RootID())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session dir: %w", err)
	}
	return nil
}

// scanForSession looks for a session id anywhere under the sessions root.
// Returns nil without error when no file carries the id.
func (m *Manager) scanForSession(id string) (*Session, error) {
	scanned, err := m.scanAll("")
	if err != nil {
		return nil, err
	}
	for _, s := range scanned {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

// scanAll loads session documents from disk. projectPath == "" scans
// every project. Runtime sub-sessions are included; unreadable files are
// skipped with a warning.
func (m *Manager) scanAll(projectPath string) ([]*Session, error) {
	root := paths.SessionsDir(m.home)

	var projectDirs []string
	if projectPath != "" {
		projectDirs = []string{paths.EncodeProjectDir(projectPath)}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("reading sessions dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				projectDirs = append(projectDirs, e.Name())
			}
		}
	}

	var out []*Session
	for _, pd := range projectDirs {
		sessionDirs, err := os.ReadDir(filepath.Join(root, pd))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn(log.CatSession, "skipping unreadable project dir", "dir", pd, "error", err.Error())
			continue
		}
		for _, sd := range sessionDirs {
			if !sd.IsDir() {
				continue
			}
			dir := filepath.Join(root, pd, sd.Name())
			files, err := os.ReadDir(dir)
			if err != nil {
				log.Warn(log.CatSession, "skipping unreadable session dir", "dir", dir, "error", err.Error())
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
					continue
				}
				s, err := readSessionFile(filepath.Join(dir, f.Name()))
				if err != nil {
					log.Warn(log.CatSession, "skipping unreadable session file", "file", f.Name(), "error", err.Error())
					continue
				}
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func readSessionFile(path string) (*Session, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from the finger home dir
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	return &s, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
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
