package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSink appends each event as one JSON line to a per-session file
// under its directory. Events carrying no session id land in
// daemon.jsonl. Files are opened per append, so a crash never leaves a
// dangling handle and partial lines stop at the last flushed event.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates the sink directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating event log dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Append writes the event as one JSON line.
func (s *FileSink) Append(ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", ev.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(ev.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // G304: path derives from the sink dir and a sanitized session id
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

func (s *FileSink) path(sessionID string) string {
	name := "daemon"
	if sessionID != "" {
		name = sanitizeName(sessionID)
	}
	return filepath.Join(s.dir, name+".jsonl")
}

// sanitizeName keeps session-derived file names to a safe charset.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
