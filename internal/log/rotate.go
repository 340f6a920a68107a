package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultRotateBytes = 10 * 1024 * 1024
	defaultKeepFiles   = 30

	filePrefix = "daemon-"
	fileSuffix = ".jsonl"
)

// rotatingWriter appends lines to daemon-<day>.jsonl files, starting a
// new file when the day changes or the current file would exceed
// maxBytes, and keeps at most keep files in the directory.
type rotatingWriter struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	keep     int

	day  string
	seq  int
	size int64
	f    *os.File
}

func newRotatingWriter(dir string, maxBytes int64, keep int) (*rotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	w := &rotatingWriter{dir: dir, maxBytes: maxBytes, keep: keep}
	if err := w.openCurrent(time.Now()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	day := now.Format("2006-01-02")
	if w.f == nil || day != w.day || w.size+int64(len(p)) > w.maxBytes {
		if err := w.advance(now); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// openCurrent resumes the highest-sequence file for today when it still
// has room, otherwise starts the next sequence.
func (w *rotatingWriter) openCurrent(now time.Time) error {
	day := now.Format("2006-01-02")
	seq := w.highestSeq(day)

	path := filepath.Join(w.dir, fileName(day, seq))
	if info, err := os.Stat(path); err == nil && info.Size()+1 > w.maxBytes {
		seq++
		path = filepath.Join(w.dir, fileName(day, seq))
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path built from log dir and generated name
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}

	w.day = day
	w.seq = seq
	w.size = info.Size()
	w.f = f
	return nil
}

// advance closes the current file and opens the next one, then prunes.
// Assumes w.mu is held.
func (w *rotatingWriter) advance(now time.Time) error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}

	day := now.Format("2006-01-02")
	if day != w.day {
		w.day = day
		w.seq = 0
	} else {
		w.seq++
	}

	path := filepath.Join(w.dir, fileName(w.day, w.seq))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path built from log dir and generated name
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	w.f = f
	w.size = 0

	w.prune()
	return nil
}

func fileName(day string, seq int) string {
	if seq == 0 {
		return filePrefix + day + fileSuffix
	}
	return fmt.Sprintf("%s%s-%d%s", filePrefix, day, seq, fileSuffix)
}

// highestSeq finds the largest existing sequence number for the day.
func (w *rotatingWriter) highestSeq(day string) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0
	}
	highest := 0
	base := filePrefix + day
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(name, base), fileSuffix)
		if rest == "" {
			continue // seq 0
		}
		var n int
		if _, err := fmt.Sscanf(rest, "-%d", &n); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// prune removes the oldest log files beyond the retention count.
// Assumes w.mu is held.
func (w *rotatingWriter) prune() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	type candidate struct {
		name string
		mod  time.Time
	}
	var files []candidate
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{name: name, mod: info.ModTime()})
	}
	if len(files) <= w.keep {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files[:len(files)-w.keep] {
		_ = os.Remove(filepath.Join(w.dir, f.name))
	}
}
