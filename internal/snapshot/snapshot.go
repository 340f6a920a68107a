// Package snapshot persists registry state to a single JSON document on
// a fixed cadence. The manager is the file's only writer; everything
// else just flags the registry dirty.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/registry"
)

// DefaultInterval is the stock flush cadence.
const DefaultInterval = 30 * time.Second

// Snapshot is the on-disk document: both registry sets plus the write
// timestamp.
type Snapshot struct {
	Entries []*registry.Entry     `json:"entries"`
	Routes  []*registry.RouteRule `json:"routes"`
	SavedAt int64                 `json:"savedAt"`
}

// Manager owns the snapshot file. A ticker flushes when the registry has
// been flagged dirty; unchanged content is detected by hash and skipped.
type Manager struct {
	reg      *registry.Registry
	path     string
	interval time.Duration

	mu       sync.Mutex
	dirty    bool
	lastHash [sha256.Size]byte

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager wires a manager to the registry's dirty hook. The manager
// starts dirty: registry state from before the hook was installed still
// has to reach disk on the first flush.
func NewManager(reg *registry.Registry, path string, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Manager{reg: reg, path: path, interval: interval, dirty: true}
	reg.SetDirtyHook(m.MarkDirty)
	return m
}

// MarkDirty flags that registry state changed since the last flush.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// Load reads the snapshot file and replaces registry state with its
// contents. A missing file is not an error; a corrupt file is reported
// and the registry starts empty.
func (m *Manager) Load() (bool, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("parsing snapshot: %w", err)
	}

	if err := m.reg.Restore(snap.Entries, snap.Routes); err != nil {
		return false, fmt.Errorf("restoring snapshot: %w", err)
	}

	// Seed the hash so the restore itself does not trigger a rewrite of
	// identical content.
	body, err := contentBody(snap.Entries, snap.Routes)
	if err == nil {
		m.mu.Lock()
		m.lastHash = sha256.Sum256(body)
		m.dirty = false
		m.mu.Unlock()
	}

	log.Info(log.CatSnapshot, "snapshot loaded",
		"path", m.path,
		"entries", len(snap.Entries),
		"routes", len(snap.Routes),
		"savedAt", snap.SavedAt,
	)
	return true, nil
}

// Start runs the flush ticker until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	interval := m.interval
	log.SafeGo("snapshot-manager", func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Flush(); err != nil {
					log.ErrorErr(log.CatSnapshot, "snapshot flush failed", err, "path", m.path)
				}
			}
		}
	})
}

// Stop halts the ticker and flushes once more.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	if err := m.Flush(); err != nil {
		log.ErrorErr(log.CatSnapshot, "final snapshot flush failed", err, "path", m.path)
	}
}

// Flush writes the snapshot if the registry is dirty and its content
// actually changed since the last write.
func (m *Manager) Flush() error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	m.dirty = false
	m.mu.Unlock()

	entries, routes := m.reg.Export()
	body, err := contentBody(entries, routes)
	if err != nil {
		m.MarkDirty()
		return fmt.Errorf("serializing snapshot: %w", err)
	}
	hash := sha256.Sum256(body)

	m.mu.Lock()
	unchanged := hash == m.lastHash
	m.mu.Unlock()
	if unchanged {
		return nil
	}

	data, err := json.MarshalIndent(Snapshot{
		Entries: entries,
		Routes:  routes,
		SavedAt: time.Now().UnixMilli(),
	}, "", "  ")
	if err != nil {
		m.MarkDirty()
		return fmt.Errorf("serializing snapshot: %w", err)
	}

	if err := writeFileAtomic(m.path, data); err != nil {
		m.MarkDirty()
		return err
	}

	m.mu.Lock()
	m.lastHash = hash
	m.mu.Unlock()

	log.Debug(log.CatSnapshot, "snapshot written", "path", m.path, "entries", len(entries), "routes", len(routes))
	return nil
}

// contentBody serializes the parts of the snapshot that participate in
// change detection. SavedAt is excluded so an unchanged registry hashes
// identically across flushes.
func contentBody(entries []*registry.Entry, routes []*registry.RouteRule) ([]byte, error) {
	return json.Marshal(struct {
		Entries []*registry.Entry     `json:"entries"`
		Routes  []*registry.RouteRule `json:"routes"`
	}{entries, routes})
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}
