package gateway

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fingerhq/finger/internal/log"
)

// DefaultDebounce batches the editor write-rename-chmod bursts that a
// single manifest save produces into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Discovery watches the gateway directory and signals when manifests
// change. Consumers run a Manager.Sync per signal.
type Discovery struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
}

// NewDiscovery creates a watcher for dir. Debounce of zero takes the
// default.
func NewDiscovery(dir string, debounce time.Duration) (*Discovery, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Discovery{
		fsWatcher: fsw,
		dir:       dir,
		debounce:  debounce,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the gateway directory. The returned channel
// receives one signal per settled burst of manifest changes.
func (d *Discovery) Start() (<-chan struct{}, error) {
	if err := d.fsWatcher.Add(d.dir); err != nil {
		return nil, fmt.Errorf("watching gateway dir %s: %w", d.dir, err)
	}
	log.SafeGo("gateway-discovery", d.loop)
	return d.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (d *Discovery) Stop() error {
	close(d.done)
	return d.fsWatcher.Close()
}

// loop debounces file system events into change signals.
func (d *Discovery) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-d.fsWatcher.Events:
			if !ok {
				return
			}
			if !isManifestEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(d.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				select {
				case d.onChange <- struct{}{}:
				default:
				}
				pending = false
			}

		case err, ok := <-d.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatGateway, "gateway dir watch error", "error", err)

		case <-d.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isManifestEvent reports whether the event touches a manifest file.
// Removes and renames matter; a deleted manifest unregisters its
// gateway on the next sync.
func isManifestEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return isManifestName(filepath.Base(event.Name))
}
