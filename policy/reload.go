package policy

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches the policy hierarchy file and triggers hot-reload on change.
type Reloader struct {
	watcher   *fsnotify.Watcher
	hierarchy *Hierarchy
}

// NewReloader creates a file watcher for the hierarchy's backing file.
func NewReloader(hierarchy *Hierarchy) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if _, err := os.Stat(hierarchy.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy file not watchable: %w", err)
	}
	if err := watcher.Add(hierarchy.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", hierarchy.path, err)
	}

	return &Reloader{watcher: watcher, hierarchy: hierarchy}, nil
}

// Run watches for file changes and reloads the hierarchy. Blocks until ctx is
// cancelled. Writes are debounced so editors that truncate-then-write do not
// trigger a reload of a half-written file.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := r.hierarchy.Reload(); err != nil {
						log.Printf("WARN: policy hot-reload failed: %v", err)
					} else {
						log.Printf("policy hierarchy reloaded from %s", r.hierarchy.path)
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("WARN: policy watcher error: %v", err)
		}
	}
}
