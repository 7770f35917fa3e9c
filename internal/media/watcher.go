package media

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher keeps item validity in step with the file system: a removed or
// renamed file turns its items invalid, a file that reappears turns them
// valid again.
type Watcher struct {
	catalog *Catalog
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]bool

	// OnChange, if set, is called with the ids whose validity flipped.
	OnChange func(ids []int64, valid bool)
}

// NewWatcher creates a watcher for c. Call Sync after the library changes
// and Run to process events.
func NewWatcher(c *Catalog, logger zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		catalog: c,
		logger:  logger.With().Str("component", "media_watcher").Logger(),
		watcher: w,
		dirs:    make(map[string]bool),
	}, nil
}

// Sync watches the directory of every item in the catalog.
func (w *Watcher) Sync() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range w.catalog.Paths() {
		dir := filepath.Dir(p)
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Debug().Err(err).Str("dir", dir).Msg("cannot watch media directory")
			continue
		}
		w.dirs[dir] = true
	}
}

// Run processes events until ctx is done. It closes the underlying watcher
// on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("media watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	var valid bool
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		valid = false
	case event.Has(fsnotify.Create):
		valid = true
	default:
		return
	}

	ids := w.catalog.setValidByPath(filepath.Clean(event.Name), valid)
	if len(ids) == 0 {
		return
	}

	w.logger.Info().
		Str("path", event.Name).
		Bool("valid", valid).
		Int("items", len(ids)).
		Msg("media availability changed")

	if w.OnChange != nil {
		w.OnChange(ids, valid)
	}
}

// Close stops watching without waiting for Run.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
