package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher delivers debounced create/modify events for .jsonl files under
// the indexer's roots and feeds them into IndexFile. Subdirectories are
// added to the watch as they appear (fsnotify does not recurse).
type Watcher struct {
	ix      *Indexer
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over the indexer's roots.
func NewWatcher(ix *Indexer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("indexer: create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		ix:      ix,
		watcher: fsw,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*time.Timer),
	}

	for _, root := range ix.opts.Roots {
		if err := w.addRecursive(root); err != nil {
			indexLog.Warn("watch_add_failed",
				slog.String("root", root),
				slog.String("error", err.Error()),
			)
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Start begins watching. Must be called in a goroutine; blocks until
// Stop() is called.
func (w *Watcher) Start() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			indexLog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		// New project directories must be watched before their first
		// session file is written
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				indexLog.Warn("watch_add_failed",
					slog.String("root", event.Name),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// Per-file debounce: every new event within the stability window
	// resets the timer, so a burst of appends fires exactly one index
	// call after the file settles.
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[event.Name]; ok {
		timer.Stop()
	}
	path := event.Name
	w.pending[path] = time.AfterFunc(w.ix.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.ctx.Done():
			return
		default:
		}

		res, err := w.ix.IndexFile(path, true)
		if err != nil {
			indexLog.Warn("watch_index_failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return
		}
		indexLog.Debug("watch_indexed",
			slog.String("id", res.ID),
			slog.Bool("skipped", res.Skipped),
		)
	})
}

// Stop shuts the watcher down and cancels pending debounce timers.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}
