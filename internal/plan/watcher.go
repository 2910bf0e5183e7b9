package plan

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hochfrequenz/braid/internal/taskstore"
)

// Watcher monitors a plans directory and auto-accepts plan files dropped
// into it. Acceptance is idempotent, so re-delivered fsnotify events and
// editor double-writes are harmless.
type Watcher struct {
	store    *taskstore.Store
	dir      string
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewWatcher creates a watcher over dir, creating it if needed
func NewWatcher(store *taskstore.Store, dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		store:    store,
		dir:      dir,
		watcher:  fsw,
		debounce: 500 * time.Millisecond, // editors write in bursts
		pending:  make(map[string]struct{}),
	}, nil
}

// Run accepts existing plan files, then watches for new ones until the
// context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.acceptExisting(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("plan watcher: %v", err)
		}
	}
}

func (w *Watcher) acceptExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isPlanFile(entry.Name()) {
			continue
		}
		w.accept(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !isPlanFile(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for _, path := range paths {
		w.accept(path)
	}
}

func (w *Watcher) accept(path string) {
	n, err := AcceptFile(w.store, path)
	if err != nil {
		log.Printf("plan %s rejected: %v", filepath.Base(path), err)
		return
	}
	if n > 0 {
		log.Printf("plan %s accepted: %d tasks", filepath.Base(path), n)
	}
}

func isPlanFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
