package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher watches the log directory for changes and reconciles the index
// from the log, debounced so a burst of writes to one file triggers a
// single reconcile. Reconciles for different conversations can overlap;
// reconciles for the same conversation are serialized by a per-id lock so
// an in-flight reconcile always runs against a stable idea of "latest".
type watcher struct {
	engine   *Engine
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	locks   map[string]*sync.Mutex
}

func newWatcher(engine *Engine, debounce time.Duration, logger *slog.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("memory: create watcher: %w", err)
	}
	if err := fsw.Add(engine.log.dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("memory: watch log dir: %w", err)
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &watcher{
		engine:   engine,
		fsw:      fsw,
		debounce: debounce,
		logger:   logger.With("component", "memory.watcher"),
		timers:   make(map[string]*time.Timer),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// run processes filesystem events until ctx is cancelled. Reconciles
// already scheduled when ctx is cancelled are allowed to finish; no new
// ones are scheduled afterward.
func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	id, ok := conversationIDFromPath(event.Name)
	if !ok {
		return
	}
	w.schedule(ctx, id)
}

// schedule (re)starts the debounce timer for conversation id. A burst of
// events within the debounce window collapses to one reconcile.
func (w *watcher) schedule(ctx context.Context, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, exists := w.timers[id]; exists {
		t.Stop()
	}
	w.timers[id] = time.AfterFunc(w.debounce, func() {
		if err := w.reconcileLocked(ctx, id); err != nil {
			// Reconciliation errors are logged and left for the next
			// triggering write; never surfaced synchronously to a caller
			// that isn't waiting on this specific reconcile.
			w.logger.Error("reconcile failed, will retry on next change", "conversation_id", id, "error", err)
		}
	})
}

func (w *watcher) reconcileLocked(ctx context.Context, id string) error {
	w.mu.Lock()
	lock, exists := w.locks[id]
	if !exists {
		lock = &sync.Mutex{}
		w.locks[id] = lock
	}
	w.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return w.engine.Reconcile(ctx, id)
}

func (w *watcher) close() error {
	return w.fsw.Close()
}
