// Package watcher reports archive files added, replaced or removed in the
// archive directory by something other than the pack manager.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jobrunner/chartpacks/internal/domain"
)

// Event represents a file system event.
type Event struct {
	Path      string
	Operation Operation
}

// ArchiveID returns the ID of the archive the event refers to.
func (e Event) ArchiveID() string {
	return domain.ArchiveID(filepath.Base(e.Path))
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler receives every event that settled within one debounce window,
// sorted by path.
type Handler func(ctx context.Context, events []Event) error

// pendingEvent holds a debounced event with its operation.
type pendingEvent struct {
	timestamp time.Time
	op        Operation
}

// Watcher watches the archive directory for archive file changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	logger    *slog.Logger
	dir       string
	debounce  time.Duration
	tick      time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config holds watcher configuration.
type Config struct {
	Dir      string
	Debounce time.Duration
}

// New creates a new archive directory watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		logger:    logger,
		dir:       cfg.Dir,
		debounce:  cfg.Debounce,
		tick:      min(100*time.Millisecond, cfg.Debounce),
		pending:   make(map[string]*pendingEvent),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start starts watching the archive directory.
func (w *Watcher) Start(ctx context.Context) error {
	absPath, err := filepath.Abs(w.dir)
	if err != nil {
		return err
	}
	if err := w.fsWatcher.Add(absPath); err != nil {
		return err
	}
	w.logger.Info("watching archive directory", "path", absPath)

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.debounceLoop(ctx)

	return nil
}

// Stop stops the watcher and waits for a running handler to return.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

// eventLoop processes fsnotify events.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFsEvent records a single fsnotify event for debouncing.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if !domain.IsArchiveFile(filepath.Base(event.Name)) {
		return
	}

	w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())

	op := fsnotifyOpToOperation(event.Op)

	w.mu.Lock()
	defer w.mu.Unlock()

	existing, exists := w.pending[event.Name]
	if !exists {
		w.pending[event.Name] = &pendingEvent{timestamp: time.Now(), op: op}
		return
	}
	updatePendingEvent(existing, op)
}

// updatePendingEvent merges a new operation into a pending event.
func updatePendingEvent(existing *pendingEvent, newOp Operation) {
	existing.timestamp = time.Now()

	switch {
	case existing.op == OpDelete && newOp != OpDelete:
		// Deleted then recreated, e.g. replaced by rename
		existing.op = OpCreate
	case newOp == OpDelete:
		existing.op = OpDelete
	}
}

// debounceLoop flushes settled events.
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case <-ticker.C:
			if events := w.takeSettled(time.Now()); len(events) > 0 {
				w.dispatch(ctx, events)
			}
		}
	}
}

// takeSettled removes and returns the events older than the debounce window.
func (w *Watcher) takeSettled(now time.Time) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []Event
	for path, pending := range w.pending {
		if now.Sub(pending.timestamp) < w.debounce {
			continue
		}
		delete(w.pending, path)
		events = append(events, Event{Path: path, Operation: pending.op})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}

// dispatch runs the handler on the debounce goroutine, so batches never overlap.
func (w *Watcher) dispatch(ctx context.Context, events []Event) {
	w.logger.Info("archive directory changed", "events", len(events))

	if err := w.handler(ctx, events); err != nil {
		w.logger.Error("handler error", "events", len(events), "error", err)
	}
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		// The file is gone from its original name
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		// Write, Chmod, etc. are treated as modify
		return OpModify
	}
}
