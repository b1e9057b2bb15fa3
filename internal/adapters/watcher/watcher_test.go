package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestFsnotifyOpToOperation(t *testing.T) {
	tests := []struct {
		name     string
		op       fsnotify.Op
		expected Operation
	}{
		{
			name:     "Remove returns OpDelete",
			op:       fsnotify.Remove,
			expected: OpDelete,
		},
		{
			name:     "Rename returns OpDelete",
			op:       fsnotify.Rename,
			expected: OpDelete,
		},
		{
			name:     "Create returns OpCreate",
			op:       fsnotify.Create,
			expected: OpCreate,
		},
		{
			name:     "Write returns OpModify",
			op:       fsnotify.Write,
			expected: OpModify,
		},
		{
			name:     "Chmod returns OpModify",
			op:       fsnotify.Chmod,
			expected: OpModify,
		},
		{
			name:     "Remove takes precedence over Write",
			op:       fsnotify.Remove | fsnotify.Write,
			expected: OpDelete,
		},
		{
			name:     "Rename takes precedence over Create",
			op:       fsnotify.Rename | fsnotify.Create,
			expected: OpDelete,
		},
		{
			name:     "Create takes precedence over Write",
			op:       fsnotify.Create | fsnotify.Write,
			expected: OpCreate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := fsnotifyOpToOperation(tt.op)
			if result != tt.expected {
				t.Errorf("fsnotifyOpToOperation(%v) = %v, want %v", tt.op, result, tt.expected)
			}
		})
	}
}

func TestOperationString(t *testing.T) {
	tests := []struct {
		op       Operation
		expected string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.op.String(); got != tt.expected {
				t.Errorf("Operation.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestUpdatePendingEvent(t *testing.T) {
	tests := []struct {
		name     string
		existing Operation
		next     Operation
		expected Operation
	}{
		{"delete then create", OpDelete, OpCreate, OpCreate},
		{"delete then write", OpDelete, OpModify, OpCreate},
		{"create then delete", OpCreate, OpDelete, OpDelete},
		{"create then write", OpCreate, OpModify, OpCreate},
		{"write then write", OpModify, OpModify, OpModify},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &pendingEvent{timestamp: time.Now().Add(-time.Hour), op: tt.existing}
			updatePendingEvent(p, tt.next)
			if p.op != tt.expected {
				t.Errorf("op = %v, want %v", p.op, tt.expected)
			}
			if time.Since(p.timestamp) > time.Minute {
				t.Error("timestamp not refreshed")
			}
		})
	}
}

func TestTakeSettled(t *testing.T) {
	now := time.Now()
	w := &Watcher{
		debounce: time.Second,
		pending: map[string]*pendingEvent{
			"/charts/r2_US4.mbtiles": {timestamp: now.Add(-2 * time.Second), op: OpDelete},
			"/charts/r1_US4.mbtiles": {timestamp: now.Add(-2 * time.Second), op: OpCreate},
			"/charts/r1_US5.mbtiles": {timestamp: now, op: OpModify},
		},
	}

	events := w.takeSettled(now)
	if len(events) != 2 {
		t.Fatalf("takeSettled() = %v, want 2 events", events)
	}
	if events[0].ArchiveID() != "r1_US4" || events[1].ArchiveID() != "r2_US4" {
		t.Errorf("events = %v, want sorted r1_US4, r2_US4", events)
	}
	if events[1].Operation != OpDelete {
		t.Errorf("r2_US4 operation = %v, want delete", events[1].Operation)
	}
	if _, ok := w.pending["/charts/r1_US5.mbtiles"]; !ok || len(w.pending) != 1 {
		t.Errorf("pending = %v, want only the unsettled event", w.pending)
	}
}

func TestWatcherReportsArchiveChanges(t *testing.T) {
	dir := t.TempDir()
	batches := make(chan []Event, 4)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := New(Config{Dir: dir, Debounce: 50 * time.Millisecond}, func(_ context.Context, events []Event) error {
		batches <- events
		return nil
	}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = w.Stop() }()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "r1_US4.mbtiles"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case events := <-batches:
		if len(events) != 1 || events[0].ArchiveID() != "r1_US4" {
			t.Errorf("events = %v, want one event for r1_US4", events)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event batch delivered")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
