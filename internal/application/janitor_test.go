package application

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jobrunner/chartpacks/internal/adapters/mbtiles"
	"github.com/jobrunner/chartpacks/internal/ports/output"
	"github.com/jobrunner/chartpacks/internal/testutil"
)

type handleGauge struct {
	output.NoOpMetrics

	mu   sync.Mutex
	last int
	sets int
}

func (g *handleGauge) SetOpenHandles(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
	g.sets++
}

func (g *handleGauge) get() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.sets
}

func openReader(t *testing.T, ids ...string) *mbtiles.Reader {
	t.Helper()

	dir := t.TempDir()
	for _, id := range ids {
		testutil.WriteMBTiles(t, filepath.Join(dir, id+".mbtiles"), testutil.MBTiles{
			Metadata: testutil.ChartMetadata("-71.5,41,-66,45", "12", "14"),
		})
	}

	reader := mbtiles.NewReader(dir, nil, testutil.Logger())
	t.Cleanup(func() { _ = reader.CloseAll() })

	for _, id := range ids {
		if _, err := reader.GetMetadata(context.Background(), id); err != nil {
			t.Fatalf("opening %s: %v", id, err)
		}
	}
	return reader
}

func TestHandleJanitorSweep(t *testing.T) {
	reader := openReader(t, "r1_US4", "r1_US5")
	gauge := &handleGauge{}

	janitor := NewHandleJanitor(reader, time.Hour, gauge, testutil.Logger())
	if closed := janitor.Sweep(); closed != 0 {
		t.Errorf("Sweep() with fresh handles closed %d, want 0", closed)
	}
	if last, _ := gauge.get(); last != 2 {
		t.Errorf("open handles gauge = %d, want 2", last)
	}

	janitor = NewHandleJanitor(reader, 10*time.Millisecond, gauge, testutil.Logger())
	time.Sleep(30 * time.Millisecond)

	if closed := janitor.Sweep(); closed != 2 {
		t.Errorf("Sweep() after idle closed %d, want 2", closed)
	}
	if reader.OpenHandles() != 0 {
		t.Errorf("OpenHandles() = %d, want 0", reader.OpenHandles())
	}
	if last, _ := gauge.get(); last != 0 {
		t.Errorf("open handles gauge = %d, want 0", last)
	}
}

func TestHandleJanitorInterval(t *testing.T) {
	tests := []struct {
		idle time.Duration
		want time.Duration
	}{
		{10 * time.Minute, 5 * time.Minute},
		{time.Second, time.Second},
		{10 * time.Millisecond, time.Second},
	}

	for _, tt := range tests {
		j := NewHandleJanitor(&mbtiles.Reader{}, tt.idle, nil, testutil.Logger())
		if j.interval != tt.want {
			t.Errorf("interval for idle %v = %v, want %v", tt.idle, j.interval, tt.want)
		}
	}
}

func TestHandleJanitorStartStop(t *testing.T) {
	reader := openReader(t, "r1_US4")

	janitor := NewHandleJanitor(reader, time.Hour, nil, testutil.Logger())
	janitor.Start(context.Background())

	done := make(chan struct{})
	go func() {
		janitor.Stop()
		janitor.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if reader.OpenHandles() != 1 {
		t.Errorf("OpenHandles() = %d, want 1", reader.OpenHandles())
	}
}
