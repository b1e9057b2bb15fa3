package application

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/testutil"
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name        string
		extracted   []string
		wantChosen  string
		wantRenamed bool
		wantErr     bool
	}{
		{"canonical only", []string{"r1_US4.mbtiles"}, "r1_US4.mbtiles", false, false},
		{"canonical among others", []string{"other.mbtiles", "r1_US4.mbtiles"}, "r1_US4.mbtiles", false, false},
		{"single foreign name", []string{"NOAA_ME.mbtiles"}, "NOAA_ME.mbtiles", true, false},
		{"two foreign names", []string{"a.mbtiles", "b.mbtiles"}, "", false, true},
		{"nothing extracted", nil, "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chosen, renamed, err := reconcile(tt.extracted, "r1_US4.mbtiles")
			if tt.wantErr {
				if !errors.Is(err, domain.ErrAmbiguousInstall) {
					t.Errorf("reconcile() error = %v, want ErrAmbiguousInstall", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("reconcile() error = %v", err)
			}
			if chosen != tt.wantChosen || renamed != tt.wantRenamed {
				t.Errorf("reconcile() = %q, %v; want %q, %v", chosen, renamed, tt.wantChosen, tt.wantRenamed)
			}
		})
	}
}

func TestValidateZipPath(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"r1_US4.mbtiles", false},
		{"charts/r1_US4.mbtiles", false},
		{"../r1_US4.mbtiles", true},
		{"charts/../../r1_US4.mbtiles", true},
		{"/etc/r1_US4.mbtiles", true},
		{`charts\r1_US4.mbtiles`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateZipPath(tt.name); (err != nil) != tt.wantErr {
				t.Errorf("validateZipPath(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestExtractBundle(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "bundle.zip")
	testutil.WriteZip(t, bundle, map[string][]byte{
		"a/r1_US4.mbtiles": []byte("chart"),
		"b/r1_US5.MBTILES": []byte("chart"),
		"LICENSE":          []byte("text"),
	})

	out := filepath.Join(dir, "out")
	names, err := extractBundle(bundle, out)
	if err != nil {
		t.Fatalf("extractBundle() error = %v", err)
	}

	slices.Sort(names)
	if !slices.Equal(names, []string{"r1_US4.mbtiles", "r1_US5.MBTILES"}) {
		t.Errorf("extracted = %v", names)
	}
	if _, err := os.Stat(filepath.Join(out, "LICENSE")); !os.IsNotExist(err) {
		t.Errorf("non-archive entry extracted: %v", err)
	}
}

func TestExtractBundleDuplicateBaseName(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "bundle.zip")
	testutil.WriteZip(t, bundle, map[string][]byte{
		"a/r1_US4.mbtiles": []byte("one"),
		"b/r1_US4.mbtiles": []byte("two"),
	})

	if _, err := extractBundle(bundle, filepath.Join(dir, "out")); !errors.Is(err, domain.ErrAmbiguousInstall) {
		t.Errorf("extractBundle() error = %v, want ErrAmbiguousInstall", err)
	}
}

func TestIsZip(t *testing.T) {
	dir := t.TempDir()

	zipPath := filepath.Join(dir, "bundle.zip")
	testutil.WriteZip(t, zipPath, map[string][]byte{"x.mbtiles": []byte("x")})

	rawPath := filepath.Join(dir, "raw.mbtiles")
	testutil.WriteMBTiles(t, rawPath, testutil.MBTiles{Metadata: map[string]string{}})

	shortPath := filepath.Join(dir, "short")
	if err := os.WriteFile(shortPath, []byte("PK"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{zipPath, true},
		{rawPath, false},
		{shortPath, false},
	}
	for _, tt := range tests {
		got, err := isZip(tt.path)
		if err != nil {
			t.Errorf("isZip(%s) error = %v", filepath.Base(tt.path), err)
			continue
		}
		if got != tt.want {
			t.Errorf("isZip(%s) = %v, want %v", filepath.Base(tt.path), got, tt.want)
		}
	}
}

func TestBundleName(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"packs/r1_US4.zip", "bundle.zip"},
		{"https://cdn.example.com/packs/r1_US5.mbtiles", "r1_US5.mbtiles"},
		{"r1_US4", "bundle.zip"},
	}
	for _, tt := range tests {
		if got := bundleName(&domain.DownloadPack{RemotePath: tt.remote}); got != tt.want {
			t.Errorf("bundleName(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestKeyedMutexSerialisesKey(t *testing.T) {
	k := newKeyedMutex()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("gnis.mbtiles")
			defer unlock()

			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive.Load())
	}
	if len(k.locks) != 0 {
		t.Errorf("%d lock entries retained, want 0", len(k.locks))
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("R1")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("R2")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on R2 blocked by R1")
	}
}
