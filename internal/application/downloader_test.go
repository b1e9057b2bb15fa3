package application

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/testutil"
)

func newTestDownloader(storage *mockStorage, cfg DownloaderConfig) *Downloader {
	return NewDownloader(storage, cfg, nil, testutil.Logger())
}

func dirUsage(t *testing.T, dir string) (files int, size int64) {
	t.Helper()
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files++
			size += info.Size()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking %s: %v", dir, err)
	}
	return files, size
}

func TestDownloaderDownload(t *testing.T) {
	storage := newMockStorage()
	payload := bytes.Repeat([]byte("chart"), 100_000)
	storage.put("packs/r1_US4.zip", payload)

	d := newTestDownloader(storage, DownloaderConfig{ChunkSize: 4096})
	dest := filepath.Join(t.TempDir(), "r1_US4.zip")

	var mu sync.Mutex
	var last domain.Progress
	events := 0

	res, err := d.Download(context.Background(), "packs/r1_US4.zip", dest, int64(len(payload)), func(p domain.Progress) {
		mu.Lock()
		defer mu.Unlock()
		last = p
		events++
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	if res.State != domain.SessionCompleted {
		t.Errorf("State = %s, want %s", res.State, domain.SessionCompleted)
	}
	if res.Bytes != int64(len(payload)) {
		t.Errorf("Bytes = %d, want %d", res.Bytes, len(payload))
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading destination: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("destination content differs from the remote object")
	}
	if _, err := os.Stat(dest + PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("partial file still present: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if events == 0 {
		t.Fatal("no progress events delivered")
	}
	if last.BytesDownloaded != int64(len(payload)) || last.Percent != 100 {
		t.Errorf("last progress = %+v, want complete", last)
	}
}

func TestDownloaderFailureStatus(t *testing.T) {
	storage := newMockStorage()
	storage.put("packs/r1_US4.zip", []byte("data"))
	storage.status["packs/r1_US4.zip"] = 503

	d := newTestDownloader(storage, DownloaderConfig{})
	dest := filepath.Join(t.TempDir(), "r1_US4.zip")

	res, err := d.Download(context.Background(), "packs/r1_US4.zip", dest, 4, nil)
	if err == nil {
		t.Fatal("Download() error = nil, want failure")
	}

	var terr *domain.TransferError
	if !errors.As(err, &terr) || terr.StatusCode != 503 {
		t.Errorf("error = %v, want TransferError with status 503", err)
	}
	if res.State != domain.SessionFailed {
		t.Errorf("State = %s, want %s", res.State, domain.SessionFailed)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("destination exists after failure: %v", err)
	}
}

func TestDownloaderNetworkFailureRestoresDisk(t *testing.T) {
	const size = 50 << 20

	storage := newMockStorage()
	storage.put("packs/big.zip", bytes.Repeat([]byte{0xAB}, size))
	storage.failAt["packs/big.zip"] = size * 6 / 10

	dir := t.TempDir()
	baseFiles, baseSize := dirUsage(t, dir)

	d := newTestDownloader(storage, DownloaderConfig{ChunkSize: 1 << 20})
	dest := filepath.Join(dir, "big.zip")

	var maxSeen int64
	res, err := d.Download(context.Background(), "packs/big.zip", dest, size, func(p domain.Progress) {
		if p.BytesDownloaded > maxSeen {
			maxSeen = p.BytesDownloaded
		}
	})
	if err == nil {
		t.Fatal("Download() error = nil, want network failure")
	}
	if !errors.Is(err, errConnectionReset) {
		t.Errorf("error = %v, want wrapped connection reset", err)
	}
	if res.State != domain.SessionFailed {
		t.Errorf("State = %s, want %s", res.State, domain.SessionFailed)
	}
	if maxSeen != size*6/10 {
		t.Errorf("progress reached %d bytes, want %d", maxSeen, size*6/10)
	}

	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("destination exists after failure: %v", err)
	}
	files, usage := dirUsage(t, dir)
	if files != baseFiles || usage != baseSize {
		t.Errorf("disk usage = %d files / %d bytes, want baseline %d / %d", files, usage, baseFiles, baseSize)
	}
}

func TestDownloaderCancelThenRetry(t *testing.T) {
	const size = 1 << 20

	storage := newMockStorage()
	payload := bytes.Repeat([]byte{0x42}, size)
	storage.put("packs/r1_US4.zip", payload)

	gate := make(chan struct{})
	storage.setGate(gate)

	d := newTestDownloader(storage, DownloaderConfig{ChunkSize: 64 << 10})
	dir := t.TempDir()
	dest := filepath.Join(dir, "r1_US4.zip")

	id, err := d.Start(context.Background(), "packs/r1_US4.zip", dest, size)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The first chunk passes the gate, the second blocks.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, p, err := d.State(id)
		if err != nil {
			t.Fatalf("State() error = %v", err)
		}
		if p.BytesDownloaded > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transfer never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := d.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	res, err := d.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.State != domain.SessionCancelled {
		t.Errorf("State = %s, want %s", res.State, domain.SessionCancelled)
	}
	if !errors.Is(res.Err, domain.ErrDownloadCancelled) {
		t.Errorf("Err = %v, want ErrDownloadCancelled", res.Err)
	}
	if files, _ := dirUsage(t, dir); files != 0 {
		t.Errorf("%d files left after cancel, want 0", files)
	}

	storage.setGate(nil)
	res, err = d.Download(context.Background(), "packs/r1_US4.zip", dest, size, nil)
	if err != nil {
		t.Fatalf("retry Download() error = %v", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat destination: %v", err)
	}
	if info.Size() != size || res.Bytes != size {
		t.Errorf("retry size = %d (reported %d), want %d", info.Size(), res.Bytes, size)
	}
}

func TestDownloaderCancelViaContext(t *testing.T) {
	storage := newMockStorage()
	storage.put("packs/r1_US4.zip", bytes.Repeat([]byte{1}, 256<<10))
	gate := make(chan struct{})
	storage.setGate(gate)

	d := newTestDownloader(storage, DownloaderConfig{ChunkSize: 16 << 10})
	dest := filepath.Join(t.TempDir(), "r1_US4.zip")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := d.Download(ctx, "packs/r1_US4.zip", dest, 0, nil)
	if !errors.Is(err, domain.ErrDownloadCancelled) {
		t.Fatalf("Download() error = %v, want ErrDownloadCancelled", err)
	}
	if res.State != domain.SessionCancelled {
		t.Errorf("State = %s, want %s", res.State, domain.SessionCancelled)
	}
	if _, err := os.Stat(dest + PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("partial file left after cancel: %v", err)
	}
}

func TestDownloaderMultipleSubscribers(t *testing.T) {
	const size = 128 << 10

	storage := newMockStorage()
	storage.put("packs/r2_US5.zip", bytes.Repeat([]byte{7}, size))
	gate := make(chan struct{})
	storage.setGate(gate)

	d := newTestDownloader(storage, DownloaderConfig{ChunkSize: 8 << 10})
	dest := filepath.Join(t.TempDir(), "r2_US5.zip")

	id, err := d.Start(context.Background(), "packs/r2_US5.zip", dest, size)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var mu sync.Mutex
	last := make([]int64, 2)
	for i := range last {
		if _, err := d.Subscribe(id, func(p domain.Progress) {
			mu.Lock()
			last[i] = p.BytesDownloaded
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	close(gate)

	res, err := d.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.State != domain.SessionCompleted {
		t.Fatalf("State = %s, want completed (err %v)", res.State, res.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range last {
		if got != size {
			t.Errorf("subscriber %d last saw %d bytes, want %d", i, got, size)
		}
	}
}

func TestDownloaderUnknownSession(t *testing.T) {
	d := newTestDownloader(newMockStorage(), DownloaderConfig{})

	if err := d.Cancel("missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Cancel() error = %v, want ErrSessionNotFound", err)
	}
	if _, _, err := d.State("missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("State() error = %v, want ErrSessionNotFound", err)
	}
}

func TestDownloaderBandwidthLimitCapsChunk(t *testing.T) {
	d := newTestDownloader(newMockStorage(), DownloaderConfig{BandwidthLimit: 1024, ChunkSize: 32 << 10})
	if d.cfg.ChunkSize != 1024 {
		t.Errorf("ChunkSize = %d, want 1024", d.cfg.ChunkSize)
	}
}
