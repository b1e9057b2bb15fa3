package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// PartialSuffix is appended to a destination while its transfer runs.
const PartialSuffix = ".part"

const defaultChunkSize = 32 * 1024

// DownloaderConfig tunes the download engine.
type DownloaderConfig struct {
	BandwidthLimit   int64         // Bytes per second shared by all sessions, 0 = unlimited
	ProgressInterval time.Duration // Minimum gap between progress events, 0 = every chunk
	ChunkSize        int           // Read buffer size, default 32 KiB
}

// SessionResult is the terminal outcome of a download session.
type SessionResult struct {
	ID    string
	State domain.SessionState
	Bytes int64
	Err   error
}

type session struct {
	id   string
	key  string
	dest string

	mu       sync.Mutex
	state    domain.SessionState
	progress domain.Progress
	subs     map[int]func(domain.Progress)
	nextSub  int
	written  int64
	err      error

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Downloader transfers single objects from ObjectStorage to local files.
// Sessions run concurrently and are tracked in memory only.
type Downloader struct {
	storage output.ObjectStorage
	cfg     DownloaderConfig
	limiter *rate.Limiter
	metrics output.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewDownloader creates a new download engine.
func NewDownloader(storage output.ObjectStorage, cfg DownloaderConfig, metrics output.MetricsCollector, logger *slog.Logger) *Downloader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}

	d := &Downloader{
		storage:  storage,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}

	if cfg.BandwidthLimit > 0 {
		burst := int(cfg.BandwidthLimit)
		if burst < cfg.ChunkSize {
			// WaitN fails for n > burst, so chunks never exceed the burst.
			d.cfg.ChunkSize = burst
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), burst)
	}

	return d
}

// Start begins transferring key to dest and returns the session ID. The
// object is written to dest+".part" and renamed to dest on success.
// ctx bounds the whole transfer, not just the call.
func (d *Downloader) Start(ctx context.Context, key, dest string, expectedSize int64) (string, error) {
	if key == "" || dest == "" {
		return "", &domain.ValidationError{Field: "key", Value: key, Constraint: "non-empty", Message: "key and destination are required"}
	}

	tctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:     uuid.NewString(),
		key:    key,
		dest:   dest,
		state:  domain.SessionPending,
		subs:   make(map[int]func(domain.Progress)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.progress.TotalBytes = expectedSize

	d.mu.Lock()
	d.sessions[s.id] = s
	d.mu.Unlock()

	d.logger.Debug("download started", "session", s.id, "key", key, "dest", dest)

	go d.run(tctx, s, expectedSize)
	return s.id, nil
}

// Subscribe registers fn for every progress event of the session until
// the returned function is called or the session terminates.
func (d *Downloader) Subscribe(sessionID string, fn func(domain.Progress)) (func(), error) {
	s, err := d.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return func() {}, nil
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// Wait blocks until the session terminates or ctx is done.
func (d *Downloader) Wait(ctx context.Context, sessionID string) (SessionResult, error) {
	s, err := d.session(sessionID)
	if err != nil {
		return SessionResult{}, err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return SessionResult{}, ctx.Err()
	}

	return s.result(), nil
}

// Cancel stops the transfer and returns once the partial file is gone.
// Cancelling a terminated session is a no-op.
func (d *Downloader) Cancel(sessionID string) error {
	s, err := d.session(sessionID)
	if err != nil {
		return err
	}

	s.cancelled.Store(true)
	s.cancel()
	<-s.done
	return nil
}

// State returns the session's current state and progress.
func (d *Downloader) State(sessionID string) (domain.SessionState, domain.Progress, error) {
	s, err := d.session(sessionID)
	if err != nil {
		return "", domain.Progress{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.progress, nil
}

// Forget drops a terminated session. Running sessions are kept.
func (d *Downloader) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.sessions[sessionID]; ok {
		select {
		case <-s.done:
			delete(d.sessions, sessionID)
		default:
		}
	}
}

// Exists reports whether key is present in remote storage.
func (d *Downloader) Exists(ctx context.Context, key string) (bool, error) {
	start := d.now()
	ok, err := d.storage.Exists(ctx, key)
	d.metrics.ObserveStorageDuration("exists", d.now().Sub(start))
	d.metrics.IncStorageOperations("exists", err == nil)
	return ok, err
}

// Download runs a session to completion. Cancelling ctx cancels the
// session and removes its partial file.
func (d *Downloader) Download(ctx context.Context, key, dest string, expectedSize int64, onProgress func(domain.Progress)) (SessionResult, error) {
	id, err := d.Start(context.WithoutCancel(ctx), key, dest, expectedSize)
	if err != nil {
		return SessionResult{}, err
	}
	defer d.Forget(id)

	if onProgress != nil {
		unsubscribe, err := d.Subscribe(id, onProgress)
		if err != nil {
			return SessionResult{}, err
		}
		defer unsubscribe()
	}

	res, err := d.Wait(ctx, id)
	if err != nil {
		_ = d.Cancel(id)
		res, _ = d.Wait(context.Background(), id)
	}
	return res, res.Err
}

func (d *Downloader) session(id string) (*session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrSessionNotFound)
	}
	return s, nil
}

func (d *Downloader) run(ctx context.Context, s *session, expectedSize int64) {
	defer close(s.done)
	defer s.cancel()

	s.setState(domain.SessionRunning)
	start := d.now()

	written, err := d.transfer(ctx, s, expectedSize, start)

	state := domain.SessionCompleted
	switch {
	case err == nil:
	case s.cancelled.Load() || errors.Is(err, context.Canceled):
		state = domain.SessionCancelled
		err = fmt.Errorf("%s: %w", s.key, domain.ErrDownloadCancelled)
	default:
		state = domain.SessionFailed
	}

	if state != domain.SessionCompleted {
		if rmErr := os.Remove(s.dest + PartialSuffix); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Warn("removing partial download failed", "session", s.id, "error", rmErr)
		}
	}

	s.mu.Lock()
	s.state = state
	s.written = written
	s.err = err
	s.subs = nil
	s.mu.Unlock()

	d.metrics.IncDownloads(string(state))
	d.metrics.ObserveStorageDuration("download", d.now().Sub(start))
	d.metrics.IncStorageOperations("download", state == domain.SessionCompleted)

	if state == domain.SessionFailed {
		d.logger.Error("download failed", "session", s.id, "key", s.key, "bytes", written, "error", err)
	} else {
		d.logger.Info("download finished", "session", s.id, "key", s.key, "state", state, "bytes", written)
	}
}

// transfer copies the object into the partial file and renames it into
// place. It returns the number of bytes written.
func (d *Downloader) transfer(ctx context.Context, s *session, expectedSize int64, start time.Time) (int64, error) {
	rc, size, err := d.storage.GetReader(ctx, s.key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	total := expectedSize
	if total <= 0 && size > 0 {
		total = size
	}

	if err := os.MkdirAll(filepath.Dir(s.dest), 0o750); err != nil {
		return 0, &domain.StorageError{Operation: "mkdir", Key: s.dest, Err: err}
	}

	part := s.dest + PartialSuffix
	f, err := os.Create(part) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return 0, &domain.StorageError{Operation: "create", Key: part, Err: err}
	}

	written, err := d.copy(ctx, s, f, rc, total, start)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &domain.StorageError{Operation: "close", Key: part, Err: cerr}
	}
	if err != nil {
		return written, err
	}

	if size > 0 && written != size {
		return written, &domain.TransferError{
			Key: s.key,
			Err: fmt.Errorf("short transfer: got %d of %d bytes", written, size),
		}
	}

	if err := os.Rename(part, s.dest); err != nil {
		return written, &domain.StorageError{Operation: "rename", Key: s.dest, Err: err}
	}

	s.emit(domain.NewProgress(written, total, d.now().Sub(start)))
	return written, nil
}

func (d *Downloader) copy(ctx context.Context, s *session, w io.Writer, r io.Reader, total int64, start time.Time) (int64, error) {
	buf := make([]byte, d.cfg.ChunkSize)
	var written int64
	var lastEmit time.Time

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if d.limiter != nil {
				if err := d.limiter.WaitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, &domain.StorageError{Operation: "write", Key: s.dest, Err: err}
			}
			written += int64(n)
			d.metrics.AddDownloadedBytes(int64(n))

			now := d.now()
			if d.cfg.ProgressInterval == 0 || now.Sub(lastEmit) >= d.cfg.ProgressInterval {
				lastEmit = now
				s.emit(domain.NewProgress(written, total, now.Sub(start)))
			}
		}

		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, &domain.TransferError{Key: s.key, Err: rerr}
		}
	}
}

func (s *session) setState(state domain.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// emit records p and delivers it to a snapshot of the subscribers.
func (s *session) emit(p domain.Progress) {
	s.mu.Lock()
	s.progress = p
	subs := make([]func(domain.Progress), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

func (s *session) result() SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionResult{
		ID:    s.id,
		State: s.state,
		Bytes: s.written,
		Err:   s.err,
	}
}
