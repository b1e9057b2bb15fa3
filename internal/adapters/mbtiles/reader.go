// Package mbtiles reads packed tile archives in the MBTiles format.
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

const driverName = "sqlite3_mbtiles"

// Archives are never written at serve time; every connection is read-only.
func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA query_only = ON", nil)
			return err
		},
	})
}

// handle is one cached archive connection.
type handle struct {
	mu       sync.RWMutex // held for reading while a query runs
	db       *sql.DB
	metadata map[string]string
	lastUsed atomic.Int64 // unix nanoseconds
	closed   bool
}

func (h *handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.db.Close()
}

// errStaleOpen reports an open that raced with an invalidation.
var errStaleOpen = errors.New("archive invalidated while opening")

// Reader implements the TileReader port. It keeps one lazily opened
// *sql.DB per archive, shared by concurrent requests.
type Reader struct {
	dir     string
	mu      sync.RWMutex
	handles map[string]*handle
	// generation counts invalidations. An open that started under an
	// older generation is discarded.
	generation uint64
	opening    singleflight.Group
	openFn     func(ctx context.Context, archiveID string) (*handle, error)
	metrics    output.MetricsCollector
	logger     *slog.Logger
	now        func() time.Time
}

var (
	_ output.TileReader      = (*Reader)(nil)
	_ output.ArchiveListener = (*Reader)(nil)
)

// NewReader creates a reader for archives stored in dir.
func NewReader(dir string, metrics output.MetricsCollector, logger *slog.Logger) *Reader {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	r := &Reader{
		dir:     dir,
		handles: make(map[string]*handle),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
	r.openFn = r.open
	return r
}

// Dir returns the archive directory.
func (r *Reader) Dir() string {
	return r.dir
}

// Path returns the file path of an archive.
func (r *Reader) Path(archiveID string) string {
	return filepath.Join(r.dir, archiveID+domain.ArchiveExt)
}

// HasArchive reports whether the archive file exists.
func (r *Reader) HasArchive(archiveID string) bool {
	if ValidateArchiveID(archiveID) != nil {
		return false
	}
	info, err := os.Stat(r.Path(archiveID))
	return err == nil && info.Mode().IsRegular()
}

// GetTile returns the stored bytes of XYZ tile z/x/y. The archive stores
// rows in TMS order, so y is flipped before the lookup.
func (r *Reader) GetTile(ctx context.Context, archiveID string, z, x, y uint32) ([]byte, error) {
	if z > domain.MaxZoom || x >= 1<<z || y >= 1<<z {
		return nil, fmt.Errorf("tile %d/%d/%d: %w", z, x, y, domain.ErrInvalidTile)
	}

	var data []byte
	err := r.withHandle(ctx, archiveID, func(h *handle) error {
		return h.db.QueryRowContext(ctx,
			`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
			z, x, domain.FlipY(z, y),
		).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTileNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetMetadata returns a copy of the archive's metadata table.
func (r *Reader) GetMetadata(ctx context.Context, archiveID string) (map[string]string, error) {
	var out map[string]string
	err := r.withHandle(ctx, archiveID, func(h *handle) error {
		out = make(map[string]string, len(h.metadata))
		for k, v := range h.metadata {
			out[k] = v
		}
		return nil
	})
	return out, err
}

// ClearCache closes every open handle and returns how many were closed.
func (r *Reader) ClearCache() int {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handle)
	r.generation++
	r.mu.Unlock()

	r.closeHandles(handles)
	return len(handles)
}

// Invalidate closes the handles of the named archives and returns how
// many were open.
func (r *Reader) Invalidate(archiveIDs ...string) int {
	closing := make(map[string]*handle)

	r.mu.Lock()
	r.generation++
	for _, id := range archiveIDs {
		if h, ok := r.handles[id]; ok {
			closing[id] = h
			delete(r.handles, id)
		}
	}
	r.mu.Unlock()

	r.closeHandles(closing)
	return len(closing)
}

// CloseIdle closes handles unused for longer than maxIdle.
func (r *Reader) CloseIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle).UnixNano()
	closing := make(map[string]*handle)

	r.mu.Lock()
	for id, h := range r.handles {
		if h.lastUsed.Load() < cutoff {
			closing[id] = h
			delete(r.handles, id)
		}
	}
	r.mu.Unlock()

	r.closeHandles(closing)
	return len(closing)
}

// OpenHandles returns the number of cached handles.
func (r *Reader) OpenHandles() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// CloseAll closes every handle.
func (r *Reader) CloseAll() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handle)
	r.generation++
	r.mu.Unlock()

	var errs []error
	for id, h := range handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	r.metrics.SetOpenHandles(0)
	return errors.Join(errs...)
}

// ArchivesChanged closes the handles of replaced or removed archives.
func (r *Reader) ArchivesChanged(archiveIDs []string) {
	if n := r.Invalidate(archiveIDs...); n > 0 {
		r.logger.Debug("invalidated archive handles", "count", n, "archives", archiveIDs)
	}
}

// ManifestUpdated is a no-op for the reader.
func (r *Reader) ManifestUpdated() {}

// withHandle runs fn against the archive's handle. A handle closed by a
// concurrent invalidation is reopened.
func (r *Reader) withHandle(ctx context.Context, archiveID string, fn func(*handle) error) error {
	for {
		h, err := r.acquire(ctx, archiveID)
		if err != nil {
			return err
		}

		h.mu.RLock()
		if h.closed {
			h.mu.RUnlock()
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		h.lastUsed.Store(r.now().UnixNano())
		err = fn(h)
		h.mu.RUnlock()
		return err
	}
}

func (r *Reader) acquire(ctx context.Context, archiveID string) (*handle, error) {
	r.mu.RLock()
	h, ok := r.handles[archiveID]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	if err := ValidateArchiveID(archiveID); err != nil {
		return nil, err
	}

	for {
		// Concurrent first requests for one archive share a single open,
		// which runs without r.mu held.
		v, err, _ := r.opening.Do(archiveID, func() (any, error) {
			return r.load(context.WithoutCancel(ctx), archiveID)
		})
		if errors.Is(err, errStaleOpen) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return v.(*handle), nil
	}
}

// load opens an archive and caches its handle, unless the cache was
// invalidated meanwhile.
func (r *Reader) load(ctx context.Context, archiveID string) (*handle, error) {
	r.mu.RLock()
	h, ok := r.handles[archiveID]
	gen := r.generation
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	h, err := r.openFn(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		_ = h.close()
		return nil, errStaleOpen
	}
	r.handles[archiveID] = h
	count := len(r.handles)
	r.mu.Unlock()

	r.metrics.SetOpenHandles(count)
	r.logger.Debug("opened archive", "archive", archiveID)
	return h, nil
}

// open opens an archive and loads its metadata table.
func (r *Reader) open(ctx context.Context, archiveID string) (*handle, error) {
	path := r.Path(archiveID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", archiveID, domain.ErrArchiveNotFound)
		}
		return nil, &domain.StorageError{Operation: "stat", Key: path, Err: err}
	}

	db, err := sql.Open(driverName, "file:"+path+"?mode=ro")
	if err != nil {
		return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}

	metadata, err := readMetadata(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", archiveID, err)
	}

	h := &handle{db: db, metadata: metadata}
	h.lastUsed.Store(r.now().UnixNano())
	return h, nil
}

func readMetadata(ctx context.Context, db *sql.DB) (map[string]string, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='metadata'",
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArchiveMetadata, err)
	}
	if exists == 0 {
		return nil, domain.ErrArchiveMetadata
	}

	rows, err := db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArchiveMetadata, err)
	}
	defer func() { _ = rows.Close() }()

	metadata := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrArchiveMetadata, err)
		}
		metadata[name] = value.String
	}
	return metadata, rows.Err()
}

func (r *Reader) closeHandles(handles map[string]*handle) {
	for id, h := range handles {
		if err := h.close(); err != nil {
			r.logger.Warn("closing archive failed", "archive", id, "error", err)
		}
	}
	if len(handles) > 0 {
		r.metrics.SetOpenHandles(r.OpenHandles())
	}
}

// ValidateArchiveID rejects IDs that could escape the archive directory.
func ValidateArchiveID(archiveID string) error {
	if archiveID == "" || strings.ContainsAny(archiveID, `/\`) || strings.Contains(archiveID, "..") {
		return &domain.ValidationError{
			Field:      "archiveId",
			Value:      archiveID,
			Constraint: "non-empty, no path separators or '..'",
			Message:    "invalid archive id",
		}
	}
	return nil
}
