package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// CompositeAll is the archive ID that addresses every chart archive.
const CompositeAll = "charts"

// TileResult is a tile and the archive that produced it.
type TileResult struct {
	ArchiveID string
	Data      []byte
	Format    string // Archive "format" metadata, e.g. pbf or png
}

// ManifestCache serves the manifest file, re-reading it when its
// modification time or size changes.
type ManifestCache struct {
	path string

	mu       sync.RWMutex
	manifest *domain.Manifest
	modTime  time.Time
	size     int64
	loaded   bool
}

var _ output.ArchiveListener = (*ManifestCache)(nil)

// NewManifestCache creates a cache for the manifest at path.
func NewManifestCache(path string) *ManifestCache {
	return &ManifestCache{path: path}
}

// Get returns the current manifest.
func (c *ManifestCache) Get() (*domain.Manifest, error) {
	info, statErr := os.Stat(c.path)

	c.mu.RLock()
	if c.loaded && statErr == nil && info.ModTime().Equal(c.modTime) && info.Size() == c.size {
		m := c.manifest
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	return c.reload()
}

// Refresh forces the next Get to re-read the file.
func (c *ManifestCache) Refresh() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

// ArchivesChanged is a no-op; the manifest follows in ManifestUpdated.
func (c *ManifestCache) ArchivesChanged([]string) {}

// ManifestUpdated drops the cached manifest.
func (c *ManifestCache) ManifestUpdated() {
	c.Refresh()
}

func (c *ManifestCache) reload() (*domain.Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, statErr := os.Stat(c.path)
	m, err := ReadManifest(c.path)
	if err != nil {
		return nil, err
	}

	c.manifest = m
	c.loaded = statErr == nil
	if statErr == nil {
		c.modTime = info.ModTime()
		c.size = info.Size()
	}
	return m, nil
}

// TileService resolves tile requests against installed archives.
type TileService struct {
	reader    output.TileReader
	manifests *ManifestCache
	logger    *slog.Logger
}

// NewTileService creates a new tile service.
func NewTileService(reader output.TileReader, manifests *ManifestCache, logger *slog.Logger) *TileService {
	return &TileService{
		reader:    reader,
		manifests: manifests,
		logger:    logger,
	}
}

// Manifest returns the cached manifest.
func (s *TileService) Manifest() (*domain.Manifest, error) {
	return s.manifests.Get()
}

// OpenHandles returns the number of cached archive handles.
func (s *TileService) OpenHandles() int {
	return s.reader.OpenHandles()
}

// GetTile returns the tile at t. An installed archive named archiveID is
// used directly. Otherwise archiveID selects a composite scope: "charts"
// for every chart archive, a band such as "US4", or a region prefix.
func (s *TileService) GetTile(ctx context.Context, archiveID string, t domain.TileCoord) (*TileResult, error) {
	if archiveID == "" || strings.ContainsAny(archiveID, `/\`) || strings.Contains(archiveID, "..") {
		return nil, fmt.Errorf("%q: %w", archiveID, domain.ErrInvalidArchiveID)
	}

	if s.reader.HasArchive(archiveID) {
		return s.fromArchive(ctx, archiveID, t)
	}

	candidates, err := s.composite(archiveID, t)
	if err != nil {
		return nil, err
	}
	if candidates == nil {
		return nil, fmt.Errorf("%s: %w", archiveID, domain.ErrArchiveNotFound)
	}

	var firstErr error
	for _, id := range candidates {
		res, err := s.fromArchive(ctx, id, t)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		// An archive without metadata is in the manifest under guessed
		// bounds and cannot serve any tile. It must not fail lookups that
		// the other archives answer with a miss.
		if errors.Is(err, domain.ErrArchiveMetadata) {
			s.logger.Debug("skipping archive without metadata", "archive", id, "tile", t.String())
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("composite archive failed", "archive", id, "tile", t.String(), "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%s %s: %w", archiveID, t, domain.ErrTileNotFound)
}

func (s *TileService) fromArchive(ctx context.Context, id string, t domain.TileCoord) (*TileResult, error) {
	md, err := s.reader.GetMetadata(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := s.reader.GetTile(ctx, id, t.Z, t.X, t.Y)
	if err != nil {
		return nil, err
	}
	return &TileResult{ArchiveID: id, Data: data, Format: md["format"]}, nil
}

// composite orders the archives in scope: entries whose zoom range
// includes the tile's zoom first, then the remaining entries, both in
// manifest order and limited to bounds covering the tile. A nil slice
// means the scope matched no archive at all.
func (s *TileService) composite(scope string, t domain.TileCoord) ([]string, error) {
	manifest, err := s.manifests.Get()
	if err != nil {
		return nil, err
	}

	var inScope int
	precise := []string{}
	var rest []string
	for _, e := range manifest.Packs {
		if !inCompositeScope(scope, e) {
			continue
		}
		inScope++

		if !e.Bounds.CoversTile(t) {
			continue
		}
		if e.Zoom().Contains(int(t.Z)) {
			precise = append(precise, e.ID)
		} else {
			rest = append(rest, e.ID)
		}
	}

	if inScope == 0 {
		return nil, nil
	}
	return append(precise, rest...), nil
}

func inCompositeScope(scope string, e domain.ManifestEntry) bool {
	if scope == CompositeAll {
		return true
	}

	name, ok := e.Name()
	if !ok {
		return false
	}
	if name.Band != "" && strings.EqualFold(string(name.Band), scope) {
		return true
	}
	return name.Prefix != "" && name.Prefix == domain.NormalizePrefix(scope)
}
