// Package catalog provides the remote region catalog.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// DefaultKey is the storage key of the catalog document.
const DefaultKey = "catalog.json"

// Document is the on-storage catalog layout.
type Document struct {
	Regions []domain.Region `json:"regions" yaml:"regions"`
}

// StorageCatalog implements the Catalog port over an ObjectStorage. The
// document is fetched on first use and regions are cached for the session.
type StorageCatalog struct {
	storage output.ObjectStorage
	key     string
	metrics output.MetricsCollector
	logger  *slog.Logger

	mu      sync.Mutex
	regions map[string]domain.Region
	loaded  bool
}

// NewStorageCatalog creates a catalog reading key from storage.
func NewStorageCatalog(storage output.ObjectStorage, key string, metrics output.MetricsCollector, logger *slog.Logger) *StorageCatalog {
	if key == "" {
		key = DefaultKey
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &StorageCatalog{
		storage: storage,
		key:     key,
		metrics: metrics,
		logger:  logger,
		regions: make(map[string]domain.Region),
	}
}

// Region returns one region by ID.
func (c *StorageCatalog) Region(ctx context.Context, id string) (*domain.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.regions[id]; ok {
		return cloneRegion(r), nil
	}

	if err := c.fetch(ctx); err != nil {
		return nil, err
	}

	r, ok := c.regions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRegionNotFound)
	}
	return cloneRegion(r), nil
}

// Regions returns all regions, sorted by ID.
func (c *StorageCatalog) Regions(ctx context.Context) ([]domain.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]domain.Region, 0, len(c.regions))
	for _, r := range c.regions {
		out = append(out, *cloneRegion(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Forget drops a cached region so the next lookup refetches the catalog.
func (c *StorageCatalog) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.regions, id)
	c.loaded = false
}

// fetch reloads the document. Regions already cached are kept as they are.
func (c *StorageCatalog) fetch(ctx context.Context) error {
	start := time.Now()
	doc, err := c.load(ctx)
	c.metrics.ObserveStorageDuration("catalog", time.Since(start))
	c.metrics.IncStorageOperations("catalog", err == nil)
	if err != nil {
		return err
	}

	for _, r := range doc.Regions {
		if err := r.Validate(); err != nil {
			c.logger.Warn("skipping invalid catalog region", "region", r.ID, "error", err)
			continue
		}
		if _, ok := c.regions[r.ID]; !ok {
			c.regions[r.ID] = r
		}
	}
	c.loaded = true

	c.logger.Debug("catalog loaded", "key", c.key, "regions", len(c.regions))
	return nil
}

func (c *StorageCatalog) load(ctx context.Context) (*Document, error) {
	rc, _, err := c.storage.GetReader(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &domain.StorageError{Operation: "read", Key: c.key, Err: err}
	}

	return Decode(c.key, data)
}

// Decode parses a catalog document. YAML is chosen by a .yaml or .yml
// extension, JSON otherwise.
func Decode(key string, data []byte) (*Document, error) {
	var doc Document

	switch strings.ToLower(path.Ext(key)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &domain.ValidationError{Field: "catalog", Value: key, Constraint: "yaml", Message: err.Error()}
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &domain.ValidationError{Field: "catalog", Value: key, Constraint: "json", Message: err.Error()}
		}
	}

	return &doc, nil
}

func cloneRegion(r domain.Region) *domain.Region {
	r.Packs = append([]domain.DownloadPack(nil), r.Packs...)
	return &r
}
