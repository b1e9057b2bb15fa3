package application

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jobrunner/chartpacks/internal/domain"
)

// RegenerateManifest rebuilds the manifest from a full scan of the archive
// directory and writes it atomically. Every chart archive on disk gets an
// entry, whichever region installed it.
func (m *Manager) RegenerateManifest(ctx context.Context) (*domain.Manifest, error) {
	m.manifestMu.Lock()
	defer m.manifestMu.Unlock()

	manifest, err := m.scanManifest(ctx)
	if err != nil {
		return nil, err
	}

	if err := WriteManifest(m.ManifestPath(), manifest); err != nil {
		return nil, err
	}

	m.metrics.SetInstalledArchives(len(manifest.Packs))
	m.logger.Info("manifest regenerated", "archives", len(manifest.Packs), "bytes", manifest.TotalSize())

	m.notifyManifestUpdated()
	return manifest, nil
}

func (m *Manager) scanManifest(ctx context.Context) (*domain.Manifest, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, &domain.StorageError{Operation: "scan", Key: m.dir, Err: err}
	}

	manifest := &domain.Manifest{Packs: []domain.ManifestEntry{}}
	var regionBounds map[string]domain.Bounds

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		name, ok := domain.ParseArchiveName(e.Name())
		if !ok || name.Category != domain.CategoryCharts {
			continue
		}

		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and now.
			continue
		}

		entry := domain.ManifestEntry{ID: name.ID, FileSize: info.Size()}

		md, err := m.archives.GetMetadata(ctx, name.ID)
		if err != nil {
			m.logger.Warn("archive metadata unavailable, using fallbacks", "archive", name.ID, "error", err)
		}

		if b, err := domain.ParseBounds(md["bounds"]); err == nil {
			entry.Bounds = b
		} else {
			if regionBounds == nil {
				regionBounds = m.regionBoundsByPrefix(ctx)
			}
			if b, ok := regionBounds[name.Prefix]; ok {
				entry.Bounds = b
			} else {
				entry.Bounds = domain.WorldBounds
			}
		}

		zoom, _ := name.Band.DefaultZoom()
		entry.MinZoom = atoiOr(md["minzoom"], zoom.Min)
		entry.MaxZoom = atoiOr(md["maxzoom"], zoom.Max)

		manifest.Packs = append(manifest.Packs, entry)
	}

	manifest.Sort()
	return manifest, nil
}

// regionBoundsByPrefix maps normalized region prefixes to region bounds.
// A catalog failure yields an empty map.
func (m *Manager) regionBoundsByPrefix(ctx context.Context) map[string]domain.Bounds {
	out := make(map[string]domain.Bounds)

	regions, err := m.catalog.Regions(ctx)
	if err != nil {
		m.logger.Warn("catalog unavailable for manifest bounds", "error", err)
		return out
	}

	for i := range regions {
		if !regions[i].Bounds.IsZero() {
			out[regions[i].NormalizedPrefix()] = regions[i].Bounds
		}
	}
	return out
}

func atoiOr(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return fallback
}

// WriteManifest writes the manifest through a temporary file and a rename
// so readers never see a partial document.
func WriteManifest(path string, manifest *domain.Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &domain.StorageError{Operation: "mkdir", Key: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return &domain.StorageError{Operation: "create", Key: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &domain.StorageError{Operation: "write", Key: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &domain.StorageError{Operation: "write", Key: path, Err: err}
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &domain.StorageError{Operation: "rename", Key: path, Err: err}
	}
	return nil
}

// ReadManifest reads a manifest file. A missing file is an empty manifest.
func ReadManifest(path string) (*domain.Manifest, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is the configured manifest location
	if err != nil {
		if os.IsNotExist(err) {
			return &domain.Manifest{Packs: []domain.ManifestEntry{}}, nil
		}
		return nil, &domain.StorageError{Operation: "read", Key: path, Err: err}
	}

	var manifest domain.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", path, err)
	}
	if manifest.Packs == nil {
		manifest.Packs = []domain.ManifestEntry{}
	}
	return &manifest, nil
}
