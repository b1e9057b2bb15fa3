package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/input"
)

// DeleteRegion removes every archive of a region: the canonical files of
// its catalog packs plus any other archive carrying its prefix. Shared
// archives stay while a region in otherInstalled still references them.
// Deletion is best-effort and the manifest is regenerated regardless.
func (m *Manager) DeleteRegion(ctx context.Context, regionID string, otherInstalled []string) (*input.DeleteReport, error) {
	region, err := m.catalog.Region(ctx, regionID)
	if err != nil {
		return nil, err
	}

	unlock := m.regionLocks.Lock(regionID)
	report := m.deleteFiles(ctx, region, m.regionFiles(region), otherInstalled)
	unlock()

	m.catalog.Forget(regionID)

	return m.finishDelete(ctx, report)
}

// DeletePack removes one pack of a region under the same rules as DeleteRegion.
func (m *Manager) DeletePack(ctx context.Context, regionID, packID string, otherInstalled []string) (*input.DeleteReport, error) {
	region, pack, err := m.lookupPack(ctx, regionID, packID)
	if err != nil {
		return nil, err
	}

	unlock := m.regionLocks.Lock(regionID)
	files := map[string]bool{domain.PackFilename(pack, region): pack.Category.Shared()}
	report := m.deleteFiles(ctx, region, files, otherInstalled)
	unlock()

	return m.finishDelete(ctx, report)
}

func (m *Manager) finishDelete(ctx context.Context, report *input.DeleteReport) (*input.DeleteReport, error) {
	m.logger.Info("region files deleted",
		"region", report.RegionID,
		"removed", len(report.FilesRemoved),
		"bytes_freed", report.BytesFreed,
		"kept", len(report.Kept),
		"failures", len(report.Failures),
	)

	if _, err := m.RegenerateManifest(ctx); err != nil {
		return report, fmt.Errorf("regenerating manifest: %w", err)
	}
	return report, nil
}

// regionFiles maps every filename belonging to the region to whether it
// is shared.
func (m *Manager) regionFiles(region *domain.Region) map[string]bool {
	files := make(map[string]bool)
	for i := range region.Packs {
		p := &region.Packs[i]
		files[domain.PackFilename(p, region)] = p.Category.Shared()
	}

	// Archives no longer listed in the catalog still carry the prefix.
	prefix := region.NormalizedPrefix()
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return files
	}
	for _, e := range entries {
		if name, ok := domain.ParseArchiveName(e.Name()); ok && name.Prefix == prefix && !name.Category.Shared() {
			if _, known := files[e.Name()]; !known {
				files[e.Name()] = false
			}
		}
	}
	return files
}

func (m *Manager) deleteFiles(ctx context.Context, region *domain.Region, files map[string]bool, otherInstalled []string) *input.DeleteReport {
	report := &input.DeleteReport{RegionID: region.ID, Failures: make(map[string]error)}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var removed []string
	for _, name := range names {
		if !m.fileExists(name) {
			continue
		}
		if files[name] && m.referencedElsewhere(ctx, name, region.ID, otherInstalled) {
			report.Kept = append(report.Kept, name)
			continue
		}

		size, err := m.removeArchive(name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			m.logger.Warn("deleting archive failed", "region", region.ID, "file", name, "error", err)
			report.Failures[name] = err
			continue
		}

		report.FilesRemoved = append(report.FilesRemoved, name)
		report.BytesFreed += size
		removed = append(removed, domain.ArchiveID(name))
	}

	m.notifyArchivesChanged(removed)
	return report
}

func (m *Manager) removeArchive(name string) (int64, error) {
	unlock := m.fileLocks.Lock(name)
	defer unlock()

	path := filepath.Join(m.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// referencedElsewhere reports whether any other installed region derives
// the same filename. An unreadable region counts as a reference.
func (m *Manager) referencedElsewhere(ctx context.Context, filename, regionID string, otherInstalled []string) bool {
	for _, id := range otherInstalled {
		if id == regionID {
			continue
		}

		other, err := m.catalog.Region(ctx, id)
		if err != nil {
			m.logger.Warn("cannot resolve installed region, keeping shared archive",
				"region", id, "file", filename, "error", err)
			return true
		}

		for i := range other.Packs {
			if domain.PackFilename(&other.Packs[i], other) == filename {
				return true
			}
		}
	}
	return false
}
