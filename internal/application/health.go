package application

import (
	"context"
	"os"

	"github.com/jobrunner/chartpacks/internal/ports/input"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// HealthService provides health check functionality.
type HealthService struct {
	archiveDir string
	manifests  *ManifestCache
	reader     output.TileReader
}

var _ input.HealthChecker = (*HealthService)(nil)

// NewHealthService creates a new health service.
func NewHealthService(archiveDir string, manifests *ManifestCache, reader output.TileReader) *HealthService {
	return &HealthService{
		archiveDir: archiveDir,
		manifests:  manifests,
		reader:     reader,
	}
}

// IsHealthy returns true if the archive directory is usable.
func (s *HealthService) IsHealthy(ctx context.Context) bool {
	return s.archivesStatus() == "ok"
}

// IsReady returns true if the manifest can be served.
func (s *HealthService) IsReady(ctx context.Context) bool {
	_, err := s.manifests.Get()
	return err == nil
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{
		"archives": s.archivesStatus(),
		"manifest": "ok",
	}

	installed := 0
	manifest, err := s.manifests.Get()
	if err != nil {
		components["manifest"] = err.Error()
	} else {
		installed = len(manifest.Packs)
	}

	return input.HealthDetails{
		Healthy:           components["archives"] == "ok",
		Ready:             err == nil,
		ArchivesInstalled: installed,
		OpenHandles:       s.reader.OpenHandles(),
		Components:        components,
	}
}

func (s *HealthService) archivesStatus() string {
	info, err := os.Stat(s.archiveDir)
	switch {
	case os.IsNotExist(err):
		// Created by the first install.
		return "ok"
	case err != nil:
		return err.Error()
	case !info.IsDir():
		return "not a directory"
	}
	return "ok"
}
