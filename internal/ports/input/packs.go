// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/chartpacks/internal/domain"
)

// PackManager defines the primary port for installing and removing packs.
type PackManager interface {
	// DownloadPack downloads, extracts and installs one pack of a region.
	DownloadPack(ctx context.Context, regionID, packID string, opts InstallOptions) (*InstallResult, error)

	// DownloadRegion installs every pack of a region sequentially.
	DownloadRegion(ctx context.Context, regionID string, opts RegionOptions) (*RegionSummary, error)

	// DownloadRegions installs several regions concurrently.
	DownloadRegions(ctx context.Context, regionIDs []string, opts RegionOptions) ([]RegionSummary, error)

	// RegenerateManifest rebuilds the manifest from the archive directory.
	RegenerateManifest(ctx context.Context) (*domain.Manifest, error)

	// DeleteRegion removes a region's archives. Shared archives are kept
	// while any region in otherInstalled still references them.
	DeleteRegion(ctx context.Context, regionID string, otherInstalled []string) (*DeleteReport, error)

	// DeletePack removes one pack of a region.
	DeletePack(ctx context.Context, regionID, packID string, otherInstalled []string) (*DeleteReport, error)

	// IsInstalled reports whether the pack's canonical file exists.
	IsInstalled(ctx context.Context, regionID, packID string) (bool, error)

	// InstalledPacks returns the IDs of the region's installed packs.
	InstalledPacks(ctx context.Context, regionID string) ([]string, error)

	// InstalledRegions returns the IDs of regions with at least one
	// installed region-specific archive.
	InstalledRegions(ctx context.Context) ([]string, error)

	// PackStatus returns the last observed state of a pack.
	PackStatus(regionID, packID string) domain.PackStatus
}

// InstallOptions tunes a single pack install.
type InstallOptions struct {
	// SkipManifest suppresses manifest regeneration after the install.
	// Batch callers set it and call RegenerateManifest once at the end.
	SkipManifest bool

	// OnStatus receives every state change and progress report.
	OnStatus func(domain.PackStatus)
}

// InstallResult describes an installed pack.
type InstallResult struct {
	RegionID string
	PackID   string
	Filename string // Canonical filename in the archive directory
	Size     int64  // Installed file size in bytes
	Replaced bool   // An existing archive was overwritten
	Renamed  bool   // The bundle's archive had a non-canonical name
}

// RegionOptions tunes a region install.
type RegionOptions struct {
	// Force reinstalls packs that are already present.
	Force bool

	// OnStatus receives every pack state change and progress report.
	OnStatus func(domain.PackStatus)
}

// RegionSummary aggregates per-pack outcomes of a region install.
type RegionSummary struct {
	RegionID  string
	Succeeded []string
	Failed    map[string]error
	Skipped   []string
}

// OK returns true if no pack failed.
func (s *RegionSummary) OK() bool {
	return len(s.Failed) == 0
}

// DeleteReport describes the outcome of a best-effort deletion.
type DeleteReport struct {
	RegionID     string
	FilesRemoved []string
	BytesFreed   int64
	Kept         []string         // Shared archives still referenced elsewhere
	Failures     map[string]error // Per-file failures
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy           bool              // Overall health status
	Ready             bool              // Ready to accept requests
	ArchivesInstalled int               // Chart archives in the manifest
	OpenHandles       int               // Cached archive handles
	Components        map[string]string // Component statuses
}
