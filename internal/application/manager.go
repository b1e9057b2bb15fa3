// Package application contains the application services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/input"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// stagingPrefix names the private per-install directories inside the
// archive directory.
const stagingPrefix = ".staging-"

// lockFilename is the cross-process lock on the archive directory. Every
// process that installs into the directory holds it shared; sweeping
// leftovers of interrupted installs needs it exclusively.
const lockFilename = ".chartpacks.lock"

// ManagerConfig holds pack manager settings.
type ManagerConfig struct {
	ArchiveDir         string
	MaxParallelRegions int // 0 = no limit
}

// Manager installs, detects and deletes packs. It owns every mutation of
// the archive directory and announces it to listeners.
type Manager struct {
	dir        string
	parallel   int
	catalog    output.Catalog
	downloader *Downloader
	archives   output.TileReader
	metrics    output.MetricsCollector
	logger     *slog.Logger
	dirLock    *flock.Flock

	regionLocks *keyedMutex
	fileLocks   *keyedMutex
	manifestMu  sync.Mutex

	listenersMu sync.RWMutex
	listeners   []output.ArchiveListener

	statusMu sync.RWMutex
	statuses map[string]domain.PackStatus
}

var _ input.PackManager = (*Manager)(nil)

// NewManager creates a new pack manager.
func NewManager(
	cfg ManagerConfig,
	catalog output.Catalog,
	downloader *Downloader,
	archives output.TileReader,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *Manager {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &Manager{
		dir:         cfg.ArchiveDir,
		parallel:    cfg.MaxParallelRegions,
		catalog:     catalog,
		downloader:  downloader,
		archives:    archives,
		metrics:     metrics,
		logger:      logger,
		dirLock:     flock.New(filepath.Join(cfg.ArchiveDir, lockFilename)),
		regionLocks: newKeyedMutex(),
		fileLocks:   newKeyedMutex(),
		statuses:    make(map[string]domain.PackStatus),
	}
}

// AddListener registers a listener for archive and manifest events.
func (m *Manager) AddListener(l output.ArchiveListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// ArchiveDir returns the archive directory.
func (m *Manager) ArchiveDir() string {
	return m.dir
}

// ManifestPath returns the path of the manifest file.
func (m *Manager) ManifestPath() string {
	return filepath.Join(m.dir, domain.ManifestFilename)
}

// DownloadPack downloads, extracts and installs one pack of a region.
func (m *Manager) DownloadPack(ctx context.Context, regionID, packID string, opts input.InstallOptions) (*input.InstallResult, error) {
	region, pack, err := m.lookupPack(ctx, regionID, packID)
	if err != nil {
		return nil, err
	}

	unlock := m.regionLocks.Lock(regionID)
	res, err := m.install(ctx, region, pack, opts.OnStatus)
	unlock()
	if err != nil {
		return nil, err
	}

	if !opts.SkipManifest {
		if _, err := m.RegenerateManifest(ctx); err != nil {
			return res, fmt.Errorf("pack installed but manifest regeneration failed: %w", err)
		}
	}
	return res, nil
}

// DownloadRegion installs the packs of a region one after another and
// regenerates the manifest once at the end. Pack failures are reported in
// the summary and in the returned error.
func (m *Manager) DownloadRegion(ctx context.Context, regionID string, opts input.RegionOptions) (*input.RegionSummary, error) {
	summary, err := m.downloadRegion(ctx, regionID, opts)
	if summary == nil {
		return nil, err
	}

	if _, rerr := m.RegenerateManifest(ctx); rerr != nil {
		err = errors.Join(err, fmt.Errorf("regenerating manifest: %w", rerr))
	}
	return summary, err
}

// DownloadRegions installs independent regions concurrently and
// regenerates the manifest once when all are done.
func (m *Manager) DownloadRegions(ctx context.Context, regionIDs []string, opts input.RegionOptions) ([]input.RegionSummary, error) {
	summaries := make([]input.RegionSummary, len(regionIDs))
	errs := make([]error, len(regionIDs))

	var g errgroup.Group
	if m.parallel > 0 {
		g.SetLimit(m.parallel)
	}

	for i, id := range regionIDs {
		g.Go(func() error {
			s, err := m.downloadRegion(ctx, id, opts)
			if s != nil {
				summaries[i] = *s
			} else {
				summaries[i] = input.RegionSummary{RegionID: id}
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if _, rerr := m.RegenerateManifest(ctx); rerr != nil {
		err = errors.Join(err, fmt.Errorf("regenerating manifest: %w", rerr))
	}
	return summaries, err
}

func (m *Manager) downloadRegion(ctx context.Context, regionID string, opts input.RegionOptions) (*input.RegionSummary, error) {
	region, err := m.catalog.Region(ctx, regionID)
	if err != nil {
		return nil, err
	}

	unlock := m.regionLocks.Lock(regionID)
	defer unlock()

	summary := &input.RegionSummary{RegionID: regionID, Failed: make(map[string]error)}
	var errs []error

	for i := range region.Packs {
		pack := &region.Packs[i]

		if err := ctx.Err(); err != nil {
			summary.Failed[pack.ID] = err
			errs = append(errs, &domain.InstallError{PackID: pack.ID, Phase: domain.PackIdle, Err: err})
			continue
		}

		if !opts.Force && m.fileExists(domain.PackFilename(pack, region)) {
			summary.Skipped = append(summary.Skipped, pack.ID)
			continue
		}

		if _, err := m.install(ctx, region, pack, opts.OnStatus); err != nil {
			summary.Failed[pack.ID] = err
			errs = append(errs, err)
			continue
		}
		summary.Succeeded = append(summary.Succeeded, pack.ID)
	}

	m.logger.Info("region install finished",
		"region", regionID,
		"succeeded", len(summary.Succeeded),
		"failed", len(summary.Failed),
		"skipped", len(summary.Skipped),
	)

	return summary, errors.Join(errs...)
}

// install runs the pack state machine. The caller holds the region lock.
func (m *Manager) install(ctx context.Context, region *domain.Region, pack *domain.DownloadPack, onStatus func(domain.PackStatus)) (*input.InstallResult, error) {
	filename := domain.PackFilename(pack, region)
	archiveID := domain.ArchiveID(filename)
	logger := m.logger.With("region", region.ID, "pack", pack.ID, "file", filename)

	status := domain.PackStatus{RegionID: region.ID, PackID: pack.ID}
	fail := func(phase domain.PackState, err error) (*input.InstallResult, error) {
		ierr := &domain.InstallError{PackID: pack.ID, Phase: phase, Err: err}
		st := status
		st.State = domain.PackFailed
		st.Err = ierr
		if errors.Is(err, domain.ErrAmbiguousInstall) {
			st.Warning = err.Error()
			logger.Warn("ambiguous install", "error", err)
		} else {
			logger.Error("install failed", "phase", phase, "error", err)
		}
		m.setStatus(st, onStatus)
		m.metrics.IncInstalls(string(pack.Category), false)
		return nil, ierr
	}

	unlock := m.fileLocks.Lock(filename)
	defer unlock()

	// A bundle missing from storage fails before anything touches the disk.
	// Backends that cannot answer fall through to the download itself.
	found, err := m.downloader.Exists(ctx, pack.RemotePath)
	switch {
	case err != nil:
		logger.Warn("checking remote bundle failed", "key", pack.RemotePath, "error", err)
	case !found:
		return fail(domain.PackDownloading, fmt.Errorf("%s: %w", pack.RemotePath, domain.ErrPackNotFound))
	}

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return fail(domain.PackDownloading, err)
	}

	// Staging lives inside the archive directory so the final rename stays
	// on one filesystem. It is removed whatever the outcome.
	staging, err := os.MkdirTemp(m.dir, stagingPrefix)
	if err != nil {
		return fail(domain.PackDownloading, err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			logger.Warn("removing staging directory failed", "error", err)
		}
	}()

	status.State = domain.PackDownloading
	m.setStatus(status, onStatus)
	logger.Info("downloading pack", "key", pack.RemotePath, "size", pack.Size)

	bundle := filepath.Join(staging, bundleName(pack))
	_, err = m.downloader.Download(ctx, pack.RemotePath, bundle, pack.Size, func(p domain.Progress) {
		st := status
		st.Progress = &p
		m.setStatus(st, onStatus)
	})
	if err != nil {
		return fail(domain.PackDownloading, err)
	}

	status.State = domain.PackExtracting
	m.setStatus(status, onStatus)

	extractDir := filepath.Join(staging, "extracted")
	var extracted []string
	zipped, err := isZip(bundle)
	switch {
	case err != nil:
		return fail(domain.PackExtracting, err)
	case zipped:
		extracted, err = extractBundle(bundle, extractDir)
		if err != nil {
			return fail(domain.PackExtracting, err)
		}
	case domain.IsArchiveFile(bundle):
		extractDir = staging
		extracted = []string{filepath.Base(bundle)}
	default:
		return fail(domain.PackExtracting, fmt.Errorf("%s is neither a zip bundle nor an archive", pack.RemotePath))
	}

	chosen, renamed, err := reconcile(extracted, filename)
	if err != nil {
		return fail(domain.PackExtracting, err)
	}

	target := filepath.Join(m.dir, filename)
	replaced := m.fileExists(filename)
	if err := os.Rename(filepath.Join(extractDir, chosen), target); err != nil {
		return fail(domain.PackExtracting, err)
	}

	m.notifyArchivesChanged([]string{archiveID})

	var size int64
	if info, err := os.Stat(target); err == nil {
		size = info.Size()
	}

	status.State = domain.PackInstalled
	m.setStatus(status, onStatus)
	m.metrics.IncInstalls(string(pack.Category), true)

	logger.Info("pack installed", "bytes", size, "replaced", replaced, "renamed_from", renamedFrom(chosen, renamed))

	return &input.InstallResult{
		RegionID: region.ID,
		PackID:   pack.ID,
		Filename: filename,
		Size:     size,
		Replaced: replaced,
		Renamed:  renamed,
	}, nil
}

func renamedFrom(name string, renamed bool) string {
	if !renamed {
		return ""
	}
	return name
}

// IsInstalled reports whether the pack's canonical file exists.
func (m *Manager) IsInstalled(ctx context.Context, regionID, packID string) (bool, error) {
	region, pack, err := m.lookupPack(ctx, regionID, packID)
	if err != nil {
		return false, err
	}
	return m.fileExists(domain.PackFilename(pack, region)), nil
}

// InstalledPacks returns the IDs of the region's installed packs.
func (m *Manager) InstalledPacks(ctx context.Context, regionID string) ([]string, error) {
	region, err := m.catalog.Region(ctx, regionID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for i := range region.Packs {
		if m.fileExists(domain.PackFilename(&region.Packs[i], region)) {
			ids = append(ids, region.Packs[i].ID)
		}
	}
	return ids, nil
}

// InstalledRegions returns the catalog regions with at least one
// installed region-specific archive. Shared archives alone do not count.
func (m *Manager) InstalledRegions(ctx context.Context) ([]string, error) {
	regions, err := m.catalog.Regions(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	for i := range regions {
		r := &regions[i]
		for j := range r.Packs {
			p := &r.Packs[j]
			if !p.Category.Shared() && m.fileExists(domain.PackFilename(p, r)) {
				ids = append(ids, r.ID)
				break
			}
		}
	}
	return ids, nil
}

// PackStatus returns the last observed state of a pack.
func (m *Manager) PackStatus(regionID, packID string) domain.PackStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	if st, ok := m.statuses[statusKey(regionID, packID)]; ok {
		return st
	}
	return domain.PackStatus{RegionID: regionID, PackID: packID, State: domain.PackIdle}
}

// Acquire claims the archive directory for this process. Leftovers of
// interrupted installs are swept first, unless another process holds the
// directory. The claim lasts until Release.
func (m *Manager) Acquire(ctx context.Context) (int, error) {
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return 0, err
	}

	removed, err := m.DiscardPartials()
	if err != nil {
		m.logger.Warn("failed to discard partial downloads", "error", err)
	}

	locked, lerr := m.dirLock.TryRLockContext(ctx, 50*time.Millisecond)
	if lerr != nil {
		return removed, fmt.Errorf("locking archive directory: %w", lerr)
	}
	if !locked {
		return removed, fmt.Errorf("locking archive directory: %w", ctx.Err())
	}
	return removed, nil
}

// Release gives up the claim taken by Acquire.
func (m *Manager) Release() error {
	return m.dirLock.Unlock()
}

// DiscardPartials removes staging directories and partial downloads left
// behind by an interrupted process. It returns the number of entries removed.
// Nothing is removed while any process, this one included, holds the
// directory through Acquire.
func (m *Manager) DiscardPartials() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	lock := flock.New(filepath.Join(m.dir, lockFilename))
	locked, err := lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("locking archive directory: %w", err)
	}
	if !locked {
		m.logger.Info("archive directory in use, keeping partial downloads", "dir", m.dir)
		return 0, nil
	}
	defer func() { _ = lock.Unlock() }()

	removed := 0
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, stagingPrefix) && !strings.HasSuffix(name, PartialSuffix) &&
			!strings.HasPrefix(name, "."+domain.ManifestFilename) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("discarded partial downloads", "count", removed)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) lookupPack(ctx context.Context, regionID, packID string) (*domain.Region, *domain.DownloadPack, error) {
	region, err := m.catalog.Region(ctx, regionID)
	if err != nil {
		return nil, nil, err
	}

	pack, ok := region.Pack(packID)
	if !ok {
		return nil, nil, fmt.Errorf("%s/%s: %w", regionID, packID, domain.ErrPackNotFound)
	}
	return region, pack, nil
}

func (m *Manager) fileExists(filename string) bool {
	info, err := os.Stat(filepath.Join(m.dir, filename))
	return err == nil && info.Mode().IsRegular()
}

func (m *Manager) setStatus(st domain.PackStatus, onStatus func(domain.PackStatus)) {
	m.statusMu.Lock()
	m.statuses[statusKey(st.RegionID, st.PackID)] = st
	m.statusMu.Unlock()

	if onStatus != nil {
		onStatus(st)
	}
}

func (m *Manager) notifyArchivesChanged(ids []string) {
	if len(ids) == 0 {
		return
	}

	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.listeners {
		l.ArchivesChanged(ids)
	}
}

func (m *Manager) notifyManifestUpdated() {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.listeners {
		l.ManifestUpdated()
	}
}

func statusKey(regionID, packID string) string {
	return regionID + "/" + packID
}
