package output

import (
	"context"
	"time"
)

// TileReader defines the secondary port for reading packed tile archives.
type TileReader interface {
	// GetTile returns the stored bytes of an XYZ tile. The row flip is
	// the reader's responsibility.
	GetTile(ctx context.Context, archiveID string, z, x, y uint32) ([]byte, error)

	// HasArchive reports whether the archive file exists.
	HasArchive(archiveID string) bool

	// GetMetadata returns the archive's metadata table as key-value pairs.
	GetMetadata(ctx context.Context, archiveID string) (map[string]string, error)

	// ClearCache closes every open handle and returns how many were closed.
	ClearCache() int

	// Invalidate closes the handles of the named archives.
	Invalidate(archiveIDs ...string) int

	// CloseIdle closes handles unused for longer than maxIdle.
	CloseIdle(maxIdle time.Duration) int

	// OpenHandles returns the number of cached handles.
	OpenHandles() int

	// CloseAll closes every handle.
	CloseAll() error
}

// ArchiveListener receives archive lifecycle events from the pack manager.
// ArchivesChanged is always delivered before the manifest is regenerated.
type ArchiveListener interface {
	// ArchivesChanged reports archives that were replaced or removed.
	ArchivesChanged(archiveIDs []string)

	// ManifestUpdated reports that a new manifest was written.
	ManifestUpdated()
}
