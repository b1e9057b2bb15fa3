// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"io"
)

// ObjectStorage defines the secondary port for remote pack bundles and the catalog.
type ObjectStorage interface {
	// List returns all pack bundles (zip files) in the storage.
	List(ctx context.Context) ([]StorageObject, error)

	// GetReader returns a reader for the given object and its size
	// in bytes, or -1 if the backend does not report one.
	GetReader(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// StorageObject represents a file in object storage.
type StorageObject struct {
	Key          string // Object key/path
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash
}

// StorageType represents the type of storage backend.
type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeAzure StorageType = "azure"
	StorageTypeHTTP  StorageType = "http"
	StorageTypeLocal StorageType = "local"
)

// BundleExt is the extension of compressed pack bundles.
const BundleExt = ".zip"
