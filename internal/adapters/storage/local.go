// Package storage provides object storage adapters.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// LocalStorage implements ObjectStorage for a local directory of bundles.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage adapter.
func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// List returns all pack bundles in the local directory.
func (s *LocalStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		if !isBundle(info.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}

		objects = append(objects, output.StorageObject{
			Key:          filepath.ToSlash(relPath),
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		})

		return nil
	})

	if err != nil {
		return nil, err
	}

	return objects, nil
}

// GetReader opens the given object.
func (s *LocalStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path) //#nosec G304 -- path is confined to basePath
	if err != nil {
		return nil, 0, storageErr("open", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, storageErr("stat", key, err)
	}

	return f, info.Size(), nil
}

// Exists checks if a file exists.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// FullPath returns the full path for a key.
func (s *LocalStorage) FullPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// resolve maps a key to a path and rejects keys escaping the base directory.
func (s *LocalStorage) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &domain.ValidationError{
			Field:      "key",
			Value:      key,
			Constraint: "relative, inside storage root",
			Message:    "storage key escapes the base directory",
		}
	}
	return filepath.Join(s.basePath, clean), nil
}

func storageErr(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		err = errors.Join(err, domain.ErrNotFound)
	}
	return &domain.StorageError{Operation: op, Key: key, Err: err}
}

func isBundle(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), output.BundleExt)
}
