package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jobrunner/chartpacks/internal/domain"
)

func TestNewLocalStorage(t *testing.T) {
	storage := NewLocalStorage("/tmp/test")

	if storage == nil {
		t.Fatal("NewLocalStorage() returned nil")
	}

	if storage.basePath != "/tmp/test" {
		t.Errorf("basePath = %q, want %q", storage.basePath, "/tmp/test")
	}
}

func TestLocalStorageList(t *testing.T) {
	tmpDir := t.TempDir()

	testFiles := []string{
		"r1_US4.zip",
		"r1_basemap.zip",
		"shared/gnis.zip",
		"catalog.json",
		"r1_US4.mbtiles",
	}

	for _, f := range testFiles {
		path := filepath.Join(tmpDir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
			t.Fatalf("failed to create file: %v", err)
		}
	}

	storage := NewLocalStorage(tmpDir)
	objects, err := storage.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	// Should only list bundles
	if len(objects) != 3 {
		t.Errorf("len(objects) = %d, want 3", len(objects))
	}

	for _, obj := range objects {
		if obj.Size != 4 { // "test" is 4 bytes
			t.Errorf("object %q size = %d, want 4", obj.Key, obj.Size)
		}
		if obj.LastModified == 0 {
			t.Errorf("object %q LastModified should not be 0", obj.Key)
		}
	}
}

func TestLocalStorageListNonExistent(t *testing.T) {
	storage := NewLocalStorage("/nonexistent/path")
	_, err := storage.List(context.Background())
	if err == nil {
		t.Error("List() should error for non-existent path")
	}
}

func TestLocalStorageExists(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "exists.zip"), []byte("test"), 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	storage := NewLocalStorage(tmpDir)

	tests := []struct {
		name    string
		key     string
		want    bool
		wantErr bool
	}{
		{"existing file", "exists.zip", true, false},
		{"non-existing file", "nonexistent.zip", false, false},
		{"escaping key", "../outside.zip", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exists, err := storage.Exists(context.Background(), tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("Exists() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exists != tt.want {
				t.Errorf("Exists() = %v, want %v", exists, tt.want)
			}
		})
	}
}

func TestLocalStorageGetReader(t *testing.T) {
	tmpDir := t.TempDir()

	testContent := "test content"
	if err := os.WriteFile(filepath.Join(tmpDir, "test.zip"), []byte(testContent), 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	storage := NewLocalStorage(tmpDir)

	reader, size, err := storage.GetReader(context.Background(), "test.zip")
	if err != nil {
		t.Fatalf("GetReader() error = %v", err)
	}
	defer func() { _ = reader.Close() }()

	if size != int64(len(testContent)) {
		t.Errorf("size = %d, want %d", size, len(testContent))
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != testContent {
		t.Errorf("content = %q, want %q", string(data), testContent)
	}
}

func TestLocalStorageGetReaderNonExistent(t *testing.T) {
	storage := NewLocalStorage(t.TempDir())

	_, _, err := storage.GetReader(context.Background(), "nonexistent.zip")
	if err == nil {
		t.Fatal("GetReader() should error for non-existent file")
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error should wrap ErrNotFound, got %v", err)
	}

	var sErr *domain.StorageError
	if !errors.As(err, &sErr) {
		t.Errorf("error should be a StorageError, got %T", err)
	}
}

func TestLocalStorageFullPath(t *testing.T) {
	storage := NewLocalStorage("/data/packs")

	tests := []struct {
		key  string
		want string
	}{
		{"test.zip", "/data/packs/test.zip"},
		{"subdir/nested.zip", "/data/packs/subdir/nested.zip"},
		{"", "/data/packs"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := storage.FullPath(tt.key); got != tt.want {
				t.Errorf("FullPath(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
