// Package testutil builds on-disk fixtures shared by package tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3" // registers the plain "sqlite3" driver
)

// Tile is one stored tile. Row is the stored (TMS) row, not the XYZ row.
type Tile struct {
	Z    uint32
	X    uint32
	Row  uint32
	Data []byte
}

// MBTiles describes an archive fixture.
type MBTiles struct {
	Metadata   map[string]string
	Tiles      []Tile
	NoMetadata bool // Omit the metadata table entirely
}

// WriteMBTiles creates an MBTiles archive at path.
func WriteMBTiles(t testing.TB, path string, m MBTiles) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating fixture dir: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening fixture %s: %v", path, err)
	}
	defer func() { _ = db.Close() }()

	stmts := []string{
		`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
		`CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)`,
	}
	if !m.NoMetadata {
		stmts = append(stmts, `CREATE TABLE metadata (name TEXT, value TEXT)`)
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("creating fixture schema: %v", err)
		}
	}

	for k, v := range m.Metadata {
		if m.NoMetadata {
			break
		}
		if _, err := db.Exec(`INSERT INTO metadata (name, value) VALUES (?, ?)`, k, v); err != nil {
			t.Fatalf("inserting metadata: %v", err)
		}
	}

	for _, tile := range m.Tiles {
		_, err := db.Exec(
			`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
			tile.Z, tile.X, tile.Row, tile.Data,
		)
		if err != nil {
			t.Fatalf("inserting tile: %v", err)
		}
	}
}

// ChartMetadata returns typical metadata of a vector chart archive.
func ChartMetadata(bounds string, minZoom, maxZoom string) map[string]string {
	return map[string]string{
		"name":    "chart",
		"format":  "pbf",
		"bounds":  bounds,
		"minzoom": minZoom,
		"maxzoom": maxZoom,
	}
}

// MBTilesBytes builds an archive in a temporary directory and returns its bytes.
func MBTilesBytes(t testing.TB, m MBTiles) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture.mbtiles")
	WriteMBTiles(t, path, m)

	data, err := os.ReadFile(path) //#nosec G304 -- test fixture
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	return data
}

// ZipBytes returns a zip archive holding files.
func ZipBytes(t testing.TB, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("creating zip entry %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("writing zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

// WriteZip writes a zip archive holding files to path.
func WriteZip(t testing.TB, path string, files map[string][]byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating zip dir: %v", err)
	}
	if err := os.WriteFile(path, ZipBytes(t, files), 0o644); err != nil {
		t.Fatalf("writing zip: %v", err)
	}
}

// Logger returns a logger that drops everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
