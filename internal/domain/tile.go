package domain

import (
	"fmt"
	"strconv"
)

// MaxZoom is the highest zoom level the tile server accepts.
const MaxZoom = 24

// TileCoord addresses a tile in the XYZ (slippy map) scheme.
type TileCoord struct {
	Z uint32
	X uint32
	Y uint32
}

// NewTileCoord validates and builds a tile coordinate.
func NewTileCoord(z, x, y int) (TileCoord, error) {
	if z < 0 || z > MaxZoom {
		return TileCoord{}, fmt.Errorf("zoom %d out of range [0, %d]: %w", z, MaxZoom, ErrInvalidTile)
	}
	n := 1 << uint(z)
	if x < 0 || x >= n || y < 0 || y >= n {
		return TileCoord{}, fmt.Errorf("tile %d/%d/%d out of range: %w", z, x, y, ErrInvalidTile)
	}
	return TileCoord{Z: uint32(z), X: uint32(x), Y: uint32(y)}, nil
}

// ParseTileCoord parses z, x and y path segments.
func ParseTileCoord(z, x, y string) (TileCoord, error) {
	zi, err := strconv.Atoi(z)
	if err != nil {
		return TileCoord{}, fmt.Errorf("zoom %q: %w", z, ErrInvalidTile)
	}
	xi, err := strconv.Atoi(x)
	if err != nil {
		return TileCoord{}, fmt.Errorf("column %q: %w", x, ErrInvalidTile)
	}
	yi, err := strconv.Atoi(y)
	if err != nil {
		return TileCoord{}, fmt.Errorf("row %q: %w", y, ErrInvalidTile)
	}
	return NewTileCoord(zi, xi, yi)
}

// FlipY converts between XYZ rows and the TMS rows stored in packed archives.
// The transformation is its own inverse.
func FlipY(z, y uint32) uint32 {
	return (uint32(1)<<z - 1) - y
}

// StoredRow returns the row under which the archive stores this tile.
func (t TileCoord) StoredRow() uint32 {
	return FlipY(t.Z, t.Y)
}

// String returns "z/x/y".
func (t TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
