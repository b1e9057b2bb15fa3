package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Bounds is a geographic bounding box in WGS84 degrees.
type Bounds struct {
	South float64 `json:"south" yaml:"south"`
	West  float64 `json:"west" yaml:"west"`
	North float64 `json:"north" yaml:"north"`
	East  float64 `json:"east" yaml:"east"`
}

// WorldBounds covers the whole web-mercator world.
var WorldBounds = Bounds{South: -85.0511, West: -180, North: 85.0511, East: 180}

// IsZero returns true if the bounds are unset.
func (b Bounds) IsZero() bool {
	return b == Bounds{}
}

// IsValid checks if the bounds have valid dimensions.
func (b Bounds) IsValid() bool {
	return b.South <= b.North && b.West <= b.East &&
		b.South >= -90 && b.North <= 90 && b.West >= -180 && b.East <= 180
}

// Orb converts the bounds to an orb.Bound.
func (b Bounds) Orb() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// Contains returns true if the point lies within the bounds.
func (b Bounds) Contains(lon, lat float64) bool {
	return b.Orb().Contains(orb.Point{lon, lat})
}

// CoversTile returns true if the XYZ tile overlaps the bounds.
// Tiles that only touch an edge do not count.
func (b Bounds) CoversTile(t TileCoord) bool {
	tb := maptile.New(t.X, t.Y, maptile.Zoom(t.Z)).Bound()
	ob := b.Orb()
	return tb.Min.X() < ob.Max.X() && tb.Max.X() > ob.Min.X() &&
		tb.Min.Y() < ob.Max.Y() && tb.Max.Y() > ob.Min.Y()
}

// String returns the MBTiles "left,bottom,right,top" representation.
func (b Bounds) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.West, b.South, b.East, b.North)
}

// ParseBounds parses the MBTiles "left,bottom,right,top" representation.
func ParseBounds(s string) (Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bounds{}, &ValidationError{
			Field:      "bounds",
			Value:      s,
			Constraint: "left,bottom,right,top",
			Message:    "bounds must have four comma-separated values",
		}
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Bounds{}, &ValidationError{
				Field:      "bounds",
				Value:      s,
				Constraint: "numeric",
				Message:    "bounds value is not a number",
			}
		}
		v[i] = f
	}

	b := Bounds{West: v[0], South: v[1], East: v[2], North: v[3]}
	if !b.IsValid() {
		return Bounds{}, &ValidationError{
			Field:      "bounds",
			Value:      s,
			Constraint: "south<=north, west<=east",
			Message:    "bounds are out of range",
		}
	}
	return b, nil
}
