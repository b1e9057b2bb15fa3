// Package domain contains the core business entities and value objects.
package domain

import (
	"path/filepath"
	"strings"
)

// ArchiveExt is the file extension of every installed archive.
const ArchiveExt = ".mbtiles"

// SharedGNISName is the archive ID of the place-name overlay shared by all regions.
const SharedGNISName = "gnis"

// DecompressionRatio approximates installed size from compressed pack size.
// It is a single fixed estimate applied to every category, used for display only.
const DecompressionRatio = 1.5

// Category identifies the kind of data a pack carries.
type Category string

// Pack categories.
const (
	CategoryCharts    Category = "charts"
	CategoryBasemap   Category = "basemap"
	CategoryGNIS      Category = "gnis"
	CategorySatellite Category = "satellite"
	CategoryOcean     Category = "ocean"
	CategoryTerrain   Category = "terrain"
	CategoryPoints    Category = "points"
)

var categories = map[Category]bool{
	CategoryCharts:    true,
	CategoryBasemap:   true,
	CategoryGNIS:      true,
	CategorySatellite: true,
	CategoryOcean:     true,
	CategoryTerrain:   true,
	CategoryPoints:    true,
}

// IsValid returns true if the category is known.
func (c Category) IsValid() bool {
	return categories[c]
}

// Shared returns true if one archive serves every region.
func (c Category) Shared() bool {
	return c == CategoryGNIS
}

// Band is a chart-scale band (US1..US6) or a zoom band label for banded categories.
type Band string

// ZoomRange is an inclusive zoom interval.
type ZoomRange struct {
	Min int
	Max int
}

// Contains returns true if z lies in the range.
func (r ZoomRange) Contains(z int) bool {
	return z >= r.Min && z <= r.Max
}

// chartBands maps chart-scale bands to their default zoom range.
var chartBands = map[Band]ZoomRange{
	"US1": {Min: 0, Max: 8},
	"US2": {Min: 8, Max: 10},
	"US3": {Min: 10, Max: 12},
	"US4": {Min: 12, Max: 14},
	"US5": {Min: 14, Max: 16},
	"US6": {Min: 16, Max: 18},
}

// IsChartBand returns true if b is one of the chart-scale bands.
func (b Band) IsChartBand() bool {
	_, ok := chartBands[b]
	return ok
}

// DefaultZoom returns the default zoom range of a chart band.
func (b Band) DefaultZoom() (ZoomRange, bool) {
	r, ok := chartBands[b]
	return r, ok
}

// Region is a named, geographically bounded unit with its own packs.
type Region struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name" yaml:"name"`
	Bounds Bounds         `json:"bounds" yaml:"bounds"`
	Prefix string         `json:"prefix" yaml:"prefix"`
	Packs  []DownloadPack `json:"packs" yaml:"packs"`
}

// Pack returns a pack of the region by ID.
func (r *Region) Pack(id string) (*DownloadPack, bool) {
	for i := range r.Packs {
		if r.Packs[i].ID == id {
			return &r.Packs[i], true
		}
	}
	return nil, false
}

// NormalizedPrefix returns the prefix used in filenames.
func (r *Region) NormalizedPrefix() string {
	return NormalizePrefix(r.Prefix)
}

// Validate checks that the region can be used to derive filenames.
func (r *Region) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Value: r.ID, Constraint: "non-empty", Message: "region id is required"}
	}
	p := r.NormalizedPrefix()
	if p == "" || strings.ContainsAny(p, "_/\\.") {
		return &ValidationError{
			Field:      "prefix",
			Value:      r.Prefix,
			Constraint: "non-empty, no '_', '/', '\\' or '.'",
			Message:    "invalid filename prefix for region " + r.ID,
		}
	}
	for _, p := range r.Packs {
		if !p.Category.IsValid() {
			return &ValidationError{Field: "category", Value: p.Category, Constraint: "known category", Message: "unknown category in pack " + p.ID}
		}
		if p.Category == CategoryCharts && !p.Band.IsChartBand() {
			return &ValidationError{Field: "band", Value: p.Band, Constraint: "US1..US6", Message: "chart pack " + p.ID + " needs a chart band"}
		}
	}

	// Packs sharing an ID or a canonical filename would overwrite each
	// other on install. Filenames compare case-insensitively.
	ids := make(map[string]bool, len(r.Packs))
	files := make(map[string]string, len(r.Packs))
	for i := range r.Packs {
		p := &r.Packs[i]
		if ids[p.ID] {
			return &ValidationError{Field: "packs", Value: p.ID, Constraint: "unique pack ids", Message: "duplicate pack id " + p.ID + " in region " + r.ID}
		}
		ids[p.ID] = true

		name := PackFilename(p, r)
		if other, ok := files[strings.ToLower(name)]; ok {
			return &ValidationError{
				Field:      "packs",
				Value:      name,
				Constraint: "unique canonical filenames",
				Message:    "packs " + other + " and " + p.ID + " both install " + name,
			}
		}
		files[strings.ToLower(name)] = p.ID
	}
	return nil
}

// DownloadPack describes one installable archive.
type DownloadPack struct {
	ID         string   `json:"id" yaml:"id"`
	Category   Category `json:"category" yaml:"category"`
	Band       Band     `json:"band,omitempty" yaml:"band,omitempty"`
	RemotePath string   `json:"path" yaml:"path"`
	Size       int64    `json:"size" yaml:"size"`
	MinZoom    int      `json:"min_zoom,omitempty" yaml:"min_zoom,omitempty"`
	MaxZoom    int      `json:"max_zoom,omitempty" yaml:"max_zoom,omitempty"`
}

// EstimatedInstalledSize returns the approximate size on disk after extraction.
func (p *DownloadPack) EstimatedInstalledSize() int64 {
	return int64(float64(p.Size) * DecompressionRatio)
}

// NormalizePrefix lowercases and trims a region prefix.
func NormalizePrefix(prefix string) string {
	return strings.ToLower(strings.TrimSpace(prefix))
}

// CanonicalFilename derives the on-disk name of a pack. It depends only on
// the category, the band and the region prefix.
func CanonicalFilename(category Category, band Band, regionPrefix string) string {
	return CanonicalArchiveID(category, band, regionPrefix) + ArchiveExt
}

// CanonicalArchiveID is CanonicalFilename without the extension.
func CanonicalArchiveID(category Category, band Band, regionPrefix string) string {
	if category.Shared() {
		return SharedGNISName
	}

	prefix := NormalizePrefix(regionPrefix)
	switch {
	case category == CategoryCharts:
		return prefix + "_" + strings.ToUpper(string(band))
	case band != "":
		return prefix + "_" + string(category) + "_" + string(band)
	default:
		return prefix + "_" + string(category)
	}
}

// PackFilename derives the canonical filename of a pack in a region.
func PackFilename(pack *DownloadPack, region *Region) string {
	return CanonicalFilename(pack.Category, pack.Band, region.Prefix)
}

// ArchiveID strips directory and extension from an archive filename.
func ArchiveID(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsArchiveFile returns true if name carries the archive extension.
func IsArchiveFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ArchiveExt)
}

// ArchiveName is the parsed form of a canonical archive filename.
type ArchiveName struct {
	ID       string
	Prefix   string
	Category Category
	Band     Band
}

// ParseArchiveName inverts CanonicalFilename. It accepts a filename or an archive ID.
func ParseArchiveName(name string) (ArchiveName, bool) {
	id := ArchiveID(name)
	if id == SharedGNISName {
		return ArchiveName{ID: id, Category: CategoryGNIS}, true
	}

	parts := strings.SplitN(id, "_", 3)
	if len(parts) < 2 || parts[0] == "" {
		return ArchiveName{}, false
	}

	out := ArchiveName{ID: id, Prefix: parts[0]}
	if len(parts) == 2 {
		if b := Band(parts[1]); b.IsChartBand() {
			out.Category = CategoryCharts
			out.Band = b
			return out, true
		}
		c := Category(parts[1])
		if !c.IsValid() || c.Shared() || c == CategoryCharts {
			return ArchiveName{}, false
		}
		out.Category = c
		return out, true
	}

	c := Category(parts[1])
	if !c.IsValid() || c.Shared() || c == CategoryCharts || parts[2] == "" {
		return ArchiveName{}, false
	}
	out.Category = c
	out.Band = Band(parts[2])
	return out, true
}
