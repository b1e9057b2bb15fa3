package domain

import "sort"

// ManifestFilename is the name of the manifest inside the archive directory.
const ManifestFilename = "manifest.json"

// Manifest is the global index of installed chart archives.
type Manifest struct {
	Packs []ManifestEntry `json:"packs"`
}

// ManifestEntry describes one installed chart archive.
type ManifestEntry struct {
	ID       string `json:"id"`
	Bounds   Bounds `json:"bounds"`
	MinZoom  int    `json:"minZoom"`
	MaxZoom  int    `json:"maxZoom"`
	FileSize int64  `json:"fileSize"`
}

// Zoom returns the entry's zoom range.
func (e ManifestEntry) Zoom() ZoomRange {
	return ZoomRange{Min: e.MinZoom, Max: e.MaxZoom}
}

// Name parses the entry's archive ID.
func (e ManifestEntry) Name() (ArchiveName, bool) {
	return ParseArchiveName(e.ID)
}

// Sort orders entries by ID, which defines manifest order.
func (m *Manifest) Sort() {
	sort.Slice(m.Packs, func(i, j int) bool {
		return m.Packs[i].ID < m.Packs[j].ID
	})
}

// Entry returns the entry with the given ID.
func (m *Manifest) Entry(id string) (ManifestEntry, bool) {
	for _, e := range m.Packs {
		if e.ID == id {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// IDs returns the archive IDs in manifest order.
func (m *Manifest) IDs() []string {
	ids := make([]string, len(m.Packs))
	for i, e := range m.Packs {
		ids[i] = e.ID
	}
	return ids
}

// TotalSize returns the sum of all archive sizes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.Packs {
		total += e.FileSize
	}
	return total
}
