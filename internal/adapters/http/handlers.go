package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/chartpacks/internal/domain"
)

// contentTypes maps archive "format" metadata to response media types.
var contentTypes = map[string]string{
	"pbf":  "application/x-protobuf",
	"mvt":  "application/x-protobuf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
}

// handleTile serves /tiles/{archiveId}/{z}/{x}/{y}.{ext}.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)

	status := http.StatusOK
	defer func() {
		s.metrics.IncTileRequests(status)
		s.metrics.ObserveTileDuration(time.Since(start))
	}()

	tile, err := domain.ParseTileCoord(vars["z"], vars["x"], vars["y"])
	if err != nil {
		status = http.StatusBadRequest
		s.writeError(w, status, err.Error())
		return
	}

	res, err := s.tiles.GetTile(r.Context(), vars["archiveId"], tile)
	if err != nil {
		status = s.handleTileError(w, vars["archiveId"], tile, err)
		return
	}

	format := res.Format
	if format == "" {
		format = vars["ext"]
	}
	contentType, ok := contentTypes[strings.ToLower(format)]
	if !ok {
		contentType = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	if enc := contentEncoding(res.Data); enc != "" {
		h.Set("Content-Encoding", enc)
	}
	h.Set("Cache-Control", s.cacheControl())
	h.Set("X-Archive-Id", res.ArchiveID)
	h.Set("Content-Length", fmt.Sprint(len(res.Data)))

	w.WriteHeader(status)
	_, _ = w.Write(res.Data)
	s.tilesServed.Add(1)
}

// handleTileError maps tile resolution errors to HTTP status codes.
func (s *Server) handleTileError(w http.ResponseWriter, archiveID string, tile domain.TileCoord, err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return http.StatusNotFound
	default:
		s.logger.Error("tile request failed", "archive", archiveID, "tile", tile.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "tile could not be read")
		return http.StatusInternalServerError
	}
}

// contentEncoding recognises compressed vector tiles by their magic bytes.
func contentEncoding(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	switch {
	case data[0] == 0x1f && data[1] == 0x8b:
		return "gzip"
	case data[0] == 0x78 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0:
		return "deflate"
	}
	return ""
}

func (s *Server) cacheControl() string {
	if s.config.CacheMaxAge <= 0 {
		return "no-cache"
	}
	return fmt.Sprintf("public, max-age=%d", int(s.config.CacheMaxAge.Seconds()))
}

// handleManifest serves the current manifest.
func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	manifest, err := s.tiles.Manifest()
	if err != nil {
		s.logger.Error("reading manifest failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "manifest unavailable")
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	s.writeJSON(w, http.StatusOK, manifest)
}

// handleStats returns the request counters.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Stats())
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":             boolToStatus(details.Healthy),
		"ready":              details.Ready,
		"archives_installed": details.ArchivesInstalled,
		"open_handles":       details.OpenHandles,
		"components":         details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
