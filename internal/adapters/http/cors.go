package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"net/http"
	"strings"
)

// corsMiddleware adds CORS headers for renderers hosted in a webview, whose
// origin differs from the loopback tile server.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.isOriginAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Accept, Accept-Encoding, If-None-Match")
			h.Set("Access-Control-Expose-Headers", "X-Archive-Id, Content-Encoding")
			h.Set("Access-Control-Max-Age", "86400") // 24 hours
			h.Add("Vary", "Origin")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks if the given origin matches any allowed pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, pattern := range s.config.CORS.AllowedOrigins {
		if matchOrigin(origin, pattern) {
			return true
		}
	}
	return false
}

// matchOrigin checks if an origin matches a pattern. Patterns are exact
// origins (including custom schemes such as "app://renderer" and the opaque
// "null" origin of file-backed webviews), "*" for any origin, or host
// wildcards like "*.local.test".
func matchOrigin(origin, pattern string) bool {
	if origin == "" || pattern == "" {
		return false
	}
	if pattern == "*" || origin == pattern {
		return true
	}

	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		host := extractHost(origin)

		// "*.local.test" matches "app.local.test" but not "local.test".
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}

	return false
}

// extractHost extracts the host from an origin URL.
// Example: "http://tiles.local.test:8080" returns "tiles.local.test".
func extractHost(origin string) string {
	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, ":/"); idx != -1 {
		host = host[:idx]
	}
	return host
}
