package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jobrunner/chartpacks/internal/config"
)

func TestExtractHost(t *testing.T) {
	tests := []struct {
		origin   string
		expected string
	}{
		{"http://localhost:3000", "localhost"},
		{"https://charts.local.test", "charts.local.test"},
		{"https://charts.local.test:8443/path", "charts.local.test"},
		{"app://renderer", "renderer"},
		{"http://127.0.0.1:5173", "127.0.0.1"},
		{"charts.local.test", "charts.local.test"},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := extractHost(tt.origin); got != tt.expected {
				t.Errorf("extractHost(%q) = %q; want %q", tt.origin, got, tt.expected)
			}
		})
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		name     string
		origin   string
		pattern  string
		expected bool
	}{
		{"exact custom scheme", "app://renderer", "app://renderer", true},
		{"exact with port", "http://localhost:3000", "http://localhost:3000", true},
		{"different port", "http://localhost:3000", "http://localhost:4000", false},
		{"different scheme", "http://renderer", "app://renderer", false},
		{"opaque null origin", "null", "null", true},
		{"any origin", "https://anything.test", "*", true},
		{"wildcard subdomain", "https://app.local.test", "*.local.test", true},
		{"wildcard deep subdomain", "https://a.b.local.test", "*.local.test", true},
		{"wildcard excludes root", "https://local.test", "*.local.test", false},
		{"wildcard excludes partial", "https://notlocal.test", "*.local.test", false},
		{"empty origin", "", "*", false},
		{"empty pattern", "app://renderer", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOrigin(tt.origin, tt.pattern); got != tt.expected {
				t.Errorf("matchOrigin(%q, %q) = %v; want %v", tt.origin, tt.pattern, got, tt.expected)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		allowed       []string
		origin        string
		method        string
		wantStatus    int
		wantAllowedAs string
	}{
		{"allowed GET", []string{"app://renderer"}, "app://renderer", http.MethodGet, http.StatusOK, "app://renderer"},
		{"allowed preflight", []string{"app://renderer"}, "app://renderer", http.MethodOptions, http.StatusNoContent, "app://renderer"},
		{"wildcard", []string{"*.local.test"}, "https://map.local.test", http.MethodGet, http.StatusOK, "https://map.local.test"},
		{"rejected origin", []string{"app://renderer"}, "https://evil.test", http.MethodGet, http.StatusOK, ""},
		{"no origin", []string{"app://renderer"}, "", http.MethodGet, http.StatusOK, ""},
		{"rejected preflight still short-circuits", []string{"app://renderer"}, "https://evil.test", http.MethodOptions, http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: config.ServerConfig{CORS: config.CORSConfig{AllowedOrigins: tt.allowed}}}
			next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(tt.method, "/tiles/charts/0/0/0.pbf", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			s.corsMiddleware(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d; want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllowedAs {
				t.Errorf("Access-Control-Allow-Origin = %q; want %q", got, tt.wantAllowedAs)
			}
			if tt.wantAllowedAs == "" {
				return
			}
			if got := rr.Header().Get("Access-Control-Expose-Headers"); got != "X-Archive-Id, Content-Encoding" {
				t.Errorf("Access-Control-Expose-Headers = %q", got)
			}
			if got := rr.Header().Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q; want Origin", got)
			}
		})
	}
}
