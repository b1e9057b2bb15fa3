package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jobrunner/chartpacks/internal/domain"
)

func newTestHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/index.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# bundles\nr1_US4.zip\n\nreadme.txt\ngnis.zip\n")
	})
	mux.HandleFunc("/packs/r1_US4.zip", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "bundle-bytes")
	})
	mux.HandleFunc("/broken.zip", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStorageList(t *testing.T) {
	srv := newTestHTTPServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL + "/"})

	objects, err := storage.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if len(objects) != 2 {
		t.Fatalf("len(objects) = %d, want 2", len(objects))
	}
	if objects[0].Key != "r1_US4.zip" || objects[1].Key != "gnis.zip" {
		t.Errorf("objects = %+v", objects)
	}
}

func TestHTTPStorageGetReader(t *testing.T) {
	srv := newTestHTTPServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL, Username: "u", Password: "p"})

	reader, size, err := storage.GetReader(context.Background(), "packs/r1_US4.zip")
	if err != nil {
		t.Fatalf("GetReader() error = %v", err)
	}
	defer func() { _ = reader.Close() }()

	data, _ := io.ReadAll(reader)
	if string(data) != "bundle-bytes" {
		t.Errorf("content = %q", data)
	}
	if size != int64(len("bundle-bytes")) {
		t.Errorf("size = %d, want %d", size, len("bundle-bytes"))
	}
}

func TestHTTPStorageGetReaderStatus(t *testing.T) {
	srv := newTestHTTPServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL})

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"unavailable", "broken.zip", http.StatusServiceUnavailable},
		{"missing", "missing.zip", http.StatusNotFound},
		{"unauthorized", "packs/r1_US4.zip", http.StatusUnauthorized},
		{"absolute url", srv.URL + "/broken.zip", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := storage.GetReader(context.Background(), tt.key)

			var tErr *domain.TransferError
			if !errors.As(err, &tErr) {
				t.Fatalf("error = %v, want TransferError", err)
			}
			if tErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", tErr.StatusCode, tt.status)
			}
			if !errors.Is(err, domain.ErrUnavailable) {
				t.Error("status errors should wrap ErrUnavailable")
			}
		})
	}
}

func TestHTTPStorageExists(t *testing.T) {
	srv := newTestHTTPServer(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL})

	tests := []struct {
		name    string
		key     string
		want    bool
		wantErr bool
	}{
		{"present", "index.txt", true, false},
		{"missing", "missing.zip", false, false},
		{"server error", "broken.zip", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := storage.Exists(context.Background(), tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Exists() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.want {
				t.Errorf("Exists() = %v, want %v", ok, tt.want)
			}
			var terr *domain.TransferError
			if tt.wantErr && (!errors.As(err, &terr) || terr.StatusCode != http.StatusServiceUnavailable) {
				t.Errorf("error = %v, want TransferError with status 503", err)
			}
		})
	}
}

func TestHTTPStorageURL(t *testing.T) {
	storage := NewHTTPStorage(HTTPConfig{BaseURL: "https://packs.example.org/v1/"})

	tests := []struct {
		key  string
		want string
	}{
		{"r1_US4.zip", "https://packs.example.org/v1/r1_US4.zip"},
		{"/r1_US4.zip", "https://packs.example.org/v1/r1_US4.zip"},
		{"https://cdn.example.org/x.zip", "https://cdn.example.org/x.zip"},
	}

	for _, tt := range tests {
		if got := storage.URL(tt.key); got != tt.want {
			t.Errorf("URL(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
