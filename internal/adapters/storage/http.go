package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// HTTPStorage implements ObjectStorage for HTTP(S) downloads.
type HTTPStorage struct {
	client    *http.Client
	baseURL   string
	indexFile string
	username  string
	password  string
}

// HTTPConfig holds HTTP storage configuration.
type HTTPConfig struct {
	BaseURL   string
	IndexFile string // default: index.txt
	Timeout   time.Duration
	Username  string
	Password  string
}

// NewHTTPStorage creates a new HTTP storage adapter.
func NewHTTPStorage(cfg HTTPConfig) *HTTPStorage {
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.txt"
	}

	// Bundles are large; the timeout only bounds connection setup and
	// headers, the body is governed by the caller's context.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}

	return &HTTPStorage{
		client:    &http.Client{Transport: transport},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		indexFile: cfg.IndexFile,
		username:  cfg.Username,
		password:  cfg.Password,
	}
}

// List returns all pack bundles listed in the index file.
func (s *HTTPStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	resp, err := s.do(ctx, http.MethodGet, s.indexFile)
	if err != nil {
		return nil, fmt.Errorf("fetching index file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.TransferError{Key: s.indexFile, StatusCode: resp.StatusCode}
	}

	// Parse index file (one key per line)
	var objects []output.StorageObject
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !isBundle(line) {
			continue
		}

		objects = append(objects, output.StorageObject{
			Key: line,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading index file: %w", err)
	}

	return objects, nil
}

// GetReader starts a GET for the given key. Any non-2xx status is a
// TransferError.
func (s *HTTPStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := s.do(ctx, http.MethodGet, key)
	if err != nil {
		return nil, 0, &domain.TransferError{Key: key, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, 0, &domain.TransferError{Key: key, StatusCode: resp.StatusCode}
	}

	return resp.Body, resp.ContentLength, nil
}

// Exists checks if a file exists via HTTP HEAD request. Only 404 and 410
// mean absent; other failures are returned as errors.
func (s *HTTPStorage) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, key)
	if err != nil {
		return false, &domain.TransferError{Key: key, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusGone:
		return false, nil
	default:
		return false, &domain.TransferError{Key: key, StatusCode: resp.StatusCode}
	}
}

// URL resolves a key. Absolute URLs are used as-is.
func (s *HTTPStorage) URL(key string) string {
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key
	}
	return s.baseURL + "/" + strings.TrimPrefix(key, "/")
}

func (s *HTTPStorage) do(ctx context.Context, method, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.URL(key), nil)
	if err != nil {
		return nil, err
	}

	if s.username != "" && s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	return s.client.Do(req)
}
