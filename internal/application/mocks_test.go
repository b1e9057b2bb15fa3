package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// mockCatalog implements output.Catalog for testing.
type mockCatalog struct {
	mu        sync.Mutex
	regions   map[string]domain.Region
	regionErr map[string]error
	forgotten []string
}

func newMockCatalog(regions ...domain.Region) *mockCatalog {
	c := &mockCatalog{regions: make(map[string]domain.Region), regionErr: make(map[string]error)}
	for _, r := range regions {
		c.regions[r.ID] = r
	}
	return c
}

func (c *mockCatalog) Region(_ context.Context, id string) (*domain.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.regionErr[id]; err != nil {
		return nil, err
	}
	r, ok := c.regions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRegionNotFound)
	}
	r.Packs = append([]domain.DownloadPack(nil), r.Packs...)
	return &r, nil
}

func (c *mockCatalog) Regions(_ context.Context) ([]domain.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Region, 0, len(c.regions))
	for _, r := range c.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *mockCatalog) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, id)
}

// mockStorage implements output.ObjectStorage for testing. Objects are
// served from memory.
type mockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	status  map[string]int   // key -> HTTP status to fail with
	failAt  map[string]int64 // key -> offset at which reads fail
	gate    chan struct{}    // when set, reads past the first block until closed
	gets    int
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		objects: make(map[string][]byte),
		status:  make(map[string]int),
		failAt:  make(map[string]int64),
	}
}

func (s *mockStorage) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *mockStorage) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *mockStorage) List(_ context.Context) ([]output.StorageObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var objs []output.StorageObject
	for k, v := range s.objects {
		objs = append(objs, output.StorageObject{Key: k, Size: int64(len(v))})
	}
	return objs, nil
}

func (s *mockStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++
	if code := s.status[key]; code != 0 {
		return nil, 0, &domain.TransferError{Key: key, StatusCode: code}
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, 0, &domain.StorageError{Operation: "get", Key: key, Err: domain.ErrNotFound}
	}

	failAt := int64(-1)
	if off, ok := s.failAt[key]; ok {
		failAt = off
	}
	return &mockReader{ctx: ctx, r: bytes.NewReader(data), failAt: failAt, gate: s.gate}, int64(len(data)), nil
}

func (s *mockStorage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code := s.status[key]; code != 0 {
		return false, &domain.TransferError{Key: key, StatusCode: code}
	}
	_, ok := s.objects[key]
	return ok, nil
}

var errConnectionReset = errors.New("connection reset by peer")

type mockReader struct {
	ctx    context.Context
	r      *bytes.Reader
	pos    int64
	failAt int64
	gate   chan struct{}
}

func (m *mockReader) Read(p []byte) (int, error) {
	if m.gate != nil && m.pos > 0 {
		select {
		case <-m.gate:
		case <-m.ctx.Done():
			return 0, m.ctx.Err()
		}
	}

	if m.failAt >= 0 {
		if m.pos >= m.failAt {
			return 0, errConnectionReset
		}
		if rest := m.failAt - m.pos; int64(len(p)) > rest {
			p = p[:rest]
		}
	}

	n, err := m.r.Read(p)
	m.pos += int64(n)
	return n, err
}

func (m *mockReader) Close() error {
	return nil
}

// recordingListener implements output.ArchiveListener and records the
// order of events.
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) ArchivesChanged(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.events = append(l.events, "changed:"+id)
	}
}

func (l *recordingListener) ManifestUpdated() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "manifest")
}

func (l *recordingListener) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}
