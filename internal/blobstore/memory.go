package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cuongbtq/dataset-export/internal/domain"
)

// MemoryBucket is an in-memory Bucket for tests
type MemoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	reads   int
	// FailUploads makes every upload fail without storing anything
	FailUploads bool
}

// NewMemoryBucket creates an empty MemoryBucket
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{objects: make(map[string][]byte)}
}

// Put stores data under name
func (m *MemoryBucket) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = bytes.Clone(data)
}

// Names returns the stored object names in order
func (m *MemoryBucket) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reads returns how many times an object was opened
func (m *MemoryBucket) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *MemoryBucket) EnsureBucket(_ context.Context) error {
	return nil
}

func (m *MemoryBucket) Upload(_ context.Context, name string, r io.Reader, _ int64) error {
	if m.FailUploads {
		return domain.Internal(fmt.Errorf("failed to upload %s: injected failure", name))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.Internal(fmt.Errorf("failed to upload %s: %w", name, err))
	}
	m.Put(name, data)
	return nil
}

func (m *MemoryBucket) UploadFile(ctx context.Context, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Internal(fmt.Errorf("failed to open %s: %w", path, err))
	}
	defer f.Close()
	return m.Upload(ctx, name, f, -1)
}

func (m *MemoryBucket) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	data, err := m.GetBytes(ctx, name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBucket) GetBytes(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	data, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: object %s not found", domain.ErrNotFound, name)
	}
	return bytes.Clone(data), nil
}

func (m *MemoryBucket) Exists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[name]
	return ok, nil
}
