package objectstore

import (
	"context"
	"io"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MemoryStore keeps objects in memory. It stands in for a bucket in tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, sha256 string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = data
	m.puts++

	return nil
}

// Keys returns the keys of all stored objects, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := maps.Keys(m.objects)
	slices.Sort(keys)
	return keys
}

// Puts returns how often Put was called.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.puts
}
