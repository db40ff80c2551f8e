package gcs

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a FileStore backed by a map. It uses the same gs:// URI
// shape as the real bucket so paths stored on records look identical.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore that pretends to be bucket.
func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "local"
	}
	return &MemoryStore{bucket: bucket, objects: make(map[string][]byte)}
}

// Put implements FileStore.
func (m *MemoryStore) Put(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[objectName] = append([]byte(nil), data...)
	return fmt.Sprintf("gs://%s/%s", m.bucket, objectName), nil
}

// Get implements FileStore.
func (m *MemoryStore) Get(ctx context.Context, uri string) ([]byte, error) {
	_, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[object]
	if !ok {
		return nil, fmt.Errorf("Get %s: %w", uri, ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Delete implements FileStore.
func (m *MemoryStore) Delete(ctx context.Context, uri string) error {
	_, object, err := ParseURI(uri)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, object)
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ FileStore = (*MemoryStore)(nil)
