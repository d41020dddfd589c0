// Package memory provides an in-memory implementation of the storage interface.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/contextd/contextd/pkg/storage"
)

// MemoryStorage implements the Storage interface using in-memory maps.
type MemoryStorage struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte // namespace -> key -> value
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		docs: make(map[string]map[string][]byte),
	}
}

// Get retrieves a document.
func (m *MemoryStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.docs[namespace][key]
	if !ok {
		return nil, &storage.NotFoundError{Namespace: namespace, Key: key}
	}

	// Copy to avoid external modifications
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a document.
func (m *MemoryStorage) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.docs[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.docs[namespace] = ns
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = stored
	return nil
}

// Delete removes a document.
func (m *MemoryStorage) Delete(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs[namespace], key)
	return nil
}

// List returns sorted keys with the given prefix.
func (m *MemoryStorage) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.docs[namespace]))
	for k := range m.docs[namespace] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}
