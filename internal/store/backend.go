package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound indicates no blob is stored for a key.
var ErrNotFound = errors.New("record store: not found")

// Backend is a key-value blob store keyed by device id.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
}

// MemoryBackend keeps blobs in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend constructs a MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	blob, ok := b.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, key string, blob []byte) error {
	b.mu.Lock()
	b.blobs[key] = append([]byte(nil), blob...)
	b.mu.Unlock()
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.blobs, key)
	b.mu.Unlock()
	return nil
}

// DeleteAll implements Backend.
func (b *MemoryBackend) DeleteAll(_ context.Context) error {
	b.mu.Lock()
	b.blobs = make(map[string][]byte)
	b.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
