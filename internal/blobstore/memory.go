package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// KeyFunc derives the storage key for a payload.
type KeyFunc func(data []byte, digest string) string

// ContentKey addresses blobs by digest, so identical bytes share a key.
func ContentKey(data []byte, digest string) string {
	return imageKey(data, digest)
}

// RandomKey gives every Put its own key, used for per-request probes.
func RandomKey(_ []byte, _ string) string {
	return "probe/" + uuid.NewString()
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	key   KeyFunc
}

// NewMemoryStore returns an empty store; a nil keyFn means ContentKey.
func NewMemoryStore(keyFn KeyFunc) *MemoryStore {
	if keyFn == nil {
		keyFn = ContentKey
	}
	return &MemoryStore{blobs: make(map[string][]byte), key: keyFn}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	digest := Digest(data)
	key := m.key(data, digest)

	m.mu.Lock()
	if _, ok := m.blobs[key]; !ok {
		m.blobs[key] = append([]byte(nil), data...)
	}
	m.mu.Unlock()
	return PutResult{Key: key, SHA256: digest, SizeBytes: int64(len(data))}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.blobs[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.blobs, key)
	m.mu.Unlock()
	return nil
}

// Len reports how many blobs are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Has reports whether key is stored.
func (m *MemoryStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok
}
