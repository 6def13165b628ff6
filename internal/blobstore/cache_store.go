package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/face-gallery/internal/cache"
)

const probeKeyPrefix = "probe:"

// CacheStore keeps short-lived probe images in a cache.Cache (Redis in
// production). Every Put gets a fresh key and expires after ttl even if the
// owning request never deletes it.
type CacheStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCacheStore wraps c with the given expiry.
func NewCacheStore(c cache.Cache, ttl time.Duration) *CacheStore {
	return &CacheStore{cache: c, ttl: ttl}
}

func (s *CacheStore) Put(ctx context.Context, data []byte) (PutResult, error) {
	key := probeKeyPrefix + uuid.NewString()
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		return PutResult{}, fmt.Errorf("store probe: %w", err)
	}
	return PutResult{Key: key, SHA256: Digest(data), SizeBytes: int64(len(data))}, nil
}

func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load probe: %w", err)
	}
	return data, nil
}

func (s *CacheStore) Delete(ctx context.Context, key string) error {
	if err := s.cache.Del(ctx, key); err != nil {
		return fmt.Errorf("delete probe: %w", err)
	}
	return nil
}
