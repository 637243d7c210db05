package repository

import (
	"context"
	"errors"
	"fmt"

	domrepo "PolyPulse/internal/domain/repository"
	"PolyPulse/pkg/cache"
)

// CacheStore persists feedback state through the shared cache service, which
// is Redis-backed in production and an in-process map otherwise.
type CacheStore struct {
	c cache.Service
}

func NewCacheStore(c cache.Service) *CacheStore {
	return &CacheStore{c: c}
}

var _ domrepo.KVStore = (*CacheStore)(nil)

func (s *CacheStore) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := s.c.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, domrepo.ErrNotFound
		}
		return nil, fmt.Errorf("cache load %s: %w", key, err)
	}
	return []byte(v), nil
}

// Save writes without expiry; the tracker purges by age itself.
func (s *CacheStore) Save(ctx context.Context, key string, value []byte) error {
	if err := s.c.Set(ctx, key, string(value), 0); err != nil {
		return fmt.Errorf("cache save %s: %w", key, err)
	}
	return nil
}

func (s *CacheStore) Close() error { return nil }
