package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
)

// Service is a string-valued key cache. Callers own the encoding of what they
// store; GetJSON and SetJSON cover the structured case.
type Service interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key; a non-positive ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPattern removes every key matching a Redis-style glob.
	DeleteByPattern(ctx context.Context, pattern string) error
	Close() error
}

// GetJSON reads key and decodes it into dest.
func GetJSON(ctx context.Context, s Service, key string, dest interface{}) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Service, key string, v interface{}, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(b), ttl)
}
