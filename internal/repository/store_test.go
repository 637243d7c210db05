package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domrepo "PolyPulse/internal/domain/repository"
	"PolyPulse/pkg/cache"
)

func exerciseKVStore(t *testing.T, s domrepo.KVStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "feedback")
	assert.ErrorIs(t, err, domrepo.ErrNotFound)

	require.NoError(t, s.Save(ctx, "feedback", []byte(`{"records":[]}`)))
	got, err := s.Load(ctx, "feedback")
	require.NoError(t, err)
	assert.Equal(t, `{"records":[]}`, string(got))

	require.NoError(t, s.Save(ctx, "feedback", []byte(`{"records":[1]}`)))
	got, err = s.Load(ctx, "feedback")
	require.NoError(t, err)
	assert.Equal(t, `{"records":[1]}`, string(got), "save overwrites")

	_, err = s.Load(ctx, "other")
	assert.ErrorIs(t, err, domrepo.ErrNotFound)
}

func TestCacheStore(t *testing.T) {
	exerciseKVStore(t, NewCacheStore(cache.NewMemoryCache()))
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	exerciseKVStore(t, s)
}
