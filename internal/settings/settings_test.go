package settings

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSource struct {
	inner Source
	calls atomic.Int32
	err   error
}

func (s *countingSource) LoadSettings(ctx context.Context) (map[string]any, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.LoadSettings(ctx)
}

func TestStoreLazyLoad(t *testing.T) {
	src := &countingSource{inner: NewStaticSource(map[string]any{"enabled": true})}
	store := NewStore(zap.NewNop(), src)
	ctx := context.Background()

	assert.Equal(t, int32(0), src.calls.Load(), "nothing loaded before first read")

	v, err := store.Bool(ctx, "enabled", false)
	require.NoError(t, err)
	assert.True(t, v)
	assert.Equal(t, int32(1), src.calls.Load())

	// Subsequent reads are served from cache
	_, err = store.Bool(ctx, "enabled", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestStoreBoolDefaults(t *testing.T) {
	store := NewStore(zap.NewNop(), NewStaticSource(map[string]any{
		"not_a_bool": "yes",
	}))
	ctx := context.Background()

	v, err := store.Bool(ctx, "missing", true)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = store.Bool(ctx, "not_a_bool", false)
	require.NoError(t, err)
	assert.False(t, v, "non-boolean values fall back to the default")
}

func TestStoreRefreshPicksUpChanges(t *testing.T) {
	src := NewStaticSource(map[string]any{"enabled": true})
	store := NewStore(zap.NewNop(), src)
	ctx := context.Background()

	v, err := store.Bool(ctx, "enabled", false)
	require.NoError(t, err)
	require.True(t, v)

	src.Set("enabled", false)

	// Stale until an explicit refresh
	v, err = store.Bool(ctx, "enabled", false)
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, store.Refresh(ctx))

	v, err = store.Bool(ctx, "enabled", true)
	require.NoError(t, err)
	assert.False(t, v)
}

func TestStoreLoadErrorReturnsDefault(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	store := NewStore(zap.NewNop(), src)

	v, err := store.Bool(context.Background(), "enabled", true)
	assert.Error(t, err)
	assert.True(t, v, "default is returned alongside the error")
}
