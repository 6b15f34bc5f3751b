package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySetNX(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	won, err := m.SetNX(ctx, "lock", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m.SetNX(ctx, "lock", []byte("2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	v, ok, err := m.Get(ctx, "lock")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestMemorySetNXAfterExpiry(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	won, err := m.SetNX(ctx, "lock", []byte("1"), time.Second)
	require.NoError(t, err)
	require.True(t, won)

	now = now.Add(2 * time.Second)
	won, err = m.SetNX(ctx, "lock", []byte("2"), time.Second)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMemoryIncr(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	n, err := m.Incr(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Incr(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryDelPattern(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "cache:v1:GET:/v1/documents/list?tender_id=1", []byte("a"), 0))
	require.NoError(t, m.Set(ctx, "cache:v1:GET:/v1/documents/list?tender_id=2", []byte("b"), 0))
	require.NoError(t, m.Set(ctx, "cache:v1:GET:/v1/events", []byte("c"), 0))

	n, err := m.DelPattern(ctx, "cache:v1:GET:/v1/documents*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err := m.Get(ctx, "cache:v1:GET:/v1/events")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("abc"), 0))
	v, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	v[0] = 'z'

	again, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
