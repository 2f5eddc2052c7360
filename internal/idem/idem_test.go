package idem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreClaimOnce(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := s.Claim(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = s.Claim(ctx, "k2", time.Hour)
	assert.True(t, ok)

	now = now.Add(time.Hour)
	ok, _ = s.Claim(ctx, "k1", time.Hour)
	assert.True(t, ok, "claim expires after ttl")
}

func TestMemoryStoreZeroTTLNeverExpires(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ok, _ := s.Claim(context.Background(), "k", 0)
	assert.True(t, ok)
	now = now.Add(24 * time.Hour)
	ok, _ = s.Claim(context.Background(), "k", 0)
	assert.False(t, ok)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().Claim(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreReleaseAllowsReclaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, _ := s.Claim(ctx, "k", time.Hour)
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, "k"))

	ok, err := s.Claim(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Release(ctx, "never-claimed"))
}

// Requires a running Redis; skipped otherwise.
func TestRedisStore_Integration(t *testing.T) {
	s := NewRedisStore("localhost:6379", "", 0)
	t.Cleanup(func() { _ = s.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test-" + time.Now().Format(time.RFC3339Nano)
	ok, err := s.Claim(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, key))
	ok, err = s.Claim(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Release(ctx, key))
}
