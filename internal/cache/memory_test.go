package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryCache() (*MemoryCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache()
	c.now = clock.now
	return c, clock
}

func TestMemoryCache_SetGetExpiry(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	clock.advance(time.Second)
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_ZeroTTLNeverExpires(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	clock.advance(24 * time.Hour)
	_, found, _ := c.Get(ctx, "k")
	assert.True(t, found)
}

func TestMemoryCache_JobSnapshot(t *testing.T) {
	c, _ := newTestMemoryCache()
	ctx := context.Background()
	snap := models.JobSnapshot{ID: uuid.New(), Status: models.JobStatusCompleted, TotalSubmissions: 2, ProcessedSubmissions: 2, Progress: 1}

	require.NoError(t, c.SetJobSnapshot(ctx, snap, time.Minute))
	got, found, err := c.GetJobSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap.Status, got.Status)
	assert.Equal(t, 2, got.ProcessedSubmissions)

	require.NoError(t, c.InvalidateJob(ctx, snap.ID))
	_, found, err = c.GetJobSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_ClaimIsExclusive(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()
	key := TaskClaimKey(uuid.New(), 0, "mock", "m1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Claim(ctx, key, time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	// An expired claim can be taken again.
	clock.advance(time.Minute)
	ok, err := c.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCache_IncrWithExpiry(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := c.IncrWithExpiry(ctx, "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	clock.advance(time.Minute)
	n, err := c.IncrWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCache_IncrWindowIsFixed(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	_, err := c.IncrWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)
	clock.advance(40 * time.Second)
	n, err := c.IncrWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Later increments do not extend the first window.
	clock.advance(20 * time.Second)
	n, err = c.IncrWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
