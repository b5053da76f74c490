package cache

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is the in-process Cache used by the memory store profile
// and in tests. Expired entries are dropped lazily on access.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]entry), now: time.Now}
}

func (c *MemoryCache) Ping(ctx context.Context) error { return ctx.Err() }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: c.deadline(ttl)}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) SetJobSnapshot(ctx context.Context, snap models.JobSnapshot, ttl time.Duration) error {
	return setSnapshot(ctx, c, snap, ttl)
}

func (c *MemoryCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*models.JobSnapshot, bool, error) {
	return getSnapshot(ctx, c, jobID)
}

func (c *MemoryCache) InvalidateJob(ctx context.Context, jobID uuid.UUID) error {
	return c.Delete(ctx, JobSnapshotKey(jobID))
}

func (c *MemoryCache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.entries[key] = entry{value: []byte("1"), expiresAt: c.deadline(ttl)}
	return true, nil
}

// IncrWithExpiry counts within a fixed window: the expiry is set by the
// first increment only, as in RedisCache.
func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	deadline := c.deadline(expiry)
	if e, ok := c.lookup(key); ok && len(e.value) == 8 {
		n = int64(binary.BigEndian.Uint64(e.value))
		deadline = e.expiresAt
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	c.entries[key] = entry{value: buf, expiresAt: deadline}
	return n, nil
}

func (c *MemoryCache) lookup(key string) (entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

func (c *MemoryCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
