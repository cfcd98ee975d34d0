package redisclient

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb, time.Minute), mr
}

func TestCacheInventory_RoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	rec := &models.InventoryRecord{ProductID: "p1", AvailableCount: 7, ReservedCount: 3, UpdatedAt: time.Now()}
	require.NoError(t, c.CacheInventory(ctx, rec))

	available, reserved, err := c.GetInventory(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, available)
	assert.Equal(t, 3, reserved)
}

func TestCacheInventory_IgnoresStaleSnapshot(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, c.CacheInventory(ctx, &models.InventoryRecord{ProductID: "p1", AvailableCount: 2, UpdatedAt: now}))
	require.NoError(t, c.CacheInventory(ctx, &models.InventoryRecord{ProductID: "p1", AvailableCount: 9, UpdatedAt: now.Add(-time.Second)}))

	available, _, err := c.GetInventory(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, available)
}

func TestGetInventory_Miss(t *testing.T) {
	c, _ := newTestClient(t)

	_, _, err := c.GetInventory(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestInvalidateInventory(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.CacheInventory(ctx, &models.InventoryRecord{ProductID: "p1", AvailableCount: 2, UpdatedAt: time.Now()}))
	require.NoError(t, c.InvalidateInventory(ctx, "p1"))

	_, _, err := c.GetInventory(ctx, "p1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLocker_AcquireAndRelease(t *testing.T) {
	c, mr := newTestClient(t)
	l := NewLocker(c, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, lock.ProductKey("b"), lock.OrderKey("o1"), lock.ProductKey("a"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:order:o1"))
	assert.True(t, mr.Exists("lock:product:a"))
	assert.True(t, mr.Exists("lock:product:b"))

	release()
	release()
	assert.False(t, mr.Exists("lock:order:o1"))
	assert.False(t, mr.Exists("lock:product:a"))
	assert.False(t, mr.Exists("lock:product:b"))
}

func TestLocker_TimesOutWhileHeld(t *testing.T) {
	c, mr := newTestClient(t)
	l := NewLocker(c, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, lock.ProductKey("b"))
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(ctx, lock.ProductKey("b"), lock.ProductKey("a"))
	assert.ErrorIs(t, err, models.ErrLockTimeout)
	// the key taken before the timeout was given back
	assert.False(t, mr.Exists("lock:product:a"))
}

func TestLocker_ReleaseDoesNotStealForeignLock(t *testing.T) {
	c, mr := newTestClient(t)
	l := NewLocker(c, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, lock.OrderKey("o1"))
	require.NoError(t, err)

	// simulate expiry and takeover by another holder
	require.NoError(t, mr.Set("lock:order:o1", "someone-else"))
	release()

	got, err := mr.Get("lock:order:o1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
