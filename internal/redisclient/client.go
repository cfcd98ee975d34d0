package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/cache_inventory.lua
var cacheInventoryScript string

// ErrCacheMiss is returned when a product has no cached availability
var ErrCacheMiss = errors.New("inventory cache miss")

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	cacheScript   *redis.Script
	cacheTTL      time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, cacheTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb, cacheTTL), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb *redis.Client, cacheTTL time.Duration) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		cacheScript:   redis.NewScript(cacheInventoryScript),
		cacheTTL:      cacheTTL,
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID string) string {
	return "inventory:" + productID
}

// CacheInventory stores a committed inventory snapshot. Older snapshots never overwrite newer ones.
func (c *Client) CacheInventory(ctx context.Context, rec *models.InventoryRecord) error {
	version := rec.UpdatedAt.UnixNano()
	ttl := int64(c.cacheTTL / time.Second)
	if ttl <= 0 {
		ttl = 1
	}

	_, err := c.cacheScript.Run(ctx, c.rdb, []string{inventoryKey(rec.ProductID)},
		rec.AvailableCount, rec.ReservedCount, version, ttl).Result()
	if err != nil {
		return fmt.Errorf("cache inventory script failed: %w", err)
	}
	return nil
}

// GetInventory retrieves cached inventory counts
func (c *Client) GetInventory(ctx context.Context, productID string) (available, reserved int, err error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(productID)).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(result) == 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrCacheMiss, productID)
	}

	available, err = strconv.Atoi(result["available"])
	if err != nil {
		return 0, 0, fmt.Errorf("corrupt cached available count for %s: %w", productID, err)
	}
	reserved, err = strconv.Atoi(result["reserved"])
	if err != nil {
		return 0, 0, fmt.Errorf("corrupt cached reserved count for %s: %w", productID, err)
	}
	return available, reserved, nil
}

// InvalidateInventory drops a cached snapshot
func (c *Client) InvalidateInventory(ctx context.Context, productID string) error {
	return c.rdb.Del(ctx, inventoryKey(productID)).Err()
}

// Locker is a distributed lock.Locker on SET NX PX with token-checked release
type Locker struct {
	client  *Client
	ttl     time.Duration
	timeout time.Duration
	retry   time.Duration
	logger  *zap.Logger
}

// NewLocker creates a distributed locker. ttl bounds how long a crashed holder blocks a key.
func NewLocker(client *Client, ttl, timeout time.Duration) *Locker {
	return &Locker{
		client:  client,
		ttl:     ttl,
		timeout: timeout,
		retry:   10 * time.Millisecond,
		logger:  util.GetLogger(),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire locks every key or none of them
func (l *Locker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = lock.Normalize(keys)
	start := time.Now()
	defer func() {
		util.LockWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	token := uuid.New().String()
	held := make([]string, 0, len(keys))
	release := func() {
		// release must work even when the caller's context is already done
		relCtx, relCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer relCancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := l.client.releaseScript.Run(relCtx, l.client.rdb, []string{lockKey(held[i])}, token).Err(); err != nil {
				l.logger.Error("Failed to release lock",
					zap.String("key", held[i]),
					zap.Error(err))
			}
		}
		held = held[:0]
	}

	for _, key := range keys {
		if err := l.acquireOne(waitCtx, key, token); err != nil {
			release()
			return nil, lock.TimeoutError(ctx, key, err)
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *Locker) acquireOne(ctx context.Context, key, token string) error {
	backoff := l.retry
	for {
		ok, err := l.client.rdb.SetNX(ctx, lockKey(key), token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

var _ lock.Locker = (*Locker)(nil)
