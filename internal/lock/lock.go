// Package lock provides per-key pessimistic locks with bounded acquisition.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"
)

// Locker acquires a set of keys as one unit. Implementations acquire keys in
// sorted order so two callers with overlapping key sets cannot deadlock.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// OrderKey is the lock key of an order
func OrderKey(orderID string) string {
	return "order:" + orderID
}

// ProductKey is the lock key of a product's inventory
func ProductKey(productID string) string {
	return "product:" + productID
}

// Normalize sorts keys and drops duplicates and empty strings
func Normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TimeoutError converts a wait that ran out into ErrLockTimeout. Cancellation
// by the caller is returned as is.
func TimeoutError(parent context.Context, key string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		util.LockTimeoutsTotal.Inc()
		return fmt.Errorf("%w: %s", models.ErrLockTimeout, key)
	}
	return err
}

type slot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process Locker. A key is a one-slot channel.
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

// NewLocalLocker creates an in-process locker that waits at most timeout for the whole key set
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{
		slots:   make(map[string]*slot),
		timeout: timeout,
	}
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Acquire locks every key or none of them
func (l *LocalLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = Normalize(keys)
	start := time.Now()
	defer func() {
		util.LockWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	held := make([]string, 0, len(keys))
	heldSlots := make([]*slot, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-heldSlots[i].ch
			l.unref(held[i], heldSlots[i])
		}
	}

	for _, key := range keys {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
			heldSlots = append(heldSlots, s)
		case <-waitCtx.Done():
			l.unref(key, s)
			release()
			return nil, TimeoutError(ctx, key, waitCtx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
