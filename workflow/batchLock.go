package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// BatchLock is the mutual-exclusion guard for batch-mutation windows
// (e.g. one push run per tenant at a time). TryAcquire is a single
// non-blocking attempt; Release is idempotent and safe on every exit path.
// Locks are never used for reads.
type BatchLock interface {
	TryAcquire(ctx context.Context, tenantId, scope string) (bool, error)
	Release(ctx context.Context, tenantId, scope string) error
}

func batchLockKey(tenantId, scope string) string {
	return fmt.Sprintf("batchlock:%s:%s", scope, tenantId)
}

// RedisBatchLock serializes batch operations across instances using Redis
// leases. The TTL bounds how long a crashed holder can block others.
type RedisBatchLock struct {
	Locker *redislock.Client
	TTL    time.Duration

	mu   sync.Mutex
	held map[string]*redislock.Lock
}

func NewRedisBatchLock(locker *redislock.Client) *RedisBatchLock {
	return &RedisBatchLock{
		Locker: locker,
		TTL:    5 * time.Minute,
		held:   map[string]*redislock.Lock{},
	}
}

func (l *RedisBatchLock) TryAcquire(ctx context.Context, tenantId, scope string) (bool, error) {
	key := batchLockKey(tenantId, scope)

	// nil options = no retry strategy: a held lock fails fast with ErrNotObtained.
	lock, err := l.Locker.Obtain(ctx, key, l.TTL, nil)
	if err == redislock.ErrNotObtained {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	l.held[key] = lock
	l.mu.Unlock()
	return true, nil
}

func (l *RedisBatchLock) Release(ctx context.Context, tenantId, scope string) error {
	key := batchLockKey(tenantId, scope)

	l.mu.Lock()
	lock := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if lock == nil {
		// Never held here (or already released). Idempotent no-op.
		return nil
	}
	if err := lock.Release(ctx); err != nil && err != redislock.ErrLockNotHeld {
		return err
	}
	return nil
}

// MemoryBatchLock is the in-process implementation used by unit tests and
// single-instance deployments.
type MemoryBatchLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryBatchLock() *MemoryBatchLock {
	return &MemoryBatchLock{held: map[string]bool{}}
}

func (l *MemoryBatchLock) TryAcquire(ctx context.Context, tenantId, scope string) (bool, error) {
	key := batchLockKey(tenantId, scope)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *MemoryBatchLock) Release(ctx context.Context, tenantId, scope string) error {
	key := batchLockKey(tenantId, scope)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

// WithBatchLock runs fn under the (tenant, scope) lock, releasing on every
// exit path including panics. It returns (false, nil) untouched when the lock
// is held elsewhere so the caller can decide to abort or retry.
func WithBatchLock(ctx context.Context, lock BatchLock, tenantId, scope string, fn func() error) (bool, error) {
	ok, err := lock.TryAcquire(ctx, tenantId, scope)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_ = lock.Release(ctx, tenantId, scope)
	}()
	return true, fn()
}
