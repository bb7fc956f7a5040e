package workflow

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"
)

// AtomicCounter issues gap-free, strictly increasing sequence values per
// (tenant, scope, period), e.g. invoice numbers per billing period. Next
// returns the new value; Reserve advances by count and returns the first
// value of the reserved contiguous block.
type AtomicCounter interface {
	Next(ctx context.Context, tenantId, scope, period string) (int64, error)
	Reserve(ctx context.Context, tenantId, scope, period string, count int64) (int64, error)
}

// DBCounter is the durable implementation. The increment uses MySQL's
// LAST_INSERT_ID(expr) upsert so increment-and-return is a single atomic
// statement; the application never read-modify-writes the counter.
type DBCounter struct {
	DB *gorm.DB
}

func NewDBCounter(db *gorm.DB) *DBCounter {
	return &DBCounter{DB: db}
}

func (c *DBCounter) Next(ctx context.Context, tenantId, scope, period string) (int64, error) {
	return c.advance(ctx, tenantId, scope, period, 1)
}

func (c *DBCounter) Reserve(ctx context.Context, tenantId, scope, period string, count int64) (int64, error) {
	if count <= 0 {
		return 0, errors.New("reserve count must be positive")
	}
	last, err := c.advance(ctx, tenantId, scope, period, count)
	if err != nil {
		return 0, err
	}
	return last - count + 1, nil
}

func (c *DBCounter) advance(ctx context.Context, tenantId, scope, period string, count int64) (int64, error) {
	if tenantId == "" {
		return 0, errors.New("tenant id is required")
	}

	var last int64
	// LAST_INSERT_ID(expr) is connection-scoped, so the upsert and the
	// read-back must run on the same connection.
	err := c.DB.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec(`
			INSERT INTO sequence_counters (tenant_id, scope, period, current_value, created_at, updated_at)
			VALUES (?, ?, ?, LAST_INSERT_ID(?), NOW(), NOW())
			ON DUPLICATE KEY UPDATE current_value = LAST_INSERT_ID(current_value + ?), updated_at = NOW()
		`, tenantId, scope, period, count, count).Error; err != nil {
			return err
		}
		return conn.Raw("SELECT LAST_INSERT_ID()").Scan(&last).Error
	})
	if err != nil {
		return 0, err
	}
	return last, nil
}

// MemoryCounter backs unit tests. Same contract, no durability.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: map[string]int64{}}
}

func counterKey(tenantId, scope, period string) string {
	return tenantId + "|" + scope + "|" + period
}

func (c *MemoryCounter) Next(ctx context.Context, tenantId, scope, period string) (int64, error) {
	return c.advance(tenantId, scope, period, 1)
}

func (c *MemoryCounter) Reserve(ctx context.Context, tenantId, scope, period string, count int64) (int64, error) {
	if count <= 0 {
		return 0, errors.New("reserve count must be positive")
	}
	last, err := c.advance(tenantId, scope, period, count)
	if err != nil {
		return 0, err
	}
	return last - count + 1, nil
}

func (c *MemoryCounter) advance(tenantId, scope, period string, count int64) (int64, error) {
	if tenantId == "" {
		return 0, errors.New("tenant id is required")
	}
	key := counterKey(tenantId, scope, period)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] += count
	return c.values[key], nil
}
