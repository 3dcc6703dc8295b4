package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// slowThreshold marks a dependency degraded when it answers but takes
// this long.
const slowThreshold = 100 * time.Millisecond

// Pinger is the probe surface the object store exposes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker verifies Postgres connectivity and watches the
// connection pool.
type DatabaseChecker struct {
	db *sql.DB
}

// NewDatabaseChecker wraps the raw database handle.
func NewDatabaseChecker(db *sql.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (d *DatabaseChecker) Name() string     { return "database" }
func (d *DatabaseChecker) IsCritical() bool { return true }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := d.db.PingContext(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "database ping failed",
			Error:   err.Error(),
		}
	}

	latency := time.Since(start)
	stats := d.db.Stats()
	result := CheckResult{
		Status:  StatusHealthy,
		Message: "database healthy",
		Details: map[string]interface{}{
			"latency_ms":       latency.Milliseconds(),
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		},
	}
	switch {
	case stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "database connection pool exhausted"
	case latency > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "database responding slowly"
	}
	return result
}

// RedisChecker verifies the cache is reachable. Non-critical: history
// reads fall back to Postgres and rate limiting to in-process buckets.
type RedisChecker struct {
	client redis.Cmdable
}

// NewRedisChecker wraps a Redis client.
func NewRedisChecker(client redis.Cmdable) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) Name() string     { return "redis" }
func (r *RedisChecker) IsCritical() bool { return false }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "redis ping failed",
			Error:   err.Error(),
		}
	}

	latency := time.Since(start)
	result := CheckResult{
		Status:  StatusHealthy,
		Message: "redis healthy",
		Details: map[string]interface{}{
			"latency_ms": latency.Milliseconds(),
		},
	}
	if latency > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "redis responding slowly"
	}
	return result
}

// ObjectStoreChecker verifies mesh blob storage is reachable. Critical:
// finished meshes cannot be persisted or presigned without it.
type ObjectStoreChecker struct {
	store Pinger
}

// NewObjectStoreChecker wraps the object store.
func NewObjectStoreChecker(store Pinger) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store}
}

func (o *ObjectStoreChecker) Name() string     { return "object_store" }
func (o *ObjectStoreChecker) IsCritical() bool { return true }

func (o *ObjectStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := o.store.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "object store unreachable",
			Error:   err.Error(),
		}
	}

	latency := time.Since(start)
	result := CheckResult{
		Status:  StatusHealthy,
		Message: "object store healthy",
		Details: map[string]interface{}{
			"latency_ms": latency.Milliseconds(),
		},
	}
	if latency > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "object store responding slowly"
	}
	return result
}

// PoolStats is the slice of the worker pool the checker reads.
type PoolStats interface {
	Created() int
	Free() int
	Max() int
}

// WorkersChecker reports inference pool occupancy. A saturated pool is
// degraded, not failing: acquires return busy until a loan comes back.
type WorkersChecker struct {
	pool    PoolStats
	streams func() int
}

// NewWorkersChecker wraps the pool. streams may be nil; when set it adds
// the live stream count to the details.
func NewWorkersChecker(pool PoolStats, streams func() int) *WorkersChecker {
	return &WorkersChecker{pool: pool, streams: streams}
}

func (w *WorkersChecker) Name() string     { return "workers" }
func (w *WorkersChecker) IsCritical() bool { return false }

func (w *WorkersChecker) Check(ctx context.Context) CheckResult {
	created, free, max := w.pool.Created(), w.pool.Free(), w.pool.Max()

	result := CheckResult{
		Status:  StatusHealthy,
		Message: "worker pool healthy",
		Details: map[string]interface{}{
			"created":     created,
			"free":        free,
			"max_workers": max,
		},
	}
	if w.streams != nil {
		result.Details["active_streams"] = w.streams()
	}
	if created == max && free == 0 {
		result.Status = StatusDegraded
		result.Message = "all inference workers busy"
	}
	return result
}
