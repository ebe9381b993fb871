package domain

import (
	"context"
	"time"
)

// PoolStatus is the read-only view of a running pool used by health checks
// and status reporting.
type PoolStatus interface {
	StatusSnapshot() map[string]bool
	SubscriptionCount() int
	GetStartTime() time.Time
}

// CacheStats are connection pool figures of the event cache.
type CacheStats struct {
	TotalConnections    int32
	AcquiredConnections int32
	IdleConnections     int32
	MaxConnections      int32
}

// CacheStatus is implemented by an event cache the health check can probe.
type CacheStatus interface {
	Ping(ctx context.Context) error
	Stats() CacheStats
}
