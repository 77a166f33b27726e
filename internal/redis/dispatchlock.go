package redis

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// debounceTTL is how long an inline dispatch reservation suppresses
	// further kicks across replicas. Long enough to cover one dispatch
	// cycle, short enough that a crashed holder delays at most one poll.
	debounceTTL = 10 * time.Second

	debounceMarker = "running"
)

// DispatchLock debounces inline dispatch runs across replicas using an
// atomic SET NX reservation. Without Redis the lock degrades to always
// granting, which only costs redundant (and harmless) dispatch cycles.
type DispatchLock struct {
	client *Client
	logger *zap.Logger
}

// NewDispatchLock creates a dispatch debounce lock. client may be nil.
func NewDispatchLock(client *Client, logger *zap.Logger) *DispatchLock {
	return &DispatchLock{
		client: client,
		logger: logger,
	}
}

// TryAcquire reserves the dispatch slot. Returns true when this caller
// should run a cycle now. Redis errors grant the slot rather than
// blocking dispatch.
func (l *DispatchLock) TryAcquire(ctx context.Context) bool {
	if l.client == nil {
		return true
	}

	set, err := l.client.rdb.SetNX(ctx, "dispatch:inline-lock", debounceMarker, debounceTTL).Result()
	if err != nil {
		l.logger.Warn("dispatch lock unavailable, proceeding without debounce", zap.Error(err))
		return true
	}

	return set
}

// Release frees the slot early so the next enqueue can kick a run
// without waiting out the TTL.
func (l *DispatchLock) Release(ctx context.Context) {
	if l.client == nil {
		return
	}

	if err := l.client.rdb.Del(ctx, "dispatch:inline-lock").Err(); err != nil {
		l.logger.Debug("dispatch lock release failed", zap.Error(err))
	}
}
