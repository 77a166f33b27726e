package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clairon-app/clairon/internal/metrics"
)

// Runner is the dispatch surface the trigger drives.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Lock debounces inline runs across replicas. A nil Lock means every
// kick that finds the channel empty runs.
type Lock interface {
	TryAcquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// Trigger turns enqueue-time kicks into background dispatch runs. Kick
// is non-blocking and coalescing: while a run is already queued, extra
// kicks are dropped, which is fine because one run drains everything
// queued before it starts.
type Trigger struct {
	runner  Runner
	lock    Lock
	timeout time.Duration
	kicks   chan struct{}
	logger  *zap.Logger
}

// NewTrigger creates an inline dispatch trigger. lock may be nil.
func NewTrigger(runner Runner, lock Lock, timeout time.Duration, logger *zap.Logger) *Trigger {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Trigger{
		runner:  runner,
		lock:    lock,
		timeout: timeout,
		kicks:   make(chan struct{}, 1),
		logger:  logger,
	}
}

// Kick requests a dispatch run. Never blocks; failures never reach the
// enqueue caller.
func (t *Trigger) Kick() {
	select {
	case t.kicks <- struct{}{}:
	default:
	}
}

// Start drains kicks until ctx is canceled.
func (t *Trigger) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("dispatch trigger stopping")
			return
		case <-t.kicks:
			t.runOnce(ctx)
		}
	}
}

func (t *Trigger) runOnce(ctx context.Context) {
	if t.lock != nil && !t.lock.TryAcquire(ctx) {
		t.logger.Debug("inline dispatch debounced, another replica is running")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	metrics.RecordDispatchCycle("inline")
	result, err := t.runner.Run(runCtx)
	if err != nil {
		t.logger.Warn("inline dispatch run failed", zap.Error(err))
	} else if result.Attempted > 0 {
		t.logger.Debug("inline dispatch run done",
			zap.Int("attempted", result.Attempted),
			zap.Int("sent", result.Sent),
		)
	}

	if t.lock != nil {
		t.lock.Release(ctx)
	}
}
