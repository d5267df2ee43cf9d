package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

// Scheduler runs cycles concurrently on a bounded worker pool.
//
// Each cycle draws its own connection, so Workers bounds both concurrency and
// connections held. CyclesPerSecond paces cycle starts across all workers.
type Scheduler struct {
	engine       *Engine
	workers      int
	limiter      *rate.Limiter
	pollInterval time.Duration
}

// NewScheduler creates a scheduler for e. workers < 1 means 1;
// cyclesPerSecond <= 0 means unpaced.
func NewScheduler(e *Engine, workers int, cyclesPerSecond float64) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	limit := rate.Inf
	if cyclesPerSecond > 0 {
		limit = rate.Limit(cyclesPerSecond)
	}
	return &Scheduler{
		engine:       e,
		workers:      workers,
		limiter:      rate.NewLimiter(limit, workers),
		pollInterval: e.pollInterval,
	}
}

// Run submits cycles until ctx is cancelled, then waits for in-flight cycles.
//
// When a cycle makes no progress the scheduler sleeps for the poll interval
// before starting another.
func (s *Scheduler) Run(ctx context.Context) error {
	pool, err := ants.NewPool(s.workers, ants.WithPanicHandler(func(v any) {
		slog.Error("cycle panicked", "panic", fmt.Sprint(v))
	}))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer func() {
		_ = pool.ReleaseTimeout(5 * time.Second)
	}()

	slog.Info("scheduler starting", "workers", s.workers, "cycles_per_second", float64(s.limiter.Limit()))

	var (
		wg   sync.WaitGroup
		idle atomic.Bool
	)

	for {
		if idle.Load() {
			select {
			case <-ctx.Done():
			case <-time.After(s.pollInterval):
			}
			idle.Store(false)
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			res, err := s.engine.RunCycle(ctx)
			if err != nil {
				logCycleError(res, err)
			}
			if err != nil || res == nil || !res.Progressed() {
				idle.Store(true)
			}
		})
		if submitErr != nil {
			wg.Done()
			slog.Error("failed to submit cycle", "error", submitErr)
			idle.Store(true)
		}
	}

	wg.Wait()
	slog.Info("scheduler stopped")
	return nil
}
