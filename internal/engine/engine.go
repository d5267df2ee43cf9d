package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/putsql/internal/param"
	"github.com/roach88/putsql/internal/store"
	"github.com/roach88/putsql/internal/unit"
)

// Defaults for engine options.
const (
	DefaultBatchSize    = 100
	DefaultPenalty      = 30 * time.Second
	DefaultPollInterval = time.Second
)

// Observer is told about every cycle that fetched at least one unit.
type Observer interface {
	ObserveCycle(res *CycleResult)
}

// Engine runs write cycles against a store.
//
// Each cycle pulls a batch from the Queue, executes it on one connection from
// the Provider, and hands every unit's route to the Sink. Cycles are
// independent; RunCycle is safe to call from several goroutines as long as
// the Queue, Sink and Provider are.
type Engine struct {
	queue    Queue
	sink     Sink
	provider store.Provider
	lineage  LineageReporter
	observer Observer

	encoder *param.Encoder
	clock   Clock
	ids     IDGenerator
	seq     *Sequence

	statement              string
	batchSize              int
	fragmentedTransactions bool
	transactionTimeout     time.Duration
	obtainKeys             bool
	rollbackOnFailure      bool
	penalty                time.Duration
	pollInterval           time.Duration
	limiter                Limiter
}

// Limiter paces cycle starts. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithStatement sets a static statement. ${name} references are replaced
// with the unit's attribute values. Without it, statements come from unit
// content.
func WithStatement(sql string) EngineOption {
	return func(e *Engine) {
		e.statement = sql
	}
}

// WithBatchSize bounds how many unfragmented units one cycle fetches.
//
// Default: 100 (DefaultBatchSize)
func WithBatchSize(n int) EngineOption {
	return func(e *Engine) {
		e.batchSize = n
	}
}

// WithFragmentedTransactions enables fragment-aware fetching. Default: on.
func WithFragmentedTransactions(on bool) EngineOption {
	return func(e *Engine) {
		e.fragmentedTransactions = on
	}
}

// WithTransactionTimeout sets how long an incomplete fragment set may wait,
// measured from its newest member. Zero waits forever.
func WithTransactionTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.transactionTimeout = d
	}
}

// WithObtainGeneratedKeys executes units one by one and attaches
// sql.generated.key when the driver reports one.
func WithObtainGeneratedKeys(on bool) EngineOption {
	return func(e *Engine) {
		e.obtainKeys = on
	}
}

// WithRollbackOnFailure makes every cycle all-or-nothing.
func WithRollbackOnFailure(on bool) EngineOption {
	return func(e *Engine) {
		e.rollbackOnFailure = on
	}
}

// WithPenalty sets how long requeued fragment sets stay invisible.
//
// Default: 30s (DefaultPenalty)
func WithPenalty(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.penalty = d
	}
}

// WithPollInterval sets how long Run sleeps after an idle cycle.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// WithLimiter paces cycle starts in Run.
func WithLimiter(l Limiter) EngineOption {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithLineageReporter publishes lineage for committed cycles.
func WithLineageReporter(r LineageReporter) EngineOption {
	return func(e *Engine) {
		e.lineage = r
	}
}

// WithObserver reports every non-empty cycle, e.g. to metrics.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator replaces the cycle ID generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithEncoder replaces the parameter encoder (e.g. to pin a time zone).
func WithEncoder(enc *param.Encoder) EngineOption {
	return func(e *Engine) {
		e.encoder = enc
	}
}

// New creates an Engine reading from q, routing to sink and writing through p.
func New(q Queue, sink Sink, p store.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		queue:                  q,
		sink:                   sink,
		provider:               p,
		encoder:                param.NewEncoder(nil),
		clock:                  SystemClock{},
		ids:                    UUIDv7Generator{},
		seq:                    NewSequence(),
		batchSize:              DefaultBatchSize,
		fragmentedTransactions: true,
		penalty:                DefaultPenalty,
		pollInterval:           DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run executes cycles until ctx is cancelled.
//
// ERROR HANDLING: a failed cycle is logged and the loop continues; the units
// involved have already been routed or are still queued. After a cycle that
// made no progress the loop sleeps for the poll interval.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"batch_size", e.batchSize,
		"fragmented_transactions", e.fragmentedTransactions,
		"rollback_on_failure", e.rollbackOnFailure,
		"obtain_generated_keys", e.obtainKeys,
	)

	for {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				slog.Info("engine stopping", "reason", err)
				return ctx.Err()
			}
		}

		res, err := e.RunCycle(ctx)
		if err != nil {
			logCycleError(res, err)
		}

		if err == nil && res != nil && res.Progressed() {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// Summary totals the routes of several cycles.
type Summary struct {
	Cycles   int
	Requeued int
	Routed   map[unit.Relationship]int
}

func (s *Summary) add(res *CycleResult) {
	s.Cycles++
	s.Requeued += len(res.Requeued)
	for _, r := range res.Routes {
		s.Routed[r.Relationship]++
	}
}

// Drain runs cycles until one makes no progress: it fetches nothing, only
// requeues, or routes nothing to a terminal relationship. It returns the
// first cycle-level error.
func (e *Engine) Drain(ctx context.Context) (*Summary, error) {
	sum := &Summary{Routed: make(map[unit.Relationship]int)}
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := e.RunCycle(ctx)
		if res != nil && len(res.Fetched) > 0 {
			sum.add(res)
		}
		if err != nil {
			return sum, fmt.Errorf("cycle %s: %w", res.ID, err)
		}
		if !res.Progressed() {
			return sum, nil
		}
	}
}

// logCycleError logs a failed cycle with enough context to find its units.
func logCycleError(res *CycleResult, err error) {
	if res == nil {
		slog.Error("cycle failed", "error", err)
		return
	}
	slog.Error("cycle failed",
		"cycle_id", res.ID,
		"seq", res.Seq,
		"state", res.State().String(),
		"units", unit.IDs(res.Fetched),
		"error", err,
	)
}
