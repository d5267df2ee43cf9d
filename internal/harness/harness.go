package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/putsql/internal/engine"
	"github.com/roach88/putsql/internal/param"
	"github.com/roach88/putsql/internal/store"
	"github.com/roach88/putsql/internal/testutil"
	"github.com/roach88/putsql/internal/unit"
)

// Epoch is the scenario clock's starting instant.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// maxDrainCycles stops a drain step that keeps making progress forever.
const maxDrainCycles = 1000

// Harness is the test execution engine.
// It runs scenarios with a fake clock and sequential cycle IDs.
type Harness struct {
	store  *store.Store
	queue  *engine.MemQueue
	engine *engine.Engine
	clock  *testutil.FakeClock
	result *Result
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory SQLite target.
//
// Execution flow:
// 1. Create the target and run the setup statements
// 2. Offer the scenario's units
// 3. Execute flow steps (a single drain if there are none)
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	cfg := scenario.Config

	st, err := store.Open(store.DriverSQLite, ":memory:",
		store.WithContinueOnError(cfg.ContinueBatchOnError))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory target: %w", err)
	}
	defer st.Close()

	for i, stmt := range scenario.Setup {
		if _, err := st.DB().ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to execute setup[%d]: %w", i, err)
		}
	}

	opts, retryDelay, err := engineOptions(cfg)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewFakeClock(Epoch)
	q := engine.NewMemQueue(clock, retryDelay)
	opts = append(opts,
		engine.WithLineageReporter(q),
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("cycle")),
		engine.WithEncoder(param.NewEncoder(time.UTC)),
	)

	h := &Harness{
		store:  st,
		queue:  q,
		engine: engine.New(q, q, st, opts...),
		clock:  clock,
		result: NewResult(),
	}

	h.offer(scenario.Units)

	flow := scenario.Flow
	if len(flow) == 0 {
		flow = []FlowStep{{Drain: true}}
	}
	if err := h.executeFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		DB:      st.DB(),
		Ctx:     ctx,
		Lineage: len(q.Lineage()),
	}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}

	return h.result, nil
}

// engineOptions translates the scenario config. retryDelay is for the queue.
func engineOptions(cfg EngineConfig) (opts []engine.EngineOption, retryDelay time.Duration, err error) {
	parse := func(name, v string) (time.Duration, error) {
		if v == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("config.%s: %w", name, err)
		}
		return d, nil
	}

	timeout, err := parse("transaction_timeout", cfg.TransactionTimeout)
	if err != nil {
		return nil, 0, err
	}
	retryDelay, err = parse("retry_delay", cfg.RetryDelay)
	if err != nil {
		return nil, 0, err
	}

	fragmented := true
	if cfg.FragmentedTransactions != nil {
		fragmented = *cfg.FragmentedTransactions
	}

	opts = []engine.EngineOption{
		engine.WithStatement(cfg.Statement),
		engine.WithFragmentedTransactions(fragmented),
		engine.WithTransactionTimeout(timeout),
		engine.WithObtainGeneratedKeys(cfg.ObtainGeneratedKeys),
		engine.WithRollbackOnFailure(cfg.RollbackOnFailure),
	}
	if cfg.BatchSize > 0 {
		opts = append(opts, engine.WithBatchSize(cfg.BatchSize))
	}
	if cfg.Penalty != "" {
		penalty, err := parse("penalty", cfg.Penalty)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, engine.WithPenalty(penalty))
	}
	return opts, retryDelay, nil
}

// offer builds units stamped with the current clock and puts them on the queue.
func (h *Harness) offer(specs []UnitSpec) {
	units := make([]*unit.Unit, 0, len(specs))
	now := h.clock.Now()
	for _, s := range specs {
		var content []byte
		if s.Content != "" {
			content = []byte(s.Content)
		}
		u := unit.New(s.ID, s.Attributes, content, now)
		h.result.Units[u.ID] = u
		units = append(units, u)
	}
	h.queue.Offer(units...)
}

// executeFlow runs the flow steps in order.
func (h *Harness) executeFlow(ctx context.Context, steps []FlowStep) error {
	for i, step := range steps {
		switch {
		case step.Cycle:
			h.runCycle(ctx)
		case step.Drain:
			if err := h.drain(ctx); err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}
		case step.Advance != "":
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("flow[%d]: advance: %w", i, err)
			}
			h.clock.Advance(d)
		case len(step.Enqueue) > 0:
			h.offer(step.Enqueue)
		default:
			return fmt.Errorf("flow[%d]: empty step", i)
		}
	}
	return nil
}

// runCycle runs one cycle and records it. Cycle errors are part of the
// trace, not harness failures.
func (h *Harness) runCycle(ctx context.Context) (*engine.CycleResult, error) {
	res, err := h.engine.RunCycle(ctx)
	h.result.AddCycle(res, err)
	return res, err
}

// drain mirrors Engine.Drain while recording each cycle.
func (h *Harness) drain(ctx context.Context) error {
	for n := 0; n < maxDrainCycles; n++ {
		res, err := h.runCycle(ctx)
		if err != nil || res == nil || !res.Progressed() {
			return nil
		}
	}
	return fmt.Errorf("drain did not settle after %d cycles", maxDrainCycles)
}
