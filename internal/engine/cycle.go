package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/putsql/internal/fragment"
	"github.com/roach88/putsql/internal/store"
	"github.com/roach88/putsql/internal/unit"
)

// UnknownDestination is reported in lineage when the connection cannot name
// its destination.
const UnknownDestination = "sql://unknown-host"

// State is a step of the cycle state machine:
//
//	Idle → Connected → Executing → {Completed, Aborted} → Closed
//
// Fetching and fragment readiness run in Idle; a cycle that fetches nothing,
// or whose fragment set is not ready or invalid, never leaves Idle.
type State int

const (
	StateIdle State = iota + 1
	StateConnected
	StateExecuting
	StateCompleted
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CycleResult describes one finished cycle.
type CycleResult struct {
	ID      string
	Seq     int64
	Started time.Time
	Elapsed time.Duration

	// Fetched holds the units pulled from the queue, in execution order.
	Fetched []*unit.Unit

	Fragmented bool
	FragmentID string
	// Readiness is zero unless Fragmented.
	Readiness fragment.Readiness

	// Mode is zero if the cycle never reached Executing.
	Mode Mode
	// Groups counts the enclosures and fragment groups built.
	Groups int

	// Trace lists every state entered, in order.
	Trace []State

	// Routes holds one route per fetched unit, in Fetched order. Empty when
	// the units were requeued.
	Routes []Route

	// Requeued holds units put back on the queue (fragment set not ready).
	Requeued []*unit.Unit

	// Lineage holds events published for a committed cycle.
	Lineage []LineageEvent
}

// State returns the last state entered.
func (r *CycleResult) State() State {
	if len(r.Trace) == 0 {
		return 0
	}
	return r.Trace[len(r.Trace)-1]
}

// Committed reports whether the cycle's transaction was committed.
func (r *CycleResult) Committed() bool {
	for _, s := range r.Trace {
		if s == StateAborted {
			return false
		}
	}
	for _, s := range r.Trace {
		if s == StateCompleted {
			return true
		}
	}
	return false
}

// Routed returns the IDs of units routed to rel, in Fetched order.
func (r *CycleResult) Routed(rel unit.Relationship) []string {
	var ids []string
	for _, rt := range r.Routes {
		if rt.Relationship == rel {
			ids = append(ids, rt.Unit.ID)
		}
	}
	return ids
}

// Count returns how many units were routed to rel.
func (r *CycleResult) Count(rel unit.Relationship) int {
	n := 0
	for _, rt := range r.Routes {
		if rt.Relationship == rel {
			n++
		}
	}
	return n
}

// Progressed reports whether any unit reached a terminal relationship.
func (r *CycleResult) Progressed() bool {
	for _, rt := range r.Routes {
		if rt.Relationship.Terminal() {
			return true
		}
	}
	return false
}

type cycleAbort struct {
	kind Kind
	err  error
}

// cycle is the per-cycle coordinator. It owns the connection from Connected
// to Closed and every fetched unit until the routes are transferred.
type cycle struct {
	e   *Engine
	res *CycleResult

	conn           store.Conn
	origAutoCommit bool
	destination    string

	routes  map[*unit.Unit]Route
	keys    map[*unit.Unit]string
	lineage []LineageEvent
	abort   *cycleAbort
}

func (e *Engine) newCycle() *cycle {
	return &cycle{
		e: e,
		res: &CycleResult{
			ID:      e.ids.Generate(),
			Seq:     e.seq.Next(),
			Started: e.clock.Now(),
		},
		routes: make(map[*unit.Unit]Route),
		keys:   make(map[*unit.Unit]string),
	}
}

func (c *cycle) enter(s State) {
	c.res.Trace = append(c.res.Trace, s)
	slog.Debug("cycle state", "cycle_id", c.res.ID, "state", s.String())
}

func (c *cycle) route(u *unit.Unit, rel unit.Relationship, cause error) {
	c.routes[u] = Route{Unit: u, Relationship: rel, Cause: cause}
}

// routeAll routes every fetched unit uniformly, replacing earlier routes.
func (c *cycle) routeAll(rel unit.Relationship, cause error) {
	for _, u := range c.res.Fetched {
		c.route(u, rel, cause)
	}
}

func (c *cycle) abortWith(kind Kind, err error) {
	if c.abort != nil {
		return
	}
	c.abort = &cycleAbort{kind: kind, err: err}
	slog.Error("aborting cycle",
		"cycle_id", c.res.ID,
		"kind", kind.String(),
		"relationship", string(kind.Destination()),
		"units", len(c.res.Fetched),
		"error", err,
	)
}

// fail classifies a per-unit failure. Under rollback-on-failure it aborts the
// cycle instead of routing the unit.
func (c *cycle) fail(u *unit.Unit, err error) {
	kind := Classify(err)
	out := ApplyRollbackPolicy(kind, c.e.rollbackOnFailure)
	if out.Abort {
		c.abortWith(kind, err)
		return
	}

	switch out.Relationship {
	case unit.Retry:
		slog.Error("failed to update database; it is possible that retrying the operation will succeed, so routing to retry",
			"cycle_id", c.res.ID, "unit_id", u.ID, "kind", kind.String(), "error", err)
	default:
		slog.Error("failed to update database; routing to failure",
			"cycle_id", c.res.ID, "unit_id", u.ID, "kind", kind.String(), "error", err)
	}
	c.route(u, out.Relationship, err)
}

// recordLineage buffers one event per successful unit. Events are published
// only if the cycle commits.
func (c *cycle) recordLineage(units []*unit.Unit) {
	if len(units) == 0 {
		return
	}
	now := c.e.clock.Now()
	elapsed := now.Sub(c.res.Started)
	for _, u := range units {
		c.lineage = append(c.lineage, LineageEvent{
			CycleID:     c.res.ID,
			UnitID:      u.ID,
			Destination: c.destination,
			Elapsed:     elapsed,
			At:          now,
		})
	}
}

// RunCycle runs one cycle: fetch, readiness, connect, group, execute,
// commit or roll back, close, then hand the routes to the sink.
//
// Per-unit failures are routed, not returned. The returned error reports
// failures of the cycle itself: the queue, the connection provider, a failed
// commit or the sink. The result is non-nil whenever a cycle ID was issued.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	c := e.newCycle()
	c.enter(StateIdle)
	res := c.res

	units, fragmented, fragID, err := e.fetch(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch units: %w", err)
	}
	if len(units) == 0 {
		return res, nil
	}
	res.Fetched = units
	res.Fragmented = fragmented
	res.FragmentID = fragID

	// Finalization must reach the queue and sink even if ctx is cancelled
	// mid-cycle; otherwise claimed units are stranded.
	finalCtx := context.WithoutCancel(ctx)
	defer func() {
		res.Elapsed = e.clock.Now().Sub(res.Started)
		if e.observer != nil {
			e.observer.ObserveCycle(res)
		}
	}()

	if fragmented {
		readiness, ferr := fragment.Check(units, e.transactionTimeout, e.clock.Now())
		res.Readiness = readiness
		switch readiness {
		case fragment.NotReady:
			slog.Info("fragmented transaction not ready; requeueing",
				"cycle_id", res.ID,
				"fragment_id", fragID,
				"units", len(units),
				"penalty", e.penalty.String(),
			)
			res.Requeued = units
			if err := e.queue.Requeue(finalCtx, units, e.penalty); err != nil {
				return res, fmt.Errorf("requeue fragment %s: %w", fragID, err)
			}
			return res, nil

		case fragment.Invalid:
			slog.Error("fragmented transaction invalid; routing to failure",
				"cycle_id", res.ID,
				"fragment_id", fragID,
				"units", unit.IDs(units),
				"error", ferr,
			)
			c.routeAll(unit.Failure, ferr)
			return res, c.transfer(finalCtx)
		}
	}

	res.Mode = SelectMode(e.obtainKeys, fragmented)

	conn, err := e.provider.Acquire(ctx)
	if err != nil {
		kind := Classify(err)
		slog.Error("failed to acquire connection",
			"cycle_id", res.ID,
			"kind", kind.String(),
			"relationship", string(kind.Destination()),
			"error", err,
		)
		c.routeAll(kind.Destination(), err)
		if terr := c.transfer(finalCtx); terr != nil {
			return res, terr
		}
		return res, fmt.Errorf("acquire connection: %w", err)
	}
	c.conn = conn
	c.enter(StateConnected)
	c.destination = conn.URL()
	if c.destination == "" {
		c.destination = UnknownDestination
	}

	c.connect()
	if c.abort == nil {
		c.enter(StateExecuting)
		c.executeAll(ctx)
	}

	commitErr := c.finish()
	c.close()

	if res.Committed() {
		for u, key := range c.keys {
			u.SetAttr(unit.AttrGeneratedKey, key)
		}
	}

	if err := c.transfer(finalCtx); err != nil {
		return res, err
	}

	if res.Committed() && len(c.lineage) > 0 {
		res.Lineage = c.lineage
		if e.lineage != nil {
			if err := e.lineage.Report(finalCtx, c.lineage); err != nil {
				slog.Warn("failed to report lineage", "cycle_id", res.ID, "events", len(c.lineage), "error", err)
			}
		}
	}

	return res, commitErr
}

// connect records the original auto-commit setting and turns it off.
func (c *cycle) connect() {
	orig, err := c.conn.AutoCommit()
	if err != nil {
		c.abortWith(Classify(err), fmt.Errorf("read auto-commit: %w", err))
		return
	}
	c.origAutoCommit = orig
	if err := c.conn.SetAutoCommit(false); err != nil {
		c.abortWith(Classify(err), fmt.Errorf("disable auto-commit: %w", err))
	}
}

// executeAll groups the fetched units and runs every group in order.
func (c *cycle) executeAll(ctx context.Context) {
	groups := c.group(ctx, c.res.Fetched)
	c.res.Groups = len(groups)

	for _, g := range groups {
		if c.abort != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			c.abortWith(TemporalFailure, fmt.Errorf("cycle cancelled: %w", err))
			break
		}
		c.execute(ctx, g)
	}

	// Groups skipped after an abort still hold prepared statements.
	for _, g := range groups {
		c.closeGroup(g)
	}
}

// finish moves the cycle to Completed or Aborted and ends the transaction.
// The returned error is a failed commit.
func (c *cycle) finish() error {
	if c.abort == nil {
		c.enter(StateCompleted)
		if err := c.conn.Commit(); err != nil {
			kind := Classify(err)
			slog.Error("failed to commit database connection",
				"cycle_id", c.res.ID,
				"kind", kind.String(),
				"relationship", string(kind.Destination()),
				"error", err,
			)
			c.enter(StateAborted)
			c.rollback()
			c.routeAll(kind.Destination(), err)
			return fmt.Errorf("commit cycle %s: %w", c.res.ID, err)
		}
		return nil
	}

	c.enter(StateAborted)
	c.rollback()
	c.routeAll(c.abort.kind.Destination(), c.abort.err)
	return nil
}

func (c *cycle) rollback() {
	if err := c.conn.Rollback(); err != nil {
		slog.Warn("failed to rollback database connection", "cycle_id", c.res.ID, "error", err)
	}
}

// close restores auto-commit if it was originally on and releases the
// connection. It runs exactly once per connected cycle.
func (c *cycle) close() {
	if c.origAutoCommit {
		if err := c.conn.SetAutoCommit(true); err != nil {
			slog.Warn("failed to reset autocommit", "cycle_id", c.res.ID, "error", err)
		}
	}
	if err := c.conn.Close(); err != nil {
		slog.Warn("failed to close connection", "cycle_id", c.res.ID, "error", err)
	}
	c.enter(StateClosed)
}

// transfer orders routes by fetch order and hands them to the sink.
func (c *cycle) transfer(ctx context.Context) error {
	routes := make([]Route, 0, len(c.res.Fetched))
	for _, u := range c.res.Fetched {
		r, ok := c.routes[u]
		if !ok {
			slog.Warn("unit left unrouted; routing to retry", "cycle_id", c.res.ID, "unit_id", u.ID)
			r = Route{Unit: u, Relationship: unit.Retry, Cause: fmt.Errorf("unit %s was not executed", u.ID)}
		}
		routes = append(routes, r)
	}
	c.res.Routes = routes

	if len(routes) == 0 {
		return nil
	}
	if err := c.e.sink.Transfer(ctx, c.res.ID, routes); err != nil {
		return fmt.Errorf("transfer routes for cycle %s: %w", c.res.ID, err)
	}

	slog.Info("cycle routed",
		"cycle_id", c.res.ID,
		"success", c.res.Count(unit.Success),
		"failure", c.res.Count(unit.Failure),
		"retry", c.res.Count(unit.Retry),
	)
	return nil
}
