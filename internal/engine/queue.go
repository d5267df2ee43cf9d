package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/putsql/internal/unit"
)

// Verdict is a fetch filter's decision for one queued unit.
type Verdict int

const (
	// Accept takes the unit and keeps scanning.
	Accept Verdict = iota + 1
	// AcceptAndTerminate takes the unit and stops the scan.
	AcceptAndTerminate
	// Reject leaves the unit queued and keeps scanning.
	Reject
	// RejectAndTerminate leaves the unit queued and stops the scan.
	RejectAndTerminate
)

func (v Verdict) accepts() bool   { return v == Accept || v == AcceptAndTerminate }
func (v Verdict) terminates() bool { return v == AcceptAndTerminate || v == RejectAndTerminate }

// FilterFunc inspects queued units in arrival order during a Pull.
type FilterFunc func(u *unit.Unit) Verdict

// Queue is the upstream source of units.
//
// Pull hands every accepted unit to the caller exclusively: no other Pull
// returns it until it is requeued or routed to Retry.
type Queue interface {
	Pull(ctx context.Context, filter FilterFunc) ([]*unit.Unit, error)
	// Requeue puts units back unchanged, invisible for penalty.
	Requeue(ctx context.Context, units []*unit.Unit, penalty time.Duration) error
}

// Route is the final destination of one unit in one cycle.
type Route struct {
	Unit         *unit.Unit
	Relationship unit.Relationship
	// Cause is the failure that decided the route; nil for Success.
	Cause error
}

// Sink receives a cycle's routes once the cycle is closed.
type Sink interface {
	Transfer(ctx context.Context, cycleID string, routes []Route) error
}

// LineageEvent records that a unit's write reached a destination.
type LineageEvent struct {
	CycleID     string
	UnitID      string
	Destination string
	Elapsed     time.Duration
	At          time.Time
}

// LineageReporter publishes lineage for committed cycles.
type LineageReporter interface {
	Report(ctx context.Context, events []LineageEvent) error
}

type memItem struct {
	unit      *unit.Unit
	visibleAt time.Time
}

// MemQueue is an in-memory Queue, Sink and LineageReporter for embedding and
// tests.
//
// Units routed to Retry are put back on the queue after retryDelay; every
// other route is recorded and can be inspected with Routes.
//
// Thread-safety: all methods are safe for concurrent use. Pull removes the
// accepted units under the mutex, so concurrent cycles never share a unit.
type MemQueue struct {
	mu         sync.Mutex
	items      []memItem
	routes     []Route
	lineage    []LineageEvent
	clock      Clock
	retryDelay time.Duration
	closed     bool
	signal     chan struct{} // Signals unit availability (buffered, size 1)
}

// NewMemQueue creates an empty queue reading time from clock (nil means the
// system clock).
func NewMemQueue(clock Clock, retryDelay time.Duration) *MemQueue {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemQueue{
		items:      make([]memItem, 0, 64),
		clock:      clock,
		retryDelay: retryDelay,
		signal:     make(chan struct{}, 1),
	}
}

// Offer appends units to the back of the queue, visible immediately.
// Returns false if the queue is closed.
func (q *MemQueue) Offer(units ...*unit.Unit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	now := q.clock.Now()
	for _, u := range units {
		q.items = append(q.items, memItem{unit: u, visibleAt: now})
	}
	q.notify()
	return true
}

// Pull scans visible units in queue order through filter.
func (q *MemQueue) Pull(ctx context.Context, filter FilterFunc) ([]*unit.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var taken []*unit.Unit
	kept := q.items[:0]
	stopped := false

	for _, it := range q.items {
		if stopped || it.visibleAt.After(now) {
			kept = append(kept, it)
			continue
		}
		v := filter(it.unit)
		if v.accepts() {
			taken = append(taken, it.unit)
		} else {
			kept = append(kept, it)
		}
		if v.terminates() {
			stopped = true
		}
	}

	// Clear the tail so the backing array does not retain taken units.
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = memItem{}
	}
	q.items = kept

	return taken, nil
}

// Requeue appends units to the back of the queue, visible after penalty.
// Arrival timestamps are left untouched.
func (q *MemQueue) Requeue(ctx context.Context, units []*unit.Unit, penalty time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	visibleAt := q.clock.Now().Add(penalty)
	for _, u := range units {
		q.items = append(q.items, memItem{unit: u, visibleAt: visibleAt})
	}
	q.notify()
	return nil
}

// Transfer records routes; Retry units go back on the queue.
func (q *MemQueue) Transfer(ctx context.Context, cycleID string, routes []Route) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	visibleAt := q.clock.Now().Add(q.retryDelay)
	for _, r := range routes {
		q.routes = append(q.routes, r)
		if r.Relationship == unit.Retry {
			q.items = append(q.items, memItem{unit: r.Unit, visibleAt: visibleAt})
		}
	}
	q.notify()
	return nil
}

// Report records lineage events.
func (q *MemQueue) Report(ctx context.Context, events []LineageEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lineage = append(q.lineage, events...)
	return nil
}

// Routes returns every route transferred so far, optionally filtered to one
// relationship ("" means all).
func (q *MemQueue) Routes(rel unit.Relationship) []Route {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Route
	for _, r := range q.routes {
		if rel == "" || r.Relationship == rel {
			out = append(out, r)
		}
	}
	return out
}

// Lineage returns every lineage event reported so far.
func (q *MemQueue) Lineage() []LineageEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]LineageEvent, len(q.lineage))
	copy(out, q.lineage)
	return out
}

// Len returns the number of queued units, visible or not.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait returns a channel that signals when units may have been added.
func (q *MemQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close stops accepting offers and wakes any waiters.
func (q *MemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// notify must be called with mu held.
func (q *MemQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
