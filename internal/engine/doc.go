// Package engine implements the grouped transactional write engine.
//
// A cycle takes a batch of units from a Queue, writes them to a store over a
// single connection, and routes every unit to success, failure or retry (or
// back onto the queue when a fragment set is incomplete).
//
// ARCHITECTURE:
//
// Cycle Flow:
// 1. fetch pulls units through a filter: a run of unfragmented units bounded
// by the batch size, or the members of exactly one fragment set
// 2. fragment.Check decides whether a fragment set is ready
// 3. the grouper builds Enclosures keyed by statement text (or one
// FragmentGroup) and binds parameters via package param
// 4. the executor runs each group; batch failures are attributed per member
// 5. the coordinator commits or rolls back, restores auto-commit, closes the
// connection and transfers routes to the Sink
//
// State Machine:
//
//	Idle → Connected → Executing → {Completed, Aborted} → Closed
//
// Closed is reached exactly once for every cycle that acquired a connection.
//
// Error Routing:
// Failures are mapped by two pure functions, Classify (error → Kind) and
// ApplyRollbackPolicy (Kind, flag → Outcome). Without rollback-on-failure a
// failure affects only its unit (or, for an unattributable batch failure, its
// Enclosure). With it, any failure aborts the cycle and every fetched unit is
// routed to the classified destination.
//
// Concurrency:
// Cycles are independent and own their units and connection. Scheduler runs
// several on an ants worker pool; within a cycle everything is sequential.
package engine
