// Package store is the write target of the engine: a database/sql backed
// connection provider for SQLite (github.com/mattn/go-sqlite3) and PostgreSQL
// (github.com/jackc/pgx/v5/stdlib).
//
// The engine sees the store only through three interfaces:
//
//   - Provider: hands out one Conn per cycle
//   - Conn: prepare, auto-commit switch, commit/rollback, destination URL
//   - Stmt: batched or single execution, generated-key retrieval
//
// # Batches
//
// database/sql has no batch primitive. A Stmt queues argument sets with
// AddBatch and ExecuteBatch runs them one by one on the same prepared
// statement. By default the batch stops at the first failing set and returns
// a *BatchError whose Counts cover only the sets that succeeded; with
// WithContinueOnError every set is attempted and failures are reported as
// ExecuteFailed in Counts.
//
// # Savepoints
//
// PostgreSQL refuses every statement of a transaction after one has failed,
// and then turns the commit into a rollback. With WithStatementSavepoints (the
// default for the pgx driver) each statement run inside a transaction is
// wrapped in SAVEPOINT / RELEASE SAVEPOINT and undone with ROLLBACK TO
// SAVEPOINT when it fails, so the remaining statements and the commit go
// through.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
