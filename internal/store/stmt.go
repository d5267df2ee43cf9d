package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// savepointName is the savepoint set around each statement when savepoints
// are enabled. Savepoints are released after every statement, so one name
// is enough.
const savepointName = "putsql_stmt"

// ExecuteFailed is the per-statement count reported for an argument set that
// failed inside a batch.
const ExecuteFailed int64 = -3

// BatchError reports a batch that did not run to completion.
//
// Counts holds one entry per argument set the store reported on, in order.
// It may be shorter than the batch; entries equal to ExecuteFailed mark sets
// that failed.
type BatchError struct {
	Counts []int64
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch update failed after %d statement(s): %v", len(e.Counts), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// IsBatchError reports whether err is (or wraps) a *BatchError.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}

type sqlStmt struct {
	stmt  *sql.Stmt
	batch [][]any

	// tx is set when each execution runs inside its own savepoint.
	tx *sql.Tx

	key    string
	hasKey bool

	continueOnError bool
}

func (s *sqlStmt) AddBatch(args []any) error {
	s.batch = append(s.batch, args)
	return nil
}

// ExecuteBatch runs queued argument sets in order. database/sql has no batch
// primitive, so the sets are executed one by one on the same statement.
func (s *sqlStmt) ExecuteBatch(ctx context.Context) ([]int64, error) {
	batch := s.batch
	s.batch = nil

	counts := make([]int64, 0, len(batch))
	var firstErr error
	for _, args := range batch {
		n, err := s.exec(ctx, args)
		if err != nil {
			if !s.continueOnError {
				return counts, &BatchError{Counts: counts, Err: err}
			}
			if firstErr == nil {
				firstErr = err
			}
			counts = append(counts, ExecuteFailed)
			continue
		}
		counts = append(counts, n)
	}
	if firstErr != nil {
		return counts, &BatchError{Counts: counts, Err: firstErr}
	}
	return counts, nil
}

func (s *sqlStmt) ExecuteUpdate(ctx context.Context, args []any) (int64, error) {
	s.key, s.hasKey = "", false

	res, err := s.run(ctx, args)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = 0
	}
	// Drivers without LastInsertId support (pgx) simply report no key.
	if id, err := res.LastInsertId(); err == nil && id != 0 && n > 0 {
		s.key, s.hasKey = strconv.FormatInt(id, 10), true
	}
	return n, nil
}

func (s *sqlStmt) exec(ctx context.Context, args []any) (int64, error) {
	res, err := s.run(ctx, args)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// run executes one argument set, inside a savepoint when tx is set. A failed
// statement is rolled back to the savepoint and its error returned as is.
func (s *sqlStmt) run(ctx context.Context, args []any) (sql.Result, error) {
	if s.tx == nil {
		return s.stmt.ExecContext(ctx, args...)
	}

	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); rbErr != nil {
			return nil, errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return nil, err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}
	return res, nil
}

func (s *sqlStmt) GeneratedKey() (string, bool) {
	return s.key, s.hasKey
}

func (s *sqlStmt) Close() error {
	s.batch = nil
	return s.stmt.Close()
}
