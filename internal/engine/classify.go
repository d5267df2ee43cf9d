package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/putsql/internal/fragment"
	"github.com/roach88/putsql/internal/param"
	"github.com/roach88/putsql/internal/unit"
)

// Kind is the abstract category of a failure.
type Kind int

const (
	// InvalidInput is a terminal rejection of the input or an integrity violation.
	InvalidInput Kind = iota + 1
	// TemporalFailure is transient; the same input may succeed later.
	TemporalFailure
	// UnknownFailure could not be categorized.
	UnknownFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case TemporalFailure:
		return "temporal_failure"
	case UnknownFailure:
		return "unknown_failure"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Destination is where a failure of this kind is routed when the cycle is
// not aborted.
func (k Kind) Destination() unit.Relationship {
	if k == TemporalFailure {
		return unit.Retry
	}
	return unit.Failure
}

// sqliteInvalidInput lists SQLite primary result codes that reject the input
// itself. Every other SQLite code (busy, locked, I/O, full, ...) is transient.
var sqliteInvalidInput = map[sqlite3.ErrNo]bool{
	sqlite3.ErrError:      true,
	sqlite3.ErrPerm:       true,
	sqlite3.ErrReadonly:   true,
	sqlite3.ErrTooBig:     true,
	sqlite3.ErrConstraint: true,
	sqlite3.ErrMismatch:   true,
	sqlite3.ErrMisuse:     true,
	sqlite3.ErrAuth:       true,
	sqlite3.ErrRange:      true,
}

// pgInvalidInputClasses lists SQLSTATE classes that reject the input itself:
// feature not supported, cardinality, data exception, integrity constraint,
// invalid authorization, syntax or access rule, check option.
var pgInvalidInputClasses = map[string]bool{
	"0A": true,
	"21": true,
	"22": true,
	"23": true,
	"28": true,
	"42": true,
	"44": true,
}

// pgInFailedTransaction is the SQLSTATE PostgreSQL returns for statements
// sent after an earlier statement of the same transaction failed.
const pgInFailedTransaction = "25P02"

// Classify maps an error to its Kind. It is pure and safe for concurrent use.
func Classify(err error) Kind {
	if err == nil {
		return UnknownFailure
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	var (
		ve *ValidationError
		fe *fragment.Error
		pe *param.Error
	)
	if errors.As(err, &ve) || errors.As(err, &fe) || errors.As(err, &pe) {
		return InvalidInput
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		if sqliteInvalidInput[se.Code] {
			return InvalidInput
		}
		return TemporalFailure
	}

	// The server turned the commit into a rollback after an earlier failure.
	// The units themselves were not rejected.
	if errors.Is(err, pgx.ErrTxCommitRollback) {
		return TemporalFailure
	}

	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		if pge.Code == pgInFailedTransaction {
			return TemporalFailure
		}
		if len(pge.Code) >= 2 && pgInvalidInputClasses[pge.Code[:2]] {
			return InvalidInput
		}
		return TemporalFailure
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return TemporalFailure
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return TemporalFailure
	}

	return UnknownFailure
}

// Outcome is the routing decision for one classified failure.
type Outcome struct {
	Relationship unit.Relationship
	// Abort means the whole cycle rolls back and every fetched unit is routed
	// to Relationship.
	Abort bool
}

// ApplyRollbackPolicy decides where a failure of kind goes. With
// rollbackOnFailure set, any failure aborts the cycle.
func ApplyRollbackPolicy(kind Kind, rollbackOnFailure bool) Outcome {
	return Outcome{
		Relationship: kind.Destination(),
		Abort:        rollbackOnFailure,
	}
}
