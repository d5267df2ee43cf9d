package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/putsql/internal/engine"
	"github.com/roach88/putsql/internal/store"
	"github.com/roach88/putsql/internal/unit"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on lineage.cycle_id
const currentSchemaVersion = 1

// DefaultRetryDelay is how long units routed to retry stay invisible.
const DefaultRetryDelay = time.Minute

// Journal is a durable SQLite inbox for units, plus the record of where every
// unit was routed and the lineage of committed writes.
//
// It implements engine.Queue, engine.Sink and engine.LineageReporter. Pull
// claims rows inside a transaction, so concurrent cycles never share a unit;
// claimed rows stay in the inbox until their route is transferred.
type Journal struct {
	db         *sql.DB
	clock      engine.Clock
	retryDelay time.Duration
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock replaces the wall clock.
func WithClock(c engine.Clock) Option {
	return func(j *Journal) {
		j.clock = c
	}
}

// WithRetryDelay sets how long retried units stay invisible.
//
// Default: 1m (DefaultRetryDelay)
func WithRetryDelay(d time.Duration) Option {
	return func(j *Journal) {
		j.retryDelay = d
	}
}

// Open creates or opens a journal database at path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open(store.DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := store.ApplyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	j := &Journal{
		db:         db,
		clock:      engine.SystemClock{},
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (j *Journal) DB() *sql.DB {
	return j.db
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_lineage_cycle ON lineage(cycle_id)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Enqueue adds units to the back of the inbox, visible immediately.
// Uses ON CONFLICT(id) DO NOTHING - a unit ID already in the inbox is ignored.
// A zero EnqueuedAt is set to the current time. It returns how many units
// were added.
func (j *Journal) Enqueue(ctx context.Context, units ...*unit.Unit) (int, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	defer tx.Rollback()

	now := j.clock.Now()
	added := 0
	for _, u := range units {
		if u.EnqueuedAt.IsZero() {
			u.EnqueuedAt = now
		}
		attrs, err := marshalAttributes(u.Attributes)
		if err != nil {
			return 0, fmt.Errorf("enqueue unit %s: %w", u.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO units (id, attributes, content, enqueued_at, visible_at, position)
			VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM units))
			ON CONFLICT(id) DO NOTHING
		`, u.ID, attrs, u.Content, u.EnqueuedAt.UnixNano(), now.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("enqueue unit %s: %w", u.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return added, nil
}

// Pull scans visible, unclaimed units in queue order through filter and
// claims the accepted ones.
func (j *Journal) Pull(ctx context.Context, filter engine.FilterFunc) ([]*unit.Unit, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	defer tx.Rollback()

	taken, err := scanInbox(ctx, tx, j.clock.Now(), filter)
	if err != nil {
		return nil, err
	}
	if len(taken) == 0 {
		return nil, nil
	}

	claim := uuid.NewString()
	for _, u := range taken {
		if _, err := tx.ExecContext(ctx, `UPDATE units SET claimed_by = ? WHERE id = ?`, claim, u.ID); err != nil {
			return nil, fmt.Errorf("claim unit %s: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	return taken, nil
}

// scanInbox runs filter over the inbox and returns the accepted units.
func scanInbox(ctx context.Context, tx *sql.Tx, now time.Time, filter engine.FilterFunc) ([]*unit.Unit, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, attributes, content, enqueued_at
		FROM units
		WHERE claimed_by IS NULL AND visible_at <= ?
		ORDER BY position ASC
	`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var taken []*unit.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		v := filter(u)
		if v == engine.Accept || v == engine.AcceptAndTerminate {
			taken = append(taken, u)
		}
		if v == engine.AcceptAndTerminate || v == engine.RejectAndTerminate {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}
	return taken, nil
}

func scanUnit(rows *sql.Rows) (*unit.Unit, error) {
	var (
		id       string
		attrJSON string
		content  []byte
		enqueued int64
	)
	if err := rows.Scan(&id, &attrJSON, &content, &enqueued); err != nil {
		return nil, fmt.Errorf("scan unit: %w", err)
	}
	attrs, err := unmarshalAttributes(attrJSON)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", id, err)
	}
	return unit.New(id, attrs, content, time.Unix(0, enqueued).UTC()), nil
}

// Requeue releases claimed units to the back of the inbox, invisible for
// penalty. Arrival timestamps are left untouched.
func (j *Journal) Requeue(ctx context.Context, units []*unit.Unit, penalty time.Duration) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	defer tx.Rollback()

	visibleAt := j.clock.Now().Add(penalty)
	for _, u := range units {
		if err := release(ctx, tx, u, visibleAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

func release(ctx context.Context, tx *sql.Tx, u *unit.Unit, visibleAt time.Time) error {
	attrs, err := marshalAttributes(u.Attributes)
	if err != nil {
		return fmt.Errorf("release unit %s: %w", u.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE units
		SET claimed_by = NULL,
		    visible_at = ?,
		    attributes = ?,
		    position = (SELECT COALESCE(MAX(position), 0) + 1 FROM units)
		WHERE id = ?
	`, visibleAt.UnixNano(), attrs, u.ID)
	if err != nil {
		return fmt.Errorf("release unit %s: %w", u.ID, err)
	}
	return nil
}

// Transfer records a cycle's routes. Units routed to retry or self go back on
// the inbox (retry after the retry delay); every other unit leaves it. All
// routes are written to the outcomes table in one transaction.
func (j *Journal) Transfer(ctx context.Context, cycleID string, routes []engine.Route) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	defer tx.Rollback()

	now := j.clock.Now()
	for _, r := range routes {
		if err := writeOutcome(ctx, tx, cycleID, r, now); err != nil {
			return err
		}

		switch r.Relationship {
		case unit.Retry:
			err = release(ctx, tx, r.Unit, now.Add(j.retryDelay))
		case unit.Self:
			err = release(ctx, tx, r.Unit, now)
		default:
			_, err = tx.ExecContext(ctx, `DELETE FROM units WHERE id = ?`, r.Unit.ID)
		}
		if err != nil {
			return fmt.Errorf("transfer unit %s: %w", r.Unit.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

func writeOutcome(ctx context.Context, tx *sql.Tx, cycleID string, r engine.Route, at time.Time) error {
	attrs, err := marshalAttributes(r.Unit.Attributes)
	if err != nil {
		return fmt.Errorf("write outcome %s: %w", r.Unit.ID, err)
	}
	var cause sql.NullString
	if r.Cause != nil {
		cause = sql.NullString{String: r.Cause.Error(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outcomes (cycle_id, unit_id, relationship, cause, attributes, content, routed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cycleID, r.Unit.ID, string(r.Relationship), cause, attrs, r.Unit.Content, at.UnixNano())
	if err != nil {
		return fmt.Errorf("write outcome %s: %w", r.Unit.ID, err)
	}
	return nil
}

// Report appends lineage events.
func (j *Journal) Report(ctx context.Context, events []engine.LineageEvent) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("report lineage: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lineage (cycle_id, unit_id, destination, elapsed_ms, reported_at)
			VALUES (?, ?, ?, ?, ?)
		`, ev.CycleID, ev.UnitID, ev.Destination, ev.Elapsed.Milliseconds(), ev.At.UnixNano())
		if err != nil {
			return fmt.Errorf("report lineage for %s: %w", ev.UnitID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("report lineage: %w", err)
	}
	return nil
}

// Recover releases units left claimed by a process that stopped mid-cycle.
// It returns how many units were released. Call it only while no cycle is
// running against the journal.
func (j *Journal) Recover(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx, `UPDATE units SET claimed_by = NULL WHERE claimed_by IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("recover claimed units: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover claimed units: %w", err)
	}
	return n, nil
}

// Pending returns how many units are in the inbox, claimed or not.
func (j *Journal) Pending(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM units`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending units: %w", err)
	}
	return n, nil
}

// Outcome is one recorded route.
type Outcome struct {
	Seq          int64
	CycleID      string
	UnitID       string
	Relationship unit.Relationship
	Cause        string
	Attributes   map[string]string
	RoutedAt     time.Time
}

// Outcomes returns recorded routes in transfer order, optionally filtered to
// one relationship ("" means all).
//
// Returns empty slice (not nil) if nothing was recorded.
func (j *Journal) Outcomes(ctx context.Context, rel unit.Relationship) ([]Outcome, error) {
	query := `
		SELECT seq, cycle_id, unit_id, relationship, cause, attributes, routed_at
		FROM outcomes
	`
	var args []any
	if rel != "" {
		query += ` WHERE relationship = ?`
		args = append(args, string(rel))
	}
	query += ` ORDER BY seq ASC`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	out := []Outcome{}
	for rows.Next() {
		var (
			o        Outcome
			relText  string
			cause    sql.NullString
			attrJSON string
			routedAt int64
		)
		if err := rows.Scan(&o.Seq, &o.CycleID, &o.UnitID, &relText, &cause, &attrJSON, &routedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Relationship = unit.Relationship(relText)
		o.Cause = cause.String
		o.RoutedAt = time.Unix(0, routedAt).UTC()
		if o.Attributes, err = unmarshalAttributes(attrJSON); err != nil {
			return nil, fmt.Errorf("outcome %d: %w", o.Seq, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// Lineage returns every lineage event in report order.
func (j *Journal) Lineage(ctx context.Context) ([]engine.LineageEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT cycle_id, unit_id, destination, elapsed_ms, reported_at
		FROM lineage
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query lineage: %w", err)
	}
	defer rows.Close()

	out := []engine.LineageEvent{}
	for rows.Next() {
		var (
			ev        engine.LineageEvent
			elapsedMs int64
			at        int64
		)
		if err := rows.Scan(&ev.CycleID, &ev.UnitID, &ev.Destination, &elapsedMs, &at); err != nil {
			return nil, fmt.Errorf("scan lineage: %w", err)
		}
		ev.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage: %w", err)
	}
	return out, nil
}

func marshalAttributes(attrs map[string]string) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(b), nil
}

func unmarshalAttributes(s string) (map[string]string, error) {
	attrs := map[string]string{}
	if s == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return attrs, nil
}
