package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/putsql/internal/store"
	"github.com/roach88/putsql/internal/unit"
)

// execute runs one group on the cycle's connection.
func (c *cycle) execute(ctx context.Context, g Group) {
	switch g := g.(type) {
	case *Enclosure:
		if g.Mode == ModeBatched {
			c.executeBatch(ctx, g)
			return
		}
		c.executePerUnit(ctx, g.Members, func(*unit.Unit) *Enclosure { return g }, true)

	case *FragmentGroup:
		c.executePerUnit(ctx, g.Members, g.Target, false)
	}
	c.closeGroup(g)
}

func (c *cycle) closeGroup(g Group) {
	var err error
	switch g := g.(type) {
	case *Enclosure:
		err = g.closeStmt()
	case *FragmentGroup:
		err = g.closeStmts()
	}
	if err != nil {
		slog.Warn("failed to close statement", "cycle_id", c.res.ID, "error", err)
	}
}

// executeBatch runs a Batched Enclosure once. On failure the batch's
// per-statement counts decide each member's route; a failure that cannot be
// attributed routes every member to the classified destination.
//
// The statement is always released afterward.
func (c *cycle) executeBatch(ctx context.Context, enc *Enclosure) {
	defer c.closeGroup(enc)

	if enc.stmt == nil || len(enc.Members) == 0 {
		return
	}

	_, err := enc.stmt.ExecuteBatch(ctx)
	if err == nil {
		for _, u := range enc.Members {
			c.route(u, unit.Success, nil)
		}
		c.recordLineage(enc.Members)
		slog.Debug("batch executed",
			"cycle_id", c.res.ID,
			"statement", enc.SQL,
			"units", len(enc.Members),
		)
		return
	}

	kind := Classify(err)
	out := ApplyRollbackPolicy(kind, c.e.rollbackOnFailure)
	if out.Abort {
		c.abortWith(kind, err)
		return
	}

	var be *store.BatchError
	if errors.As(err, &be) {
		if att, ok := AttributeBatchFailure(enc.Members, be.Counts); ok {
			for _, u := range att.Success {
				c.route(u, unit.Success, nil)
			}
			for _, u := range att.Failure {
				c.route(u, unit.Failure, err)
			}
			for _, u := range att.Retry {
				c.route(u, unit.Retry, err)
			}
			c.recordLineage(att.Success)

			slog.Error("failed to update database due to a failed batch update; routing failed statements to failure and statements that were not executed to retry",
				"cycle_id", c.res.ID,
				"statement", enc.SQL,
				"failure_count", len(att.Failure),
				"success_count", len(att.Success),
				"retry_count", len(att.Retry),
				"failed_units", unit.IDs(att.Failure),
				"error", err,
			)
			return
		}
	}

	slog.Error("failed to update database",
		"cycle_id", c.res.ID,
		"statement", enc.SQL,
		"units", unit.IDs(enc.Members),
		"kind", kind.String(),
		"relationship", string(out.Relationship),
		"error", err,
	)
	for _, u := range enc.Members {
		c.route(u, out.Relationship, err)
	}
}

// executePerUnit runs members one at a time. A member's failure is routed
// without stopping its siblings unless it aborts the cycle.
//
// fresh selects a new statement per unit (generated keys); otherwise each
// target Enclosure caches one statement for all of its members.
func (c *cycle) executePerUnit(ctx context.Context, members []*unit.Unit, target func(*unit.Unit) *Enclosure, fresh bool) {
	var succeeded []*unit.Unit
	defer func() { c.recordLineage(succeeded) }()

	for _, u := range members {
		if c.abort != nil {
			return
		}
		if err := ctx.Err(); err != nil {
			c.abortWith(TemporalFailure, err)
			return
		}

		enc := target(u)
		if enc == nil {
			continue
		}
		if err := c.executeOne(ctx, enc, u, fresh); err != nil {
			c.fail(u, err)
			continue
		}
		c.route(u, unit.Success, nil)
		succeeded = append(succeeded, u)
	}
}

// executeOne binds u's parameters, executes, and keeps any generated key for
// attachment on commit.
func (c *cycle) executeOne(ctx context.Context, enc *Enclosure, u *unit.Unit, fresh bool) error {
	args, err := c.e.encoder.Args(u.Attributes)
	if err != nil {
		return err
	}

	stmt := enc.stmt
	if fresh || stmt == nil {
		stmt, err = c.conn.Prepare(ctx, enc.SQL)
		if err != nil {
			return err
		}
		if fresh {
			defer stmt.Close()
		} else {
			enc.stmt = stmt
		}
	}

	if _, err := stmt.ExecuteUpdate(ctx, args); err != nil {
		return err
	}
	if key, ok := stmt.GeneratedKey(); ok {
		c.keys[u] = key
	}
	return nil
}
