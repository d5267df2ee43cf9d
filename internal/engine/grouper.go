package engine

import (
	"context"

	"github.com/roach88/putsql/internal/unit"
)

// group partitions the fetched units into groups for the cycle's mode.
//
// Batched: one Enclosure per statement text, each with one lazily prepared
// statement; parameters are bound here and added to the batch.
// PerUnitWithKeys: one Enclosure per statement text; binding is left to the
// executor, which prepares a fresh statement per unit.
// FragmentMember: a single FragmentGroup mapping each unit to its inner
// Enclosure.
//
// A unit whose statement cannot be resolved or whose parameters cannot be
// bound is routed on its own; the rest of the batch is unaffected.
func (c *cycle) group(ctx context.Context, units []*unit.Unit) []Group {
	if c.res.Mode == ModeFragmentMember {
		g := newFragmentGroup(c.res.FragmentID)
		for _, u := range units {
			sql, err := c.e.resolveStatement(u)
			if err != nil {
				c.fail(u, err)
				continue
			}
			g.add(u, sql)
		}
		return []Group{g}
	}

	var groups []Group
	byText := make(map[string]*Enclosure)

	for _, u := range units {
		if c.abort != nil {
			break
		}

		sql, err := c.e.resolveStatement(u)
		if err != nil {
			c.fail(u, err)
			continue
		}

		enc, ok := byText[sql]
		if !ok {
			enc = &Enclosure{SQL: sql, Mode: c.res.Mode}
			byText[sql] = enc
			groups = append(groups, enc)
		}

		if c.res.Mode == ModePerUnitWithKeys {
			enc.Members = append(enc.Members, u)
			continue
		}

		if enc.stmt == nil {
			stmt, err := c.conn.Prepare(ctx, sql)
			if err != nil {
				c.fail(u, err)
				continue
			}
			enc.stmt = stmt
		}

		args, err := c.e.encoder.Args(u.Attributes)
		if err != nil {
			c.fail(u, err)
			continue
		}
		if err := enc.stmt.AddBatch(args); err != nil {
			c.fail(u, err)
			continue
		}
		enc.Members = append(enc.Members, u)
	}

	return groups
}
