package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/putsql/internal/unit"
)

// batchFilter accepts up to max units in arrival order.
type batchFilter struct {
	max      int
	accepted int
}

func (f *batchFilter) filter(u *unit.Unit) Verdict {
	f.accepted++
	if f.accepted >= f.max {
		return AcceptAndTerminate
	}
	return Accept
}

// transactionalFilter selects either one fragment set or a run of
// unfragmented units, never a mix.
//
// The first acceptable unit decides the mode. A unit without
// fragment.identifier (or with fragment.count "1") switches the filter to
// unfragmented mode, bounded by max. Otherwise its identifier is selected and
// only units sharing it are accepted, stopping once the declared count is
// reached. A count that is not a number never stops the scan; readiness
// checking reports it afterwards.
type transactionalFilter struct {
	max int

	selectedID   string
	picked       bool
	selected     int
	unfragmented bool
}

// isUnfragmented reports whether u runs outside a fragment set. A present but
// empty fragment.identifier still names a set.
func isUnfragmented(u *unit.Unit) bool {
	if _, ok := u.Attr(unit.AttrFragmentID); !ok {
		return true
	}
	count, _ := u.Attr(unit.AttrFragmentCount)
	return count == "1"
}

func (f *transactionalFilter) filter(u *unit.Unit) Verdict {
	if f.unfragmented {
		if !isUnfragmented(u) {
			return Reject
		}
		f.selected++
		if f.selected >= f.max {
			return AcceptAndTerminate
		}
		return Accept
	}

	if isUnfragmented(u) {
		if f.picked {
			return Reject
		}
		f.unfragmented = true
		f.selected++
		if f.selected >= f.max {
			return AcceptAndTerminate
		}
		return Accept
	}

	id, _ := u.Attr(unit.AttrFragmentID)
	if !f.picked {
		f.selectedID, f.picked = id, true
		f.selected++
		return Accept
	}
	if id != f.selectedID {
		return Reject
	}

	declared := int(^uint(0) >> 1)
	if raw, ok := u.Attr(unit.AttrFragmentCount); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			declared = n
		}
	}
	if f.selected >= declared-1 {
		return AcceptAndTerminate
	}
	f.selected++
	return Accept
}

// fragmented reports whether the scan selected a fragment set.
func (f *transactionalFilter) fragmented() bool {
	return f.picked
}

// fetch pulls the next batch. fragmented is true when the batch is one
// fragment set and must pass readiness checking before execution.
func (e *Engine) fetch(ctx context.Context) (units []*unit.Unit, fragmented bool, fragmentID string, err error) {
	max := e.batchSize
	if max < 1 {
		max = 1
	}

	if !e.fragmentedTransactions {
		f := &batchFilter{max: max}
		units, err = e.queue.Pull(ctx, f.filter)
		if err != nil {
			return nil, false, "", fmt.Errorf("pull: %w", err)
		}
		return units, false, "", nil
	}

	f := &transactionalFilter{max: max}
	units, err = e.queue.Pull(ctx, f.filter)
	if err != nil {
		return nil, false, "", fmt.Errorf("pull: %w", err)
	}
	return units, f.fragmented(), f.selectedID, nil
}
