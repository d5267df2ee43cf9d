package engine

import (
	"fmt"

	"github.com/roach88/putsql/internal/store"
	"github.com/roach88/putsql/internal/unit"
)

// Mode is the execution mode of a cycle, selected once before grouping.
type Mode int

const (
	// ModeBatched binds every unit into one batch per statement text.
	ModeBatched Mode = iota + 1
	// ModePerUnitWithKeys executes each unit on its own statement so the
	// generated key can be read back.
	ModePerUnitWithKeys
	// ModeFragmentMember executes a fragment set unit by unit in index order.
	ModeFragmentMember
)

func (m Mode) String() string {
	switch m {
	case ModeBatched:
		return "batched"
	case ModePerUnitWithKeys:
		return "per_unit_with_keys"
	case ModeFragmentMember:
		return "fragment_member"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// SelectMode picks the mode for a cycle. Generated-key retrieval takes
// precedence over fragment execution.
func SelectMode(obtainKeys, fragmented bool) Mode {
	switch {
	case obtainKeys:
		return ModePerUnitWithKeys
	case fragmented:
		return ModeFragmentMember
	}
	return ModeBatched
}

// Group is a unit of execution produced by the grouper: either an *Enclosure
// or a *FragmentGroup.
type Group interface {
	// Units returns the members in execution order.
	Units() []*unit.Unit
	group()
}

// Enclosure holds the units of one cycle that share a statement text.
//
// At most one prepared statement is cached per Enclosure. It is prepared on
// the cycle's connection and closed before the cycle ends.
type Enclosure struct {
	SQL     string
	Mode    Mode
	Members []*unit.Unit

	stmt store.Stmt
}

// Units returns the members in the order they were added.
func (e *Enclosure) Units() []*unit.Unit { return e.Members }

func (*Enclosure) group() {}

// closeStmt releases the cached statement, if any.
func (e *Enclosure) closeStmt() error {
	if e.stmt == nil {
		return nil
	}
	err := e.stmt.Close()
	e.stmt = nil
	return err
}

// FragmentGroup is one fragment set executed as a single transaction. Each
// member runs against the inner Enclosure for its statement text.
type FragmentGroup struct {
	ID      string
	Members []*unit.Unit

	inner  map[string]*Enclosure
	byUnit map[*unit.Unit]*Enclosure
}

func newFragmentGroup(id string) *FragmentGroup {
	return &FragmentGroup{
		ID:     id,
		inner:  make(map[string]*Enclosure),
		byUnit: make(map[*unit.Unit]*Enclosure),
	}
}

// Units returns members in fragment.index order.
func (g *FragmentGroup) Units() []*unit.Unit { return g.Members }

func (*FragmentGroup) group() {}

// add records u as a member executing sql.
func (g *FragmentGroup) add(u *unit.Unit, sql string) {
	enc, ok := g.inner[sql]
	if !ok {
		enc = &Enclosure{SQL: sql, Mode: ModeFragmentMember}
		g.inner[sql] = enc
	}
	enc.Members = append(enc.Members, u)
	g.byUnit[u] = enc
	g.Members = append(g.Members, u)
}

// Target returns the inner Enclosure u executes against.
func (g *FragmentGroup) Target(u *unit.Unit) *Enclosure {
	return g.byUnit[u]
}

// closeStmts releases every inner statement.
func (g *FragmentGroup) closeStmts() error {
	var first error
	for _, enc := range g.inner {
		if err := enc.closeStmt(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
