// Package unit defines the work unit consumed by the write engine and the
// relationships a unit can be routed to.
package unit

import (
	"sort"
	"time"
)

// Attribute names shared with upstream producers. These are wire-stable.
const (
	AttrFragmentID    = "fragment.identifier"
	AttrFragmentCount = "fragment.count"
	AttrFragmentIndex = "fragment.index"
	AttrGeneratedKey  = "sql.generated.key"
)

// Relationship names a routing destination.
type Relationship string

const (
	// Success means the unit's statement was applied and committed.
	Success Relationship = "success"
	// Retry means the unit may succeed if attempted again later.
	Retry Relationship = "retry"
	// Failure is terminal.
	Failure Relationship = "failure"
	// Self is a non-terminal requeue onto the inbound queue.
	Self Relationship = "self"
)

// Terminal reports whether the relationship ends the unit's life in the engine.
func (r Relationship) Terminal() bool {
	return r == Success || r == Failure
}

// Valid reports whether r is one of the known relationships.
func (r Relationship) Valid() bool {
	switch r {
	case Success, Retry, Failure, Self:
		return true
	}
	return false
}

// Unit is one discrete item of work.
//
// A unit is owned exclusively by the cycle that fetched it until it is routed.
// Attributes may be mutated by the owning cycle (e.g. to attach a generated key).
type Unit struct {
	ID         string
	Attributes map[string]string
	Content    []byte
	EnqueuedAt time.Time
}

// New creates a unit with a copy of attrs.
func New(id string, attrs map[string]string, content []byte, enqueuedAt time.Time) *Unit {
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return &Unit{
		ID:         id,
		Attributes: cp,
		Content:    content,
		EnqueuedAt: enqueuedAt,
	}
}

// Attr returns the attribute value and whether it is present.
func (u *Unit) Attr(name string) (string, bool) {
	if u.Attributes == nil {
		return "", false
	}
	v, ok := u.Attributes[name]
	return v, ok
}

// SetAttr sets an attribute, allocating the map if needed.
func (u *Unit) SetAttr(name, value string) {
	if u.Attributes == nil {
		u.Attributes = make(map[string]string)
	}
	u.Attributes[name] = value
}

// AttrNames returns attribute names in sorted order.
func (u *Unit) AttrNames() []string {
	names := make([]string, 0, len(u.Attributes))
	for k := range u.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String identifies the unit in log lines.
func (u *Unit) String() string {
	return "unit[" + u.ID + "]"
}

// IDs returns the IDs of units in order.
func IDs(units []*Unit) []string {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids
}
