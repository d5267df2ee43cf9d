// Package fragment decides whether a set of units sharing a fragment
// identifier forms a complete, well-formed transaction.
//
// A fragmented transaction is one logical transaction whose statements arrive
// as independent units. Each unit carries:
//
//	fragment.identifier  correlation ID shared by the whole set
//	fragment.count       declared number of units in the set (positive)
//	fragment.index       zero-based position, unique within the set
//
// Check is pure with respect to an incomplete set: calling it again on the
// same units yields the same NotReady answer and leaves them untouched.
package fragment

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/putsql/internal/unit"
)

// Readiness is the verdict on a fragment set.
type Readiness int

const (
	// Ready means the set is complete and sorted by fragment.index.
	Ready Readiness = iota + 1
	// NotReady means members are still missing; requeue and try later.
	NotReady
	// Invalid means the set is malformed or expired; route it all to failure.
	Invalid
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case NotReady:
		return "not_ready"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("Readiness(%d)", int(r))
}

// ErrorCode categorizes invalid fragment sets.
type ErrorCode string

const (
	// ErrCodeMalformed covers missing, non-numeric, inconsistent or duplicate
	// count and index attributes.
	ErrCodeMalformed ErrorCode = "FRAGMENT_MALFORMED"
	// ErrCodeTimeout means the set did not complete within the configured timeout.
	ErrCodeTimeout ErrorCode = "FRAGMENT_TIMEOUT"
)

// Error explains why a fragment set is Invalid.
type Error struct {
	Code    ErrorCode
	Message string
	UnitID  string   // offending unit, empty for set-wide causes
	Members []string // full member list of the set
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.UnitID != "" {
		b.WriteString(" (unit=")
		b.WriteString(e.UnitID)
		b.WriteString(")")
	}
	if len(e.Members) > 0 {
		b.WriteString(" members=[")
		b.WriteString(strings.Join(e.Members, ","))
		b.WriteString("]")
	}
	return b.String()
}

// IsMalformed returns true if err is a malformed-fragment error.
func IsMalformed(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == ErrCodeMalformed
}

// IsTimeout returns true if err is an expired-fragment error.
func IsTimeout(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == ErrCodeTimeout
}

// Check evaluates units as one fragment set.
//
// A zero timeout disables expiry. now is the evaluation instant and is
// compared against the latest EnqueuedAt of the set.
//
// When Ready is returned for a multi-unit set, units has been sorted in place
// by fragment.index. Invalid is always paired with a non-nil *Error.
func Check(units []*unit.Unit, timeout time.Duration, now time.Time) (Readiness, error) {
	members := unit.IDs(units)
	malformed := func(u *unit.Unit, format string, args ...any) (Readiness, error) {
		return Invalid, &Error{
			Code:    ErrCodeMalformed,
			Message: fmt.Sprintf(format, args...),
			UnitID:  u.ID,
			Members: members,
		}
	}

	declared := 0
	seen := make(map[int]bool, len(units))
	indices := make(map[*unit.Unit]int, len(units))

	for _, u := range units {
		rawCount, ok := u.Attr(unit.AttrFragmentCount)
		if !ok {
			if len(units) == 1 {
				return Ready, nil
			}
			return malformed(u, "%d units share a fragment.identifier but not all have a fragment.count", len(units))
		}

		count, err := strconv.Atoi(rawCount)
		if err != nil {
			return malformed(u, "fragment.count has value '%s', which is not an integer", rawCount)
		}
		if count < 1 {
			return malformed(u, "fragment.count has value '%s', which is not a positive integer", rawCount)
		}
		if declared == 0 {
			declared = count
		} else if count != declared {
			return malformed(u, "fragment.count differs between units with the same fragment.identifier")
		}

		rawIndex, ok := u.Attr(unit.AttrFragmentIndex)
		if !ok {
			return malformed(u, "fragment.index is missing")
		}
		idx, err := strconv.Atoi(rawIndex)
		if err != nil {
			return malformed(u, "fragment.index has value '%s', which is not an integer", rawIndex)
		}
		if idx < 0 {
			return malformed(u, "fragment.index has value '%s', which is negative", rawIndex)
		}
		if seen[idx] {
			return malformed(u, "fragment.index %d is used by another unit with the same fragment.identifier", idx)
		}
		seen[idx] = true
		indices[u] = idx
	}

	if declared == len(units) {
		sort.SliceStable(units, func(i, j int) bool {
			return indices[units[i]] < indices[units[j]]
		})
		return Ready, nil
	}

	if timeout > 0 {
		var latest time.Time
		for _, u := range units {
			if u.EnqueuedAt.After(latest) {
				latest = u.EnqueuedAt
			}
		}
		if !latest.IsZero() && now.Sub(latest) > timeout {
			return Invalid, &Error{
				Code:    ErrCodeTimeout,
				Message: fmt.Sprintf("transaction timeout of %s expired with %d of %d fragments present", timeout, len(units), declared),
				Members: members,
			}
		}
	}

	return NotReady, nil
}
