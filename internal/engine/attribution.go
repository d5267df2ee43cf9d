package engine

import (
	"github.com/roach88/putsql/internal/store"
	"github.com/roach88/putsql/internal/unit"
)

// Attribution splits the members of a failed batch by destination.
type Attribution struct {
	Success []*unit.Unit
	Failure []*unit.Unit
	Retry   []*unit.Unit
}

// AttributeBatchFailure maps per-statement counts reported by a failed batch
// back onto the batch members.
//
//   - members before len(counts) succeed, or fail where the count is
//     store.ExecuteFailed
//   - without any ExecuteFailed, the member right after the last reported
//     count is blamed and the rest are retried
//   - with an ExecuteFailed present, every unreported member is retried
//
// Blaming the member after the last count assumes the driver stopped at the
// failing statement, which not every driver guarantees.
//
// ok is false when the counts cover every member and none failed: the error
// was not caused by any single statement and the caller must route the batch
// as a whole.
func AttributeBatchFailure(members []*unit.Unit, counts []int64) (att Attribution, ok bool) {
	reported := len(counts)
	if reported > len(members) {
		reported = len(members)
	}

	sentinel := false
	for i := 0; i < reported; i++ {
		if counts[i] == store.ExecuteFailed {
			att.Failure = append(att.Failure, members[i])
			sentinel = true
		} else {
			att.Success = append(att.Success, members[i])
		}
	}

	if sentinel {
		att.Retry = append(att.Retry, members[reported:]...)
		return att, true
	}

	if reported >= len(members) {
		return Attribution{}, false
	}

	att.Failure = append(att.Failure, members[reported])
	att.Retry = append(att.Retry, members[reported+1:]...)
	return att, true
}
