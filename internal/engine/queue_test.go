package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/putsql/internal/testutil"
	"github.com/roach88/putsql/internal/unit"
)

func acceptAll(*unit.Unit) Verdict { return Accept }

func plainUnits(ids ...string) []*unit.Unit {
	out := make([]*unit.Unit, len(ids))
	for i, id := range ids {
		out[i] = unit.New(id, nil, nil, t0)
	}
	return out
}

func TestMemQueue_OfferPullFIFO(t *testing.T) {
	q := NewMemQueue(testutil.NewFakeClock(t0), 0)
	require.True(t, q.Offer(plainUnits("a", "b", "c")...))

	got, err := q.Pull(context.Background(), acceptAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, unit.IDs(got))
	assert.Equal(t, 0, q.Len())
}

func TestMemQueue_PullLeavesRejectedInPlace(t *testing.T) {
	q := NewMemQueue(testutil.NewFakeClock(t0), 0)
	q.Offer(plainUnits("a", "b", "c", "d")...)

	got, err := q.Pull(context.Background(), func(u *unit.Unit) Verdict {
		if u.ID == "b" {
			return Reject
		}
		if u.ID == "c" {
			return AcceptAndTerminate
		}
		return Accept
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, unit.IDs(got))

	rest, err := q.Pull(context.Background(), acceptAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, unit.IDs(rest), "rejected and unscanned units keep their order")
}

func TestMemQueue_RejectAndTerminate(t *testing.T) {
	q := NewMemQueue(testutil.NewFakeClock(t0), 0)
	q.Offer(plainUnits("a", "b")...)

	got, err := q.Pull(context.Background(), func(*unit.Unit) Verdict { return RejectAndTerminate })
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 2, q.Len())
}

func TestMemQueue_RequeuePenalty(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	q := NewMemQueue(clock, 0)
	units := plainUnits("a")
	require.NoError(t, q.Requeue(context.Background(), units, 10*time.Second))

	got, err := q.Pull(context.Background(), acceptAll)
	require.NoError(t, err)
	assert.Empty(t, got, "penalized units are invisible")

	clock.Advance(10 * time.Second)
	got, err = q.Pull(context.Background(), acceptAll)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, t0, got[0].EnqueuedAt)
}

func TestMemQueue_TransferRetryRequeues(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	q := NewMemQueue(clock, 5*time.Second)
	units := plainUnits("ok", "again", "bad")

	err := q.Transfer(context.Background(), "cycle-1", []Route{
		{Unit: units[0], Relationship: unit.Success},
		{Unit: units[1], Relationship: unit.Retry, Cause: errors.New("busy")},
		{Unit: units[2], Relationship: unit.Failure, Cause: errors.New("constraint")},
	})
	require.NoError(t, err)

	assert.Len(t, q.Routes(""), 3)
	assert.Len(t, q.Routes(unit.Success), 1)
	assert.Equal(t, 1, q.Len())

	got, _ := q.Pull(context.Background(), acceptAll)
	assert.Empty(t, got)

	clock.Advance(5 * time.Second)
	got, _ = q.Pull(context.Background(), acceptAll)
	assert.Equal(t, []string{"again"}, unit.IDs(got))
}

func TestMemQueue_PullCancelled(t *testing.T) {
	q := NewMemQueue(nil, 0)
	q.Offer(plainUnits("a")...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pull(ctx, acceptAll)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
}

func TestMemQueue_Close(t *testing.T) {
	q := NewMemQueue(nil, 0)
	q.Close()
	q.Close()

	assert.False(t, q.Offer(plainUnits("a")...))
	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestMemQueue_WaitSignals(t *testing.T) {
	q := NewMemQueue(nil, 0)
	q.Offer(plainUnits("a")...)

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected signal after offer")
	}
}

func TestMemQueue_Lineage(t *testing.T) {
	q := NewMemQueue(nil, 0)
	require.NoError(t, q.Report(context.Background(), []LineageEvent{{CycleID: "c", UnitID: "a"}}))

	got := q.Lineage()
	require.Len(t, got, 1)
	got[0].UnitID = "mutated"
	assert.Equal(t, "a", q.Lineage()[0].UnitID)
}
