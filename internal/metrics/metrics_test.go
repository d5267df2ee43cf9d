package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/putsql/internal/engine"
	"github.com/roach88/putsql/internal/unit"
)

func routes(rels ...unit.Relationship) []engine.Route {
	out := make([]engine.Route, len(rels))
	for i, rel := range rels {
		out[i] = engine.Route{Unit: unit.New("u"+string(rune('a'+i)), nil, nil, time.Time{}), Relationship: rel}
		if rel != unit.Success {
			out[i].Cause = errors.New("boom")
		}
	}
	return out
}

func TestOutcome(t *testing.T) {
	u := []*unit.Unit{unit.New("a", nil, nil, time.Time{})}
	tests := []struct {
		name string
		res  *engine.CycleResult
		want string
	}{
		{
			name: "committed",
			res:  &engine.CycleResult{Trace: []engine.State{engine.StateIdle, engine.StateConnected, engine.StateExecuting, engine.StateCompleted, engine.StateClosed}},
			want: OutcomeCommitted,
		},
		{
			name: "aborted",
			res:  &engine.CycleResult{Trace: []engine.State{engine.StateIdle, engine.StateConnected, engine.StateExecuting, engine.StateAborted, engine.StateClosed}},
			want: OutcomeAborted,
		},
		{
			name: "commit failed",
			res:  &engine.CycleResult{Trace: []engine.State{engine.StateIdle, engine.StateConnected, engine.StateExecuting, engine.StateCompleted, engine.StateAborted, engine.StateClosed}},
			want: OutcomeAborted,
		},
		{
			name: "requeued",
			res:  &engine.CycleResult{Trace: []engine.State{engine.StateIdle}, Requeued: u},
			want: OutcomeRequeued,
		},
		{
			name: "rejected",
			res:  &engine.CycleResult{Trace: []engine.State{engine.StateIdle}, Routes: routes(unit.Failure)},
			want: OutcomeRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.res))
		})
	}
}

func TestRecorder_ObserveCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveCycle(&engine.CycleResult{
		Fetched: make([]*unit.Unit, 4),
		Elapsed: 120 * time.Millisecond,
		Trace:   []engine.State{engine.StateIdle, engine.StateConnected, engine.StateExecuting, engine.StateCompleted, engine.StateClosed},
		Routes:  routes(unit.Success, unit.Success, unit.Failure, unit.Retry),
	})
	r.ObserveCycle(&engine.CycleResult{
		Fetched: make([]*unit.Unit, 1),
		Trace:   []engine.State{engine.StateIdle},
		Routes:  routes(unit.Retry),
	})

	assert.Equal(t, 1.0, promtest.ToFloat64(r.cycles.WithLabelValues(OutcomeCommitted)))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.cycles.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 2.0, promtest.ToFloat64(r.routed.WithLabelValues("success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.routed.WithLabelValues("failure")))
	assert.Equal(t, 2.0, promtest.ToFloat64(r.routed.WithLabelValues("retry")))

	n, err := promtest.GatherAndCount(reg, "putsql_cycle_duration_seconds", "putsql_cycle_units")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.ObserveCycle(&engine.CycleResult{
		Trace:  []engine.State{engine.StateIdle, engine.StateConnected, engine.StateExecuting, engine.StateCompleted, engine.StateClosed},
		Routes: routes(unit.Success),
	})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `putsql_units_routed_total{relationship="success"} 1`)
	assert.Contains(t, string(body), `putsql_cycles_total{outcome="committed"} 1`)
}
