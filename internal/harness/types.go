package harness

import (
	"github.com/roach88/putsql/internal/engine"
	"github.com/roach88/putsql/internal/unit"
)

// TraceEvent records one cycle that fetched at least one unit.
// Field order is the golden file order.
type TraceEvent struct {
	Cycle      string       `json:"cycle"`
	Seq        int64        `json:"seq"`
	Units      []string     `json:"units"`
	States     []string     `json:"states"`
	Mode       string       `json:"mode,omitempty"`
	FragmentID string       `json:"fragment_id,omitempty"`
	Readiness  string       `json:"readiness,omitempty"`
	Requeued   []string     `json:"requeued,omitempty"`
	Routes     []RouteEvent `json:"routes,omitempty"`
	Lineage    int          `json:"lineage,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// RouteEvent is one unit's routing decision. Kind is the failure category
// of the route's cause, empty for routes without a cause.
type RouteEvent struct {
	Unit         string `json:"unit"`
	Relationship string `json:"relationship"`
	Kind         string `json:"kind,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace lists the non-empty cycles in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Units holds every unit offered to the queue, by ID, in its final state.
	Units map[string]*unit.Unit `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Units:  make(map[string]*unit.Unit),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddCycle appends res to the trace. Cycles that fetched nothing are skipped.
// cycleErr is the error RunCycle returned, if any.
func (r *Result) AddCycle(res *engine.CycleResult, cycleErr error) {
	if res == nil || len(res.Fetched) == 0 {
		return
	}

	ev := TraceEvent{
		Cycle:      res.ID,
		Seq:        res.Seq,
		Units:      unit.IDs(res.Fetched),
		States:     make([]string, 0, len(res.Trace)),
		FragmentID: res.FragmentID,
		Lineage:    len(res.Lineage),
	}
	for _, s := range res.Trace {
		ev.States = append(ev.States, s.String())
	}
	if res.Mode != 0 {
		ev.Mode = res.Mode.String()
	}
	if res.Fragmented {
		ev.Readiness = res.Readiness.String()
	}
	if len(res.Requeued) > 0 {
		ev.Requeued = unit.IDs(res.Requeued)
	}
	for _, rt := range res.Routes {
		re := RouteEvent{Unit: rt.Unit.ID, Relationship: string(rt.Relationship)}
		if rt.Cause != nil {
			re.Kind = engine.Classify(rt.Cause).String()
		}
		ev.Routes = append(ev.Routes, re)
	}
	if cycleErr != nil {
		ev.Error = cycleErr.Error()
	}

	r.Trace = append(r.Trace, ev)
}

// LastRoute returns the relationship of the most recent route of unitID.
func (r *Result) LastRoute(unitID string) (string, bool) {
	for i := len(r.Trace) - 1; i >= 0; i-- {
		routes := r.Trace[i].Routes
		for j := len(routes) - 1; j >= 0; j-- {
			if routes[j].Unit == unitID {
				return routes[j].Relationship, true
			}
		}
	}
	return "", false
}
