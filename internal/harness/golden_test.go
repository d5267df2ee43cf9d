package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Deterministic(t *testing.T) {
	r := sampleResult()

	a, err := Snapshot("sample", r)
	require.NoError(t, err)
	b, err := Snapshot("sample", r)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, byte('\n'), a[len(a)-1])

	var decoded TraceSnapshot
	require.NoError(t, json.Unmarshal(a, &decoded))
	assert.Equal(t, "sample", decoded.ScenarioName)
	assert.Equal(t, r.Trace, decoded.Trace)
}

func TestSnapshot_OmitsEmptyFields(t *testing.T) {
	r := NewResult()
	r.Trace = append(r.Trace, TraceEvent{
		Cycle:  "cycle-1",
		Seq:    1,
		Units:  []string{"u1"},
		States: []string{"idle"},
	})

	data, err := Snapshot("sparse", r)
	require.NoError(t, err)
	for _, field := range []string{"mode", "fragment_id", "readiness", "requeued", "routes", "lineage", "error"} {
		assert.NotContains(t, string(data), `"`+field+`"`)
	}
}

func TestSnapshot_EmptyTrace(t *testing.T) {
	data, err := Snapshot("empty", &Result{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"scenario_name":"empty","trace":[]}`, string(data))
}

func TestAssertGolden_BatchPartialFailure(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/batch_partial_failure.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NoError(t, AssertGolden(t, scenario.Name, result))
}
