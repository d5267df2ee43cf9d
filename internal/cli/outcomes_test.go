package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainedEnv returns an environment whose journal holds two successes and
// one failure.
func drainedEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t, "")
	env.enqueue(t, "ada", "grace", "ada")

	cmd := NewRunCommand(&RootOptions{Format: "text", Config: env.config})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--drain"})
	require.NoError(t, cmd.Execute())
	return env
}

func TestOutcomesText(t *testing.T) {
	env := drainedEnv(t)

	buf := &bytes.Buffer{}
	cmd := NewOutcomesCommand(&RootOptions{Format: "text", Config: env.config})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	output := buf.String()
	assert.Contains(t, output, "RELATIONSHIP")
	assert.Contains(t, output, "u1")
	assert.Contains(t, output, "failure")
}

func TestOutcomesFilteredJSON(t *testing.T) {
	env := drainedEnv(t)

	buf := &bytes.Buffer{}
	cmd := NewOutcomesCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--journal", env.journal, "--relationship", "failure"})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string        `json:"status"`
		Data   []OutcomeView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "u3", resp.Data[0].Unit)
	assert.Equal(t, "failure", resp.Data[0].Relationship)
	assert.NotEmpty(t, resp.Data[0].Cause)
	assert.NotEmpty(t, resp.Data[0].Cycle)

	buf.Reset()
	cmd = NewOutcomesCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--journal", env.journal, "--cycle", resp.Data[0].Cycle})
	require.NoError(t, cmd.Execute())

	var all struct {
		Data []OutcomeView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &all))
	assert.Len(t, all.Data, 3, "all three units routed in one cycle")
}

func TestOutcomesEmptyJournal(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewOutcomesCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--journal", filepath.Join(t.TempDir(), "journal.db")})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "No outcomes recorded.")
}

func TestOutcomesInvalidRelationship(t *testing.T) {
	cmd := NewOutcomesCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--journal", filepath.Join(t.TempDir(), "journal.db"), "--relationship", "lost"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid relationship "lost"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
