package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/putsql/internal/unit"
)

// Scenario defines a conformance test scenario.
// A scenario prepares a target database, offers units to the queue, runs
// cycles and asserts on the resulting routes and final table contents.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config selects engine behavior.
	Config EngineConfig `yaml:"config,omitempty"`

	// Setup holds SQL statements run against the target before any cycle.
	Setup []string `yaml:"setup,omitempty"`

	// Units are offered to the queue before the flow starts.
	Units []UnitSpec `yaml:"units"`

	// Flow lists the steps to run. An empty flow drains the queue once.
	Flow []FlowStep `yaml:"flow,omitempty"`

	// Assertions validate the trace, the units and the target tables.
	Assertions []Assertion `yaml:"assertions"`
}

// EngineConfig mirrors the engine options a scenario may set. Durations use
// Go syntax ("30s", "2m").
type EngineConfig struct {
	Statement string `yaml:"statement,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty"`
	// FragmentedTransactions defaults to true when omitted.
	FragmentedTransactions *bool  `yaml:"fragmented_transactions,omitempty"`
	TransactionTimeout     string `yaml:"transaction_timeout,omitempty"`
	ObtainGeneratedKeys    bool   `yaml:"obtain_generated_keys,omitempty"`
	RollbackOnFailure      bool   `yaml:"rollback_on_failure,omitempty"`
	ContinueBatchOnError   bool   `yaml:"continue_batch_on_error,omitempty"`
	Penalty                string `yaml:"penalty,omitempty"`
	RetryDelay             string `yaml:"retry_delay,omitempty"`
}

// UnitSpec describes one unit to offer.
type UnitSpec struct {
	ID         string            `yaml:"id"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
	Content    string            `yaml:"content,omitempty"`
}

// FlowStep is one step of the flow. Exactly one field must be set.
type FlowStep struct {
	// Cycle runs a single cycle.
	Cycle bool `yaml:"cycle,omitempty"`

	// Drain runs cycles until one makes no terminal progress.
	Drain bool `yaml:"drain,omitempty"`

	// Advance moves the scenario clock forward.
	Advance string `yaml:"advance,omitempty"`

	// Enqueue offers more units at the current clock reading.
	Enqueue []UnitSpec `yaml:"enqueue,omitempty"`
}

// Assertion validates trace, unit or final table state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "routed": the last route of Unit is Relationship
	// - "route_count": exactly Count routes went to Relationship
	// - "cycle_states": trace entry Cycle (1-based) entered States
	// - "attribute": Unit's attribute Name equals Value, or is missing if Absent
	// - "lineage_count": exactly Count lineage events were published
	// - "final_state": query Table and verify expected values
	// - "row_count": Table holds exactly Count rows matching Where
	Type string `yaml:"type"`

	Unit         string `yaml:"unit,omitempty"`
	Relationship string `yaml:"relationship,omitempty"`

	// Count is the expected number (route_count, lineage_count, row_count).
	Count int `yaml:"count,omitempty"`

	// Cycle is the 1-based trace index (cycle_states).
	Cycle  int      `yaml:"cycle,omitempty"`
	States []string `yaml:"states,omitempty"`

	// Name, Value and Absent describe an attribute check.
	Name   string `yaml:"name,omitempty"`
	Value  string `yaml:"value,omitempty"`
	Absent bool   `yaml:"absent,omitempty"`

	// Table is the target table name (final_state, row_count).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters. All fields must match exactly.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertRouted       = "routed"
	AssertRouteCount   = "route_count"
	AssertCycleStates  = "cycle_states"
	AssertAttribute    = "attribute"
	AssertLineageCount = "lineage_count"
	AssertFinalState   = "final_state"
	AssertRowCount     = "row_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Units) == 0 {
		return fmt.Errorf("units list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if err := validateConfig(&s.Config); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]bool)
	checkUnits := func(where string, units []UnitSpec) error {
		for i, u := range units {
			if u.ID == "" {
				return fmt.Errorf("%s[%d]: id is required", where, i)
			}
			if seen[u.ID] {
				return fmt.Errorf("%s[%d]: duplicate unit id %q", where, i, u.ID)
			}
			seen[u.ID] = true
		}
		return nil
	}
	if err := checkUnits("units", s.Units); err != nil {
		return err
	}

	for i, step := range s.Flow {
		set := 0
		if step.Cycle {
			set++
		}
		if step.Drain {
			set++
		}
		if step.Advance != "" {
			set++
			if _, err := time.ParseDuration(step.Advance); err != nil {
				return fmt.Errorf("flow[%d]: advance: %w", i, err)
			}
		}
		if len(step.Enqueue) > 0 {
			set++
			if err := checkUnits(fmt.Sprintf("flow[%d].enqueue", i), step.Enqueue); err != nil {
				return err
			}
		}
		if set != 1 {
			return fmt.Errorf("flow[%d]: exactly one of cycle, drain, advance or enqueue is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateConfig(c *EngineConfig) error {
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must be non-negative")
	}
	for name, v := range map[string]string{
		"transaction_timeout": c.TransactionTimeout,
		"penalty":             c.Penalty,
		"retry_delay":         c.RetryDelay,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRouted:
		if a.Unit == "" {
			return fmt.Errorf("assertions[%d]: unit is required for routed", index)
		}
		if !unit.Relationship(a.Relationship).Valid() {
			return fmt.Errorf("assertions[%d]: unknown relationship %q", index, a.Relationship)
		}
	case AssertRouteCount:
		if !unit.Relationship(a.Relationship).Valid() {
			return fmt.Errorf("assertions[%d]: unknown relationship %q", index, a.Relationship)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for route_count", index)
		}
	case AssertCycleStates:
		if a.Cycle < 1 {
			return fmt.Errorf("assertions[%d]: cycle must be at least 1 for cycle_states", index)
		}
		if len(a.States) == 0 {
			return fmt.Errorf("assertions[%d]: states list is required for cycle_states", index)
		}
	case AssertAttribute:
		if a.Unit == "" || a.Name == "" {
			return fmt.Errorf("assertions[%d]: unit and name are required for attribute", index)
		}
	case AssertLineageCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for lineage_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
