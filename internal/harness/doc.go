// Package harness provides conformance testing for the putsql write engine.
//
// The harness runs YAML scenarios against a fresh in-memory SQLite target,
// records every cycle the engine runs, and validates the routes, unit
// attributes and final table contents.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	config:
//	  statement: INSERT INTO persons (name) VALUES (?)
//	  rollback_on_failure: true
//	setup:
//	  - CREATE TABLE persons (id INTEGER PRIMARY KEY, name TEXT UNIQUE)
//	units:
//	  - id: u1
//	    attributes: { sql.args.1.type: "12", sql.args.1.value: ada }
//	flow:
//	  - cycle: true
//	  - advance: 30s
//	  - enqueue: [{ id: u2, content: "DELETE FROM persons" }]
//	  - drain: true
//	assertions:
//	  - type: routed
//	    unit: u1
//	    relationship: success
//	  - type: final_state
//	    table: persons
//	    where: { name: ada }
//	    expect: { id: 1 }
//
// # Assertion Types
//
//   - routed: the last route of a unit
//   - route_count: routes to a relationship across all cycles
//   - cycle_states: the states one traced cycle entered
//   - attribute: a unit attribute after the flow (e.g. sql.generated.key)
//   - lineage_count: lineage events published by committed cycles
//   - final_state: one target row holds the expected values
//   - row_count: the number of target rows matching a filter
//
// # Deterministic Testing
//
// Scenarios run with a fake clock starting at Epoch, sequential cycle IDs
// ("cycle-1", "cycle-2", ...) and UTC parameter decoding, so traces are
// identical across runs and can be compared to golden files.
package harness
