package harness

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v %s\n", i+1, ev.Cycle, ev.Units, strings.Join(ev.States, "→"))
			for _, r := range ev.Routes {
				fmt.Fprintf(&buf, "      %s → %s\n", r.Unit, r.Relationship)
			}
		}
	}

	return buf.String()
}

// assertRouted checks the most recent route of a unit.
func assertRouted(result *Result, assertion Assertion) error {
	got, ok := result.LastRoute(assertion.Unit)
	if !ok {
		got = "never routed"
	}
	if got != assertion.Relationship {
		return &AssertionError{
			Type:     AssertRouted,
			Expected: fmt.Sprintf("unit %s routed to %s", assertion.Unit, assertion.Relationship),
			Actual:   got,
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertRouteCount counts routes to a relationship across every cycle.
func assertRouteCount(result *Result, assertion Assertion) error {
	count := 0
	for _, ev := range result.Trace {
		for _, r := range ev.Routes {
			if r.Relationship == assertion.Relationship {
				count++
			}
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertRouteCount,
			Expected: fmt.Sprintf("%d routes to %s", assertion.Count, assertion.Relationship),
			Actual:   fmt.Sprintf("%d routes", count),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertCycleStates compares the states entered by one traced cycle.
func assertCycleStates(result *Result, assertion Assertion) error {
	if assertion.Cycle > len(result.Trace) {
		return &AssertionError{
			Type:     AssertCycleStates,
			Expected: fmt.Sprintf("at least %d traced cycles", assertion.Cycle),
			Actual:   fmt.Sprintf("%d traced cycles", len(result.Trace)),
			Trace:    result.Trace,
		}
	}

	got := result.Trace[assertion.Cycle-1].States
	if !reflect.DeepEqual(got, assertion.States) {
		return &AssertionError{
			Type:     AssertCycleStates,
			Expected: fmt.Sprintf("cycle %d states %v", assertion.Cycle, assertion.States),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertAttribute checks a unit attribute after the flow.
func assertAttribute(result *Result, assertion Assertion) error {
	u, ok := result.Units[assertion.Unit]
	if !ok {
		return fmt.Errorf("attribute assertion names unknown unit %q", assertion.Unit)
	}

	got, present := u.Attr(assertion.Name)
	switch {
	case assertion.Absent && present:
		return &AssertionError{
			Type:     AssertAttribute,
			Expected: fmt.Sprintf("unit %s without %s", assertion.Unit, assertion.Name),
			Actual:   fmt.Sprintf("%s = %q", assertion.Name, got),
		}
	case !assertion.Absent && !present:
		return &AssertionError{
			Type:     AssertAttribute,
			Expected: fmt.Sprintf("unit %s with %s = %q", assertion.Unit, assertion.Name, assertion.Value),
			Actual:   "attribute missing",
		}
	case !assertion.Absent && got != assertion.Value:
		return &AssertionError{
			Type:     AssertAttribute,
			Expected: fmt.Sprintf("%s = %q", assertion.Name, assertion.Value),
			Actual:   fmt.Sprintf("%s = %q", assertion.Name, got),
		}
	}
	return nil
}

// assertLineageCount compares the number of published lineage events.
func assertLineageCount(published int, assertion Assertion) error {
	if published != assertion.Count {
		return &AssertionError{
			Type:     AssertLineageCount,
			Expected: fmt.Sprintf("%d lineage events", assertion.Count),
			Actual:   fmt.Sprintf("%d lineage events", published),
		}
	}
	return nil
}

// assertFinalState queries a target table and verifies the single matching
// row holds the expected values.
func assertFinalState(ctx context.Context, db *sql.DB, assertion Assertion) error {
	query, whereArgs, err := selectQuery("*", assertion)
	if err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]interface{}, len(columns))
	valuePtrs := make([]interface{}, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Multiple matching rows would make the assertion ambiguous.
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]interface{})
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	// Subset semantics - only check fields in Expect.
	keys := sortedKeys(assertion.Expect)
	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}

		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// assertRowCount counts the rows of a target table matching Where.
func assertRowCount(ctx context.Context, db *sql.DB, assertion Assertion) error {
	query, whereArgs, err := selectQuery("COUNT(*)", assertion)
	if err != nil {
		return err
	}

	var count int
	if err := db.QueryRowContext(ctx, query, whereArgs...).Scan(&count); err != nil {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", assertion.Count, assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", count),
		}
	}
	return nil
}

// selectQuery builds "SELECT <what> FROM <table> [WHERE ...]" for an
// assertion. Identifiers are validated; values are always parameters.
func selectQuery(what string, assertion Assertion) (string, []interface{}, error) {
	if assertion.Table == "" {
		return "", nil, fmt.Errorf("%s assertion requires table name", assertion.Type)
	}
	if !validIdentifier.MatchString(assertion.Table) {
		return "", nil, fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return "", nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", what, assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	return query, whereArgs, nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]interface{}) (string, []interface{}, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		if where[key] == nil {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", key))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL-compatible value.
func toSQLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string, int, int64, float64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]interface{}) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares expected and actual values from target tables.
// Handles type coercion for SQLite values which may be returned as different types.
func stateValuesEqual(expected, actual interface{}) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	// SQLite hands TEXT back as []byte for some column declarations.
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		if actualStr, ok := actual.(string); ok {
			return exp == actualStr
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		if actualInt, ok := actual.(int); ok {
			return exp == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case float64:
		switch a := actual.(type) {
		case float64:
			return exp == a
		case int64:
			return exp == float64(a)
		}
		return false
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		// SQLite stores booleans as integers
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	DB  *sql.DB
	Ctx context.Context
	// Lineage is the number of lineage events published during the run.
	Lineage int
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for table assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertRouted:
			err = assertRouted(result, assertion)
		case AssertRouteCount:
			err = assertRouteCount(result, assertion)
		case AssertCycleStates:
			err = assertCycleStates(result, assertion)
		case AssertAttribute:
			err = assertAttribute(result, assertion)
		case AssertLineageCount:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: lineage_count requires assertion context", i)
			} else {
				err = assertLineageCount(actx.Lineage, assertion)
			}
		case AssertFinalState, AssertRowCount:
			if actx == nil || actx.DB == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
			} else if assertion.Type == AssertFinalState {
				err = assertFinalState(actx.Ctx, actx.DB, assertion)
			} else {
				err = assertRowCount(actx.Ctx, actx.DB, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

