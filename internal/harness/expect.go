package harness

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/roach88/refrace/internal/refstore"
	"github.com/roach88/refrace/internal/session"
)

// Error kinds accepted by expect.error and counted by metrics.
const (
	KindCASRejected        = "cas_rejected"
	KindQueryError         = "query_error"
	KindConflictUnresolved = "conflict_unresolved"
	KindConnectionError    = "connection_error"
	KindTransitionError    = "transition_error"
	KindOther              = "other"
)

// ErrorKind classifies a protocol error. Nil yields "".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case refstore.IsCASRejected(err):
		return KindCASRejected
	case refstore.IsConflictUnresolved(err):
		return KindConflictUnresolved
	case refstore.IsTransitionError(err):
		return KindTransitionError
	case session.IsConnectionError(err):
		return KindConnectionError
	case session.IsQueryError(err):
		return KindQueryError
	default:
		return KindOther
	}
}

// Expect describes what a step should observe.
type Expect struct {
	// Error is the expected error kind. The error is absorbed when it
	// matches.
	Error string `yaml:"error,omitempty"`

	// Message must be a substring of the error text.
	Message string `yaml:"message,omitempty"`

	// Optional accepts success in place of the expected error.
	Optional bool `yaml:"optional,omitempty"`

	// Rows is matched in order; each row names a subset of columns.
	Rows []map[string]any `yaml:"rows,omitempty"`

	Affected  *int64 `yaml:"affected,omitempty"`
	Conflicts *int64 `yaml:"conflicts,omitempty"`
}

func (e *Expect) validate() error {
	switch e.Error {
	case "", KindCASRejected, KindQueryError, KindConflictUnresolved, KindConnectionError, KindTransitionError:
	default:
		return fmt.Errorf("unknown error kind %q", e.Error)
	}
	if e.Error == "" {
		if e.Optional {
			return errors.New("optional requires error")
		}
		if e.Message != "" {
			return errors.New("message requires error")
		}
		return nil
	}
	if !e.Optional && (e.Rows != nil || e.Affected != nil || e.Conflicts != nil) {
		return errors.New("rows, affected and conflicts need a successful step; set optional")
	}
	return nil
}

// ExpectationError reports a step whose outcome did not match its
// expectation.
type ExpectationError struct {
	Op       string // operation name
	Field    string // expectation that failed
	Expected string
	Actual   string
	Err      error // the step's own error, if any
}

func (e *ExpectationError) Error() string {
	return fmt.Sprintf("%s: expected %s %s, got %s", e.Op, e.Field, e.Expected, e.Actual)
}

func (e *ExpectationError) Unwrap() error {
	return e.Err
}

// IsExpectationError reports whether err wraps an *ExpectationError.
func IsExpectationError(err error) bool {
	var ee *ExpectationError
	return errors.As(err, &ee)
}

// check applies e to the outcome of op. It returns nil when the step
// passes; an expected error is absorbed.
func (e *Expect) check(op string, out *refstore.Outcome, err error) error {
	if e == nil {
		return err
	}

	if e.Error != "" {
		if err != nil {
			if kind := ErrorKind(err); kind != e.Error {
				return &ExpectationError{Op: op, Field: "error", Expected: e.Error, Actual: kind + ": " + err.Error(), Err: err}
			}
			if e.Message != "" && !strings.Contains(err.Error(), e.Message) {
				return &ExpectationError{Op: op, Field: "message", Expected: strconv.Quote(e.Message), Actual: strconv.Quote(err.Error()), Err: err}
			}
			return nil
		}
		if !e.Optional {
			return &ExpectationError{Op: op, Field: "error", Expected: e.Error, Actual: "success"}
		}
	} else if err != nil {
		return err
	}

	return e.checkOutcome(op, out)
}

func (e *Expect) checkOutcome(op string, out *refstore.Outcome) error {
	if out == nil {
		out = &refstore.Outcome{}
	}
	if e.Affected != nil && *e.Affected != out.Affected {
		return &ExpectationError{Op: op, Field: "affected", Expected: strconv.FormatInt(*e.Affected, 10), Actual: strconv.FormatInt(out.Affected, 10)}
	}
	if e.Conflicts != nil {
		if n := out.ConflictCount(); *e.Conflicts != n {
			return &ExpectationError{Op: op, Field: "conflicts", Expected: strconv.FormatInt(*e.Conflicts, 10), Actual: strconv.FormatInt(n, 10)}
		}
	}
	if e.Rows != nil {
		return matchRows(op, e.Rows, out.Result.Maps())
	}
	return nil
}

// matchRows compares rows in order. Columns absent from an expected row
// are ignored.
func matchRows(op string, expected, actual []map[string]any) error {
	if len(expected) != len(actual) {
		return &ExpectationError{Op: op, Field: "row count", Expected: strconv.Itoa(len(expected)), Actual: strconv.Itoa(len(actual))}
	}
	for i, want := range expected {
		for col, wv := range want {
			av, ok := actual[i][col]
			if !ok {
				return &ExpectationError{Op: op, Field: fmt.Sprintf("rows[%d] column", i), Expected: strconv.Quote(col), Actual: "missing"}
			}
			if !valuesMatch(wv, av) {
				return &ExpectationError{Op: op, Field: fmt.Sprintf("rows[%d].%s", i, col), Expected: formatValue(wv), Actual: formatValue(av)}
			}
		}
	}
	return nil
}

// valuesMatch compares a YAML scalar with a normalized column value.
// Integers arrive as int64 from sessions but int from YAML; the MySQL
// text protocol can also return numbers as strings.
func valuesMatch(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case int64:
			return exp == strconv.FormatInt(act, 10)
		}
		return false
	case int:
		return intMatches(int64(exp), actual)
	case int64:
		return intMatches(exp, actual)
	case float64:
		switch act := actual.(type) {
		case float64:
			return exp == act
		case int64:
			return exp == float64(act)
		case string:
			f, err := strconv.ParseFloat(act, 64)
			return err == nil && f == exp
		}
		return false
	case bool:
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			// MySQL stores booleans as TINYINT
			return exp == (act != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

func intMatches(exp int64, actual any) bool {
	switch act := actual.(type) {
	case int64:
		return exp == act
	case float64:
		return float64(exp) == act
	case string:
		n, err := strconv.ParseInt(act, 10, 64)
		return err == nil && n == exp
	}
	return false
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
