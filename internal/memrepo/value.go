package memrepo

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/refrace/internal/session"
)

// Row maps column name to value. Values are int64, float64, string or nil.
// Rows stored in a table are never mutated; writers replace them.
type Row map[string]any

func (r Row) clone() Row {
	return maps.Clone(r)
}

// tableData maps encoded primary key to row.
type tableData map[string]Row

// snapshot maps table name to its rows. A snapshot referenced by a
// revision is immutable.
type snapshot map[string]tableData

// Table describes a user table.
type Table struct {
	Name    string
	Key     string
	Columns []string
}

// column resolves name case-insensitively against the table's columns.
func (t Table) column(name string) (string, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// normalizeValue maps Go scalars onto the stored value set.
func normalizeValue(v any) (any, error) {
	v = session.Normalize(v)
	switch val := v.(type) {
	case nil, int64, float64, string:
		return val, nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// encodeKey turns a primary key value into a map key. The type tag keeps
// 1 and '1' distinct.
func encodeKey(v any) (string, error) {
	switch val := v.(type) {
	case int64:
		return "i:" + strconv.FormatInt(val, 10), nil
	case float64:
		return "f:" + strconv.FormatFloat(val, 'g', -1, 64), nil
	case string:
		return "s:" + val, nil
	case nil:
		return "", fmt.Errorf("primary key cannot be NULL")
	default:
		return "", fmt.Errorf("unsupported key type %T", v)
	}
}

// compareValues orders NULL first, then numbers, then strings.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return cmp.Compare(av, bv)
		case float64:
			return cmp.Compare(float64(av), bv)
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return cmp.Compare(av, float64(bv))
		case float64:
			return cmp.Compare(av, bv)
		}
	case string:
		return cmp.Compare(av, b.(string))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64, float64:
		return 1
	default:
		return 2
	}
}

// rowsEqual compares two rows by value. A nil row means "absent".
func rowsEqual(a, b Row) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if (av == nil) != (bv == nil) {
			return false
		}
		if av != nil && compareValues(av, bv) != 0 {
			return false
		}
	}
	return true
}

// sortedRows returns the table's rows ordered by primary key.
func sortedRows(t Table, td tableData) []Row {
	rows := make([]Row, 0, len(td))
	for _, r := range td {
		rows = append(rows, r)
	}
	sortRowsByKey(t.Key, rows)
	return rows
}

func sortRowsByKey(key string, rows []Row) {
	slices.SortStableFunc(rows, func(a, b Row) int {
		return compareValues(a[key], b[key])
	})
}
