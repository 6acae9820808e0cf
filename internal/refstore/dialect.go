package refstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Expected-hash operands for Commit. Any other value is a literal hash.
const (
	ExpectHead      = "head"
	ExpectMergeHead = "merge_head"
)

// Dialect renders protocol statements for one database.
type Dialect struct {
	Database string
}

// HeadVar is the session variable holding the bound revision hash.
func (d Dialect) HeadVar() string { return "@@" + d.Database + "_head" }

// MergeHeadVar holds the hash being merged in, NULL when no merge is pending.
func (d Dialect) MergeHeadVar() string { return "@@" + d.Database + "_merge_head" }

// WorkingVar is assigned to start a merge.
func (d Dialect) WorkingVar() string { return "@@" + d.Database + "_working" }

func (d Dialect) SetHead(ref string) string {
	return fmt.Sprintf("SET %s = HASHOF(%s)", d.HeadVar(), Literal(ref))
}

func (d Dialect) SelectHead() string {
	return "SELECT " + d.HeadVar()
}

func (d Dialect) SelectMergeHead() string {
	return "SELECT " + d.MergeHeadVar()
}

// Commit renders the CAS commit. expected holds ExpectHead,
// ExpectMergeHead or literal hashes.
func (d Dialect) Commit(message, ref string, expected []string) string {
	operands := make([]string, len(expected))
	for i, e := range expected {
		switch e {
		case ExpectHead:
			operands[i] = d.HeadVar()
		case ExpectMergeHead:
			operands[i] = d.MergeHeadVar()
		default:
			operands[i] = Literal(e)
		}
	}
	return fmt.Sprintf(
		"UPDATE dolt_branches SET hash = DOLT_COMMIT('-m', %s) WHERE name = %s AND hash IN (%s)",
		Literal(message), Literal(ref), strings.Join(operands, ", "))
}

func (d Dialect) CreateBranch(name, from string) string {
	return fmt.Sprintf("INSERT INTO dolt_branches (name, hash) VALUES (%s, HASHOF(%s))",
		Literal(name), Literal(from))
}

func (d Dialect) Merge(source string) string {
	return fmt.Sprintf("SET %s = DOLT_MERGE(%s)", d.WorkingVar(), Literal(source))
}

func (d Dialect) SelectConflicts() string {
	return "SELECT * FROM dolt_conflicts"
}

func (d Dialect) SelectTableConflicts(table string) string {
	return "SELECT * FROM " + Ident("dolt_conflicts_"+table)
}

func (d Dialect) ClearConflicts(table string) string {
	return "DELETE FROM " + Ident("dolt_conflicts_"+table)
}

// Replace upserts one row.
func (d Dialect) Replace(table string, cols []string, vals []any) string {
	idents := make([]string, len(cols))
	for i, c := range cols {
		idents[i] = Ident(c)
	}
	lits := make([]string, len(vals))
	for i, v := range vals {
		lits[i] = Value(v)
	}
	return fmt.Sprintf("REPLACE INTO %s (%s) VALUES (%s)",
		Ident(table), strings.Join(idents, ", "), strings.Join(lits, ", "))
}

// DeleteKey deletes the row whose key column equals v.
func (d Dialect) DeleteKey(table, key string, v any) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", Ident(table), Ident(key), Value(v))
}

// Literal quotes s as a SQL string literal.
func Literal(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `''`)
	return "'" + s + "'"
}

// Ident quotes an identifier with backticks.
func Ident(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Value renders a scalar as a SQL literal.
func Value(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return Literal(val)
	case []byte:
		return Literal(string(val))
	default:
		return Literal(fmt.Sprint(val))
	}
}
