package memrepo

import (
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/refrace/internal/session"
	"vitess.io/vitess/go/vt/sqlparser"
)

// relation is a readable table: a user table from the working set or one
// of the system tables.
type relation struct {
	stmt    string
	name    string
	columns []string
	rows    []Row
}

func (rel *relation) column(name string) (string, bool) {
	for _, c := range rel.columns {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// query runs a data statement against the working set.
func (s *Session) query(stmt string) (*session.Result, error) {
	parsed, err := sqlparser.Parse(stmt)
	if err != nil {
		return nil, queryErr(stmt, ErrCodeParse, "syntax error: %v", err)
	}
	if s.working == nil {
		rev, ok := s.repo.resolve(DefaultBranch)
		if !ok {
			return nil, queryErr(stmt, ErrCodeUnknown, "no head set for database %s", s.database)
		}
		s.bind(rev)
	}

	switch st := parsed.(type) {
	case *sqlparser.Select:
		return s.selectRows(stmt, st)
	case *sqlparser.Insert:
		return s.insert(stmt, st)
	case *sqlparser.Update:
		return s.update(stmt, st)
	case *sqlparser.Delete:
		return s.delete(stmt, st)
	default:
		return nil, queryErr(stmt, ErrCodeUnknown, "unsupported statement: %s", sqlparser.String(parsed))
	}
}

func singleTable(stmt string, exprs sqlparser.TableExprs) (string, error) {
	if len(exprs) != 1 {
		return "", queryErr(stmt, ErrCodeUnknown, "exactly one table is supported")
	}
	ate, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return "", queryErr(stmt, ErrCodeUnknown, "unsupported table expression: %s", sqlparser.String(exprs[0]))
	}
	tn, ok := ate.Expr.(sqlparser.TableName)
	if !ok {
		return "", queryErr(stmt, ErrCodeUnknown, "unsupported table expression: %s", sqlparser.String(ate.Expr))
	}
	return tn.Name.String(), nil
}

// source builds the relation named by a FROM clause.
func (s *Session) source(stmt, name string) (*relation, error) {
	lower := strings.ToLower(name)
	switch {
	case lower == branchesTable:
		branches := s.repo.Branches()
		rel := &relation{stmt: stmt, name: lower, columns: []string{"name", "hash"}}
		for n, h := range branches {
			rel.rows = append(rel.rows, Row{"name": n, "hash": h})
		}
		sortRowsByKey("name", rel.rows)
		return rel, nil

	case lower == conflictsTable:
		rel := &relation{stmt: stmt, name: lower, columns: []string{"table", "num_conflicts"}}
		for t, cs := range s.conflicts {
			if len(cs) > 0 {
				rel.rows = append(rel.rows, Row{"table": t, "num_conflicts": int64(len(cs))})
			}
		}
		sortRowsByKey("table", rel.rows)
		return rel, nil

	case strings.HasPrefix(lower, conflictsTablePrefix):
		tbl, ok := s.repo.table(name[len(conflictsTablePrefix):])
		if !ok {
			return nil, queryErr(stmt, ErrCodeNoSuchTable, "table not found: %s", name)
		}
		return conflictRelation(stmt, tbl, s.conflicts[tbl.Name]), nil

	default:
		tbl, ok := s.repo.table(name)
		if !ok {
			return nil, queryErr(stmt, ErrCodeNoSuchTable, "table not found: %s", name)
		}
		return &relation{
			stmt:    stmt,
			name:    tbl.Name,
			columns: tbl.Columns,
			rows:    sortedRows(tbl, s.working.read(tbl.Name)),
		}, nil
	}
}

// conflictRelation exposes a table's conflicts as base_, our_ and their_
// columns, one row per conflicting key.
func conflictRelation(stmt string, tbl Table, cs []conflict) *relation {
	rel := &relation{stmt: stmt, name: conflictsTablePrefix + tbl.Name}
	for _, prefix := range []string{"base_", "our_", "their_"} {
		for _, c := range tbl.Columns {
			rel.columns = append(rel.columns, prefix+c)
		}
	}
	for _, c := range cs {
		row := make(Row, len(rel.columns))
		for _, side := range []struct {
			prefix string
			row    Row
		}{{"base_", c.base}, {"our_", c.ours}, {"their_", c.theirs}} {
			for _, col := range tbl.Columns {
				var v any
				if side.row != nil {
					v = side.row[col]
				}
				row[side.prefix+col] = v
			}
		}
		rel.rows = append(rel.rows, row)
	}
	return rel
}

func (rel *relation) filter(where *sqlparser.Where) ([]Row, []int, error) {
	if where == nil || where.Expr == nil {
		idx := make([]int, len(rel.rows))
		for i := range idx {
			idx[i] = i
		}
		return rel.rows, idx, nil
	}

	var out []Row
	var idx []int
	for i, row := range rel.rows {
		v, err := rel.eval(where.Expr, row)
		if err != nil {
			return nil, nil, err
		}
		if t, known := truth(v); known && t {
			out = append(out, row)
			idx = append(idx, i)
		}
	}
	return out, idx, nil
}

func (s *Session) selectRows(stmt string, sel *sqlparser.Select) (*session.Result, error) {
	name, err := singleTable(stmt, sel.From)
	if err != nil {
		return nil, err
	}
	rel, err := s.source(stmt, name)
	if err != nil {
		return nil, err
	}
	rows, _, err := rel.filter(sel.Where)
	if err != nil {
		return nil, err
	}

	if label, ok := countStar(sel.SelectExprs); ok {
		return &session.Result{
			Columns:  []string{label},
			Rows:     [][]any{{int64(len(rows))}},
			Affected: 1,
		}, nil
	}

	if len(sel.OrderBy) > 0 {
		rows = slices.Clone(rows)
		var sortErr error
		slices.SortStableFunc(rows, func(a, b Row) int {
			for _, o := range sel.OrderBy {
				av, err := rel.eval(o.Expr, a)
				if err != nil {
					sortErr = err
					return 0
				}
				bv, err := rel.eval(o.Expr, b)
				if err != nil {
					sortErr = err
					return 0
				}
				c := compareMixed(av, bv)
				if o.Direction == sqlparser.DescScr {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	rows, err = rel.limit(sel.Limit, rows)
	if err != nil {
		return nil, err
	}

	return rel.project(sel.SelectExprs, rows)
}

// countStar recognizes SELECT COUNT(*) and returns its column label.
func countStar(exprs sqlparser.SelectExprs) (string, bool) {
	if len(exprs) != 1 {
		return "", false
	}
	ae, ok := exprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return "", false
	}
	fn, ok := ae.Expr.(*sqlparser.FuncExpr)
	if !ok || fn.Name.Lowered() != "count" {
		return "", false
	}
	if !ae.As.IsEmpty() {
		return ae.As.String(), true
	}
	return sqlparser.String(ae.Expr), true
}

func (rel *relation) limit(lim *sqlparser.Limit, rows []Row) ([]Row, error) {
	if lim == nil {
		return rows, nil
	}
	offset, err := rel.intArg(lim.Offset, 0)
	if err != nil {
		return nil, err
	}
	count, err := rel.intArg(lim.Rowcount, len(rows))
	if err != nil {
		return nil, err
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	end := offset + count
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end], nil
}

func (rel *relation) intArg(expr sqlparser.Expr, def int) (int, error) {
	if expr == nil {
		return def, nil
	}
	v, err := rel.eval(expr, nil)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, queryErr(rel.stmt, ErrCodeUnknown, "invalid LIMIT value: %s", sqlparser.String(expr))
	}
	return int(n), nil
}

func (rel *relation) project(exprs sqlparser.SelectExprs, rows []Row) (*session.Result, error) {
	type proj struct {
		label string
		expr  sqlparser.Expr
		col   string
	}
	var projs []proj
	for _, se := range exprs {
		switch e := se.(type) {
		case *sqlparser.StarExpr:
			for _, c := range rel.columns {
				projs = append(projs, proj{label: c, col: c})
			}
		case *sqlparser.AliasedExpr:
			label := sqlparser.String(e.Expr)
			if cn, ok := e.Expr.(*sqlparser.ColName); ok {
				label = cn.Name.String()
			}
			if !e.As.IsEmpty() {
				label = e.As.String()
			}
			projs = append(projs, proj{label: label, expr: e.Expr})
		default:
			return nil, queryErr(rel.stmt, ErrCodeUnknown, "unsupported select expression: %s", sqlparser.String(se))
		}
	}

	res := &session.Result{Affected: int64(len(rows))}
	for _, p := range projs {
		res.Columns = append(res.Columns, p.label)
	}
	for _, row := range rows {
		out := make([]any, len(projs))
		for i, p := range projs {
			if p.expr == nil {
				out[i] = row[p.col]
				continue
			}
			v, err := rel.eval(p.expr, row)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		res.Rows = append(res.Rows, out)
	}
	return res, nil
}

// writableTable resolves a DML target. System tables other than the
// conflict tables are read-only.
func (s *Session) writableTable(stmt, name string) (Table, error) {
	if isSystemTable(name) {
		return Table{}, queryErr(stmt, ErrCodeUnknown, "table %s is read-only", name)
	}
	tbl, ok := s.repo.table(name)
	if !ok {
		return Table{}, queryErr(stmt, ErrCodeNoSuchTable, "table not found: %s", name)
	}
	return tbl, nil
}

func (s *Session) insert(stmt string, ins *sqlparser.Insert) (*session.Result, error) {
	tbl, err := s.writableTable(stmt, ins.Table.Name.String())
	if err != nil {
		return nil, err
	}
	values, ok := ins.Rows.(sqlparser.Values)
	if !ok {
		return nil, queryErr(stmt, ErrCodeUnknown, "only INSERT ... VALUES is supported")
	}
	replace := strings.EqualFold(ins.Action, "replace")

	cols := tbl.Columns
	if len(ins.Columns) > 0 {
		cols = make([]string, len(ins.Columns))
		for i, ci := range ins.Columns {
			c, ok := tbl.column(ci.String())
			if !ok {
				return nil, queryErr(stmt, ErrCodeBadField, "Unknown column '%s' in '%s'", ci.String(), tbl.Name)
			}
			cols[i] = c
		}
	}

	rel := &relation{stmt: stmt, name: tbl.Name}
	current := s.working.read(tbl.Name)
	staged := make(map[string]Row, len(values))
	var order []string
	var affected int64

	for i, tuple := range values {
		if len(tuple) != len(cols) {
			return nil, queryErr(stmt, 1136, "Column count doesn't match value count at row %d", i+1)
		}
		row := make(Row, len(tbl.Columns))
		for _, c := range tbl.Columns {
			row[c] = nil
		}
		for j, expr := range tuple {
			v, err := rel.eval(expr, nil)
			if err != nil {
				return nil, err
			}
			if row[cols[j]], err = normalizeValue(v); err != nil {
				return nil, queryErr(stmt, ErrCodeUnknown, "%v", err)
			}
		}
		key, err := encodeKey(row[tbl.Key])
		if err != nil {
			return nil, queryErr(stmt, ErrCodeUnknown, "%v", err)
		}

		_, inTable := current[key]
		_, inBatch := staged[key]
		exists := inTable || inBatch
		if exists && !replace {
			return nil, queryErr(stmt, ErrCodeDuplicateKey, "duplicate primary key given: [%v]", row[tbl.Key])
		}
		if !inBatch {
			order = append(order, key)
		}
		staged[key] = row
		affected++
		if exists {
			affected++
		}
	}

	td := s.working.write(tbl.Name)
	for _, k := range order {
		td[k] = staged[k]
	}
	return &session.Result{Affected: affected}, nil
}

func (s *Session) update(stmt string, upd *sqlparser.Update) (*session.Result, error) {
	name, err := singleTable(stmt, upd.TableExprs)
	if err != nil {
		return nil, err
	}
	tbl, err := s.writableTable(stmt, name)
	if err != nil {
		return nil, err
	}
	rel, err := s.source(stmt, tbl.Name)
	if err != nil {
		return nil, err
	}
	rows, _, err := rel.filter(upd.Where)
	if err != nil {
		return nil, err
	}

	type change struct {
		oldKey, newKey string
		row            Row
	}
	var changes []change
	for _, row := range rows {
		next := row.clone()
		for _, ue := range upd.Exprs {
			col, ok := tbl.column(ue.Name.Name.String())
			if !ok {
				return nil, queryErr(stmt, ErrCodeBadField, "Unknown column '%s' in 'field list'", ue.Name.Name.String())
			}
			v, err := rel.eval(ue.Expr, row)
			if err != nil {
				return nil, err
			}
			if next[col], err = normalizeValue(v); err != nil {
				return nil, queryErr(stmt, ErrCodeUnknown, "%v", err)
			}
		}
		if rowsEqual(row, next) {
			continue
		}
		oldKey, _ := encodeKey(row[tbl.Key])
		newKey, err := encodeKey(next[tbl.Key])
		if err != nil {
			return nil, queryErr(stmt, ErrCodeUnknown, "%v", err)
		}
		changes = append(changes, change{oldKey: oldKey, newKey: newKey, row: next})
	}

	if len(changes) == 0 {
		return &session.Result{}, nil
	}

	current := s.working.read(tbl.Name)
	moved := make(map[string]bool, len(changes))
	for _, c := range changes {
		moved[c.oldKey] = true
	}
	taken := make(map[string]bool, len(changes))
	for _, c := range changes {
		_, exists := current[c.newKey]
		if taken[c.newKey] || exists && !moved[c.newKey] {
			return nil, queryErr(stmt, ErrCodeDuplicateKey, "duplicate primary key given: [%v]", c.row[tbl.Key])
		}
		taken[c.newKey] = true
	}

	td := s.working.write(tbl.Name)
	for _, c := range changes {
		delete(td, c.oldKey)
	}
	for _, c := range changes {
		td[c.newKey] = c.row
	}
	return &session.Result{Affected: int64(len(changes))}, nil
}

func (s *Session) delete(stmt string, del *sqlparser.Delete) (*session.Result, error) {
	name, err := singleTable(stmt, del.TableExprs)
	if err != nil {
		return nil, err
	}

	if lower := strings.ToLower(name); strings.HasPrefix(lower, conflictsTablePrefix) {
		return s.deleteConflicts(stmt, name, del.Where)
	}

	tbl, err := s.writableTable(stmt, name)
	if err != nil {
		return nil, err
	}
	rel, err := s.source(stmt, tbl.Name)
	if err != nil {
		return nil, err
	}
	rows, _, err := rel.filter(del.Where)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &session.Result{}, nil
	}

	td := s.working.write(tbl.Name)
	for _, row := range rows {
		k, _ := encodeKey(row[tbl.Key])
		delete(td, k)
	}
	return &session.Result{Affected: int64(len(rows))}, nil
}

// deleteConflicts marks conflicts resolved. The working set is left as is;
// resolution writes go to the user table beforehand.
func (s *Session) deleteConflicts(stmt, name string, where *sqlparser.Where) (*session.Result, error) {
	tbl, ok := s.repo.table(name[len(conflictsTablePrefix):])
	if !ok {
		return nil, queryErr(stmt, ErrCodeNoSuchTable, "table not found: %s", name)
	}
	cs := s.conflicts[tbl.Name]
	rel := conflictRelation(stmt, tbl, cs)
	_, idx, err := rel.filter(where)
	if err != nil {
		return nil, err
	}

	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	var keep []conflict
	for i, c := range cs {
		if !drop[i] {
			keep = append(keep, c)
		}
	}
	if len(keep) == 0 {
		delete(s.conflicts, tbl.Name)
	} else {
		s.conflicts[tbl.Name] = keep
	}
	return &session.Result{Affected: int64(len(idx))}, nil
}

// eval evaluates expr against row. Comparisons yield bool, or nil when
// either operand is NULL.
func (rel *relation) eval(expr sqlparser.Expr, row Row) (any, error) {
	switch e := expr.(type) {
	case *sqlparser.SQLVal:
		switch e.Type {
		case sqlparser.IntVal:
			n, err := strconv.ParseInt(string(e.Val), 10, 64)
			if err != nil {
				return nil, queryErr(rel.stmt, ErrCodeUnknown, "invalid integer %s", e.Val)
			}
			return n, nil
		case sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(e.Val), 64)
			if err != nil {
				return nil, queryErr(rel.stmt, ErrCodeUnknown, "invalid number %s", e.Val)
			}
			return f, nil
		case sqlparser.StrVal:
			return string(e.Val), nil
		default:
			return nil, queryErr(rel.stmt, ErrCodeUnknown, "unsupported literal: %s", sqlparser.String(e))
		}

	case *sqlparser.NullVal:
		return nil, nil

	case sqlparser.BoolVal:
		return bool(e), nil

	case *sqlparser.ColName:
		col, ok := rel.column(e.Name.String())
		if !ok || row == nil {
			return nil, queryErr(rel.stmt, ErrCodeBadField, "Unknown column '%s' in '%s'", e.Name.String(), rel.name)
		}
		return row[col], nil

	case *sqlparser.ParenExpr:
		return rel.eval(e.Expr, row)

	case *sqlparser.UnaryExpr:
		v, err := rel.eval(e.Expr, row)
		if err != nil {
			return nil, err
		}
		switch e.Operator {
		case sqlparser.UPlusStr:
			return v, nil
		case sqlparser.UMinusStr:
			switch n := v.(type) {
			case int64:
				return -n, nil
			case float64:
				return -n, nil
			case nil:
				return nil, nil
			}
		case sqlparser.BangStr:
			t, known := truth(v)
			if !known {
				return nil, nil
			}
			return !t, nil
		}
		return nil, queryErr(rel.stmt, ErrCodeUnknown, "unsupported unary expression: %s", sqlparser.String(e))

	case *sqlparser.AndExpr:
		l, err := rel.eval(e.Left, row)
		if err != nil {
			return nil, err
		}
		r, err := rel.eval(e.Right, row)
		if err != nil {
			return nil, err
		}
		lt, lk := truth(l)
		rt, rk := truth(r)
		switch {
		case lk && !lt, rk && !rt:
			return false, nil
		case !lk || !rk:
			return nil, nil
		default:
			return true, nil
		}

	case *sqlparser.OrExpr:
		l, err := rel.eval(e.Left, row)
		if err != nil {
			return nil, err
		}
		r, err := rel.eval(e.Right, row)
		if err != nil {
			return nil, err
		}
		lt, lk := truth(l)
		rt, rk := truth(r)
		switch {
		case lk && lt, rk && rt:
			return true, nil
		case !lk || !rk:
			return nil, nil
		default:
			return false, nil
		}

	case *sqlparser.NotExpr:
		v, err := rel.eval(e.Expr, row)
		if err != nil {
			return nil, err
		}
		t, known := truth(v)
		if !known {
			return nil, nil
		}
		return !t, nil

	case *sqlparser.IsExpr:
		v, err := rel.eval(e.Expr, row)
		if err != nil {
			return nil, err
		}
		t, known := truth(v)
		switch e.Operator {
		case "is null":
			return v == nil, nil
		case "is not null":
			return v != nil, nil
		case "is true":
			return known && t, nil
		case "is false":
			return known && !t, nil
		case "is not true":
			return !known || !t, nil
		case "is not false":
			return !known || t, nil
		}
		return nil, queryErr(rel.stmt, ErrCodeUnknown, "unsupported IS expression: %s", sqlparser.String(e))

	case *sqlparser.ComparisonExpr:
		return rel.compare(e, row)

	default:
		return nil, queryErr(rel.stmt, ErrCodeUnknown, "unsupported expression: %s", sqlparser.String(expr))
	}
}

func (rel *relation) compare(e *sqlparser.ComparisonExpr, row Row) (any, error) {
	l, err := rel.eval(e.Left, row)
	if err != nil {
		return nil, err
	}

	switch e.Operator {
	case "in", "not in":
		tuple, ok := e.Right.(sqlparser.ValTuple)
		if !ok {
			return nil, queryErr(rel.stmt, ErrCodeUnknown, "unsupported IN operand: %s", sqlparser.String(e.Right))
		}
		if l == nil {
			return nil, nil
		}
		found, sawNull := false, false
		for _, item := range tuple {
			v, err := rel.eval(item, row)
			if err != nil {
				return nil, err
			}
			if v == nil {
				sawNull = true
				continue
			}
			if compareMixed(l, v) == 0 {
				found = true
				break
			}
		}
		switch {
		case found:
			return e.Operator == "in", nil
		case sawNull:
			return nil, nil
		default:
			return e.Operator == "not in", nil
		}
	}

	r, err := rel.eval(e.Right, row)
	if err != nil {
		return nil, err
	}
	if e.Operator == "<=>" {
		if l == nil || r == nil {
			return l == nil && r == nil, nil
		}
		return compareMixed(l, r) == 0, nil
	}
	if l == nil || r == nil {
		return nil, nil
	}

	c := compareMixed(l, r)
	switch e.Operator {
	case "=":
		return c == 0, nil
	case "!=", "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return nil, queryErr(rel.stmt, ErrCodeUnknown, "unsupported operator %s", e.Operator)
}

// compareMixed compares like compareValues but coerces a numeric string
// when the other side is a number.
func compareMixed(a, b any) int {
	if s, ok := a.(string); ok && rank(b) == 1 {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			a = f
		}
	}
	if s, ok := b.(string); ok && rank(a) == 1 {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			b = f
		}
	}
	if bv, ok := a.(bool); ok {
		a = boolInt(bv)
	}
	if bv, ok := b.(bool); ok {
		b = boolInt(bv)
	}
	return compareValues(a, b)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// truth converts a value to a SQL truth value. known is false for NULL.
func truth(v any) (t, known bool) {
	switch val := v.(type) {
	case nil:
		return false, false
	case bool:
		return val, true
	case int64:
		return val != 0, true
	case float64:
		return val != 0, true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return err == nil && f != 0, true
	default:
		return false, true
	}
}
