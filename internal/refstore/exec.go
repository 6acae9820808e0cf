package refstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/refrace/internal/session"
)

// Outcome is what an operation observed.
type Outcome struct {
	// Result is the last statement's result; for RawQuery, the query's.
	Result *session.Result

	// Affected is the affected count of the operation's main statement.
	Affected int64

	// Head is the session head after the operation.
	Head string

	// Conflicts holds the per-table conflict counts after a Merge.
	Conflicts map[string]int64

	// Resolved counts rows rewritten by ResolveConflicts.
	Resolved int
}

// ConflictCount sums Conflicts.
func (o *Outcome) ConflictCount() int64 {
	if o == nil {
		return 0
	}
	var n int64
	for _, v := range o.Conflicts {
		n += v
	}
	return n
}

// Exec runs one operation on c.
func Exec(ctx context.Context, c *Conn, op Op) (*Outcome, error) {
	switch o := op.(type) {
	case SetContext:
		return c.setContext(ctx, o)
	case Commit:
		return c.commit(ctx, o)
	case CreateBranch:
		return c.createBranch(ctx, o)
	case Merge:
		return c.merge(ctx, o)
	case ResolveConflicts:
		return c.resolve(ctx, o)
	case RawQuery:
		return c.rawQuery(ctx, o)
	default:
		return nil, fmt.Errorf("unknown operation %T", op)
	}
}

func (c *Conn) setContext(ctx context.Context, op SetContext) (*Outcome, error) {
	ref := op.Ref
	if ref == "" {
		ref = c.ref
	}
	if ref == "" {
		return nil, fmt.Errorf("set context: no ref given and none bound")
	}
	if err := c.check(op.Name(), Bound); err != nil {
		return nil, err
	}

	if _, err := c.execute(ctx, c.dialect.SetHead(ref), false); err != nil {
		return nil, fmt.Errorf("set context %s: %w", ref, err)
	}
	head, err := c.scalar(ctx, c.dialect.SelectHead())
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", ref, err)
	}

	c.ref = ref
	c.head = head
	c.mergeHead = ""
	c.conflicts = nil
	c.enter(Bound)
	return &Outcome{Head: head}, nil
}

func (c *Conn) commit(ctx context.Context, op Commit) (*Outcome, error) {
	if c.state == ConflictedMergePending {
		return nil, &ConflictUnresolved{Client: c.name, Ref: c.ref, Conflicts: c.Conflicts()}
	}
	if err := c.check(op.Name(), CommitAttempted); err != nil {
		return nil, err
	}

	expected := op.Expected
	if len(expected) == 0 {
		expected = []string{ExpectHead}
		if c.mergeHead != "" {
			expected = append(expected, ExpectMergeHead)
		}
	}
	resolved := make([]string, 0, len(expected))
	for _, e := range expected {
		switch e {
		case "":
			return nil, fmt.Errorf("commit: empty expected hash")
		case ExpectHead:
			resolved = append(resolved, c.head)
		case ExpectMergeHead:
			if c.mergeHead != "" {
				resolved = append(resolved, c.mergeHead)
			}
		default:
			resolved = append(resolved, e)
		}
	}

	prev := c.state
	c.enter(CommitAttempted)
	res, err := c.execute(ctx, c.dialect.Commit(op.Message, c.ref, expected), false)
	if err != nil {
		c.enter(prev)
		return nil, fmt.Errorf("commit to %s: %w", c.ref, err)
	}

	if res.Affected != 1 {
		c.enter(Rejected)
		c.logger.Info("commit rejected",
			slog.String("ref", c.ref),
			slog.String("expected", strings.Join(resolved, ",")),
			slog.Int64("affected", res.Affected))
		return &Outcome{Result: res, Affected: res.Affected, Head: c.head}, &CASRejected{
			Client:   c.name,
			Ref:      c.ref,
			Expected: resolved,
			Affected: res.Affected,
		}
	}
	c.enter(Committed)

	head, err := c.scalar(ctx, c.dialect.SelectHead())
	if err != nil {
		return nil, fmt.Errorf("read head after commit to %s: %w", c.ref, err)
	}
	c.head = head
	c.mergeHead = ""
	c.conflicts = nil
	c.enter(Bound)

	c.logger.Debug("commit accepted", slog.String("ref", c.ref), slog.String("head", head))
	return &Outcome{Result: res, Affected: res.Affected, Head: head}, nil
}

func (c *Conn) createBranch(ctx context.Context, op CreateBranch) (*Outcome, error) {
	if op.Name == "" {
		return nil, fmt.Errorf("create branch: name is required")
	}
	from := op.From
	if from == "" {
		from = c.ref
	}
	if from == "" {
		return nil, fmt.Errorf("create branch %s: no source given and no ref bound", op.Name)
	}

	res, err := c.execute(ctx, c.dialect.CreateBranch(op.Name, from), false)
	if err != nil {
		return nil, fmt.Errorf("create branch %s from %s: %w", op.Name, from, err)
	}
	return &Outcome{Result: res, Affected: res.Affected, Head: c.head}, nil
}

func (c *Conn) merge(ctx context.Context, op Merge) (*Outcome, error) {
	if op.Source == "" {
		return nil, fmt.Errorf("merge: source is required")
	}
	if err := c.check(op.Name(), MergeAttempted); err != nil {
		return nil, err
	}

	prev := c.state
	c.enter(MergeAttempted)
	if _, err := c.execute(ctx, c.dialect.Merge(op.Source), false); err != nil {
		c.enter(prev)
		return nil, fmt.Errorf("merge %s into %s: %w", op.Source, c.ref, err)
	}

	mergeHead, err := c.scalar(ctx, c.dialect.SelectMergeHead())
	if err != nil {
		c.enter(prev)
		return nil, fmt.Errorf("read merge head: %w", err)
	}
	conflicts, err := c.readConflicts(ctx)
	if err != nil {
		c.enter(prev)
		return nil, fmt.Errorf("read conflicts: %w", err)
	}

	out := &Outcome{Head: c.head, Conflicts: conflicts}
	switch {
	case mergeHead == "":
		// Source already contained in the bound context.
		c.enter(prev)
	case len(conflicts) > 0:
		c.mergeHead = mergeHead
		c.conflicts = conflicts
		c.enter(ConflictedMergePending)
	default:
		c.mergeHead = mergeHead
		c.enter(CleanMergePending)
	}
	return out, nil
}

func (c *Conn) resolve(ctx context.Context, op ResolveConflicts) (*Outcome, error) {
	if c.state != ConflictedMergePending {
		return nil, &TransitionError{Client: c.name, Op: op.Name(), From: c.state, To: PendingChange}
	}
	if op.Key == "" {
		return nil, fmt.Errorf("resolve: key column is required")
	}
	policy := op.Policy
	if policy == "" {
		policy = PolicyTheirs
	}
	var win, lose string
	switch policy {
	case PolicyTheirs:
		win, lose = "their_", "our_"
	case PolicyOurs:
		win, lose = "our_", "their_"
	default:
		return nil, fmt.Errorf("resolve: unknown policy %q", policy)
	}

	tables := op.Tables
	if len(tables) == 0 {
		for t := range c.conflicts {
			tables = append(tables, t)
		}
		sort.Strings(tables)
	}

	resolved := 0
	for _, table := range tables {
		n, err := c.resolveTable(ctx, table, op.Key, win, lose)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", table, err)
		}
		resolved += n
	}

	remaining, err := c.readConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read conflicts: %w", err)
	}
	if len(remaining) > 0 {
		c.conflicts = remaining
		return nil, &ConflictUnresolved{Client: c.name, Ref: c.ref, Conflicts: c.Conflicts()}
	}

	c.conflicts = nil
	c.enter(PendingChange)
	c.logger.Debug("conflicts resolved", slog.Int("rows", resolved), slog.String("policy", string(policy)))
	return &Outcome{Head: c.head, Resolved: resolved}, nil
}

// resolveTable applies the winning side of every conflict in table, then
// clears the table's conflict set. Rows whose winning side is NULL were
// deleted on that side and are deleted here.
func (c *Conn) resolveTable(ctx context.Context, table, key, win, lose string) (int, error) {
	res, err := c.execute(ctx, c.dialect.SelectTableConflicts(table), true)
	if err != nil {
		return 0, err
	}

	var cols []string
	for _, col := range res.Columns {
		if name, ok := strings.CutPrefix(col, win); ok {
			cols = append(cols, name)
		}
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("conflict table has no %s columns", win)
	}

	for _, row := range res.Maps() {
		if k := row[win+key]; k != nil {
			vals := make([]any, len(cols))
			for i, col := range cols {
				vals[i] = row[win+col]
			}
			if _, err := c.execute(ctx, c.dialect.Replace(table, cols, vals), false); err != nil {
				return 0, err
			}
			continue
		}

		k := row["base_"+key]
		if k == nil {
			k = row[lose+key]
		}
		if k == nil {
			return 0, errors.New("conflict row has no key value")
		}
		if _, err := c.execute(ctx, c.dialect.DeleteKey(table, key, k), false); err != nil {
			return 0, err
		}
	}

	if _, err := c.execute(ctx, c.dialect.ClearConflicts(table), false); err != nil {
		return 0, err
	}
	return len(res.Rows), nil
}

func (c *Conn) rawQuery(ctx context.Context, op RawQuery) (*Outcome, error) {
	sql := strings.TrimSpace(op.SQL)
	if sql == "" {
		return nil, fmt.Errorf("query: empty statement")
	}

	read := isRead(sql)
	next := afterWrite(c.state)
	if !read {
		if err := c.check(op.Name(), next); err != nil {
			return nil, err
		}
	}

	res, err := c.execute(ctx, sql, read)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if !read {
		c.enter(next)
	}
	return &Outcome{Result: res, Affected: res.Affected, Head: c.head}, nil
}

func isRead(sql string) bool {
	fields := strings.Fields(strings.TrimLeft(stripLeadingComments(sql), "( \t\n"))
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN", "WITH":
		return true
	default:
		return false
	}
}

// stripLeadingComments drops any /* */, -- and # comments before the first
// keyword.
func stripLeadingComments(sql string) string {
	for {
		sql = strings.TrimLeft(sql, " \t\r\n")
		switch {
		case strings.HasPrefix(sql, "/*"):
			end := strings.Index(sql[2:], "*/")
			if end < 0 {
				return ""
			}
			sql = sql[2+end+2:]
		case strings.HasPrefix(sql, "--"), strings.HasPrefix(sql, "#"):
			end := strings.IndexByte(sql, '\n')
			if end < 0 {
				return ""
			}
			sql = sql[end+1:]
		default:
			return sql
		}
	}
}
