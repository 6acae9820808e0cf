package refstore_test

import (
	"context"
	"sync"
	"testing"

	"github.com/roach88/refrace/internal/memrepo"
	"github.com/roach88/refrace/internal/refstore"
	"github.com/roach88/refrace/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSession records every statement sent through it.
type countingSession struct {
	session.Session

	mu    sync.Mutex
	stmts []string
}

func (s *countingSession) Execute(ctx context.Context, stmt string, expectResults bool) (*session.Result, error) {
	s.mu.Lock()
	s.stmts = append(s.stmts, stmt)
	s.mu.Unlock()
	return s.Session.Execute(ctx, stmt, expectResults)
}

func (s *countingSession) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stmts)
}

func newRepo(t *testing.T) *memrepo.Repo {
	t.Helper()
	r := memrepo.New("repo1")
	require.NoError(t, r.CreateTable(memrepo.Table{Name: "test", Key: "pk", Columns: []string{"pk", "c1"}}))
	t.Cleanup(r.Close)
	return r
}

func newConn(t *testing.T, r *memrepo.Repo, name string) (*refstore.Conn, *countingSession) {
	t.Helper()
	sess := r.NewSession(r.Database())
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { sess.Close() })
	cs := &countingSession{Session: sess}
	return refstore.NewConn(name, cs, refstore.Dialect{Database: r.Database()}, nil), cs
}

func run(t *testing.T, c *refstore.Conn, op refstore.Op) *refstore.Outcome {
	t.Helper()
	out, err := refstore.Exec(context.Background(), c, op)
	require.NoError(t, err, op.Name())
	return out
}

func c1(t *testing.T, r *memrepo.Repo, branch string) any {
	t.Helper()
	rows, err := r.Rows(branch, "test")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]["c1"]
}

// diverge seeds row 0 = 0 on main, branches b1, then advances main to
// c1 = 1 and b1 to c1 = 2. It returns a connection bound to b1.
func diverge(t *testing.T, r *memrepo.Repo) (*refstore.Conn, *countingSession) {
	t.Helper()
	a, _ := newConn(t, r, "a")
	run(t, a, refstore.SetContext{Ref: "main"})
	run(t, a, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (0, 0)"})
	run(t, a, refstore.Commit{Message: "seed"})
	run(t, a, refstore.CreateBranch{Name: "b1"})
	run(t, a, refstore.RawQuery{SQL: "UPDATE test SET c1 = 1 WHERE pk = 0"})
	run(t, a, refstore.Commit{Message: "main edit"})

	b, cs := newConn(t, r, "b")
	run(t, b, refstore.SetContext{Ref: "b1"})
	run(t, b, refstore.RawQuery{SQL: "UPDATE test SET c1 = 2 WHERE pk = 0"})
	run(t, b, refstore.Commit{Message: "b1 edit"})
	return b, cs
}

func TestConn_SetContextBinds(t *testing.T) {
	r := newRepo(t)
	c, _ := newConn(t, r, "a")
	assert.Equal(t, refstore.Unbound, c.State())

	out := run(t, c, refstore.SetContext{Ref: "main"})

	main, _ := r.BranchHash("main")
	assert.Equal(t, main, out.Head)
	assert.Equal(t, main, c.Head())
	assert.Equal(t, "main", c.Ref())
	assert.Equal(t, refstore.Bound, c.State())
}

func TestConn_SetContextRefreshNeedsRef(t *testing.T) {
	c, cs := newConn(t, newRepo(t), "a")
	_, err := refstore.Exec(context.Background(), c, refstore.SetContext{})
	require.Error(t, err)
	assert.Zero(t, cs.sent())
}

func TestConn_SetContextUnknownBranch(t *testing.T) {
	c, _ := newConn(t, newRepo(t), "a")
	_, err := refstore.Exec(context.Background(), c, refstore.SetContext{Ref: "nope"})
	require.Error(t, err)
	assert.True(t, session.IsQueryError(err))
	assert.Equal(t, refstore.Unbound, c.State())
}

func TestConn_CommitAdvancesRef(t *testing.T) {
	r := newRepo(t)
	c, _ := newConn(t, r, "a")
	run(t, c, refstore.SetContext{Ref: "main"})
	before := c.Head()

	run(t, c, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (0, 0)"})
	assert.Equal(t, refstore.PendingChange, c.State())

	out := run(t, c, refstore.Commit{Message: "seed"})

	main, _ := r.BranchHash("main")
	assert.Equal(t, int64(1), out.Affected)
	assert.NotEqual(t, before, main)
	assert.Equal(t, main, c.Head())
	assert.Equal(t, refstore.Bound, c.State())
	assert.Equal(t, int64(0), c1(t, r, "main"))
}

func TestConn_StaleCommitRejected(t *testing.T) {
	r := newRepo(t)
	c, _ := newConn(t, r, "a")
	run(t, c, refstore.SetContext{Ref: "main"})
	run(t, c, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (0, 0)"})
	before, _ := r.BranchHash("main")

	out, err := refstore.Exec(context.Background(), c, refstore.Commit{Message: "stale", Expected: []string{"0000"}})

	require.Error(t, err)
	assert.True(t, refstore.IsCASRejected(err))
	require.NotNil(t, out)
	assert.Equal(t, int64(0), out.Affected)
	assert.Equal(t, refstore.Rejected, c.State())

	after, _ := r.BranchHash("main")
	assert.Equal(t, before, after)

	var rej *refstore.CASRejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, []string{"0000"}, rej.Expected)
	assert.Equal(t, "main", rej.Ref)
}

func TestConn_RejectedNeedsRefresh(t *testing.T) {
	r := newRepo(t)
	c, cs := newConn(t, r, "a")
	run(t, c, refstore.SetContext{Ref: "main"})
	_, err := refstore.Exec(context.Background(), c, refstore.Commit{Expected: []string{"0000"}})
	require.True(t, refstore.IsCASRejected(err))

	sent := cs.sent()
	_, err = refstore.Exec(context.Background(), c, refstore.Commit{Message: "again"})
	assert.True(t, refstore.IsTransitionError(err))
	_, err = refstore.Exec(context.Background(), c, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (1, 1)"})
	assert.True(t, refstore.IsTransitionError(err))
	_, err = refstore.Exec(context.Background(), c, refstore.Merge{Source: "main"})
	assert.True(t, refstore.IsTransitionError(err))
	assert.Equal(t, sent, cs.sent(), "illegal operations must not send statements")

	// Reads stay legal.
	run(t, c, refstore.RawQuery{SQL: "SELECT * FROM test"})
	assert.Equal(t, refstore.Rejected, c.State())

	run(t, c, refstore.SetContext{})
	assert.Equal(t, refstore.Bound, c.State())
	run(t, c, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (1, 1)"})
	assert.Equal(t, int64(1), run(t, c, refstore.Commit{Message: "retry"}).Affected)
}

func TestConn_UnboundWriteIllegal(t *testing.T) {
	c, cs := newConn(t, newRepo(t), "a")
	_, err := refstore.Exec(context.Background(), c, refstore.Commit{Message: "m"})
	assert.True(t, refstore.IsTransitionError(err))
	_, err = refstore.Exec(context.Background(), c, refstore.Merge{Source: "main"})
	assert.True(t, refstore.IsTransitionError(err))
	assert.Zero(t, cs.sent())
}

func TestConn_ConcurrentCommitsOneWinner(t *testing.T) {
	r := newRepo(t)
	const clients = 8
	conns := make([]*refstore.Conn, clients)
	for i := range conns {
		conns[i], _ = newConn(t, r, "c")
		run(t, conns[i], refstore.SetContext{Ref: "main"})
	}

	errs := make([]error, clients)
	var wg sync.WaitGroup
	for i, c := range conns {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = refstore.Exec(context.Background(), c, refstore.Commit{Message: "race"})
		}()
	}
	wg.Wait()

	ok, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case refstore.IsCASRejected(err):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, clients-1, rejected)
}

func TestConn_CreateBranchDuplicate(t *testing.T) {
	r := newRepo(t)
	c, _ := newConn(t, r, "a")
	run(t, c, refstore.SetContext{Ref: "main"})
	run(t, c, refstore.CreateBranch{Name: "b1", From: "main"})
	branches := r.Branches()

	_, err := refstore.Exec(context.Background(), c, refstore.CreateBranch{Name: "b1", From: "main"})

	require.Error(t, err)
	assert.True(t, session.IsQueryError(err))
	assert.Equal(t, branches, r.Branches())
	assert.Equal(t, refstore.Bound, c.State())
}

func TestConn_CreateBranchNeedsSource(t *testing.T) {
	c, cs := newConn(t, newRepo(t), "a")
	_, err := refstore.Exec(context.Background(), c, refstore.CreateBranch{Name: "b1"})
	require.Error(t, err)
	assert.Zero(t, cs.sent())
}

func TestConn_MergeConflictBlocksCommit(t *testing.T) {
	r := newRepo(t)
	b, cs := diverge(t, r)
	b1, _ := r.BranchHash("b1")

	out := run(t, b, refstore.Merge{Source: "main"})

	assert.Equal(t, map[string]int64{"test": 1}, out.Conflicts)
	assert.Equal(t, int64(1), out.ConflictCount())
	assert.Equal(t, refstore.ConflictedMergePending, b.State())
	main, _ := r.BranchHash("main")
	assert.Equal(t, main, b.MergeHead())

	sent := cs.sent()
	_, err := refstore.Exec(context.Background(), b, refstore.Commit{Message: "merge"})
	require.Error(t, err)
	assert.True(t, refstore.IsConflictUnresolved(err))
	assert.Equal(t, sent, cs.sent())
	assert.Contains(t, err.Error(), "test(1)")

	after, _ := r.BranchHash("b1")
	assert.Equal(t, b1, after)
}

func TestConn_ResolveTheirs(t *testing.T) {
	r := newRepo(t)
	b, _ := diverge(t, r)
	mainBefore, _ := r.BranchHash("main")

	run(t, b, refstore.Merge{Source: "main"})
	out := run(t, b, refstore.ResolveConflicts{Key: "pk"})
	assert.Equal(t, 1, out.Resolved)
	assert.Equal(t, refstore.PendingChange, b.State())
	assert.Empty(t, b.Conflicts())

	run(t, b, refstore.Commit{Message: "merge main"})

	assert.Equal(t, int64(1), c1(t, r, "b1"))
	mainAfter, _ := r.BranchHash("main")
	assert.Equal(t, mainBefore, mainAfter)

	b1, _ := r.BranchHash("b1")
	info, ok := r.Commit(b1)
	require.True(t, ok)
	assert.Len(t, info.Parents, 2)
	assert.Equal(t, mainBefore, info.Parents[1])
}

func TestConn_ResolveOurs(t *testing.T) {
	r := newRepo(t)
	b, _ := diverge(t, r)

	run(t, b, refstore.Merge{Source: "main"})
	run(t, b, refstore.ResolveConflicts{Tables: []string{"test"}, Key: "pk", Policy: refstore.PolicyOurs})
	run(t, b, refstore.Commit{Message: "merge main"})

	assert.Equal(t, int64(2), c1(t, r, "b1"))
}

func TestConn_ResolveDeletedOnWinningSide(t *testing.T) {
	r := newRepo(t)
	a, _ := newConn(t, r, "a")
	run(t, a, refstore.SetContext{Ref: "main"})
	run(t, a, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (0, 0)"})
	run(t, a, refstore.Commit{Message: "seed"})
	run(t, a, refstore.CreateBranch{Name: "b1"})
	run(t, a, refstore.RawQuery{SQL: "DELETE FROM test WHERE pk = 0"})
	run(t, a, refstore.Commit{Message: "drop row"})

	b, _ := newConn(t, r, "b")
	run(t, b, refstore.SetContext{Ref: "b1"})
	run(t, b, refstore.RawQuery{SQL: "UPDATE test SET c1 = 5 WHERE pk = 0"})
	run(t, b, refstore.Commit{Message: "edit"})

	out := run(t, b, refstore.Merge{Source: "main"})
	require.Equal(t, int64(1), out.ConflictCount())
	run(t, b, refstore.ResolveConflicts{Key: "pk"})
	run(t, b, refstore.Commit{Message: "merge"})

	rows, err := r.Rows("b1", "test")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConn_ResolveOutsideMergeIllegal(t *testing.T) {
	r := newRepo(t)
	c, cs := newConn(t, r, "a")
	run(t, c, refstore.SetContext{Ref: "main"})
	sent := cs.sent()

	_, err := refstore.Exec(context.Background(), c, refstore.ResolveConflicts{Key: "pk"})
	assert.True(t, refstore.IsTransitionError(err))
	assert.Equal(t, sent, cs.sent())
}

func TestConn_CleanMerge(t *testing.T) {
	r := newRepo(t)
	a, _ := newConn(t, r, "a")
	run(t, a, refstore.SetContext{Ref: "main"})
	run(t, a, refstore.CreateBranch{Name: "b1"})
	run(t, a, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (0, 0)"})
	run(t, a, refstore.Commit{Message: "main row"})

	b, _ := newConn(t, r, "b")
	run(t, b, refstore.SetContext{Ref: "b1"})
	run(t, b, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (1, 1)"})
	run(t, b, refstore.Commit{Message: "b1 row"})

	out := run(t, b, refstore.Merge{Source: "main"})
	assert.Zero(t, out.ConflictCount())
	assert.Equal(t, refstore.CleanMergePending, b.State())

	run(t, b, refstore.Commit{Message: "merge"})
	rows, err := r.Rows("b1", "test")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestConn_MergeUpToDate(t *testing.T) {
	r := newRepo(t)
	a, _ := newConn(t, r, "a")
	run(t, a, refstore.SetContext{Ref: "main"})
	run(t, a, refstore.CreateBranch{Name: "b1"})

	run(t, a, refstore.Merge{Source: "b1"})
	assert.Equal(t, refstore.Bound, a.State())
	assert.Empty(t, a.MergeHead())
}

func TestConn_QueryReturnsRows(t *testing.T) {
	r := newRepo(t)
	c, _ := newConn(t, r, "a")
	run(t, c, refstore.SetContext{Ref: "main"})
	run(t, c, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (0, 7)"})

	out := run(t, c, refstore.RawQuery{SQL: "  SELECT c1 FROM test WHERE pk = 0"})
	require.NotNil(t, out.Result)
	assert.Equal(t, [][]any{{int64(7)}}, out.Result.Rows)
	assert.Equal(t, refstore.PendingChange, c.State())
}

func TestConn_QueryErrorKeepsState(t *testing.T) {
	r := newRepo(t)
	c, _ := newConn(t, r, "a")
	run(t, c, refstore.SetContext{Ref: "main"})

	_, err := refstore.Exec(context.Background(), c, refstore.RawQuery{SQL: "INSERT INTO missing (pk) VALUES (1)"})
	require.Error(t, err)
	assert.True(t, session.IsQueryError(err))
	assert.Equal(t, refstore.Bound, c.State())
}

func TestConn_CommentedReadStaysRead(t *testing.T) {
	r := newRepo(t)
	c, _ := newConn(t, r, "a")
	run(t, c, refstore.SetContext{Ref: "main"})
	run(t, c, refstore.RawQuery{SQL: "INSERT INTO test (pk, c1) VALUES (0, 7)"})
	run(t, c, refstore.Commit{Message: "seed"})
	_, err := refstore.Exec(context.Background(), c, refstore.Commit{Expected: []string{"0000"}})
	require.True(t, refstore.IsCASRejected(err))

	out := run(t, c, refstore.RawQuery{SQL: "/* client a */ SELECT c1 FROM test WHERE pk = 0"})
	require.NotNil(t, out.Result)
	assert.Equal(t, [][]any{{int64(7)}}, out.Result.Rows)
	assert.Equal(t, refstore.Rejected, c.State())
}
