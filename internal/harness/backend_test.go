package harness

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/refrace/internal/refstore"
	"github.com/roach88/refrace/internal/session"
)

func TestCreateTableSQL(t *testing.T) {
	got := createTableSQL(TableDef{
		Table:   "test",
		Key:     "pk",
		Columns: []string{"pk", "c1", "note"},
		Types:   map[string]string{"note": "VARCHAR(64)"},
	})
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS `test` (`pk` BIGINT NOT NULL, `c1` BIGINT, `note` VARCHAR(64), PRIMARY KEY (`pk`))", got)
}

func TestMemoryBackend_OpenBeforeProvision(t *testing.T) {
	_, err := NewMemoryBackend().Open(context.Background(), "a", "repo1")
	assert.ErrorContains(t, err, "not provisioned")
}

func TestMemoryBackend_ProvisionAndOpen(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	defer b.Close()

	require.NoError(t, b.Provision(ctx, "repo1", []TableDef{{Table: "test", Key: "pk", Columns: []string{"pk", "c1"}}}))
	assert.Equal(t, "memory", b.Name())
	require.Len(t, b.Repo().Tables(), 1)

	sess, err := b.Open(ctx, "a", "repo1")
	require.NoError(t, err)
	defer sess.Close()
	res, err := sess.Execute(ctx, "SELECT pk FROM test", true)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	_, err = b.Open(ctx, "b", "other")
	require.Error(t, err)
	assert.True(t, session.IsConnectionError(err))
}

func TestMemoryBackend_ProvisionReplacesRepo(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	defer b.Close()

	tables := []TableDef{{Table: "test", Key: "pk", Columns: []string{"pk"}}}
	require.NoError(t, b.Provision(ctx, "repo1", tables))
	first := b.Repo()
	old, err := b.Open(ctx, "a", "repo1")
	require.NoError(t, err)

	require.NoError(t, b.Provision(ctx, "repo1", tables), "provisioning again starts from a fresh repo")
	assert.NotSame(t, first, b.Repo())

	_, err = old.Execute(ctx, "SELECT pk FROM test", true)
	assert.True(t, session.IsConnectionError(err), "sessions on the replaced repo are cut off")
}

func TestMemoryBackend_ProvisionRejectsBadTable(t *testing.T) {
	err := NewMemoryBackend().Provision(context.Background(), "repo1", []TableDef{{Table: "t", Key: "id", Columns: []string{"pk"}}})
	assert.Error(t, err)
}

func TestMySQLBackend_OpenUnreachable(t *testing.T) {
	b := NewMySQLBackend(session.Config{
		Host:           "127.0.0.1",
		Port:           1,
		User:           "root",
		ConnectTimeout: 200 * time.Millisecond,
	}, 2, nil)
	attempts := 0
	b.backOff = func() backoff.BackOff {
		attempts++
		return &backoff.ZeroBackOff{}
	}

	_, err := b.Open(context.Background(), "a", "repo1")
	require.Error(t, err)
	assert.True(t, session.IsConnectionError(err))
	assert.Contains(t, err.Error(), "open session a")
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "mysql", b.Name())
}

// branchServer answers protocol statements the way a Dolt sql-server
// does: binding a head discards uncommitted changes, and a commit lands
// only what the working set holds.
type branchServer struct {
	statements []string
	working    []string
	committed  []string
}

func (s *branchServer) Connect(context.Context) error { return nil }
func (s *branchServer) Close() error                  { return nil }

func (s *branchServer) Execute(_ context.Context, stmt string, _ bool) (*session.Result, error) {
	s.statements = append(s.statements, stmt)
	switch {
	case strings.HasPrefix(stmt, "SET "):
		s.working = nil
		return &session.Result{}, nil
	case strings.HasPrefix(stmt, "SELECT @@"):
		return &session.Result{Columns: []string{"head"}, Rows: [][]any{{"h1"}}}, nil
	case strings.HasPrefix(stmt, "CREATE TABLE"):
		s.working = append(s.working, stmt)
		return &session.Result{}, nil
	case strings.HasPrefix(stmt, "UPDATE dolt_branches"):
		if len(s.working) == 0 {
			return nil, &session.QueryError{Statement: stmt, Message: "nothing to commit"}
		}
		s.committed = append(s.committed, s.working...)
		s.working = nil
		return &session.Result{Affected: 1}, nil
	}
	return nil, &session.QueryError{Statement: stmt, Message: "unexpected statement"}
}

func TestMySQLBackend_ProvisionCommitsTables(t *testing.T) {
	srv := &branchServer{}
	b := NewMySQLBackend(session.Config{}, 0, nil)
	tables := []TableDef{
		{Table: "test", Key: "pk", Columns: []string{"pk", "c1"}},
		{Table: "other", Key: "id", Columns: []string{"id"}},
	}

	require.NoError(t, b.provision(context.Background(), srv, "repo1", tables))

	require.Len(t, srv.statements, 6)
	assert.True(t, strings.HasPrefix(srv.statements[0], "SET @@repo1_head = HASHOF('main')"), "bind before creating tables")
	assert.Equal(t, createTableSQL(tables[0]), srv.statements[2])
	assert.Equal(t, createTableSQL(tables[1]), srv.statements[3])
	assert.True(t, strings.HasPrefix(srv.statements[4], "UPDATE dolt_branches"))
	assert.Equal(t, "SELECT @@repo1_head", srv.statements[5])
	assert.Equal(t, []string{createTableSQL(tables[0]), createTableSQL(tables[1])}, srv.committed)
}

func TestMySQLBackend_ProvisionNothingToCommit(t *testing.T) {
	srv := &branchServer{}
	b := NewMySQLBackend(session.Config{}, 0, nil)
	empty := &noopCreates{branchServer: srv}
	require.NoError(t, b.provision(context.Background(), empty, "repo1", []TableDef{{Table: "test", Key: "pk", Columns: []string{"pk"}}}))
	assert.Empty(t, srv.committed)
}

// noopCreates treats every table as already present.
type noopCreates struct {
	*branchServer
}

func (s *noopCreates) Execute(ctx context.Context, stmt string, expectResults bool) (*session.Result, error) {
	if strings.HasPrefix(stmt, "CREATE TABLE") {
		s.statements = append(s.statements, stmt)
		return &session.Result{}, nil
	}
	return s.branchServer.Execute(ctx, stmt, expectResults)
}

func TestNothingToCommit(t *testing.T) {
	assert.True(t, nothingToCommit(&session.QueryError{Message: "Nothing to commit"}))
	assert.False(t, nothingToCommit(&session.QueryError{Message: "duplicate key"}))
	assert.False(t, nothingToCommit(&session.ConnectionError{Addr: "x"}))
}

func TestSessionSet_Ownership(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()
	require.NoError(t, b.Provision(context.Background(), "repo1", nil))
	sess, err := b.Open(context.Background(), "a", "repo1")
	require.NoError(t, err)

	set := newSessionSet()
	set.add(refstore.NewConn("a", sess, refstore.Dialect{Database: "repo1"}, nil))

	c, err := set.checkout("a")
	require.NoError(t, err)
	assert.Equal(t, "a", c.Name())

	_, err = set.checkout("a")
	assert.ErrorContains(t, err, "already owned")

	set.checkin("a")
	again, err := set.checkout("a")
	require.NoError(t, err, "checked-in sessions can be owned again")
	assert.Same(t, c, again)

	_, err = set.checkout("nobody")
	assert.ErrorContains(t, err, "unknown session")

	require.NoError(t, set.closeAll())
	_, err = sess.Execute(context.Background(), "SELECT 1", true)
	assert.True(t, session.IsConnectionError(err))
}
