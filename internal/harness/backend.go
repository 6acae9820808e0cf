package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/refrace/internal/memrepo"
	"github.com/roach88/refrace/internal/refstore"
	"github.com/roach88/refrace/internal/session"
)

// Backend provisions a ref store and opens sessions against it.
type Backend interface {
	// Name identifies the backend in reports and the journal.
	Name() string

	// Provision creates the script's tables in database and commits them
	// to main.
	Provision(ctx context.Context, database string, tables []TableDef) error

	// Open returns a connected session for client.
	Open(ctx context.Context, client, database string) (session.Session, error)

	Close() error
}

// MemoryBackend runs scripts against an in-process memrepo.Repo.
type MemoryBackend struct {
	opts []memrepo.Option

	mu   sync.Mutex
	repo *memrepo.Repo
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns a backend whose repositories are built with opts.
func NewMemoryBackend(opts ...memrepo.Option) *MemoryBackend {
	return &MemoryBackend{opts: opts}
}

func (b *MemoryBackend) Name() string { return "memory" }

// Repo returns the repository created by the last Provision.
func (b *MemoryBackend) Repo() *memrepo.Repo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.repo
}

// Provision replaces the repository with a fresh one holding tables.
// Tables exist on every branch from the root revision, so nothing is
// committed.
func (b *MemoryBackend) Provision(_ context.Context, database string, tables []TableDef) error {
	repo := memrepo.New(database, b.opts...)
	for _, t := range tables {
		if err := repo.CreateTable(memrepo.Table{Name: t.Table, Key: t.Key, Columns: t.Columns}); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.repo != nil {
		b.repo.Close()
	}
	b.repo = repo
	return nil
}

func (b *MemoryBackend) Open(ctx context.Context, _ string, database string) (session.Session, error) {
	repo := b.Repo()
	if repo == nil {
		return nil, errors.New("memory backend: not provisioned")
	}
	sess := repo.NewSession(database)
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.repo != nil {
		b.repo.Close()
	}
	return nil
}

// MySQLBackend runs scripts against a Dolt sql-server over the MySQL wire
// protocol.
type MySQLBackend struct {
	cfg     session.Config
	retries int
	backOff func() backoff.BackOff
	logger  *slog.Logger
}

var _ Backend = (*MySQLBackend)(nil)

// NewMySQLBackend connects with cfg, overriding its database per call.
// Connection failures are retried up to retries times.
func NewMySQLBackend(cfg session.Config, retries int, logger *slog.Logger) *MySQLBackend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MySQLBackend{
		cfg:     cfg,
		retries: retries,
		backOff: connectBackOff,
		logger:  logger,
	}
}

func connectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (b *MySQLBackend) Name() string { return "mysql" }

// Open connects a new session, retrying connection errors. Other errors
// fail immediately.
func (b *MySQLBackend) Open(ctx context.Context, client, database string) (session.Session, error) {
	cfg := b.cfg
	cfg.Database = database

	var sess *session.MySQL
	connect := func() error {
		sess = session.NewMySQL(cfg)
		err := sess.Connect(ctx)
		if err != nil && !session.IsConnectionError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("connect failed, retrying",
			slog.String("client", client),
			slog.String("addr", cfg.Addr()),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b.backOff(), uint64(max(b.retries, 0))), ctx)
	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, fmt.Errorf("open session %s: %w", client, err)
	}
	return sess, nil
}

// Provision creates missing tables through a dedicated session and
// commits them to main with the ref-store protocol.
func (b *MySQLBackend) Provision(ctx context.Context, database string, tables []TableDef) error {
	if len(tables) == 0 {
		return nil
	}

	sess, err := b.Open(ctx, "provision", database)
	if err != nil {
		return err
	}
	defer sess.Close()
	return b.provision(ctx, sess, database, tables)
}

// provision binds sess to main before creating tables. Binding resets the
// working set, so the tables must be created afterwards to be committed.
func (b *MySQLBackend) provision(ctx context.Context, sess session.Session, database string, tables []TableDef) error {
	conn := refstore.NewConn("provision", sess, refstore.Dialect{Database: database}, b.logger)
	if _, err := refstore.Exec(ctx, conn, refstore.SetContext{Ref: memrepo.DefaultBranch}); err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	for _, t := range tables {
		if _, err := refstore.Exec(ctx, conn, refstore.RawQuery{SQL: createTableSQL(t)}); err != nil {
			return fmt.Errorf("create table %s: %w", t.Table, err)
		}
	}

	_, err := refstore.Exec(ctx, conn, refstore.Commit{Message: "provision schema"})
	if err != nil && !nothingToCommit(err) {
		return fmt.Errorf("provision: %w", err)
	}
	return nil
}

func (b *MySQLBackend) Close() error { return nil }

// nothingToCommit reports the server refusing an empty commit, which
// happens when every table already existed.
func nothingToCommit(err error) bool {
	var qe *session.QueryError
	return errors.As(err, &qe) && strings.Contains(strings.ToLower(qe.Message), "nothing to commit")
}

// createTableSQL renders t with BIGINT as the default column type.
func createTableSQL(t TableDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", refstore.Ident(t.Table))
	for _, col := range t.Columns {
		typ := t.Types[col]
		if typ == "" {
			typ = "BIGINT"
		}
		fmt.Fprintf(&b, "%s %s", refstore.Ident(col), typ)
		if col == t.Key {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(", ")
	}
	fmt.Fprintf(&b, "PRIMARY KEY (%s))", refstore.Ident(t.Key))
	return b.String()
}
