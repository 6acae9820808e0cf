package refstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"

	"github.com/roach88/refrace/internal/session"
)

// Conn pairs a session with the client-side mirror of its ref state.
// Like the session it wraps, a Conn is owned by one work item at a time.
type Conn struct {
	name    string
	sess    session.Session
	dialect Dialect
	logger  *slog.Logger

	ref       string
	head      string
	mergeHead string
	state     State
	conflicts map[string]int64
}

// NewConn wraps sess for the client called name.
func NewConn(name string, sess session.Session, dialect Dialect, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Conn{
		name:    name,
		sess:    sess,
		dialect: dialect,
		logger:  logger.With(slog.String("client", name)),
	}
}

// Name returns the client name.
func (c *Conn) Name() string { return c.name }

// Session returns the underlying session.
func (c *Conn) Session() session.Session { return c.sess }

// Ref returns the bound ref, "" when unbound.
func (c *Conn) Ref() string { return c.ref }

// Head returns the last observed head hash.
func (c *Conn) Head() string { return c.head }

// MergeHead returns the pending merge's incoming hash, "" when none.
func (c *Conn) MergeHead() string { return c.mergeHead }

// State returns the mirrored protocol state.
func (c *Conn) State() State { return c.state }

// Conflicts returns the pending conflict counts by table.
func (c *Conn) Conflicts() map[string]int64 { return maps.Clone(c.conflicts) }

func (c *Conn) check(op string, to State) error {
	if !CanTransition(c.state, to) {
		return &TransitionError{Client: c.name, Op: op, From: c.state, To: to}
	}
	return nil
}

func (c *Conn) enter(to State) {
	if c.state != to {
		c.logger.Debug("state transition",
			slog.String("from", c.state.String()),
			slog.String("to", to.String()))
	}
	c.state = to
}

func (c *Conn) execute(ctx context.Context, stmt string, expectResults bool) (*session.Result, error) {
	c.logger.Debug("statement", slog.String("sql", stmt))
	return c.sess.Execute(ctx, stmt, expectResults)
}

// scalar runs stmt and returns its single value, "" for NULL.
func (c *Conn) scalar(ctx context.Context, stmt string) (string, error) {
	res, err := c.execute(ctx, stmt, true)
	if err != nil {
		return "", err
	}
	return res.Scalar(), nil
}

// readConflicts reads the per-table conflict counts.
func (c *Conn) readConflicts(ctx context.Context) (map[string]int64, error) {
	res, err := c.execute(ctx, c.dialect.SelectConflicts(), true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, row := range res.Maps() {
		table := fmt.Sprint(row["table"])
		n, err := toInt64(row["num_conflicts"])
		if err != nil {
			return nil, fmt.Errorf("conflict count for %s: %w", table, err)
		}
		if n > 0 {
			out[table] = n
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func toInt64(v any) (int64, error) {
	switch n := session.Normalize(v).(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}
