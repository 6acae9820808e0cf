package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Default I/O timeouts for the MySQL transport. They keep a hung server
// from blocking a worker (and therefore the stage barrier) forever.
const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// MySQL is a Session speaking the MySQL wire protocol, as served by
// `dolt sql-server`.
//
// Each MySQL session pins exactly one *sql.Conn so that server-side session
// state (session variables, working set, merge state) survives between
// statements. The pool is capped at one connection for the same reason.
type MySQL struct {
	cfg  Config
	db   *sql.DB
	conn *sql.Conn
}

// NewMySQL returns an unconnected MySQL session for cfg.
func NewMySQL(cfg Config) *MySQL {
	return &MySQL{cfg: cfg}
}

// DSN renders the data source name used for cfg.
func DSN(cfg Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = cfg.Addr()
	mc.DBName = cfg.Database
	mc.Timeout = cfg.connectTimeout()
	mc.ReadTimeout = defaultReadTimeout
	mc.WriteTimeout = defaultWriteTimeout
	if cfg.QueryTimeout > 0 {
		mc.ReadTimeout = cfg.QueryTimeout
		mc.WriteTimeout = cfg.QueryTimeout
	}
	mc.AllowNativePasswords = true
	return mc.FormatDSN()
}

// Connect opens the pinned connection and pings it.
func (s *MySQL) Connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}

	db, err := sql.Open("mysql", DSN(s.cfg))
	if err != nil {
		return &ConnectionError{Addr: s.cfg.Addr(), Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.connectTimeout())
	defer cancel()

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return &ConnectionError{Addr: s.cfg.Addr(), Err: err}
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return &ConnectionError{Addr: s.cfg.Addr(), Err: err}
	}

	s.db = db
	s.conn = conn
	return nil
}

// Execute runs stmt on the pinned connection.
func (s *MySQL) Execute(ctx context.Context, stmt string, expectResults bool) (*Result, error) {
	if s.conn == nil {
		return nil, &ConnectionError{Addr: s.cfg.Addr(), Err: errors.New("session is not connected")}
	}

	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	if !expectResults {
		res, err := s.conn.ExecContext(ctx, stmt)
		if err != nil {
			return nil, classify(s.cfg.Addr(), stmt, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, classify(s.cfg.Addr(), stmt, err)
		}
		return &Result{Affected: n}, nil
	}

	rows, err := s.conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, classify(s.cfg.Addr(), stmt, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(s.cfg.Addr(), stmt, err)
	}

	result := &Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(s.cfg.Addr(), stmt, err)
		}
		for i := range vals {
			vals[i] = Normalize(vals[i])
		}
		result.Rows = append(result.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(s.cfg.Addr(), stmt, err)
	}
	result.Affected = int64(len(result.Rows))
	return result, nil
}

// Close releases the pinned connection and the pool.
func (s *MySQL) Close() error {
	var errs []error
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	return errors.Join(errs...)
}

// classify maps driver errors onto the session error taxonomy.
func classify(addr, stmt string, err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return &QueryError{Statement: stmt, Code: me.Number, Message: me.Message}
	}

	var ne net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne):
		return &ConnectionError{Addr: addr, Err: err}
	}

	return &QueryError{Statement: stmt, Message: fmt.Sprintf("%v", err)}
}
