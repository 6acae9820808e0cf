package session

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Session is a single logical connection to a query endpoint.
type Session interface {
	// Connect establishes the underlying transport.
	// Returns *ConnectionError if the endpoint cannot be reached in time.
	Connect(ctx context.Context) error

	// Execute runs one statement. When expectResults is true the statement's
	// rows are read and returned; otherwise only the affected count is set.
	// Returns *QueryError if the remote side rejects the statement.
	Execute(ctx context.Context, stmt string, expectResults bool) (*Result, error)

	// Close releases the transport. Safe to call more than once.
	Close() error
}

// Config identifies a query endpoint.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// ConnectTimeout bounds Connect. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// QueryTimeout bounds each Execute. Zero means no per-statement timeout.
	QueryTimeout time.Duration
}

// DefaultConnectTimeout is used when Config.ConnectTimeout is zero.
const DefaultConnectTimeout = 5 * time.Second

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

// Result is the outcome of one statement.
type Result struct {
	// Columns lists field names in server order.
	Columns []string

	// Rows holds one value slice per row, aligned with Columns.
	// Values are normalized: integers are int64, text is string, NULL is nil.
	Rows [][]any

	// Affected is the affected-row count reported for the statement.
	Affected int64
}

// Maps returns the rows as field→value maps.
// Field order is available from Columns.
func (r *Result) Maps() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for j, col := range r.Columns {
			if j < len(row) {
				m[col] = row[j]
			}
		}
		out[i] = m
	}
	return out
}

// Value returns the value of column col in row i.
// The second return is false if the row or column does not exist.
func (r *Result) Value(i int, col string) (any, bool) {
	if r == nil || i < 0 || i >= len(r.Rows) {
		return nil, false
	}
	for j, c := range r.Columns {
		if c == col && j < len(r.Rows[i]) {
			return r.Rows[i][j], true
		}
	}
	return nil, false
}

// Scalar returns the first column of the first row as a string.
// NULL and missing values yield "".
func (r *Result) Scalar() string {
	if r == nil || len(r.Rows) == 0 || len(r.Rows[0]) == 0 {
		return ""
	}
	switch v := r.Rows[0][0].(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// Normalize converts driver and YAML scalar types into the canonical set
// used by Result: int64, string, float64, bool, time.Time or nil.
//
// []byte values that parse as base-10 integers become int64; the MySQL text
// protocol returns every column that way.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		s := string(val)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return s
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case uint:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
