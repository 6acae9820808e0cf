package session

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_Maps(t *testing.T) {
	r := &Result{
		Columns: []string{"pk", "c1"},
		Rows:    [][]any{{int64(0), int64(1)}, {int64(1), nil}},
	}

	maps := r.Maps()
	require.Len(t, maps, 2)
	assert.Equal(t, map[string]any{"pk": int64(0), "c1": int64(1)}, maps[0])
	assert.Equal(t, map[string]any{"pk": int64(1), "c1": nil}, maps[1])
}

func TestResult_MapsNil(t *testing.T) {
	var r *Result
	assert.Nil(t, r.Maps())
}

func TestResult_Value(t *testing.T) {
	r := &Result{
		Columns: []string{"name", "hash"},
		Rows:    [][]any{{"main", "abc"}},
	}

	v, ok := r.Value(0, "hash")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok = r.Value(0, "missing")
	assert.False(t, ok)

	_, ok = r.Value(1, "hash")
	assert.False(t, ok)
}

func TestResult_Scalar(t *testing.T) {
	tests := []struct {
		name string
		res  *Result
		want string
	}{
		{"nil result", nil, ""},
		{"no rows", &Result{Columns: []string{"x"}}, ""},
		{"string", &Result{Columns: []string{"x"}, Rows: [][]any{{"h1"}}}, "h1"},
		{"int", &Result{Columns: []string{"x"}, Rows: [][]any{{int64(42)}}}, "42"},
		{"null", &Result{Columns: []string{"x"}, Rows: [][]any{{nil}}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.Scalar())
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, int64(12), Normalize([]byte("12")))
	assert.Equal(t, "abc", Normalize([]byte("abc")))
	assert.Equal(t, int64(3), Normalize(3))
	assert.Equal(t, int64(3), Normalize(uint8(3)))
	assert.Equal(t, float64(1.5), Normalize(float32(1.5)))
	assert.Nil(t, Normalize(nil))
	assert.Equal(t, true, Normalize(true))
}

func TestConfig_Addr(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: 3306}
	assert.Equal(t, "127.0.0.1:3306", cfg.Addr())
}

func TestDSN_RoundTrip(t *testing.T) {
	cfg := Config{
		Host:           "db.local",
		Port:           3307,
		User:           "root",
		Password:       "secret",
		Database:       "repo1",
		ConnectTimeout: 2 * time.Second,
		QueryTimeout:   10 * time.Second,
	}

	parsed, err := mysql.ParseDSN(DSN(cfg))
	require.NoError(t, err)

	assert.Equal(t, "root", parsed.User)
	assert.Equal(t, "secret", parsed.Passwd)
	assert.Equal(t, "tcp", parsed.Net)
	assert.Equal(t, "db.local:3307", parsed.Addr)
	assert.Equal(t, "repo1", parsed.DBName)
	assert.Equal(t, 2*time.Second, parsed.Timeout)
	assert.Equal(t, 10*time.Second, parsed.ReadTimeout)
	assert.Equal(t, 10*time.Second, parsed.WriteTimeout)
}

func TestDSN_DefaultTimeouts(t *testing.T) {
	parsed, err := mysql.ParseDSN(DSN(Config{Host: "h", Port: 1, User: "u", Database: "d"}))
	require.NoError(t, err)

	assert.Equal(t, DefaultConnectTimeout, parsed.Timeout)
	assert.Equal(t, defaultReadTimeout, parsed.ReadTimeout)
}

func TestClassify(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		err := classify("h:1", "SELECT 1", &mysql.MySQLError{Number: 1062, Message: "duplicate primary key"})

		var qe *QueryError
		require.True(t, errors.As(err, &qe))
		assert.Equal(t, uint16(1062), qe.Code)
		assert.Equal(t, "duplicate primary key", qe.Message)
		assert.Equal(t, "SELECT 1", qe.Statement)
	})

	t.Run("bad connection", func(t *testing.T) {
		err := classify("h:1", "SELECT 1", fmt.Errorf("exec: %w", driver.ErrBadConn))
		assert.True(t, IsConnectionError(err))
		assert.False(t, IsQueryError(err))
	})

	t.Run("deadline", func(t *testing.T) {
		err := classify("h:1", "SELECT 1", context.DeadlineExceeded)
		assert.True(t, IsConnectionError(err))
	})

	t.Run("other", func(t *testing.T) {
		err := classify("h:1", "SELECT 1", errors.New("weird"))
		assert.True(t, IsQueryError(err))
		assert.Contains(t, err.Error(), "weird")
	})
}

func TestQueryError_Message(t *testing.T) {
	assert.Equal(t, "query rejected (error 1105): boom", (&QueryError{Code: 1105, Message: "boom"}).Error())
	assert.Equal(t, "query rejected: boom", (&QueryError{Message: "boom"}).Error())
}

func TestConnectionError_Unwrap(t *testing.T) {
	inner := errors.New("refused")
	err := fmt.Errorf("startup: %w", &ConnectionError{Addr: "h:1", Err: inner})

	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection to h:1 failed: refused")
}

func TestMySQL_ConnectUnreachable(t *testing.T) {
	// Reserve a port, then release it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := NewMySQL(Config{
		Host:           "127.0.0.1",
		Port:           port,
		User:           "root",
		Database:       "repo1",
		ConnectTimeout: time.Second,
	})

	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.NoError(t, s.Close())
}

func TestMySQL_ExecuteBeforeConnect(t *testing.T) {
	s := NewMySQL(Config{Host: "127.0.0.1", Port: 3306})

	_, err := s.Execute(context.Background(), "SELECT 1", true)
	assert.True(t, IsConnectionError(err))
}

func TestMySQL_CloseIdempotent(t *testing.T) {
	s := NewMySQL(Config{Host: "127.0.0.1", Port: 3306})
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
