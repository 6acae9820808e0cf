package session

import (
	"errors"
	"fmt"
)

// ConnectionError reports that the transport is unreachable or was lost.
// It is fatal for the owning item's current attempt; callers decide whether
// to reconnect.
type ConnectionError struct {
	Addr string // host:port or backend name
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection to %s failed", e.Addr)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// QueryError reports that the remote side rejected a statement.
type QueryError struct {
	Statement string
	Code      uint16 // server error number, 0 if unknown
	Message   string // server message
}

func (e *QueryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("query rejected (error %d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("query rejected: %s", e.Message)
}

// IsConnectionError reports whether err wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsQueryError reports whether err wraps a *QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}
