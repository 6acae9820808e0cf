package memrepo

import (
	"fmt"

	"github.com/roach88/refrace/internal/session"
)

// Server error numbers, chosen to match what a MySQL-compatible server
// reports for the same condition.
const (
	ErrCodeUnknown          uint16 = 1105
	ErrCodeUnknownDatabase  uint16 = 1049
	ErrCodeBadField         uint16 = 1054
	ErrCodeDuplicateKey     uint16 = 1062
	ErrCodeParse            uint16 = 1064
	ErrCodeNoSuchTable      uint16 = 1146
	ErrCodeUnknownSystemVar uint16 = 1193
)

func queryErr(stmt string, code uint16, format string, args ...any) *session.QueryError {
	return &session.QueryError{
		Statement: stmt,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
	}
}
