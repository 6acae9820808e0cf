package refstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// CASRejected reports that a commit's affected count was not exactly one:
// the ref's hash was not in the expected set when the commit ran. The ref
// is unchanged.
type CASRejected struct {
	Client   string
	Ref      string
	Expected []string // resolved hashes
	Affected int64
}

func (e *CASRejected) Error() string {
	return fmt.Sprintf("commit to %s by %s rejected: ref not at expected hash [%s] (affected %d)",
		e.Ref, e.Client, strings.Join(e.Expected, ", "), e.Affected)
}

// ConflictUnresolved reports a commit attempted while the merge conflict
// set is non-empty.
type ConflictUnresolved struct {
	Client    string
	Ref       string
	Conflicts map[string]int64 // table → conflicting rows
}

func (e *ConflictUnresolved) Error() string {
	tables := make([]string, 0, len(e.Conflicts))
	for t, n := range e.Conflicts {
		tables = append(tables, fmt.Sprintf("%s(%d)", t, n))
	}
	sort.Strings(tables)
	return fmt.Sprintf("%s has unresolved conflicts on %s: %s", e.Client, e.Ref, strings.Join(tables, ", "))
}

// TransitionError reports an operation that is illegal in the session's
// current state. No statement was sent.
type TransitionError struct {
	Client string
	Op     string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s not allowed in state %s (would enter %s)", e.Client, e.Op, e.From, e.To)
}

// IsCASRejected reports whether err wraps a *CASRejected.
func IsCASRejected(err error) bool {
	var e *CASRejected
	return errors.As(err, &e)
}

// IsConflictUnresolved reports whether err wraps a *ConflictUnresolved.
func IsConflictUnresolved(err error) bool {
	var e *ConflictUnresolved
	return errors.As(err, &e)
}

// IsTransitionError reports whether err wraps a *TransitionError.
func IsTransitionError(err error) bool {
	var e *TransitionError
	return errors.As(err, &e)
}
