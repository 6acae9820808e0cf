package memrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/refrace/internal/session"
)

// conflict is one key modified divergently on both sides of a merge.
// A nil side means the row is absent there.
type conflict struct {
	base, ours, theirs Row
}

// Session is one client connection to a Repo. It implements
// session.Session and, like a network session, is not safe for
// concurrent use.
type Session struct {
	repo     *Repo
	database string

	connected bool
	closed    bool

	head      string
	mergeHead string
	working   *workingSet
	conflicts map[string][]conflict
}

var _ session.Session = (*Session)(nil)

// NewSession returns an unconnected session targeting database.
// Connect fails unless database names this repo.
func (r *Repo) NewSession(database string) *Session {
	return &Session{repo: r, database: database}
}

// Connect implements session.Session.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &session.ConnectionError{Addr: s.addr(), Err: err}
	}
	if s.closed {
		return &session.ConnectionError{Addr: s.addr(), Err: errors.New("session closed")}
	}
	if s.repo.isClosed() {
		return &session.ConnectionError{Addr: s.addr(), Err: errors.New("repository closed")}
	}
	if s.database != s.repo.database {
		return &session.ConnectionError{
			Addr: s.addr(),
			Err:  fmt.Errorf("unknown database %q", s.database),
		}
	}
	s.connected = true
	return nil
}

// Close implements session.Session.
func (s *Session) Close() error {
	s.closed = true
	s.connected = false
	return nil
}

func (s *Session) addr() string {
	return "memrepo/" + s.database
}

// Execute implements session.Session.
func (s *Session) Execute(ctx context.Context, stmt string, expectResults bool) (*session.Result, error) {
	if !s.connected || s.closed {
		return nil, &session.ConnectionError{Addr: s.addr(), Err: errors.New("session is not connected")}
	}
	if err := s.delay(ctx); err != nil {
		return nil, &session.ConnectionError{Addr: s.addr(), Err: err}
	}
	if s.repo.isClosed() {
		return nil, &session.ConnectionError{Addr: s.addr(), Err: errors.New("repository closed")}
	}

	s.repo.logger.Debug("execute", slog.String("database", s.database), slog.String("statement", stmt))

	res, err := s.exec(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
	if err != nil {
		var qe *session.QueryError
		if errors.As(err, &qe) && qe.Statement == "" {
			qe.Statement = stmt
		}
		return nil, err
	}
	if !expectResults {
		res.Columns = nil
		res.Rows = nil
	}
	return res, nil
}

func (s *Session) delay(ctx context.Context) error {
	if s.repo.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.repo.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) exec(stmt string) (*session.Result, error) {
	tpl := s.repo.templates

	if m := tpl.setHead.FindStringSubmatch(stmt); m != nil {
		return s.setHead(stmt, m[1])
	}
	if m := tpl.selectVar.FindStringSubmatch(stmt); m != nil {
		return s.selectVar(stmt, m[1])
	}
	if m := tpl.commit.FindStringSubmatch(stmt); m != nil {
		return s.commit(stmt, m[1], m[2], m[3])
	}
	if m := tpl.createBranch.FindStringSubmatch(stmt); m != nil {
		return s.createBranch(stmt, m[1], m[2])
	}
	if m := tpl.merge.FindStringSubmatch(stmt); m != nil {
		return s.merge(stmt, m[1])
	}
	return s.query(stmt)
}

// bind points the session at rev and discards local state.
func (s *Session) bind(rev *revision) {
	s.head = rev.hash
	s.mergeHead = ""
	s.working = newWorkingSet(rev.data)
	s.conflicts = nil
}

func (s *Session) setHead(stmt, refLit string) (*session.Result, error) {
	ref, err := unquote(refLit)
	if err != nil {
		return nil, queryErr(stmt, ErrCodeParse, "%v", err)
	}
	rev, ok := s.repo.resolve(ref)
	if !ok {
		return nil, queryErr(stmt, ErrCodeUnknown, "branch not found: %s", ref)
	}
	s.bind(rev)
	return &session.Result{}, nil
}

func (s *Session) selectVar(stmt, name string) (*session.Result, error) {
	tpl := s.repo.templates

	var v any
	switch strings.ToLower(name) {
	case tpl.headVar:
		v = nullIfEmpty(s.head)
	case tpl.mergeHeadVar:
		v = nullIfEmpty(s.mergeHead)
	default:
		return nil, queryErr(stmt, ErrCodeUnknownSystemVar, "Unknown system variable '%s'", strings.TrimPrefix(name, "@@"))
	}
	return &session.Result{
		Columns:  []string{name},
		Rows:     [][]any{{v}},
		Affected: 1,
	}, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// commit implements the CAS branch advance. Affected is 1 when the branch
// moved and 0 when its hash was not in the expected set.
func (s *Session) commit(stmt, msgLit, refLit, list string) (*session.Result, error) {
	msg, err := unquote(msgLit)
	if err != nil {
		return nil, queryErr(stmt, ErrCodeParse, "%v", err)
	}
	ref, err := unquote(refLit)
	if err != nil {
		return nil, queryErr(stmt, ErrCodeParse, "%v", err)
	}
	operands, err := parseHashList(list)
	if err != nil {
		return nil, queryErr(stmt, ErrCodeParse, "%v", err)
	}

	if s.working == nil {
		return nil, queryErr(stmt, ErrCodeUnknown, "no head set for database %s", s.database)
	}
	if n := s.conflictCount(); n > 0 {
		return nil, queryErr(stmt, ErrCodeUnknown,
			"merge has %d unresolved conflicts; resolve them before committing", n)
	}

	tpl := s.repo.templates
	var expected []string
	for _, op := range operands {
		switch op.variable {
		case "":
			expected = append(expected, op.literal)
		case tpl.headVar:
			expected = append(expected, s.head)
		case tpl.mergeHeadVar:
			if s.mergeHead != "" {
				expected = append(expected, s.mergeHead)
			}
		default:
			return nil, queryErr(stmt, ErrCodeUnknownSystemVar, "Unknown system variable '%s'", strings.TrimPrefix(op.variable, "@@"))
		}
	}

	parents := []string{s.head}
	if s.mergeHead != "" {
		parents = append(parents, s.mergeHead)
	}

	h, ok, err := s.repo.casCommit(ref, expected, parents, msg, s.working.freeze())
	if err != nil {
		return nil, queryErr(stmt, ErrCodeUnknown, "%v", err)
	}
	if !ok {
		return &session.Result{Affected: 0}, nil
	}

	rev, _ := s.repo.revision(h)
	s.bind(rev)
	return &session.Result{Affected: 1}, nil
}

func (s *Session) createBranch(stmt, nameLit, fromLit string) (*session.Result, error) {
	name, err := unquote(nameLit)
	if err != nil {
		return nil, queryErr(stmt, ErrCodeParse, "%v", err)
	}
	from, err := unquote(fromLit)
	if err != nil {
		return nil, queryErr(stmt, ErrCodeParse, "%v", err)
	}
	if name == "" {
		return nil, queryErr(stmt, ErrCodeUnknown, "branch name cannot be empty")
	}

	if err := s.repo.createBranch(name, from); err != nil {
		if errors.Is(err, errDuplicateBranch) {
			return nil, queryErr(stmt, ErrCodeDuplicateKey, "duplicate primary key given: [%s]", name)
		}
		return nil, queryErr(stmt, ErrCodeUnknown, "%v", err)
	}
	return &session.Result{Affected: 1}, nil
}

func (s *Session) merge(stmt, srcLit string) (*session.Result, error) {
	src, err := unquote(srcLit)
	if err != nil {
		return nil, queryErr(stmt, ErrCodeParse, "%v", err)
	}
	if s.working == nil {
		return nil, queryErr(stmt, ErrCodeUnknown, "no head set for database %s", s.database)
	}
	if s.conflictCount() > 0 {
		return nil, queryErr(stmt, ErrCodeUnknown, "merge in progress has unresolved conflicts")
	}

	theirs, ok := s.repo.resolve(src)
	if !ok {
		return nil, queryErr(stmt, ErrCodeUnknown, "branch not found: %s", src)
	}

	// Already contains source: nothing to merge.
	if s.repo.isAncestor(theirs.hash, s.head) {
		return &session.Result{}, nil
	}

	base, ok := s.repo.mergeBase(s.head, theirs.hash)
	if !ok {
		return nil, queryErr(stmt, ErrCodeUnknown, "no common ancestor between %s and %s", s.head, src)
	}

	merged, conflicts := threeWayMerge(s.repo.Tables(), base.data, s.working.freeze(), theirs.data)
	s.working = newWorkingSet(merged)
	s.mergeHead = theirs.hash
	s.conflicts = conflicts

	return &session.Result{}, nil
}

func (s *Session) conflictCount() int {
	n := 0
	for _, cs := range s.conflicts {
		n += len(cs)
	}
	return n
}
