package memrepo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultBranch is created with the repository.
const DefaultBranch = "main"

const initMessage = "Initialize data repository"

type revision struct {
	hash    string
	parents []string
	message string
	seq     int64
	data    snapshot
}

// CommitInfo describes a stored revision.
type CommitInfo struct {
	Hash    string
	Parents []string
	Message string
	Seq     int64
}

// Repo is a versioned repository shared by any number of sessions.
type Repo struct {
	mu       sync.Mutex
	database string
	tables   map[string]Table
	revs     map[string]*revision
	branches map[string]string
	seq      int64
	closed   bool

	latency   time.Duration
	logger    *slog.Logger
	templates *templates
}

// Option configures a Repo.
type Option func(*Repo)

// WithLatency delays every statement by d, widening race windows between
// sessions.
func WithLatency(d time.Duration) Option {
	return func(r *Repo) {
		r.latency = d
	}
}

// WithLogger sets the logger used for statement tracing at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repo) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a repository named database with a single branch, main,
// pointing at an empty root revision.
func New(database string, opts ...Option) *Repo {
	r := &Repo{
		database: database,
		tables:   make(map[string]Table),
		revs:     make(map[string]*revision),
		branches: make(map[string]string),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.templates = newTemplates(database)

	root, err := r.storeLocked(nil, initMessage, snapshot{})
	if err != nil {
		// An empty snapshot always marshals.
		panic(err)
	}
	r.branches[DefaultBranch] = root
	return r
}

// Database returns the repository's database name.
func (r *Repo) Database() string {
	return r.database
}

// CreateTable adds a user table. The table starts empty on every branch.
func (r *Repo) CreateTable(t Table) error {
	if t.Name == "" {
		return fmt.Errorf("create table: name is required")
	}
	if isSystemTable(t.Name) {
		return fmt.Errorf("create table %s: reserved name", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("create table %s: at least one column is required", t.Name)
	}
	if !slices.Contains(t.Columns, t.Key) {
		return fmt.Errorf("create table %s: key %q is not a column", t.Name, t.Key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[t.Name]; exists {
		return fmt.Errorf("create table %s: already exists", t.Name)
	}
	t.Columns = slices.Clone(t.Columns)
	r.tables[t.Name] = t
	return nil
}

// Tables returns the user tables ordered by name.
func (r *Repo) Tables() []Table {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Repo) table(name string) (Table, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[name]
	return t, ok
}

// Branches returns a copy of the branch map.
func (r *Repo) Branches() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.branches))
	for k, v := range r.branches {
		out[k] = v
	}
	return out
}

// BranchHash returns the hash name points at.
func (r *Repo) BranchHash(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.branches[name]
	return h, ok
}

// Commit returns the stored revision for hash.
func (r *Repo) Commit(hash string) (CommitInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rev, ok := r.revs[hash]
	if !ok {
		return CommitInfo{}, false
	}
	return CommitInfo{
		Hash:    rev.hash,
		Parents: slices.Clone(rev.parents),
		Message: rev.message,
		Seq:     rev.seq,
	}, true
}

// Rows returns the committed rows of table on branch, ordered by key.
func (r *Repo) Rows(branch, table string) ([]Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[table]
	if !ok {
		return nil, fmt.Errorf("table not found: %s", table)
	}
	h, ok := r.branches[branch]
	if !ok {
		return nil, fmt.Errorf("branch not found: %s", branch)
	}
	rows := sortedRows(t, r.revs[h].data[table])
	for i := range rows {
		rows[i] = rows[i].clone()
	}
	return rows, nil
}

// Close shuts the repository down. Sessions fail with a connection error
// from then on.
func (r *Repo) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Repo) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// resolve returns the revision a branch points at.
func (r *Repo) resolve(branch string) (*revision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.branches[branch]
	if !ok {
		return nil, false
	}
	return r.revs[h], true
}

func (r *Repo) revision(hash string) (*revision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev, ok := r.revs[hash]
	return rev, ok
}

// storeLocked creates a revision. Caller holds r.mu (or is the constructor).
func (r *Repo) storeLocked(parents []string, message string, data snapshot) (string, error) {
	r.seq++
	h, err := revisionHash(parents, message, r.seq, data)
	if err != nil {
		return "", err
	}
	r.revs[h] = &revision{
		hash:    h,
		parents: parents,
		message: message,
		seq:     r.seq,
		data:    data,
	}
	return h, nil
}

// casCommit stores a new revision and points branch at it iff the
// branch's current hash is one of expected. ok is false when the branch
// is missing or the hash did not match; nothing changes in that case.
func (r *Repo) casCommit(branch string, expected, parents []string, message string, data snapshot) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.branches[branch]
	if !exists || !slices.Contains(expected, cur) {
		return "", false, nil
	}

	h, err := r.storeLocked(parents, message, data)
	if err != nil {
		return "", false, err
	}
	r.branches[branch] = h
	return h, true, nil
}

var errDuplicateBranch = errors.New("duplicate branch")

// createBranch points a new branch at from's current hash.
func (r *Repo) createBranch(name, from string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.branches[name]; exists {
		return errDuplicateBranch
	}
	h, ok := r.branches[from]
	if !ok {
		return fmt.Errorf("branch not found: %s", from)
	}
	r.branches[name] = h
	return nil
}

// ancestors returns every revision reachable from hash, including itself.
// Caller holds r.mu.
func (r *Repo) ancestorsLocked(hash string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{hash}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[h] {
			continue
		}
		seen[h] = true
		if rev, ok := r.revs[h]; ok {
			stack = append(stack, rev.parents...)
		}
	}
	return seen
}

// mergeBase returns the common ancestor of a and b with the highest
// sequence number.
func (r *Repo) mergeBase(a, b string) (*revision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ancA := r.ancestorsLocked(a)
	var best *revision
	for h := range r.ancestorsLocked(b) {
		if !ancA[h] {
			continue
		}
		rev := r.revs[h]
		if best == nil || rev.seq > best.seq {
			best = rev
		}
	}
	return best, best != nil
}

// isAncestor reports whether anc is reachable from desc.
func (r *Repo) isAncestor(anc, desc string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ancestorsLocked(desc)[anc]
}
