package refstore

// Op is one protocol operation. The set is closed: SetContext, Commit,
// CreateBranch, Merge, ResolveConflicts and RawQuery.
type Op interface {
	// Name is the operation's stable identifier, used in logs and traces.
	Name() string
	isOp()
}

// SetContext binds the session to Ref's current revision. An empty Ref
// re-reads the currently bound ref.
type SetContext struct {
	Ref string
}

// Commit CAS-advances the bound ref. Expected defaults to the session head,
// plus the merge head while a merge is pending.
type Commit struct {
	Message  string
	Expected []string
}

// CreateBranch creates Name at From's current hash. An empty From uses
// the bound ref.
type CreateBranch struct {
	Name string
	From string
}

// Merge merges Source into the bound context.
type Merge struct {
	Source string
}

// Policy picks the winning side of a conflict.
type Policy string

const (
	// PolicyTheirs prefers the incoming branch.
	PolicyTheirs Policy = "theirs"
	// PolicyOurs prefers the bound branch.
	PolicyOurs Policy = "ours"
)

// ResolveConflicts resolves every conflict in Tables (all conflicted
// tables when empty). Key is the primary key column used to delete rows
// whose winning side is absent.
type ResolveConflicts struct {
	Tables []string
	Key    string
	Policy Policy
}

// RawQuery sends a row-level statement.
type RawQuery struct {
	SQL string
}

func (SetContext) Name() string       { return "set_context" }
func (Commit) Name() string           { return "commit" }
func (CreateBranch) Name() string     { return "create_branch" }
func (Merge) Name() string            { return "merge" }
func (ResolveConflicts) Name() string { return "resolve" }
func (RawQuery) Name() string         { return "query" }

func (SetContext) isOp()       {}
func (Commit) isOp()           {}
func (CreateBranch) isOp()     {}
func (Merge) isOp()            {}
func (ResolveConflicts) isOp() {}
func (RawQuery) isOp()         {}
