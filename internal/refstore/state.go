package refstore

import "slices"

// State is the client-side mirror of a session's ref context.
type State int

const (
	Unbound State = iota
	Bound
	PendingChange
	CommitAttempted
	Committed
	Rejected
	MergeAttempted
	CleanMergePending
	ConflictedMergePending
)

var stateNames = [...]string{
	Unbound:                "unbound",
	Bound:                  "bound",
	PendingChange:          "pending_change",
	CommitAttempted:        "commit_attempted",
	Committed:              "committed",
	Rejected:               "rejected",
	MergeAttempted:         "merge_attempted",
	CleanMergePending:      "clean_merge_pending",
	ConflictedMergePending: "conflicted_merge_pending",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the legal successors of each state. Self-loops on the
// merge-pending states are row writes made while the merge is pending.
var transitions = map[State][]State{
	Unbound:                {Bound},
	Bound:                  {Bound, PendingChange, CommitAttempted, MergeAttempted},
	PendingChange:          {Bound, PendingChange, CommitAttempted, MergeAttempted},
	CommitAttempted:        {Committed, Rejected},
	Committed:              {Bound},
	Rejected:               {Bound},
	MergeAttempted:         {CleanMergePending, ConflictedMergePending},
	CleanMergePending:      {Bound, CleanMergePending, CommitAttempted},
	ConflictedMergePending: {Bound, ConflictedMergePending, PendingChange},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// afterWrite returns the state a row write leads to from s.
func afterWrite(s State) State {
	switch s {
	case CleanMergePending, ConflictedMergePending:
		return s
	default:
		return PendingChange
	}
}
