// Package refstore implements the ref store protocol: a closed set of typed
// operations that drive one session through branch binding, CAS commits,
// branch creation, merges and conflict resolution.
//
// Every operation is expressed as statements sent through a
// session.Session; the revision-control semantics live on the server.
// The client keeps a mirror of the session's state (Conn) and refuses
// illegal transitions before any statement is sent.
//
// State machine:
//
//	Unbound ──SetContext──▶ Bound ──write──▶ PendingChange
//	Bound|PendingChange ──Commit──▶ CommitAttempted ──▶ Committed ──▶ Bound
//	                                                 └─▶ Rejected ──SetContext──▶ Bound
//	Bound|PendingChange ──Merge──▶ MergeAttempted ──▶ CleanMergePending
//	                                               └─▶ ConflictedMergePending
//	ConflictedMergePending ──ResolveConflicts──▶ PendingChange
//
// A commit whose affected count is not exactly one is a CAS rejection and
// is reported as *CASRejected. A commit attempted while conflicts are
// pending fails with *ConflictUnresolved without reaching the server.
package refstore
