// Package session defines the single-connection query contract the harness
// drives, plus a MySQL-wire implementation for Dolt sql-server.
//
// A Session is one logical client: statements run sequentially, the remote
// side holds the ref/working-set context, and nothing here retries. Retry
// policy belongs to the caller.
//
// Sessions are NOT safe for concurrent use. The harness guarantees that a
// Session is owned by exactly one work item at a time.
package session
