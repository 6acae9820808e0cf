// Package journal provides SQLite-backed storage for harness run logs.
//
// Every run gets a row in runs, identified by a UUIDv7, and an ordered
// stream of events: stage, item and op starts and finishes, retries and
// failures. Events are stamped with a monotonic seq from Clock, never a
// wall-clock timestamp, so a journal reads back in exactly the order the
// runner observed it.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
//
// All read queries order by seq ASC.
package journal
