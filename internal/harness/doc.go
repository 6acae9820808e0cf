// Package harness runs staged multi-session scripts against a ref store.
//
// A script is a list of stages. Each stage holds items; an item is an
// ordered list of steps bound to one named session. Items within a stage
// run concurrently on a fixed worker pool. A stage's items all finish and
// are checked before the next stage is enqueued, and the first failure
// stops the run.
//
// # Script Format
//
//	name: diverge-and-merge
//	database: repo1
//	schema:
//	  - table: test
//	    key: pk
//	    columns: [pk, c1]
//	stages:
//	  - name: seed
//	    items:
//	      - session: a
//	        steps:
//	          - set_context: main
//	          - query: "INSERT INTO test (pk, c1) VALUES (0, 0)"
//	          - commit: {message: seed}
//	  - name: race
//	    items:
//	      - session: a
//	        retry: 2
//	        steps:
//	          - set_context: main
//	          - query: "UPDATE test SET c1 = 1 WHERE pk = 0"
//	          - commit: {message: a}
//	      - session: b
//	        steps:
//	          - set_context: main
//	          - query: "UPDATE test SET c1 = 2 WHERE pk = 0"
//	          - commit: {message: b}
//	            expect: {error: cas_rejected, optional: true}
//
// Steps hold exactly one of set_context, commit, create_branch, merge,
// resolve or query. An expect block can require an error kind (the error
// is then absorbed), rows, an affected count or a conflict count.
//
// Scripts are checked three ways before running: against the embedded CUE
// schema in script.cue, by a strict YAML decode, and by structural checks
// such as one item per session per stage.
//
// # Retries
//
// An item with retry > 0 is re-run from its first step after an
// unexpected CAS rejection. The session is then in the rejected state, so
// the first step must be set_context to re-read the ref.
package harness
