// Package memrepo is an in-process versioned repository that speaks the
// ref store statement vocabulary.
//
// A Repo holds branches pointing at content-addressed revisions. Each
// revision is an immutable snapshot of every table plus its parents and
// commit message. Sessions opened on a Repo carry their own head, working
// set and merge state, exactly like sessions on a Dolt sql-server:
//
//	SET @@repo_head = HASHOF('main')
//	UPDATE dolt_branches SET hash = DOLT_COMMIT('-m', 'msg')
//	    WHERE name = 'main' AND hash IN (@@repo_head)
//	INSERT INTO dolt_branches (name, hash) VALUES ('b1', HASHOF('main'))
//	SET @@repo_working = DOLT_MERGE('b1')
//	SELECT * FROM dolt_conflicts_test
//
// Version-control statements are matched against fixed templates. Data
// statements (SELECT, INSERT, REPLACE, UPDATE, DELETE) are parsed with the
// vitess SQL parser and evaluated against the session's working set.
// Schema is provisioned through CreateTable rather than DDL.
//
// The only concurrency control on branches is the CAS in the commit
// statement. The repo mutex guards the branch map and revision store; it is
// never held across statements.
package memrepo
