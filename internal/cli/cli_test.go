package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const smokeScript = `
name: cli-smoke
database: repo1
schema:
  - {table: test, key: pk, columns: [pk, c1]}
stages:
  - name: seed
    items:
      - session: a
        steps:
          - set_context: main
          - query: "INSERT INTO test (pk, c1) VALUES (0, 0)"
          - commit: {message: seed}
  - name: check
    items:
      - session: b
        steps:
          - set_context: main
          - query: "SELECT pk, c1 FROM test"
            expect: {rows: [{pk: 0, c1: 0}]}
`

const failingScript = `
name: cli-failing
schema:
  - {table: test, key: pk, columns: [pk, c1]}
stages:
  - name: seed
    items:
      - session: a
        steps:
          - set_context: main
          - query: "INSERT INTO test (pk, c1) VALUES (0, 0)"
          - commit: {message: seed}
  - name: check
    items:
      - session: b
        steps:
          - set_context: main
          - query: "SELECT pk, c1 FROM test"
            expect: {rows: [{pk: 0, c1: 9}]}
  - name: never
    items:
      - session: a
        steps:
          - set_context: main
`

// writeScript writes content to name under a fresh temp dir.
func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs the root command with args and returns stdout, stderr and
// the command error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}
