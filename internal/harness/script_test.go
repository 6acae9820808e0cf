package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/refrace/internal/refstore"
)

func TestLoadScript_ValidFile(t *testing.T) {
	s := loadTestScript(t, "diverge")

	assert.Equal(t, "diverge-and-merge", s.Name)
	assert.Equal(t, "repo1", s.Database)
	require.Len(t, s.Schema, 1)
	assert.Equal(t, []string{"pk", "c1"}, s.Schema[0].Columns)
	require.Len(t, s.Stages, 3)
	assert.Equal(t, []string{"a", "b"}, s.Sessions())
	assert.Equal(t, 2, s.LargestStage())
	assert.Equal(t, "merge", s.StageName(2))

	merge := s.Stages[2].Items[0].Steps[0]
	require.NotNil(t, merge.Expect)
	require.NotNil(t, merge.Expect.Conflicts)
	assert.Equal(t, int64(1), *merge.Expect.Conflicts)
}

func TestLoadScript_AllTestdataScripts(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scripts", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScript(path)
			assert.NoError(t, err)
		})
	}
}

func TestLoadScript_FileNotFound(t *testing.T) {
	_, err := LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read script file")
}

func TestLoadScript_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: tiny
stages:
  - items:
      - session: a
        steps:
          - set_context: main
`), 0644))

	s, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, "stage-0", s.StageName(0))
	assert.Equal(t, 1, s.LargestStage())
}

func TestParseScript_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "invalid yaml",
			yaml: "name: [unclosed",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: `
stages:
  - items:
      - {session: a, steps: [{set_context: main}]}
`,
			want: "name",
		},
		{
			name: "no stages",
			yaml: "name: x\nstages: []\n",
			want: "stages",
		},
		{
			name: "unknown step field",
			yaml: `
name: x
stages:
  - items:
      - {session: a, steps: [{set_context: main, bogus: 1}]}
`,
			want: "bogus",
		},
		{
			name: "unknown policy",
			yaml: `
name: x
stages:
  - items:
      - {session: a, steps: [{resolve: {key: pk, policy: mine}}]}
`,
			want: "policy",
		},
		{
			name: "unknown error kind",
			yaml: `
name: x
stages:
  - items:
      - {session: a, steps: [{query: "SELECT 1", expect: {error: timeout}}]}
`,
			want: "expect.error",
		},
		{
			name: "two operations in one step",
			yaml: `
name: x
stages:
  - items:
      - {session: a, steps: [{set_context: main, merge: b1}]}
`,
			want: "stages[0].items[0].steps[0]: step has 2 operations, want exactly one",
		},
		{
			name: "step without operation",
			yaml: `
name: x
stages:
  - items:
      - {session: a, steps: [{expect: {affected: 1}}]}
`,
			want: "step has no operation",
		},
		{
			name: "session used twice in a stage",
			yaml: `
name: x
stages:
  - items:
      - {session: a, steps: [{set_context: main}]}
      - {session: a, steps: [{set_context: b1}]}
`,
			want: `stages[0].items[1]: session "a" already used by items[0] in this stage`,
		},
		{
			name: "key not a column",
			yaml: `
name: x
schema:
  - {table: test, key: id, columns: [pk, c1]}
stages:
  - items:
      - {session: a, steps: [{set_context: main}]}
`,
			want: `schema[0]: key "id" is not a column`,
		},
		{
			name: "duplicate table",
			yaml: `
name: x
schema:
  - {table: test, key: pk, columns: [pk]}
  - {table: test, key: pk, columns: [pk]}
stages:
  - items:
      - {session: a, steps: [{set_context: main}]}
`,
			want: `schema[1]: duplicate table "test"`,
		},
		{
			name: "optional without error",
			yaml: `
name: x
stages:
  - items:
      - {session: a, steps: [{commit: {}, expect: {optional: true}}]}
`,
			want: "optional requires error",
		},
		{
			name: "rows with a required error",
			yaml: `
name: x
stages:
  - items:
      - {session: a, steps: [{query: "SELECT 1", expect: {error: query_error, rows: []}}]}
`,
			want: "need a successful step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScript_SameSessionAcrossStages(t *testing.T) {
	_, err := ParseScript([]byte(`
name: x
stages:
  - items:
      - {session: a, steps: [{set_context: main}]}
  - items:
      - {session: a, steps: [{set_context: main}]}
`))
	assert.NoError(t, err)
}

func TestStep_Op(t *testing.T) {
	ref, src, sql := "main", "b1", "SELECT 1"
	tests := []struct {
		name string
		step Step
		want refstore.Op
	}{
		{"set_context", Step{SetContext: &ref}, refstore.SetContext{Ref: "main"}},
		{"commit", Step{Commit: &CommitStep{Message: "m", Expected: []string{"head"}}}, refstore.Commit{Message: "m", Expected: []string{"head"}}},
		{"create_branch", Step{CreateBranch: &CreateBranchStep{Name: "b2", From: "main"}}, refstore.CreateBranch{Name: "b2", From: "main"}},
		{"merge", Step{Merge: &src}, refstore.Merge{Source: "b1"}},
		{"resolve", Step{Resolve: &ResolveStep{Tables: []string{"test"}, Key: "pk", Policy: "ours"}}, refstore.ResolveConflicts{Tables: []string{"test"}, Key: "pk", Policy: refstore.PolicyOurs}},
		{"query", Step{Query: &sql}, refstore.RawQuery{SQL: "SELECT 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := tt.step.Op()
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
			assert.Equal(t, tt.name, op.Name())
		})
	}
}

func TestValidateSchema_EmbeddedSchemaCompiles(t *testing.T) {
	doc := map[string]any{
		"name": "x",
		"stages": []any{
			map[string]any{"items": []any{
				map[string]any{"session": "a", "steps": []any{map[string]any{"set_context": "main"}}},
			}},
		},
	}
	assert.NoError(t, validateSchema(doc))
}
