package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/roach88/refrace/internal/refstore"
)

// Script is a staged multi-session test.
type Script struct {
	// Name identifies the script in reports and the journal.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Database overrides the configured database.
	Database string `yaml:"database,omitempty"`

	// Workers overrides the default pool size (the largest stage).
	Workers int `yaml:"workers,omitempty"`

	// Schema lists tables provisioned before the first stage.
	Schema []TableDef `yaml:"schema,omitempty"`

	Stages []StageDef `yaml:"stages"`
}

// TableDef declares one user table.
type TableDef struct {
	Table   string   `yaml:"table"`
	Key     string   `yaml:"key"`
	Columns []string `yaml:"columns"`

	// Types maps columns to SQL types for server backends. Unlisted
	// columns are BIGINT.
	Types map[string]string `yaml:"types,omitempty"`
}

// StageDef is a group of items run concurrently.
type StageDef struct {
	Name  string    `yaml:"name,omitempty"`
	Items []ItemDef `yaml:"items"`
}

// ItemDef is an ordered list of steps run on one session.
type ItemDef struct {
	Session string `yaml:"session"`

	// Retry re-runs the whole item this many times after an unexpected
	// CAS rejection.
	Retry int `yaml:"retry,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step holds exactly one operation plus an optional expectation.
type Step struct {
	SetContext   *string           `yaml:"set_context,omitempty"`
	Commit       *CommitStep       `yaml:"commit,omitempty"`
	CreateBranch *CreateBranchStep `yaml:"create_branch,omitempty"`
	Merge        *string           `yaml:"merge,omitempty"`
	Resolve      *ResolveStep      `yaml:"resolve,omitempty"`
	Query        *string           `yaml:"query,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// CommitStep is the commit operation's arguments.
type CommitStep struct {
	Message  string   `yaml:"message,omitempty"`
	Expected []string `yaml:"expected,omitempty"`
}

// CreateBranchStep is the create_branch operation's arguments.
type CreateBranchStep struct {
	Name string `yaml:"name"`
	From string `yaml:"from,omitempty"`
}

// ResolveStep is the resolve operation's arguments.
type ResolveStep struct {
	Tables []string `yaml:"tables,omitempty"`
	Key    string   `yaml:"key"`
	Policy string   `yaml:"policy,omitempty"`
}

// Op converts the step to its protocol operation.
func (s Step) Op() (refstore.Op, error) {
	var ops []refstore.Op
	if s.SetContext != nil {
		ops = append(ops, refstore.SetContext{Ref: *s.SetContext})
	}
	if s.Commit != nil {
		ops = append(ops, refstore.Commit{Message: s.Commit.Message, Expected: s.Commit.Expected})
	}
	if s.CreateBranch != nil {
		ops = append(ops, refstore.CreateBranch{Name: s.CreateBranch.Name, From: s.CreateBranch.From})
	}
	if s.Merge != nil {
		ops = append(ops, refstore.Merge{Source: *s.Merge})
	}
	if s.Resolve != nil {
		ops = append(ops, refstore.ResolveConflicts{
			Tables: s.Resolve.Tables,
			Key:    s.Resolve.Key,
			Policy: refstore.Policy(s.Resolve.Policy),
		})
	}
	if s.Query != nil {
		ops = append(ops, refstore.RawQuery{SQL: *s.Query})
	}

	switch len(ops) {
	case 0:
		return nil, errors.New("step has no operation")
	case 1:
		return ops[0], nil
	default:
		return nil, fmt.Errorf("step has %d operations, want exactly one", len(ops))
	}
}

// LargestStage returns the item count of the biggest stage.
func (s *Script) LargestStage() int {
	n := 0
	for _, st := range s.Stages {
		n = max(n, len(st.Items))
	}
	return n
}

// Sessions returns the session names in order of first use.
func (s *Script) Sessions() []string {
	var names []string
	seen := make(map[string]bool)
	for _, st := range s.Stages {
		for _, it := range st.Items {
			if !seen[it.Session] {
				seen[it.Session] = true
				names = append(names, it.Session)
			}
		}
	}
	return names
}

// StageName returns the stage's name, or "stage-<i>" when it has none.
func (s *Script) StageName(i int) string {
	if name := s.Stages[i].Name; name != "" {
		return name
	}
	return fmt.Sprintf("stage-%d", i)
}

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}
	return ParseScript(data)
}

// ParseScript parses and validates a YAML script. Validation runs in
// three passes: the embedded CUE schema, a strict decode that rejects
// unknown fields, and structural checks the schema cannot express.
func ParseScript(data []byte) (*Script, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}

	var script Script
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&script); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScript(&script); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	return &script, nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateScript checks what the schema cannot.
func validateScript(s *Script) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Stages) == 0 {
		return errors.New("stages list is required and must be non-empty")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", s.Workers)
	}

	tables := make(map[string]bool)
	for i, t := range s.Schema {
		if err := validateTable(t); err != nil {
			return fmt.Errorf("schema[%d]: %w", i, err)
		}
		if tables[t.Table] {
			return fmt.Errorf("schema[%d]: duplicate table %q", i, t.Table)
		}
		tables[t.Table] = true
	}

	for i, st := range s.Stages {
		if len(st.Items) == 0 {
			return fmt.Errorf("stages[%d]: items list is required and must be non-empty", i)
		}
		sessions := make(map[string]int)
		for j, it := range st.Items {
			path := fmt.Sprintf("stages[%d].items[%d]", i, j)
			if it.Session == "" {
				return fmt.Errorf("%s: session is required", path)
			}
			if prev, ok := sessions[it.Session]; ok {
				return fmt.Errorf("%s: session %q already used by items[%d] in this stage", path, it.Session, prev)
			}
			sessions[it.Session] = j
			if it.Retry < 0 {
				return fmt.Errorf("%s: retry must be >= 0", path)
			}
			if len(it.Steps) == 0 {
				return fmt.Errorf("%s: steps list is required and must be non-empty", path)
			}
			for k, step := range it.Steps {
				if err := validateStep(step); err != nil {
					return fmt.Errorf("%s.steps[%d]: %w", path, k, err)
				}
			}
		}
	}
	return nil
}

func validateTable(t TableDef) error {
	if !identifier.MatchString(t.Table) {
		return fmt.Errorf("invalid table name %q", t.Table)
	}
	if len(t.Columns) == 0 {
		return errors.New("columns list is required and must be non-empty")
	}
	cols := make(map[string]bool)
	for _, c := range t.Columns {
		if !identifier.MatchString(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
		if cols[c] {
			return fmt.Errorf("duplicate column %q", c)
		}
		cols[c] = true
	}
	if !cols[t.Key] {
		return fmt.Errorf("key %q is not a column", t.Key)
	}
	for c := range t.Types {
		if !cols[c] {
			return fmt.Errorf("type given for unknown column %q", c)
		}
	}
	return nil
}

func validateStep(step Step) error {
	op, err := step.Op()
	if err != nil {
		return err
	}
	switch o := op.(type) {
	case refstore.CreateBranch:
		if o.Name == "" {
			return errors.New("create_branch: name is required")
		}
	case refstore.Merge:
		if o.Source == "" {
			return errors.New("merge: source is required")
		}
	case refstore.ResolveConflicts:
		if o.Key == "" {
			return errors.New("resolve: key is required")
		}
		switch o.Policy {
		case "", refstore.PolicyTheirs, refstore.PolicyOurs:
		default:
			return fmt.Errorf("resolve: unknown policy %q", o.Policy)
		}
	case refstore.RawQuery:
		if o.SQL == "" {
			return errors.New("query: statement is required")
		}
	}
	if step.Expect != nil {
		if err := step.Expect.validate(); err != nil {
			return fmt.Errorf("expect: %w", err)
		}
	}
	return nil
}
