package memrepo

import (
	"fmt"
	"regexp"
	"strings"
)

// System table names.
const (
	branchesTable        = "dolt_branches"
	conflictsTable       = "dolt_conflicts"
	conflictsTablePrefix = "dolt_conflicts_"
)

func isSystemTable(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "dolt_")
}

// strLit matches a single-quoted SQL string literal with '' or backslash
// escapes.
const strLit = `'(?:[^'\\]|\\.|'')*'`

var leadingStrLit = regexp.MustCompile(`^` + strLit)

// templates holds the version-control statement patterns for one database.
type templates struct {
	setHead      *regexp.Regexp
	selectVar    *regexp.Regexp
	commit       *regexp.Regexp
	createBranch *regexp.Regexp
	merge        *regexp.Regexp

	headVar      string
	mergeHeadVar string
}

func newTemplates(database string) *templates {
	db := regexp.QuoteMeta(database)
	return &templates{
		setHead: regexp.MustCompile(
			`(?is)^SET\s+@@` + db + `_head\s*=\s*HASHOF\s*\(\s*(` + strLit + `)\s*\)$`),
		selectVar: regexp.MustCompile(
			`(?is)^SELECT\s+(@@\w+)$`),
		commit: regexp.MustCompile(
			`(?is)^UPDATE\s+dolt_branches\s+SET\s+hash\s*=\s*DOLT_COMMIT\s*\(\s*'-m'\s*,\s*(` + strLit +
				`)\s*\)\s+WHERE\s+name\s*=\s*(` + strLit + `)\s+AND\s+hash\s+IN\s*\((.*)\)$`),
		createBranch: regexp.MustCompile(
			`(?is)^INSERT\s+INTO\s+dolt_branches\s*\(\s*name\s*,\s*hash\s*\)\s*VALUES\s*\(\s*(` + strLit +
				`)\s*,\s*HASHOF\s*\(\s*(` + strLit + `)\s*\)\s*\)$`),
		merge: regexp.MustCompile(
			`(?is)^SET\s+@@` + db + `_working\s*=\s*DOLT_MERGE\s*\(\s*(` + strLit + `)\s*\)$`),

		headVar:      strings.ToLower("@@" + database + "_head"),
		mergeHeadVar: strings.ToLower("@@" + database + "_merge_head"),
	}
}

// unquote decodes a single-quoted SQL string literal.
func unquote(lit string) (string, error) {
	if len(lit) < 2 || lit[0] != '\'' || lit[len(lit)-1] != '\'' {
		return "", fmt.Errorf("not a string literal: %s", lit)
	}
	body := lit[1 : len(lit)-1]

	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\'' && i+1 < len(body) && body[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case c == '\\' && i+1 < len(body):
			i++
			switch body[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '0':
				b.WriteByte(0)
			default:
				b.WriteByte(body[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// hashOperand is one element of a commit's expected-hash list: either a
// session variable reference or a literal hash.
type hashOperand struct {
	variable string
	literal  string
}

// parseHashList splits "@@db_head, @@db_merge_head, 'abc'" into operands.
func parseHashList(list string) ([]hashOperand, error) {
	var out []hashOperand
	s := strings.TrimSpace(list)
	for len(s) > 0 {
		switch {
		case s[0] == '\'':
			loc := leadingStrLit.FindStringIndex(s)
			if loc == nil {
				return nil, fmt.Errorf("unterminated literal in %q", list)
			}
			v, err := unquote(s[:loc[1]])
			if err != nil {
				return nil, err
			}
			out = append(out, hashOperand{literal: v})
			s = s[loc[1]:]
		case strings.HasPrefix(s, "@@"):
			end := 2
			for end < len(s) && isIdentByte(s[end]) {
				end++
			}
			out = append(out, hashOperand{variable: strings.ToLower(s[:end])})
			s = s[end:]
		default:
			return nil, fmt.Errorf("unexpected %q in hash list", s)
		}

		s = strings.TrimSpace(s)
		if len(s) == 0 {
			break
		}
		if s[0] != ',' {
			return nil, fmt.Errorf("expected ',' in hash list, got %q", s)
		}
		s = strings.TrimSpace(s[1:])
		if len(s) == 0 {
			return nil, fmt.Errorf("trailing ',' in hash list")
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty hash list")
	}
	return out, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
