// Package sanitize validates query text before execution: size and nesting
// limits, dialect-specific dangerous-pattern detection for shared default
// connections, a light syntactic check, and credential scrubbing for error
// messages that may embed connection strings.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/mongoshell"
	"github.com/querygate/querygate/internal/sqltext"
)

// Options carries the per-session context the validator needs.
type Options struct {
	// IsDefaultConnection enables the dangerous-pattern filters reserved
	// for shared default connections.
	IsDefaultConnection bool
}

// Validator applies the configured limits to incoming queries.
type Validator struct {
	MaxLength      int
	MaxNestedDepth int
}

// New creates a Validator from the query config.
func New(qc config.QueryConfig) *Validator {
	return &Validator{
		MaxLength:      qc.MaxLength,
		MaxNestedDepth: qc.MaxNestedDepth,
	}
}

var sqlDangerous = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*drop\s+(table|database)\b`),
	regexp.MustCompile(`(?i);\s*truncate\b`),
	regexp.MustCompile(`(?i);\s*delete\s+from\b`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`/\*[\s\S]*?\*/`),
	regexp.MustCompile(`(?i)\b(alter|create)\s+(database|schema|user|role)\b`),
	regexp.MustCompile(`(?i)\bgrant\b`),
	regexp.MustCompile(`(?i)\brevoke\b`),
	regexp.MustCompile(`(?i)\bexec\s*\(`),
	regexp.MustCompile(`(?i)\bexecute\s*\(`),
	regexp.MustCompile(`(?i)\bsp_\w+`),
}

var mysqlDangerous = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bload\s+data\b`),
	regexp.MustCompile(`(?i)\bload_file\s*\(`),
	regexp.MustCompile(`(?i)\binto\s+outfile\b`),
}

var postgresDangerous = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcopy\b[\s\S]*\bfrom\s+program\b`),
	regexp.MustCompile(`(?i)\bpg_read_file\s*\(`),
}

var mongoDangerous = []*regexp.Regexp{
	regexp.MustCompile(`\$where\b`),
	regexp.MustCompile(`\$eval\b`),
	regexp.MustCompile(`\$function\b`),
	regexp.MustCompile(`(?i)db\.eval\s*\(`),
	regexp.MustCompile(`(?i)db\.runCommand\s*\(`),
}

// Verbs accepted by the light SQL shape check. DDL verbs stay here even
// though defaults filter some of them: engines routinely accept DDL the
// dialect grammar cannot describe.
var sqlVerbs = regexp.MustCompile(
	`(?i)^\s*(select|insert|update|delete|with|show|describe|desc|explain|set|use|begin|commit|rollback|create|alter|drop|truncate|vacuum|analyze|comment|rename|call)\b`)

// Validate checks one query for the given engine kind. A nil error means the
// query may be handed to the adapter.
func (v *Validator) Validate(kind config.Kind, query string, opts Options) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("query is empty")
	}
	if len(query) > v.MaxLength {
		return fmt.Errorf("query exceeds maximum length of %d characters", v.MaxLength)
	}
	if depth := maxParenDepth(query); depth > v.MaxNestedDepth {
		return fmt.Errorf("query nesting exceeds maximum depth of %d", v.MaxNestedDepth)
	}

	if kind == config.KindMongo {
		return v.validateMongo(trimmed, opts)
	}
	return v.validateSQL(kind, trimmed, opts)
}

func (v *Validator) validateSQL(kind config.Kind, query string, opts Options) error {
	if opts.IsDefaultConnection {
		for _, p := range sqlDangerous {
			if p.MatchString(query) {
				return fmt.Errorf("query contains a pattern not allowed on shared connections")
			}
		}
		extra := postgresDangerous
		if kind == config.KindMySQL {
			extra = mysqlDangerous
		}
		for _, p := range extra {
			if p.MatchString(query) {
				return fmt.Errorf("query contains a pattern not allowed on shared connections")
			}
		}
	}

	statements := sqltext.SplitStatements(query)
	if len(statements) == 0 {
		return fmt.Errorf("query is empty")
	}
	for _, stmt := range statements {
		if !sqlVerbs.MatchString(stmt) {
			return fmt.Errorf("unrecognized SQL statement %q (check quotes, matching braces, and statement separators)", truncate(stmt, 60))
		}
	}
	return nil
}

func (v *Validator) validateMongo(query string, opts Options) error {
	if opts.IsDefaultConnection {
		for _, p := range mongoDangerous {
			if p.MatchString(query) {
				return fmt.Errorf("query contains an operator not allowed on shared connections")
			}
		}
	}

	parsed, err := mongoshell.Parse(query)
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	if opts.IsDefaultConnection {
		for _, arg := range parsed.Args {
			if containsForbiddenOperator(arg) {
				return fmt.Errorf("query contains an operator not allowed on shared connections")
			}
		}
	}
	return nil
}

func containsForbiddenOperator(v interface{}) bool {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			if k == "$where" || k == "$eval" || k == "$function" {
				return true
			}
			if containsForbiddenOperator(item) {
				return true
			}
		}
	case []interface{}:
		for _, item := range val {
			if containsForbiddenOperator(item) {
				return true
			}
		}
	}
	return false
}

// maxParenDepth returns the deepest parenthesis nesting, skipping string
// contents.
func maxParenDepth(s string) int {
	depth, max := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' && i+1 < len(s) {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(':
			depth++
			if depth > max {
				max = depth
			}
		case ')':
			if depth > 0 {
				depth--
			}
		}
	}
	return max
}

var qualifiedRefPattern = regexp.MustCompile(
	"(?i)\\b(?:from|join|into|update|table)\\s+(?:`([A-Za-z0-9_]+)`|([A-Za-z0-9_]+))\\s*\\.")

// ExtractMySQLDatabases lists the database names referenced through
// qualified db.table identifiers. Used to enforce the isolation boundary on
// exported queries.
func ExtractMySQLDatabases(sql string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range qualifiedRefPattern.FindAllStringSubmatch(sql, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		lower := strings.ToLower(name)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, name)
		}
	}
	return out
}

var (
	urlCredPattern  = regexp.MustCompile(`(\w+://)([^:/@\s]+)(:[^@/\s]*)?@`)
	kvSecretPattern = regexp.MustCompile(`(?i)\b(password|user|passwd|pwd)=([^\s&;]+)`)
)

// StripCredentials masks userinfo in URL-like substrings and password=/user=
// pairs so driver errors can be surfaced to clients.
func StripCredentials(msg string) string {
	msg = urlCredPattern.ReplaceAllString(msg, "$1****@")
	msg = kvSecretPattern.ReplaceAllString(msg, "$1=****")
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
