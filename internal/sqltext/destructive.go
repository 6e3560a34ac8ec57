package sqltext

import (
	"regexp"
	"strings"
)

var (
	dropPattern = regexp.MustCompile(
		`(?i)^\s*drop\s+(database|schema|table|view|index|function|procedure|trigger)\b`)
	truncatePattern  = regexp.MustCompile(`(?i)^\s*truncate\s+table\b`)
	deletePattern    = regexp.MustCompile(`(?i)^\s*delete\s+from\b`)
	deleteNoopsWhere = regexp.MustCompile(`(?i)\bwhere\s+1\s*=\s*0\b`)
)

// MatchDestructive reports whether the statement is data-destroying and, if
// so, returns a short operation label like "DROP TABLE" or "DELETE FROM".
// DELETE statements guarded with WHERE 1=0 are treated as harmless (they are
// a common connectivity probe).
func MatchDestructive(sql string) (string, bool) {
	if m := dropPattern.FindStringSubmatch(sql); m != nil {
		return "DROP " + strings.ToUpper(m[1]), true
	}
	if truncatePattern.MatchString(sql) {
		return "TRUNCATE TABLE", true
	}
	if deletePattern.MatchString(sql) && !deleteNoopsWhere.MatchString(sql) {
		return "DELETE FROM", true
	}
	return "", false
}
