package sqltext

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	selectLikePattern = regexp.MustCompile(`(?i)^\s*(select|with|show|describe|explain)\b`)
	limitPattern      = regexp.MustCompile(`(?i)\blimit\b`)
	fetchFirstPattern = regexp.MustCompile(`(?i)\bfetch\s+first\b`)
	offsetPattern     = regexp.MustCompile(`(?i)\boffset\b`)
)

// IsSelectLike reports whether the statement starts with a row-producing verb.
func IsSelectLike(sql string) bool {
	return selectLikePattern.MatchString(sql)
}

// ApplyPagination appends LIMIT/OFFSET to a single SELECT-like statement.
// It is a no-op for empty input, multi-statement buffers, statements that
// already paginate (LIMIT or FETCH FIRST), and non-SELECT statements. A
// trailing semicolon is preserved. Applying the rewrite twice is a no-op.
func ApplyPagination(sql string, limit, offset int) string {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return sql
	}
	if len(SplitStatements(trimmed)) > 1 {
		return sql
	}
	if !IsSelectLike(trimmed) {
		return sql
	}
	if limitPattern.MatchString(trimmed) || fetchFirstPattern.MatchString(trimmed) {
		return sql
	}

	hadSemicolon := strings.HasSuffix(trimmed, ";")
	body := strings.TrimSuffix(trimmed, ";")
	body = strings.TrimRight(body, " \t\n")

	body += fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 && !offsetPattern.MatchString(trimmed) {
		body += fmt.Sprintf(" OFFSET %d", offset)
	}
	if hadSemicolon {
		body += ";"
	}
	return body
}

// RewriteExplain prefixes a SELECT-like statement with the engine's EXPLAIN
// form. The input is returned unchanged when it is not SELECT-like or already
// an EXPLAIN.
func RewriteExplain(sql string, postgres bool) string {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if !IsSelectLike(trimmed) {
		return sql
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "explain") {
		return trimmed
	}
	if postgres {
		return "EXPLAIN (ANALYZE, COSTS, BUFFERS) " + trimmed
	}
	return "EXPLAIN " + trimmed
}
