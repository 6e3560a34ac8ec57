// Package sqltext contains dialect-neutral SQL text transforms: statement
// splitting, pagination rewriting, and destructive-statement detection. The
// transforms operate on raw text so they stay ahead of whatever syntax the
// target engine supports.
package sqltext

import "strings"

// SplitStatements splits a SQL buffer on top-level semicolons, respecting
// single-quoted strings, double-quoted identifiers, backslash escapes, line
// and block comments, and dollar-quoted bodies ($$...$$ or $tag$...$tag$).
// Returned statements are trimmed and non-empty, in source order.
func SplitStatements(sql string) []string {
	var statements []string
	var current strings.Builder

	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateLineComment
		stateBlockComment
		stateDollarQuote
	)

	state := stateNormal
	var dollarTag string

	for i := 0; i < len(sql); i++ {
		ch := sql[i]

		switch state {
		case stateNormal:
			switch {
			case ch == '\'':
				state = stateSingleQuote
			case ch == '"':
				state = stateDoubleQuote
			case ch == '-' && i+1 < len(sql) && sql[i+1] == '-':
				state = stateLineComment
			case ch == '/' && i+1 < len(sql) && sql[i+1] == '*':
				state = stateBlockComment
			case ch == '$':
				if tag, ok := scanDollarTag(sql[i:]); ok {
					state = stateDollarQuote
					dollarTag = tag
					current.WriteString(tag)
					i += len(tag) - 1
					continue
				}
			case ch == ';':
				if stmt := strings.TrimSpace(current.String()); stmt != "" {
					statements = append(statements, stmt)
				}
				current.Reset()
				continue
			}
		case stateSingleQuote:
			if ch == '\\' && i+1 < len(sql) {
				current.WriteByte(ch)
				i++
				current.WriteByte(sql[i])
				continue
			}
			if ch == '\'' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if ch == '\\' && i+1 < len(sql) {
				current.WriteByte(ch)
				i++
				current.WriteByte(sql[i])
				continue
			}
			if ch == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if ch == '\n' {
				state = stateNormal
			}
		case stateBlockComment:
			if ch == '*' && i+1 < len(sql) && sql[i+1] == '/' {
				current.WriteByte(ch)
				i++
				current.WriteByte(sql[i])
				state = stateNormal
				continue
			}
		case stateDollarQuote:
			if ch == '$' && strings.HasPrefix(sql[i:], dollarTag) {
				current.WriteString(dollarTag)
				i += len(dollarTag) - 1
				state = stateNormal
				continue
			}
		}

		current.WriteByte(ch)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

// scanDollarTag reads a dollar-quote opener ($$, $tag$) at the start of s.
// Tags may contain letters, digits, and underscores.
func scanDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	for i := 1; i < len(s); i++ {
		ch := s[i]
		if ch == '$' {
			return s[:i+1], true
		}
		if !isTagChar(ch) {
			return "", false
		}
	}
	return "", false
}

func isTagChar(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}
