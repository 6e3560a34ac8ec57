// Package mongoshell parses MongoDB shell-style statements like
//
//	db.students.find({age: {$gt: 10}}, {name: 1}).sort({name: 1}).limit(5)
//
// into a typed AST. Arguments are normalized from tolerant shell syntax into
// strict JSON with tagged markers for BSON constructors, then revived into
// driver values.
package mongoshell

import (
	"fmt"
	"regexp"
	"strings"
)

// Target says what level of the deployment an operation addresses.
type Target string

const (
	TargetCollection Target = "collection"
	TargetDB         Target = "db"
	TargetAdmin      Target = "admin"
)

// Call is one invocation in a method chain.
type Call struct {
	Name string
	Args []interface{}
}

// Query is the parsed form of a shell statement.
type Query struct {
	Database   string
	Collection string
	Operation  string
	Args       []interface{}
	Chain      []Call
	Target     Target
}

var (
	showDBsPattern         = regexp.MustCompile(`(?i)^show\s+(dbs|databases)\s*$`)
	showCollectionsPattern = regexp.MustCompile(`(?i)^show\s+collections\s*$`)
	usePattern             = regexp.MustCompile(`(?i)^use\s+([A-Za-z0-9_\-]+)\s*$`)
	getSiblingPattern      = regexp.MustCompile(`^getSiblingDB\(\s*["']([^"']+)["']\s*\)$`)
	callPattern            = regexp.MustCompile(`(?s)^([A-Za-z_$][A-Za-z0-9_$]*)\((.*)\)$`)
	identPattern           = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.\-]*$`)
)

// Parse parses one shell statement.
func Parse(query string) (*Query, error) {
	s := strings.TrimSpace(query)
	s = strings.TrimSuffix(s, ";")
	s = strings.TrimSpace(s)
	s = stripOuterQuotes(s)

	if s == "" {
		return nil, fmt.Errorf("empty query")
	}

	// Shell commands rewrite to their method form.
	if showDBsPattern.MatchString(s) {
		return &Query{Target: TargetAdmin, Operation: "listDatabases"}, nil
	}
	if showCollectionsPattern.MatchString(s) {
		return &Query{Target: TargetDB, Operation: "listCollections"}, nil
	}
	if m := usePattern.FindStringSubmatch(s); m != nil {
		return &Query{Target: TargetDB, Operation: "use", Args: []interface{}{m[1]}, Database: m[1]}, nil
	}

	segments, err := splitTopLevel(s, '.')
	if err != nil {
		return nil, err
	}
	if len(segments) < 2 || segments[0] != "db" {
		return nil, fmt.Errorf("query must start with db. (check quotes and matching braces)")
	}

	q := &Query{}
	idx := 1

	if m := getSiblingPattern.FindStringSubmatch(segments[idx]); m != nil {
		q.Database = m[1]
		idx++
		if idx >= len(segments) {
			return nil, fmt.Errorf("getSiblingDB must be followed by an operation or collection")
		}
	}

	// db.admin().<op>(...)
	if segments[idx] == "admin()" {
		idx++
		if idx >= len(segments) {
			return nil, fmt.Errorf("db.admin() must be followed by an operation")
		}
		call, err := parseCall(segments[idx])
		if err != nil {
			return nil, err
		}
		if idx != len(segments)-1 {
			return nil, fmt.Errorf("unexpected chain after admin operation %s", call.Name)
		}
		q.Target = TargetAdmin
		q.Operation = call.Name
		q.Args = call.Args
		return q, nil
	}

	// db.<op>(...) — database-level operation.
	if callPattern.MatchString(segments[idx]) {
		call, err := parseCall(segments[idx])
		if err != nil {
			return nil, err
		}
		if idx != len(segments)-1 {
			return nil, fmt.Errorf("unexpected chain after database operation %s", call.Name)
		}
		q.Target = TargetDB
		q.Operation = call.Name
		q.Args = call.Args
		return q, nil
	}

	// db.<collection>.<op>(...).<chain>()...
	collection := segments[idx]
	if !identPattern.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q (check quotes and matching braces)", collection)
	}
	idx++
	if idx >= len(segments) {
		return nil, fmt.Errorf("collection %q must be followed by an operation", collection)
	}
	if segments[idx] == "length" {
		return nil, fmt.Errorf(".length is not supported; use db.%s.countDocuments() instead", collection)
	}

	op, err := parseCall(segments[idx])
	if err != nil {
		return nil, err
	}

	q.Target = TargetCollection
	q.Collection = collection
	q.Operation = op.Name
	q.Args = op.Args

	for idx++; idx < len(segments); idx++ {
		if segments[idx] == "length" {
			return nil, fmt.Errorf(".length is not supported; use db.%s.countDocuments() instead", collection)
		}
		chained, err := parseCall(segments[idx])
		if err != nil {
			return nil, err
		}
		q.Chain = append(q.Chain, *chained)
	}
	return q, nil
}

// parseCall splits "name(args)" and parses the argument list.
func parseCall(segment string) (*Call, error) {
	m := callPattern.FindStringSubmatch(segment)
	if m == nil {
		return nil, fmt.Errorf("expected a method call, got %q (check quotes and matching braces)", segment)
	}
	args, err := ParseArgs(m[2])
	if err != nil {
		return nil, fmt.Errorf("parsing arguments of %s(): %w", m[1], err)
	}
	return &Call{Name: m[1], Args: args}, nil
}

// splitTopLevel splits on sep at bracket depth zero, skipping string
// contents. Unbalanced brackets or an unterminated string produce an error.
func splitTopLevel(s string, sep byte) ([]string, error) {
	var parts []string
	var current strings.Builder
	depth := 0
	var quote byte

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if quote != 0 {
			current.WriteByte(ch)
			if ch == '\\' && i+1 < len(s) {
				i++
				current.WriteByte(s[i])
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}

		switch ch {
		case '\'', '"', '`':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced brackets (check quotes and matching braces)")
			}
		}

		if ch == sep && depth == 0 {
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
			continue
		}
		current.WriteByte(ch)
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated string (check quotes and matching braces)")
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced brackets (check quotes and matching braces)")
	}
	parts = append(parts, strings.TrimSpace(current.String()))
	return parts, nil
}

// stripOuterQuotes removes one layer of matching quotes wrapping the whole
// statement, a common artifact of copy-pasted queries.
func stripOuterQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			inner := s[1 : len(s)-1]
			if !strings.ContainsRune(inner, rune(first)) {
				return inner
			}
		}
	}
	return s
}
