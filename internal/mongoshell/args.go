package mongoshell

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Tagged markers produced by normalization. The tolerant shell syntax is
// rewritten into plain JSON carrying these markers, and a post-pass revives
// them into BSON-typed values. This keeps the normalizer decoupled from the
// strict JSON parser.
const (
	tagOID        = "__$oid"
	tagDate       = "__$date"
	tagNumberLong = "__$numberLong"
	tagRegex      = "__$regex"
	tagOptions    = "__$options"
)

var (
	objectIDPattern   = regexp.MustCompile(`ObjectId\(\s*["']([0-9a-fA-F]{24})["']\s*\)`)
	isoDatePattern    = regexp.MustCompile(`(?:ISODate|new\s+Date)\(\s*["']([^"']*)["']\s*\)`)
	bareDatePattern   = regexp.MustCompile(`(?:ISODate|new\s+Date)\(\s*\)`)
	numberLongPattern = regexp.MustCompile(`NumberLong\(\s*(?:"(-?\d+)"|'(-?\d+)'|(-?\d+))\s*\)`)
	numberIntPattern  = regexp.MustCompile(`NumberInt\(\s*(-?\d+)\s*\)`)
	numberDecPattern  = regexp.MustCompile(`NumberDecimal\(\s*["']?([^"')]+?)["']?\s*\)`)
	regexLitPattern   = regexp.MustCompile(`(^|[,:\[\(\s])/((?:[^/\\\n]|\\.)+)/([a-z]*)`)
	unquotedKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_$][A-Za-z0-9_$]*)\s*:`)
)

// tagTmpl escapes a tag for use in a ReplaceAllString template, where a
// literal "$" must be written as "$$" to avoid group-reference expansion.
func tagTmpl(tag string) string {
	return strings.ReplaceAll(tag, "$", "$$")
}

// ParseArgs parses a shell argument list into revived Go values.
func ParseArgs(argStr string) ([]interface{}, error) {
	argStr = strings.TrimSpace(argStr)
	if argStr == "" {
		return nil, nil
	}

	normalized := Normalize(argStr)

	values, err := parseJSONArgs(normalized)
	if err != nil {
		return nil, err
	}

	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = Revive(v)
	}
	return out, nil
}

// Normalize rewrites tolerant shell syntax into strict JSON with tagged
// markers for BSON constructors.
func Normalize(s string) string {
	// Regex literals first, before quote handling can interfere with the
	// pattern body.
	s = regexLitPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := regexLitPattern.FindStringSubmatch(m)
		pat, _ := json.Marshal(sub[2])
		opts, _ := json.Marshal(sub[3])
		return sub[1] + fmt.Sprintf(`{"%s":%s,"%s":%s}`, tagRegex, pat, tagOptions, opts)
	})

	s = objectIDPattern.ReplaceAllString(s, `{"`+tagTmpl(tagOID)+`":"$1"}`)
	s = isoDatePattern.ReplaceAllString(s, `{"`+tagTmpl(tagDate)+`":"$1"}`)
	s = bareDatePattern.ReplaceAllString(s, `{"`+tagTmpl(tagDate)+`":""}`)
	s = numberLongPattern.ReplaceAllString(s, `{"`+tagTmpl(tagNumberLong)+`":"$1$2$3"}`)
	s = numberIntPattern.ReplaceAllString(s, `$1`)
	s = numberDecPattern.ReplaceAllString(s, `"$1"`)

	s = convertSingleQuotes(s)
	s = quoteKeys(s)
	return s
}

// convertSingleQuotes rewrites '...' string literals to "..." form with
// escaping, leaving double-quoted strings untouched.
func convertSingleQuotes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch ch {
		case '"':
			// Copy a double-quoted string verbatim.
			b.WriteByte(ch)
			for i++; i < len(s); i++ {
				b.WriteByte(s[i])
				if s[i] == '\\' && i+1 < len(s) {
					i++
					b.WriteByte(s[i])
					continue
				}
				if s[i] == '"' {
					break
				}
			}
		case '\'':
			// Re-quote a single-quoted string.
			var content strings.Builder
			terminated := false
			for i++; i < len(s); i++ {
				if s[i] == '\\' && i+1 < len(s) {
					if s[i+1] == '\'' {
						content.WriteByte('\'')
					} else {
						content.WriteByte(s[i])
						content.WriteByte(s[i+1])
					}
					i++
					continue
				}
				if s[i] == '\'' {
					terminated = true
					break
				}
				content.WriteByte(s[i])
			}
			enc, _ := json.Marshal(content.String())
			b.Write(enc)
			if !terminated {
				return b.String()
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// quoteKeys wraps unquoted object keys in double quotes, skipping string
// contents.
func quoteKeys(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			b.WriteByte(ch)
			for i++; i < len(s); i++ {
				b.WriteByte(s[i])
				if s[i] == '\\' && i+1 < len(s) {
					i++
					b.WriteByte(s[i])
					continue
				}
				if s[i] == '"' {
					break
				}
			}
			continue
		}
		if m := unquotedKey.FindStringSubmatchIndex(s[i:]); m != nil && m[0] == 0 {
			prefix := s[i+m[2] : i+m[3]]
			key := s[i+m[4] : i+m[5]]
			b.WriteString(prefix)
			b.WriteByte('"')
			b.WriteString(key)
			b.WriteString(`":`)
			i += m[1] - 1
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// parseJSONArgs parses the normalized argument string: first as a JSON
// array, then wrapped in brackets, then by walking top-level commas.
func parseJSONArgs(s string) ([]interface{}, error) {
	if arr, ok := tryDecodeArray(s); ok {
		return arr, nil
	}
	if arr, ok := tryDecodeArray("[" + s + "]"); ok {
		return arr, nil
	}

	parts, err := splitTopLevel(s, ',')
	if err != nil {
		return nil, fmt.Errorf("unparseable arguments (check quotes and matching braces)")
	}
	var out []interface{}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := decodeValue(part)
		if err != nil {
			return nil, fmt.Errorf("unparseable argument %q (check quotes and matching braces)", part)
		}
		out = append(out, v)
	}
	return out, nil
}

func tryDecodeArray(s string) ([]interface{}, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var arr []interface{}
	if err := dec.Decode(&arr); err != nil {
		return nil, false
	}
	// Reject trailing garbage.
	if dec.More() {
		return nil, false
	}
	return arr, true
}

func decodeValue(s string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Revive replaces tagged markers with BSON-typed values, recursively.
func Revive(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if oid, ok := val[tagOID].(string); ok && len(val) == 1 {
			if parsed, err := primitive.ObjectIDFromHex(oid); err == nil {
				return parsed
			}
			return oid
		}
		if date, ok := val[tagDate].(string); ok && len(val) == 1 {
			return reviveDate(date)
		}
		if num, ok := val[tagNumberLong].(string); ok && len(val) == 1 {
			if n, err := strconv.ParseInt(num, 10, 64); err == nil {
				return n
			}
			return num
		}
		if pat, ok := val[tagRegex].(string); ok {
			opts, _ := val[tagOptions].(string)
			return primitive.Regex{Pattern: pat, Options: opts}
		}
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Revive(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Revive(item)
		}
		return out
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

func reviveDate(s string) interface{} {
	if s == "" {
		return primitive.NewDateTimeFromTime(time.Now())
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return primitive.NewDateTimeFromTime(t)
		}
	}
	return s
}
