// Package signing implements the HMAC request-signing protocol: every signed
// request carries a millisecond timestamp and an HMAC-SHA256 over
// "<timestamp>.<canonical JSON payload>" keyed with the session signing key.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxClockSkew is the accepted difference between the request timestamp and
// server time.
const MaxClockSkew = 5 * time.Minute

// Canonical renders v as deterministic JSON: object keys sorted
// lexicographically at every depth, arrays in order, primitives in canonical
// form. Client and server must produce the identical byte sequence.
func Canonical(v interface{}) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	case json.Number:
		b.WriteString(val.String())
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("cannot canonicalize non-finite number")
		}
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return writeCanonical(b, m)
	default:
		// Fall back through the JSON round trip for structs and other types.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("cannot canonicalize %T: %w", val, err)
		}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		var generic interface{}
		if err := dec.Decode(&generic); err != nil {
			return err
		}
		return writeCanonical(b, generic)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature for a payload at the given
// timestamp with the hex-encoded key.
func Sign(keyHex, timestamp string, payload interface{}) (string, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return "", fmt.Errorf("decoding signing key: %w", err)
	}
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + "." + canonical))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the timestamp freshness and the signature over the payload.
// The comparison is constant time.
func Verify(keyHex, timestamp, signature string, payload interface{}, now time.Time) error {
	if timestamp == "" || signature == "" {
		return fmt.Errorf("missing signature headers")
	}

	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp")
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("request timestamp outside accepted window")
	}

	expected, err := Sign(keyHex, timestamp, payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}
