package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON for hashing.
// This is the ONLY serialization used for digests and for persisted payloads.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. Floats use the shortest round-trip form; -0 is written as 0
//  5. NaN, infinities, invalid UTF-8 and unsupported Go types fail with
//     *SerializationError
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, "$", v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, path string, v any) error {
	switch val := v.(type) {
	case nil, IRNull:
		buf.WriteString("null")
		return nil
	case IRString:
		return writeCanonicalString(buf, path, string(val))
	case string:
		return writeCanonicalString(buf, path, val)
	case IRInt:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case int:
		buf.WriteString(strconv.Itoa(val))
		return nil
	case IRFloat:
		return writeCanonicalFloat(buf, path, float64(val))
	case float64:
		return writeCanonicalFloat(buf, path, val)
	case IRBool:
		buf.WriteString(strconv.FormatBool(bool(val)))
		return nil
	case bool:
		buf.WriteString(strconv.FormatBool(val))
		return nil
	case IRArray:
		return writeCanonicalArray(buf, path, val)
	case IRObject:
		return writeCanonicalObject(buf, path, val)
	case []any, []string, map[string]any:
		irv, err := fromAny(path, val)
		if err != nil {
			return err
		}
		return writeCanonical(buf, path, irv)
	default:
		return &SerializationError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

// writeCanonicalFloat emits the shortest representation that round-trips.
// Integral values below 2^53 are written without exponent or fraction so an
// IRFloat(2) and an IRInt(2) serialize identically.
func writeCanonicalFloat(buf *bytes.Buffer, path string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &SerializationError{Path: path, Reason: fmt.Sprintf("non-finite number %v", f)}
	}
	if f == 0 {
		buf.WriteByte('0')
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// writeCanonicalString writes a canonical JSON string with NFC normalization.
// Only control characters, backslash, and quote are escaped; U+2028 and U+2029
// stay literal. Invalid UTF-8 is rejected; encoding/json would replace it
// with U+FFFD and collapse distinct inputs.
func writeCanonicalString(buf *bytes.Buffer, path, s string) error {
	if !utf8.ValidString(s) {
		return &SerializationError{Path: path, Reason: "invalid UTF-8 in string"}
	}
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte("\n"))
	buf.Write(unescapeU2028U2029(out))
	return nil
}

// unescapeU2028U2029 converts \u2028 and \u2029 escapes produced by
// encoding/json back to literal characters, leaving \\u2028 (an escaped
// backslash followed by text) untouched.
func unescapeU2028U2029(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+1 < len(data) {
			if data[i+1] == 'u' && i+5 < len(data) && data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' {
				switch data[i+5] {
				case '8':
					out = append(out, "\u2028"...)
					i += 5
					continue
				case '9':
					out = append(out, "\u2029"...)
					i += 5
					continue
				}
			}
			// Copy the escape pair verbatim so an escaped backslash never
			// pairs with the following character.
			out = append(out, data[i], data[i+1])
			i++
			continue
		}
		out = append(out, data[i])
	}
	return out
}

func writeCanonicalArray(buf *bytes.Buffer, path string, arr IRArray) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, fmt.Sprintf("%s[%d]", path, i), elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, path string, obj IRObject) error {
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, path+"."+k, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, path+"."+k, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
