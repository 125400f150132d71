package firestore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// The wire protocol tags every scalar with an explicit type key
// (stringValue, doubleValue, ...). This codec converts between that
// representation and the plain value model of encoding/json: nil, bool,
// float64, string, []any and map[string]any. The conversion is lossy in
// two documented ways: every outgoing number becomes a doubleValue, and
// strings shaped like Zulu timestamps become timestampValues.

const timestampLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp renders t in the fixed Zulu form timestamps are
// exchanged in. Sub-second precision is dropped.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a Zulu timestamp, with or without a fractional
// second part. Round-tripping through FormatTimestamp preserves the epoch
// second exactly.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// IsTimestamp reports whether s is shaped like a wire timestamp:
// YYYY-MM-DDTHH:MM:SSZ, optionally with a fraction before the Z. Only the
// length, the separators and the trailing Z are checked; digits are not
// validated.
func IsTimestamp(s string) bool {
	if len(s) < 20 {
		return false
	}
	return s[4] == '-' && s[7] == '-' && s[10] == 'T' &&
		s[13] == ':' && s[16] == ':' && s[len(s)-1] == 'Z'
}

// EncodeValue wraps a plain value in its typed wire form. Strings matching
// the Zulu timestamp shape become timestampValue, time.Time values are
// rendered through FormatTimestamp, and numbers of any width become
// doubleValue. Unsupported kinds encode as nullValue.
func EncodeValue(v any) map[string]any {
	switch t := v.(type) {
	case string:
		if IsTimestamp(t) {
			return map[string]any{"timestampValue": t}
		}
		return map[string]any{"stringValue": t}
	case bool:
		return map[string]any{"booleanValue": t}
	case time.Time:
		return map[string]any{"timestampValue": FormatTimestamp(t)}
	case []any:
		values := make([]any, 0, len(t))
		for _, el := range t {
			values = append(values, EncodeValue(el))
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}
	case map[string]any:
		return map[string]any{"mapValue": EncodeDocument(t)}
	case float64:
		return map[string]any{"doubleValue": t}
	case float32:
		return map[string]any{"doubleValue": float64(t)}
	case int:
		return map[string]any{"doubleValue": float64(t)}
	case int8:
		return map[string]any{"doubleValue": float64(t)}
	case int16:
		return map[string]any{"doubleValue": float64(t)}
	case int32:
		return map[string]any{"doubleValue": float64(t)}
	case int64:
		return map[string]any{"doubleValue": float64(t)}
	case uint:
		return map[string]any{"doubleValue": float64(t)}
	case uint8:
		return map[string]any{"doubleValue": float64(t)}
	case uint16:
		return map[string]any{"doubleValue": float64(t)}
	case uint32:
		return map[string]any{"doubleValue": float64(t)}
	case uint64:
		return map[string]any{"doubleValue": float64(t)}
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return map[string]any{"stringValue": t.String()}
		}
		return map[string]any{"doubleValue": f}
	}
	return map[string]any{"nullValue": nil}
}

// EncodeDocument wraps every top-level entry of doc, producing the
// {"fields": ...} envelope of a wire document.
func EncodeDocument(doc map[string]any) map[string]any {
	fields := make(map[string]any, len(doc))
	for name, v := range doc {
		fields[name] = EncodeValue(v)
	}
	return map[string]any{"fields": fields}
}

// DecodeValue unwraps one typed wire value. The type keys are probed in a
// fixed order; a value with none of the known keys decodes to nil rather
// than failing, which also covers nullValue.
func DecodeValue(w any) any {
	obj, ok := w.(map[string]any)
	if !ok {
		return nil
	}
	if _, ok := obj["fields"]; ok {
		return DecodeDocument(obj)
	}
	if mv, ok := obj["mapValue"]; ok {
		if m, ok := mv.(map[string]any); ok {
			return DecodeDocument(m)
		}
		return map[string]any{}
	}
	if sv, ok := obj["stringValue"]; ok {
		return sv
	}
	if bv, ok := obj["booleanValue"]; ok {
		return bv
	}
	if tv, ok := obj["timestampValue"]; ok {
		return tv
	}
	if av, ok := obj["arrayValue"]; ok {
		out := []any{}
		if arr, ok := av.(map[string]any); ok {
			if values, ok := arr["values"].([]any); ok {
				for _, el := range values {
					out = append(out, DecodeValue(el))
				}
			}
		}
		return out
	}
	if dv, ok := obj["doubleValue"]; ok {
		return dv
	}
	if iv, ok := obj["integerValue"]; ok {
		// integers ride the wire as decimal strings
		str, _ := iv.(string)
		n, _ := strconv.ParseInt(str, 10, 64)
		return n
	}
	return nil
}

// DecodeDocument is the inverse of EncodeDocument: it decodes every entry
// under "fields" into a plain map. A document without fields decodes to an
// empty map.
func DecodeDocument(wireDoc map[string]any) map[string]any {
	out := map[string]any{}
	fields, ok := wireDoc["fields"].(map[string]any)
	if !ok {
		return out
	}
	for name, w := range fields {
		out[name] = DecodeValue(w)
	}
	return out
}

// normalize converts an arbitrary Go value into the plain encoding/json
// value model so the codec can walk it. Plain scalars pass through
// untouched. Containers always take a JSON round-trip, which normalizes
// any structs or typed values nested inside them and honors json tags.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64:
		return v, nil
	case time.Time, json.Number:
		// handled natively by EncodeValue
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeDocument(v any) (map[string]any, error) {
	plain, err := normalize(v)
	if err != nil {
		return nil, err
	}
	doc, ok := plain.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document must encode to an object, got %T", plain)
	}
	return doc, nil
}
