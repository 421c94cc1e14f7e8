package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Object is the canonical decoded form of a JSON or YAML object. Everything
// read from the wire passes through Canonicalize before it is inspected.
type Object = map[string]any

var errNotObject = errors.New("payload is not a JSON object")

// Canonicalize converts decoded values into Object and []any form, turning
// non-string map keys into their string representation.
func Canonicalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(Object, len(v))
		for key, item := range v {
			out[key] = Canonicalize(item)
		}
		return out
	case map[any]any:
		out := make(Object, len(v))
		for key, item := range v {
			out[keyString(key)] = Canonicalize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Canonicalize(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Canonicalize(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	default:
		return value
	}
}

// CanonicalObject canonicalizes value and returns it as an Object. Values
// that are not objects yield an empty Object.
func CanonicalObject(value any) Object {
	if obj, ok := Canonicalize(value).(Object); ok {
		return obj
	}
	return Object{}
}

// DecodeObject parses a JSON object into canonical form.
func DecodeObject(data []byte) (Object, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	obj, ok := Canonicalize(raw).(Object)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

func keyString(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprint(k)
	}
}

func stringValue(obj Object, key string) string {
	if obj == nil {
		return ""
	}
	switch v := obj[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func intValue(obj Object, key string) int {
	if obj == nil {
		return 0
	}
	switch v := obj[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		if v > math.MaxInt32 {
			return math.MaxInt32
		}
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	}
	return 0
}

func objectValue(obj Object, key string) Object {
	if obj == nil {
		return nil
	}
	if v, ok := obj[key].(Object); ok {
		return v
	}
	return nil
}

func sliceValue(obj Object, key string) []any {
	if obj == nil {
		return nil
	}
	if v, ok := obj[key].([]any); ok {
		return v
	}
	return nil
}

// textContent flattens string content or an array of text segments.
func textContent(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, part := range v {
			switch p := part.(type) {
			case string:
				b.WriteString(p)
			case Object:
				switch stringValue(p, "type") {
				case "text", "output_text", "input_text", "":
					b.WriteString(stringValue(p, "text"))
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// rawString returns value verbatim when it is a string and its JSON encoding otherwise.
func rawString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
