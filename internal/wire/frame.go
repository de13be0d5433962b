// Package wire normalizes the ad-hoc JSON shapes the server emits. Records
// arrive from three sources (history fetch, send acknowledgement, live push)
// with inconsistent field spellings; every "first present key wins" rule
// lives here as an ordered lookup table so the rest of the code sees one
// shape.
package wire

import "encoding/json"

// typeKeys is the ordered list of fields that may name an inbound frame's
// event type. First present wins.
var typeKeys = []string{"type", "event", "action", "kind"}

// Frame is a decoded inbound wire frame.
type Frame struct {
	Type   string
	Fields map[string]any
	Raw    []byte
}

// ParseFrame decodes one JSON frame and resolves its event type. Frames
// without any recognizable type field resolve to an empty Type; they are
// still returned so callers can republish them verbatim.
func ParseFrame(data []byte) (*Frame, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	f := &Frame{Fields: fields, Raw: data}
	for _, k := range typeKeys {
		if s, ok := fields[k].(string); ok && s != "" {
			f.Type = s
			break
		}
	}
	return f, nil
}

// stringField returns the first present, non-empty value among keys,
// coerced to a string. JSON numbers are rendered without an exponent so
// numeric ids stay stable as map keys.
func stringField(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			if s := coerceString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatNumber(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// boolField coerces booleans and the sqlite-style 0/1 spellings.
func boolField(fields map[string]any, keys ...string) (value, present bool) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case float64:
			return t != 0, true
		case string:
			switch t {
			case "true", "1":
				return true, true
			case "false", "0":
				return false, true
			}
		}
	}
	return false, false
}
