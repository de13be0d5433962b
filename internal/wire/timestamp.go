package wire

import (
	"encoding/json"
	"strconv"
	"time"
)

// Calendar layouts the server has been observed to emit. SQLite's
// CURRENT_TIMESTAMP produces the space-separated form.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// TimestampOf resolves the first present key to unix milliseconds, per
// the same coercion rules as the record normalizers.
func TimestampOf(fields map[string]any, keys ...string) int64 {
	return timestampField(fields, keys...)
}

// timestampField resolves the first present key to unix milliseconds.
// Numeric values below 1e12 are taken as seconds, otherwise milliseconds.
// Unparsable or missing values yield 0, which sorts earliest.
func timestampField(fields map[string]any, keys ...string) int64 {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if ms := coerceTimestamp(v); ms != 0 {
			return ms
		}
	}
	return 0
}

func coerceTimestamp(v any) int64 {
	switch t := v.(type) {
	case float64:
		return numericMillis(int64(t))
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return numericMillis(n)
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return numericMillis(n)
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UnixMilli()
			}
		}
	}
	return 0
}

func numericMillis(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if n < 1_000_000_000_000 {
		return n * 1000
	}
	return n
}
