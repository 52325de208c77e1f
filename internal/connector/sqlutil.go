package connector

import (
	"fmt"
	"strings"
	"time"
)

// WrapWithLimit bounds a read query by wrapping it in an outer LIMIT. The
// inner statement must not keep a trailing semicolon for the wrap to parse.
func WrapWithLimit(queryText string, limit int) string {
	trimmed := stripTrailingSemicolons(queryText)
	if limit <= 0 {
		return trimmed
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS bounded_query LIMIT %d", trimmed, limit)
}

func stripTrailingSemicolons(queryText string) string {
	trimmed := strings.TrimSpace(queryText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// NormalizeValue converts driver-specific scan results into JSON-friendly
// values. Byte slices become strings and times become RFC 3339.
func NormalizeValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return value
	}
}
