package rowvalidator

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emergent-company/tabgraph/pkg/rowset"
)

var numericPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// dateLayouts are the ISO-8601 shapes recognised as timestamps, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize returns a copy of rows with primitive-looking strings coerced to
// numbers, booleans and canonical RFC 3339 UTC timestamps. Columns in keep
// are copied verbatim.
func Normalize(rows rowset.Set, keep map[string]bool) rowset.Set {
	out := make(rowset.Set, len(rows))
	for i, row := range rows {
		nr := make(rowset.Row, len(row))
		for col, v := range row {
			if keep[col] {
				nr[col] = v
				continue
			}
			nr[col] = NormalizeValue(v)
		}
		out[i] = nr
	}
	return out
}

// NormalizeValue coerces one value. Non-string values pass through.
func NormalizeValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	t := strings.TrimSpace(s)
	if t == "" {
		return v
	}

	if n, ok := parseNumber(t); ok {
		return n
	}

	switch strings.ToLower(t) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}

	if ts, ok := parseDate(t); ok {
		return ts
	}
	return v
}

func parseNumber(s string) (any, bool) {
	if !numericPattern.MatchString(s) {
		return nil, false
	}
	// codes such as "00123" keep their leading zeros
	digits := strings.TrimLeft(s, "+-")
	if len(digits) > 1 && digits[0] == '0' && digits[1] != '.' {
		return nil, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return f, true
}

func parseDate(s string) (string, bool) {
	if len(s) < len("2006-01-02") || s[4] != '-' {
		return "", false
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC().Format(time.RFC3339Nano), true
		}
	}
	return "", false
}
