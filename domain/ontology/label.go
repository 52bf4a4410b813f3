package ontology

import (
	"regexp"
	"strings"

	"github.com/emergent-company/tabgraph/pkg/rowset"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// RenderLabel substitutes {column} placeholders with the row's values.
// Placeholders naming absent columns render as the empty string.
func RenderLabel(template string, row rowset.Row) string {
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		col := strings.TrimSpace(m[1 : len(m)-1])
		return rowset.Stringify(row[col])
	})
	return strings.TrimSpace(out)
}

// Placeholders returns the column names a template refers to, in order.
func Placeholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	cols := make([]string, 0, len(matches))
	for _, m := range matches {
		cols = append(cols, strings.TrimSpace(m[1]))
	}
	return cols
}
