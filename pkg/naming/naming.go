// Package naming derives type and relation names from free-form hints and column names.
package naming

import (
	"strings"
	"unicode"
)

// Words splits s on separators and camel-case boundaries, lowercasing each word.
func Words(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(strings.TrimSpace(s))
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

// Singular applies simple English singularization to one word.
func Singular(word string) string {
	w := strings.ToLower(word)
	switch {
	case len(w) > 3 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "sses"), strings.HasSuffix(w, "shes"), strings.HasSuffix(w, "ches"), strings.HasSuffix(w, "xes"):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "ss"), strings.HasSuffix(w, "us"), strings.HasSuffix(w, "is"):
		return w
	case len(w) > 1 && strings.HasSuffix(w, "s"):
		return w[:len(w)-1]
	}
	return w
}

// Pascal joins words as PascalCase.
func Pascal(words []string) string {
	var b strings.Builder
	for _, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		b.WriteString(strings.ToUpper(string(r[0])))
		b.WriteString(string(r[1:]))
	}
	return b.String()
}

// TypeNameFromHint turns a domain hint such as "store_visits" into "StoreVisit".
func TypeNameFromHint(hint string) string {
	words := Words(hint)
	if len(words) == 0 {
		return "Record"
	}
	words[len(words)-1] = Singular(words[len(words)-1])
	return Pascal(words)
}

// UpperSnake renders s as UPPER_SNAKE_CASE.
func UpperSnake(s string) string {
	return strings.ToUpper(strings.Join(Words(s), "_"))
}

// KeyStem returns the referenced noun of an identifier-looking column:
// "customer_id" -> "customer", "productId" -> "product", "id" -> "".
func KeyStem(column string) (string, bool) {
	words := Words(column)
	if len(words) == 0 || words[len(words)-1] != "id" {
		return "", false
	}
	return strings.Join(words[:len(words)-1], "_"), true
}

// Humanize renders s as a sentence-case label: "REFERENCES_CUSTOMER" -> "References customer".
func Humanize(s string) string {
	words := Words(s)
	if len(words) == 0 {
		return ""
	}
	words[0] = Pascal(words[:1])
	return strings.Join(words, " ")
}
