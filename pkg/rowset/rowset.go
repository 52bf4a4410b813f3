// Package rowset holds the flat tabular input shared by the ingestion pipeline.
package rowset

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Row is one flat record keyed by column name.
type Row map[string]any

// Set is an ordered list of rows. Rows are expected, not required, to share a shape.
type Set []Row

// Columns returns the union of column names across all rows, sorted.
func (s Set) Columns() []string {
	seen := make(map[string]struct{})
	for _, row := range s {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// HasColumn reports whether any row carries col.
func (s Set) HasColumn(col string) bool {
	for _, row := range s {
		if _, ok := row[col]; ok {
			return true
		}
	}
	return false
}

// Sample returns the first head and last tail rows without duplicating overlap.
func (s Set) Sample(head, tail int) Set {
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head+tail >= len(s) {
		return s
	}
	out := make(Set, 0, head+tail)
	out = append(out, s[:head]...)
	out = append(out, s[len(s)-tail:]...)
	return out
}

// Stringify renders a cell value for key matching and label rendering.
// nil renders as the empty string and integral floats drop their fraction.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ParseCSV reads a header row followed by records. Short records leave their
// trailing columns absent; duplicate headers get a numeric suffix.
func ParseCSV(r io.Reader) (Set, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Set{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	header = normalizeHeader(header)

	var rows Set
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if isBlank(rec) {
			continue
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

// normalizeHeader makes column names unique. A repeated name gets the first
// free _2, _3, ... suffix.
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	used := make(map[string]bool, len(header))
	repeats := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		name := h
		for used[name] {
			repeats[h]++
			name = fmt.Sprintf("%s_%d", h, repeats[h]+1)
		}
		used[name] = true
		out[i] = name
	}
	return out
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
