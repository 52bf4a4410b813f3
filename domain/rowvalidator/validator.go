// Package rowvalidator inspects a raw row set before it is mapped: it
// classifies identifier and foreign-key columns, collects data-quality issues
// and optionally normalizes primitive values.
package rowvalidator

import (
	"context"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/naming"
	"github.com/emergent-company/tabgraph/pkg/oracle"
	"github.com/emergent-company/tabgraph/pkg/rowset"
	"github.com/emergent-company/tabgraph/pkg/tracing"
)

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"

	// NeutralScore is reported when no inspection could be made.
	NeutralScore = 50.0
)

var qualityScores = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "tabgraph_validator_quality_score",
	Help:    "Quality score of validated row sets",
	Buckets: []float64{10, 25, 50, 75, 90, 100},
})

// Issue is one data-quality finding. Row indexes refer to the full row set.
type Issue struct {
	Severity   string  `json:"severity"`
	Column     *string `json:"column,omitempty"`
	Row        *int    `json:"row,omitempty"`
	Message    string  `json:"message"`
	Suggestion *string `json:"suggestion,omitempty"`
}

// Report is the outcome of validating a row set.
type Report struct {
	DomainHint        string              `json:"domainHint"`
	Columns           []string            `json:"columns"`
	RowCount          int                 `json:"rowCount"`
	IdentifierColumns []string            `json:"identifierColumns"`
	ForeignKeys       []oracle.ForeignKey `json:"foreignKeys"`
	Issues            []Issue             `json:"issues"`
	QualityScore      float64             `json:"qualityScore"`
	Inspected         bool                `json:"inspected"`

	// Rows holds the normalized rows when normalization was requested.
	Rows rowset.Set `json:"-"`
}

// KeyColumns returns the identifier and foreign-key columns.
func (r *Report) KeyColumns() map[string]bool {
	keys := make(map[string]bool, len(r.IdentifierColumns)+len(r.ForeignKeys))
	for _, c := range r.IdentifierColumns {
		keys[c] = true
	}
	for _, fk := range r.ForeignKeys {
		keys[fk.Column] = true
	}
	return keys
}

// IsForeignKey reports whether col was classified as a foreign key.
func (r *Report) IsForeignKey(col string) bool {
	for _, fk := range r.ForeignKeys {
		if fk.Column == col {
			return true
		}
	}
	return false
}

// Options controls a validation run.
type Options struct {
	DomainHint string
	Normalize  bool
}

// Validator inspects row sets through the suggestion oracle.
type Validator struct {
	oracle oracle.Oracle
	head   int
	tail   int
	log    *slog.Logger
}

// NewValidator creates a validator sampling the configured head and tail rows.
func NewValidator(o oracle.Oracle, cfg *config.Config, log *slog.Logger) *Validator {
	return &Validator{
		oracle: o,
		head:   cfg.Ingestion.SampleHead,
		tail:   cfg.Ingestion.SampleTail,
		log:    log.With(logger.Scope("rowvalidator")),
	}
}

// Validate inspects rows. An unavailable oracle yields a report with no
// issues and a neutral score; only empty input is an error.
func (v *Validator) Validate(ctx context.Context, rows rowset.Set, opts Options) (*Report, error) {
	if len(rows) == 0 {
		return nil, apperror.ErrEmptyInput
	}

	ctx, span := tracing.Start(ctx, "rowvalidator.validate",
		attribute.String("domain_hint", opts.DomainHint),
		attribute.Int("rows", len(rows)),
	)
	defer span.End()

	cols := rows.Columns()
	sample := rows.Sample(v.head, v.tail)

	report := &Report{
		DomainHint:        opts.DomainHint,
		Columns:           cols,
		RowCount:          len(rows),
		IdentifierColumns: []string{},
		ForeignKeys:       []oracle.ForeignKey{},
		Issues:            []Issue{},
		QualityScore:      NeutralScore,
	}

	var res oracle.InspectResult
	req := oracle.Request{
		Kind: oracle.TaskInspectRows,
		Context: oracle.InspectContext{
			DomainHint: opts.DomainHint,
			Columns:    cols,
			RowCount:   len(rows),
			Sample:     toMaps(sample),
		},
		OutputSchema: oracle.InspectSchema(),
	}
	if oracle.Ask(ctx, v.oracle, req, &res, v.log) {
		v.apply(report, res, len(sample))
	}

	if opts.Normalize {
		keep := report.KeyColumns()
		// key-shaped columns stay verbatim even when the oracle missed them
		for _, c := range cols {
			if _, ok := naming.KeyStem(c); ok {
				keep[c] = true
			}
		}
		report.Rows = Normalize(rows, keep)
	}

	qualityScores.Observe(report.QualityScore)
	v.log.Debug("row set validated",
		slog.String("domain_hint", opts.DomainHint),
		slog.Int("rows", len(rows)),
		slog.Int("issues", len(report.Issues)),
		slog.Float64("quality_score", report.QualityScore),
		slog.Bool("inspected", report.Inspected),
	)
	return report, nil
}

// apply copies an oracle result into report, dropping references to unknown
// columns and mapping sample row indexes back onto the full row set.
func (v *Validator) apply(report *Report, res oracle.InspectResult, sampleLen int) {
	known := func(c string) bool { return slices.Contains(report.Columns, c) }

	for _, c := range res.IdentifierColumns {
		if known(c) && !slices.Contains(report.IdentifierColumns, c) {
			report.IdentifierColumns = append(report.IdentifierColumns, c)
		}
	}
	for _, fk := range res.ForeignKeys {
		if known(fk.Column) && !slices.Contains(report.IdentifierColumns, fk.Column) {
			report.ForeignKeys = append(report.ForeignKeys, fk)
		}
	}

	for _, in := range res.Issues {
		issue := Issue{
			Severity:   severity(in.Severity),
			Message:    in.Message,
			Suggestion: in.Suggestion,
		}
		if in.Column != nil && known(*in.Column) {
			issue.Column = in.Column
		}
		if in.Row != nil && *in.Row >= 0 && *in.Row < sampleLen {
			row := v.sourceRow(*in.Row, report.RowCount, sampleLen)
			issue.Row = &row
		}
		report.Issues = append(report.Issues, issue)
	}

	report.QualityScore = min(max(res.QualityScore, 0), 100)
	report.Inspected = true
}

// sourceRow maps an index into the head+tail sample to an index into the full set.
func (v *Validator) sourceRow(i, total, sampleLen int) int {
	if sampleLen >= total || i < v.head {
		return i
	}
	return total - sampleLen + i
}

func severity(s string) string {
	switch s {
	case SeverityError, SeverityWarning:
		return s
	default:
		return SeverityInfo
	}
}

func toMaps(rows rowset.Set) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
