// Package facts normalizes raw L1 domain tables into canonical L2 fact and
// dimension tables keyed by natural composite keys.
package facts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/tracing"
)

const (
	defaultUpsertBatch   = 500
	defaultZonePingLimit = 5000
)

var recordsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tabgraph_facts_records_synced_total",
	Help: "Fact and dimension rows upserted by transform",
}, []string{"transform"})

// Result reports one transform.
type Result struct {
	Processed     int      `json:"processed"`
	RecordsSynced int      `json:"records_synced"`
	Errors        []string `json:"errors"`
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Report is the outcome of a normalization run.
type Report struct {
	Filter     Filter                `json:"filter"`
	Transforms map[Transform]*Result `json:"transforms"`
	DurationMs int64                 `json:"duration_ms"`
}

// Normalizer runs the L1->L2 transforms.
type Normalizer struct {
	store         Store
	batchSize     int
	zonePingLimit int
	log           *slog.Logger
}

// NewNormalizer creates a new normalizer.
func NewNormalizer(store Store, cfg *config.Config, log *slog.Logger) *Normalizer {
	n := &Normalizer{
		store:         store,
		batchSize:     cfg.Facts.UpsertBatchSize,
		zonePingLimit: cfg.Facts.ZonePingLimit,
		log:           log.With(logger.Scope("facts")),
	}
	if n.batchSize <= 0 {
		n.batchSize = defaultUpsertBatch
	}
	if n.zonePingLimit <= 0 {
		n.zonePingLimit = defaultZonePingLimit
	}
	return n
}

// ParseTransforms validates transform names. No names selects all.
func ParseTransforms(names []string) ([]Transform, error) {
	if len(names) == 0 {
		return AllTransforms, nil
	}
	want := make(map[Transform]bool, len(names))
	for _, n := range names {
		t := Transform(n)
		known := false
		for _, k := range AllTransforms {
			if k == t {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown transform %q", n)
		}
		want[t] = true
	}
	// keep run order regardless of request order
	out := make([]Transform, 0, len(want))
	for _, k := range AllTransforms {
		if want[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

// Run executes the given transforms (all when empty) over f. A failing
// transform is reported in its Result and does not stop the others.
func (n *Normalizer) Run(ctx context.Context, f Filter, transforms ...Transform) *Report {
	if len(transforms) == 0 {
		transforms = AllTransforms
	}

	ctx, span := tracing.Start(ctx, "facts.normalize",
		attribute.String("tenant_id", f.TenantID),
		attribute.String("store_id", f.StoreID),
	)
	defer span.End()

	start := time.Now()
	report := &Report{Filter: f, Transforms: make(map[Transform]*Result, len(transforms))}

	for _, t := range transforms {
		res := &Result{Errors: []string{}}
		switch t {
		case TransformLineItems:
			n.lineItems(ctx, f, res)
		case TransformFunnelEvents:
			n.funnelEvents(ctx, f, res)
		case TransformZoneEvents:
			n.zoneEvents(ctx, f, res)
		case TransformVisitZoneEvents:
			n.visitZoneEvents(ctx, f, res)
		case TransformZonesDim:
			n.zonesDim(ctx, f, res)
		default:
			res.addError("unknown transform %q", t)
		}
		report.Transforms[t] = res
		recordsSynced.WithLabelValues(string(t)).Add(float64(res.RecordsSynced))

		n.log.Info("fact transform complete",
			slog.String("transform", string(t)),
			slog.String("tenant_id", f.TenantID),
			slog.String("store_id", f.StoreID),
			slog.Int("processed", res.Processed),
			slog.Int("records_synced", res.RecordsSynced),
			slog.Int("errors", len(res.Errors)),
		)
	}

	report.DurationMs = time.Since(start).Milliseconds()
	return report
}

func (n *Normalizer) lineItems(ctx context.Context, f Filter, res *Result) {
	txs, err := n.store.Transactions(ctx, f)
	if err != nil {
		res.addError("load transactions: %v", err)
		return
	}
	res.Processed = len(txs)
	if len(txs) == 0 {
		return
	}

	seen := make(map[ProductKey]bool)
	var keys []ProductKey
	for _, t := range txs {
		k := ProductKey{t.TenantID, t.ProductID}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	products, err := n.store.Products(ctx, keys)
	if err != nil {
		// line items are still written, without category and brand
		res.addError("load products: %v", err)
		products = nil
	}

	upsertBatches(ctx, BuildLineItems(txs, products), n.batchSize, n.store.UpsertLineItems, res)
}

func (n *Normalizer) funnelEvents(ctx context.Context, f Filter, res *Result) {
	visits, err := n.store.Visits(ctx, f)
	if err != nil {
		res.addError("load visits: %v", err)
		return
	}
	res.Processed = len(visits)
	upsertBatches(ctx, BuildFunnelEvents(visits), n.batchSize, n.store.UpsertFunnelEvents, res)
}

func (n *Normalizer) zoneEvents(ctx context.Context, f Filter, res *Result) {
	pings, err := n.store.PendingPings(ctx, f, n.zonePingLimit)
	if err != nil {
		res.addError("load proximity pings: %v", err)
		return
	}
	res.Processed = len(pings)
	if len(pings) == n.zonePingLimit {
		n.log.Debug("zone ping limit reached, remaining pings deferred",
			slog.Int("limit", n.zonePingLimit))
	}
	upsertBatches(ctx, BuildZoneEvents(pings), n.batchSize, n.store.UpsertZoneEvents, res)
}

func (n *Normalizer) visitZoneEvents(ctx context.Context, f Filter, res *Result) {
	events, err := n.store.ZoneEvents(ctx, f)
	if err != nil {
		res.addError("load zone events: %v", err)
		return
	}
	res.Processed = len(events)
	if len(events) == 0 {
		return
	}

	// visits are matched by calendar day, so read whole days
	visits, err := n.store.Visits(ctx, f.Days())
	if err != nil {
		res.addError("load visits: %v", err)
		return
	}

	joined, unmatched := JoinVisitZoneEvents(events, visits)
	if unmatched > 0 {
		n.log.Debug("zone events without a visit",
			slog.Int("unmatched", unmatched))
	}
	upsertBatches(ctx, joined, n.batchSize, n.store.UpsertVisitZoneEvents, res)
}

func (n *Normalizer) zonesDim(ctx context.Context, f Filter, res *Result) {
	zones, err := n.store.Zones(ctx, f)
	if err != nil {
		res.addError("load zones: %v", err)
		return
	}
	graphZones, err := n.store.GraphZones(ctx, f)
	if err != nil {
		// the zone table alone still yields a dimension
		res.addError("load graph zones: %v", err)
		graphZones = nil
	}
	res.Processed = len(zones) + len(graphZones)
	upsertBatches(ctx, MergeZones(zones, graphZones), n.batchSize, n.store.UpsertZonesDim, res)
}

// upsertBatches writes rows in batches; a failing batch is reported and
// the rest still run.
func upsertBatches[T any](ctx context.Context, rows []T, size int, write func(context.Context, []T) error, res *Result) {
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		if err := write(ctx, rows[start:end]); err != nil {
			res.addError("upsert rows %d-%d: %v", start, end-1, err)
			continue
		}
		res.RecordsSynced += end - start
	}
}
