package facts

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/rowset"
)

// zoneEntityType is the graph entity type the zone dimension reads.
const zoneEntityType = "Zone"

// Store reads L1 rows and upserts L2 rows.
type Store interface {
	Transactions(ctx context.Context, f Filter) ([]Transaction, error)
	Products(ctx context.Context, keys []ProductKey) (map[ProductKey]Product, error)
	Visits(ctx context.Context, f Filter) ([]Visit, error)
	// PendingPings returns up to limit pings, oldest first, that have no zone event yet.
	PendingPings(ctx context.Context, f Filter, limit int) ([]ProximityPing, error)
	ZoneEvents(ctx context.Context, f Filter) ([]ZoneEvent, error)
	Zones(ctx context.Context, f Filter) ([]Zone, error)
	GraphZones(ctx context.Context, f Filter) ([]GraphZone, error)

	UpsertLineItems(ctx context.Context, rows []LineItem) error
	UpsertFunnelEvents(ctx context.Context, rows []FunnelEvent) error
	UpsertZoneEvents(ctx context.Context, rows []ZoneEvent) error
	UpsertVisitZoneEvents(ctx context.Context, rows []VisitZoneEvent) error
	UpsertZonesDim(ctx context.Context, rows []ZoneDim) error
}

// Repository is the PostgreSQL Store.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new facts repository.
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("facts.repo")),
	}
}

// scoped applies the tenant/store filter and the time range on timeColumn.
func scoped(q *bun.SelectQuery, alias, timeColumn string, f Filter) *bun.SelectQuery {
	if f.TenantID != "" {
		q = q.Where("?.tenant_id = ?", bun.Ident(alias), f.TenantID)
	}
	if f.StoreID != "" {
		q = q.Where("?.store_id = ?", bun.Ident(alias), f.StoreID)
	}
	if timeColumn != "" && f.From != nil {
		q = q.Where("?.? >= ?", bun.Ident(alias), bun.Ident(timeColumn), *f.From)
	}
	if timeColumn != "" && f.To != nil {
		q = q.Where("?.? <= ?", bun.Ident(alias), bun.Ident(timeColumn), *f.To)
	}
	return q
}

func (r *Repository) Transactions(ctx context.Context, f Filter) ([]Transaction, error) {
	var rows []Transaction
	q := r.db.NewSelect().Model(&rows).OrderExpr("t.transaction_at ASC, t.id ASC")
	if err := scoped(q, "t", "transaction_at", f).Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rows, nil
}

func (r *Repository) Products(ctx context.Context, keys []ProductKey) (map[ProductKey]Product, error) {
	out := make(map[ProductKey]Product, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	byTenant := make(map[string][]string)
	for _, k := range keys {
		byTenant[k.TenantID] = append(byTenant[k.TenantID], k.ProductID)
	}

	for tenantID, ids := range byTenant {
		var rows []Product
		err := r.db.NewSelect().
			Model(&rows).
			Where("p.tenant_id = ?", tenantID).
			Where("p.product_id = ANY(?)", pq.Array(ids)).
			Scan(ctx)
		if err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
		for _, p := range rows {
			out[ProductKey{p.TenantID, p.ProductID}] = p
		}
	}
	return out, nil
}

func (r *Repository) Visits(ctx context.Context, f Filter) ([]Visit, error) {
	var rows []Visit
	q := r.db.NewSelect().Model(&rows).OrderExpr("v.entered_at ASC, v.id ASC")
	if err := scoped(q, "v", "entered_at", f).Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rows, nil
}

func (r *Repository) PendingPings(ctx context.Context, f Filter, limit int) ([]ProximityPing, error) {
	var rows []ProximityPing
	q := r.db.NewSelect().
		Model(&rows).
		Where(`NOT EXISTS (
			SELECT 1 FROM facts.zone_events ze
			WHERE ze.tenant_id = pp.tenant_id
				AND ze.store_id = pp.store_id
				AND ze.visitor_id = pp.visitor_id
				AND ze.zone_code = pp.zone_code
				AND ze.enter_time = pp.detected_at)`).
		OrderExpr("pp.detected_at ASC, pp.id ASC").
		Limit(limit)
	if err := scoped(q, "pp", "detected_at", f).Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rows, nil
}

func (r *Repository) ZoneEvents(ctx context.Context, f Filter) ([]ZoneEvent, error) {
	var rows []ZoneEvent
	q := r.db.NewSelect().Model(&rows).OrderExpr("ze.enter_time ASC")
	if err := scoped(q, "ze", "enter_time", f).Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rows, nil
}

func (r *Repository) Zones(ctx context.Context, f Filter) ([]Zone, error) {
	var rows []Zone
	q := r.db.NewSelect().Model(&rows).OrderExpr("z.store_id, z.zone_code")
	if err := scoped(q, "z", "", f).Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rows, nil
}

// GraphZones reads entities typed Zone. The store comes from the entity's
// scope, falling back to a store_id property.
func (r *Repository) GraphZones(ctx context.Context, f Filter) ([]GraphZone, error) {
	var rows []struct {
		TenantID   string         `bun:"tenant_id"`
		StoreID    *string        `bun:"store_id"`
		Properties map[string]any `bun:"properties,type:jsonb"`
	}
	q := r.db.NewSelect().
		TableExpr("kb.entities AS e").
		Column("e.tenant_id", "e.store_id", "e.properties").
		Where("e.type_name = ?", zoneEntityType).
		OrderExpr("e.created_at ASC")
	if f.TenantID != "" {
		q = q.Where("e.tenant_id = ?", f.TenantID)
	}
	if f.StoreID != "" {
		q = q.Where("COALESCE(e.store_id, e.properties ->> 'store_id') = ?", f.StoreID)
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	out := make([]GraphZone, 0, len(rows))
	for _, row := range rows {
		gz := graphZone(row.Properties)
		gz.TenantID = row.TenantID
		if row.StoreID != nil && *row.StoreID != "" {
			gz.StoreID = *row.StoreID
		}
		out = append(out, gz)
	}
	return out, nil
}

// graphZone reads zone fields from an entity's open property map.
func graphZone(props map[string]any) GraphZone {
	return GraphZone{
		StoreID:  propString(props, "store_id"),
		ZoneCode: propString(props, "zone_code", "code"),
		Name:     propStringPtr(props, "name"),
		ZoneType: propStringPtr(props, "zone_type", "type"),
		Floor:    propStringPtr(props, "floor"),
		X:        propFloat(props, "x"),
		Y:        propFloat(props, "y"),
	}
}

func propString(props map[string]any, names ...string) string {
	for _, n := range names {
		if s := strings.TrimSpace(rowset.Stringify(props[n])); s != "" {
			return s
		}
	}
	return ""
}

func propStringPtr(props map[string]any, names ...string) *string {
	if s := propString(props, names...); s != "" {
		return &s
	}
	return nil
}

func propFloat(props map[string]any, name string) *float64 {
	switch v := props[name].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}

func (r *Repository) UpsertLineItems(ctx context.Context, rows []LineItem) error {
	_, err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT (tenant_id, transaction_id, product_id) DO UPDATE").
		Set("store_id = EXCLUDED.store_id").
		Set("category = EXCLUDED.category").
		Set("brand = EXCLUDED.brand").
		Set("quantity = EXCLUDED.quantity").
		Set("unit_price = EXCLUDED.unit_price").
		Set("line_total = EXCLUDED.line_total").
		Set("transaction_at = EXCLUDED.transaction_at").
		Set("transaction_hour = EXCLUDED.transaction_hour").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) UpsertFunnelEvents(ctx context.Context, rows []FunnelEvent) error {
	_, err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT (tenant_id, visit_id, event_type) DO UPDATE").
		Set("store_id = EXCLUDED.store_id").
		Set("visitor_id = EXCLUDED.visitor_id").
		Set("event_at = EXCLUDED.event_at").
		Set("duration_seconds = EXCLUDED.duration_seconds").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) UpsertZoneEvents(ctx context.Context, rows []ZoneEvent) error {
	_, err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT (tenant_id, store_id, visitor_id, zone_code, enter_time) DO UPDATE").
		Set("event_date = EXCLUDED.event_date").
		Set("x = EXCLUDED.x").
		Set("y = EXCLUDED.y").
		Set("dwell_seconds = EXCLUDED.dwell_seconds").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) UpsertVisitZoneEvents(ctx context.Context, rows []VisitZoneEvent) error {
	_, err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT (tenant_id, visit_id, zone_code, enter_time) DO UPDATE").
		Set("store_id = EXCLUDED.store_id").
		Set("visitor_id = EXCLUDED.visitor_id").
		Set("exit_time = EXCLUDED.exit_time").
		Set("dwell_seconds = EXCLUDED.dwell_seconds").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) UpsertZonesDim(ctx context.Context, rows []ZoneDim) error {
	_, err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT (tenant_id, store_id, zone_code) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("zone_type = EXCLUDED.zone_type").
		Set("floor = EXCLUDED.floor").
		Set("x = EXCLUDED.x").
		Set("y = EXCLUDED.y").
		Set("source = EXCLUDED.source").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}
