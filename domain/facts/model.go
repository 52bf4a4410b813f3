package facts

import (
	"time"

	"github.com/uptrace/bun"
)

// Transform names one L1->L2 transform.
type Transform string

const (
	TransformLineItems       Transform = "line_items"
	TransformFunnelEvents    Transform = "funnel_events"
	TransformZoneEvents      Transform = "zone_events"
	TransformVisitZoneEvents Transform = "visit_zone_events"
	TransformZonesDim        Transform = "zones_dim"
)

// AllTransforms in run order. zone_events precedes visit_zone_events so a
// single run joins the pings it just normalized.
var AllTransforms = []Transform{
	TransformLineItems,
	TransformFunnelEvents,
	TransformZoneEvents,
	TransformVisitZoneEvents,
	TransformZonesDim,
}

// Funnel event types.
const (
	EventEntry    = "entry"
	EventBrowse   = "browse"
	EventPurchase = "purchase"
)

// Zone dimension sources.
const (
	SourceZoneTable = "zones"
	SourceGraph     = "graph"
	SourceMerged    = "merged"
)

// Filter narrows a run. Empty fields do not filter.
type Filter struct {
	TenantID string     `json:"tenant_id,omitempty"`
	StoreID  string     `json:"store_id,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

// Days widens the range to whole UTC days.
func (f Filter) Days() Filter {
	out := f
	if f.From != nil {
		d := f.From.UTC().Truncate(24 * time.Hour)
		out.From = &d
	}
	if f.To != nil {
		d := f.To.UTC().Truncate(24 * time.Hour).Add(24*time.Hour - time.Nanosecond)
		out.To = &d
	}
	return out
}

// Transaction is one raw.transactions row.
type Transaction struct {
	bun.BaseModel `bun:"table:raw.transactions,alias:t"`

	ID            int64     `bun:"id,pk,autoincrement"`
	TenantID      string    `bun:"tenant_id"`
	StoreID       string    `bun:"store_id"`
	TransactionID string    `bun:"transaction_id"`
	ProductID     string    `bun:"product_id"`
	CustomerID    *string   `bun:"customer_id"`
	Quantity      float64   `bun:"quantity"`
	UnitPrice     float64   `bun:"unit_price"`
	TransactionAt time.Time `bun:"transaction_at"`
}

// Product is one raw.products row.
type Product struct {
	bun.BaseModel `bun:"table:raw.products,alias:p"`

	TenantID  string  `bun:"tenant_id,pk"`
	ProductID string  `bun:"product_id,pk"`
	Name      *string `bun:"name"`
	Category  *string `bun:"category"`
	Brand     *string `bun:"brand"`
}

// Visit is one raw.visits row.
type Visit struct {
	bun.BaseModel `bun:"table:raw.visits,alias:v"`

	ID               int64     `bun:"id,pk,autoincrement"`
	TenantID         string    `bun:"tenant_id"`
	StoreID          string    `bun:"store_id"`
	VisitID          string    `bun:"visit_id"`
	VisitorID        string    `bun:"visitor_id"`
	EnteredAt        time.Time `bun:"entered_at"`
	DwellTimeSeconds *int      `bun:"dwell_time_seconds"`
	Converted        bool      `bun:"converted"`
}

// ProximityPing is one raw.proximity_pings row.
type ProximityPing struct {
	bun.BaseModel `bun:"table:raw.proximity_pings,alias:pp"`

	ID           int64     `bun:"id,pk,autoincrement"`
	TenantID     string    `bun:"tenant_id"`
	StoreID      string    `bun:"store_id"`
	VisitorID    string    `bun:"visitor_id"`
	ZoneCode     string    `bun:"zone_code"`
	X            *float64  `bun:"x"`
	Y            *float64  `bun:"y"`
	DwellSeconds *int      `bun:"dwell_seconds"`
	DetectedAt   time.Time `bun:"detected_at"`
}

// Zone is one raw.zones row.
type Zone struct {
	bun.BaseModel `bun:"table:raw.zones,alias:z"`

	TenantID string   `bun:"tenant_id,pk"`
	StoreID  string   `bun:"store_id,pk"`
	ZoneCode string   `bun:"zone_code,pk"`
	Name     *string  `bun:"name"`
	ZoneType *string  `bun:"zone_type"`
	Floor    *string  `bun:"floor"`
	X        *float64 `bun:"x"`
	Y        *float64 `bun:"y"`
}

// GraphZone is a Zone-typed graph entity flattened to zone fields.
type GraphZone struct {
	TenantID string
	StoreID  string
	ZoneCode string
	Name     *string
	ZoneType *string
	Floor    *string
	X        *float64
	Y        *float64
}

// LineItem is one facts.line_items row. Key (tenant_id, transaction_id, product_id).
type LineItem struct {
	bun.BaseModel `bun:"table:facts.line_items,alias:li"`

	TenantID        string    `bun:"tenant_id,pk" json:"tenant_id"`
	TransactionID   string    `bun:"transaction_id,pk" json:"transaction_id"`
	ProductID       string    `bun:"product_id,pk" json:"product_id"`
	StoreID         string    `bun:"store_id" json:"store_id"`
	Category        *string   `bun:"category" json:"category,omitempty"`
	Brand           *string   `bun:"brand" json:"brand,omitempty"`
	Quantity        float64   `bun:"quantity" json:"quantity"`
	UnitPrice       float64   `bun:"unit_price" json:"unit_price"`
	LineTotal       float64   `bun:"line_total" json:"line_total"`
	TransactionAt   time.Time `bun:"transaction_at" json:"transaction_at"`
	TransactionHour int       `bun:"transaction_hour" json:"transaction_hour"`
}

// FunnelEvent is one facts.funnel_events row. Key (tenant_id, visit_id, event_type).
type FunnelEvent struct {
	bun.BaseModel `bun:"table:facts.funnel_events,alias:fe"`

	TenantID        string    `bun:"tenant_id,pk" json:"tenant_id"`
	VisitID         string    `bun:"visit_id,pk" json:"visit_id"`
	EventType       string    `bun:"event_type,pk" json:"event_type"`
	StoreID         string    `bun:"store_id" json:"store_id"`
	VisitorID       string    `bun:"visitor_id" json:"visitor_id"`
	EventAt         time.Time `bun:"event_at" json:"event_at"`
	DurationSeconds *int      `bun:"duration_seconds" json:"duration_seconds,omitempty"`
}

// ZoneEvent is one facts.zone_events row.
// Key (tenant_id, store_id, visitor_id, zone_code, enter_time).
type ZoneEvent struct {
	bun.BaseModel `bun:"table:facts.zone_events,alias:ze"`

	TenantID     string    `bun:"tenant_id,pk" json:"tenant_id"`
	StoreID      string    `bun:"store_id,pk" json:"store_id"`
	VisitorID    string    `bun:"visitor_id,pk" json:"visitor_id"`
	ZoneCode     string    `bun:"zone_code,pk" json:"zone_code"`
	EnterTime    time.Time `bun:"enter_time,pk" json:"enter_time"`
	EventDate    time.Time `bun:"event_date,type:date" json:"event_date"`
	X            *float64  `bun:"x" json:"x,omitempty"`
	Y            *float64  `bun:"y" json:"y,omitempty"`
	DwellSeconds *int      `bun:"dwell_seconds" json:"dwell_seconds,omitempty"`
}

// VisitZoneEvent is one facts.visit_zone_events row.
// Key (tenant_id, visit_id, zone_code, enter_time).
type VisitZoneEvent struct {
	bun.BaseModel `bun:"table:facts.visit_zone_events,alias:vze"`

	TenantID     string     `bun:"tenant_id,pk" json:"tenant_id"`
	VisitID      string     `bun:"visit_id,pk" json:"visit_id"`
	ZoneCode     string     `bun:"zone_code,pk" json:"zone_code"`
	EnterTime    time.Time  `bun:"enter_time,pk" json:"enter_time"`
	StoreID      string     `bun:"store_id" json:"store_id"`
	VisitorID    string     `bun:"visitor_id" json:"visitor_id"`
	ExitTime     *time.Time `bun:"exit_time" json:"exit_time,omitempty"`
	DwellSeconds *int       `bun:"dwell_seconds" json:"dwell_seconds,omitempty"`
}

// ZoneDim is one facts.zones_dim row. Key (tenant_id, store_id, zone_code).
type ZoneDim struct {
	bun.BaseModel `bun:"table:facts.zones_dim,alias:zd"`

	TenantID string   `bun:"tenant_id,pk" json:"tenant_id"`
	StoreID  string   `bun:"store_id,pk" json:"store_id"`
	ZoneCode string   `bun:"zone_code,pk" json:"zone_code"`
	Name     *string  `bun:"name" json:"name,omitempty"`
	ZoneType *string  `bun:"zone_type" json:"zone_type,omitempty"`
	Floor    *string  `bun:"floor" json:"floor,omitempty"`
	X        *float64 `bun:"x" json:"x,omitempty"`
	Y        *float64 `bun:"y" json:"y,omitempty"`
	Source   string   `bun:"source" json:"source"`
}
