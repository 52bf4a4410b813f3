package facts

import (
	"sort"
	"time"
)

const (
	// browseMinDwell is the dwell a visit needs, strictly exceeded, to count as browsing.
	browseMinDwell = 30
	// browseMaxDuration caps the recorded browse duration.
	browseMaxDuration = 300
)

// ProductKey identifies a product within a tenant.
type ProductKey struct {
	TenantID  string
	ProductID string
}

// BuildLineItems turns raw transaction rows into line items enriched with the
// product's category and brand. Rows repeating a (transaction, product) pair
// are summed into one line.
func BuildLineItems(txs []Transaction, products map[ProductKey]Product) []LineItem {
	type key struct{ tenant, tx, product string }
	index := make(map[key]int, len(txs))
	out := make([]LineItem, 0, len(txs))

	for _, t := range txs {
		k := key{t.TenantID, t.TransactionID, t.ProductID}
		if i, ok := index[k]; ok {
			li := &out[i]
			li.Quantity += t.Quantity
			li.LineTotal += t.Quantity * t.UnitPrice
			li.UnitPrice = t.UnitPrice
			continue
		}

		at := t.TransactionAt.UTC()
		li := LineItem{
			TenantID:        t.TenantID,
			TransactionID:   t.TransactionID,
			ProductID:       t.ProductID,
			StoreID:         t.StoreID,
			Quantity:        t.Quantity,
			UnitPrice:       t.UnitPrice,
			LineTotal:       t.Quantity * t.UnitPrice,
			TransactionAt:   at,
			TransactionHour: at.Hour(),
		}
		if p, ok := products[ProductKey{t.TenantID, t.ProductID}]; ok {
			li.Category = p.Category
			li.Brand = p.Brand
		}
		index[k] = len(out)
		out = append(out, li)
	}
	return out
}

// BuildFunnelEvents emits entry for every visit, browse when dwell exceeds
// 30 seconds (duration capped at 300) and purchase when the visit converted.
func BuildFunnelEvents(visits []Visit) []FunnelEvent {
	out := make([]FunnelEvent, 0, len(visits))
	for _, v := range visits {
		at := v.EnteredAt.UTC()
		base := FunnelEvent{
			TenantID:  v.TenantID,
			VisitID:   v.VisitID,
			StoreID:   v.StoreID,
			VisitorID: v.VisitorID,
			EventAt:   at,
		}

		entry := base
		entry.EventType = EventEntry
		out = append(out, entry)

		if v.DwellTimeSeconds != nil && *v.DwellTimeSeconds > browseMinDwell {
			d := min(*v.DwellTimeSeconds, browseMaxDuration)
			browse := base
			browse.EventType = EventBrowse
			browse.DurationSeconds = &d
			out = append(out, browse)
		}

		if v.Converted {
			purchase := base
			purchase.EventType = EventPurchase
			if v.DwellTimeSeconds != nil {
				purchase.EventAt = at.Add(time.Duration(*v.DwellTimeSeconds) * time.Second)
			}
			out = append(out, purchase)
		}
	}
	return dedupeFunnel(out)
}

// dedupeFunnel keeps the last event per key so one upsert batch never touches
// a row twice.
func dedupeFunnel(events []FunnelEvent) []FunnelEvent {
	type key struct{ tenant, visit, kind string }
	index := make(map[key]int, len(events))
	out := events[:0]
	for _, e := range events {
		k := key{e.TenantID, e.VisitID, e.EventType}
		if i, ok := index[k]; ok {
			out[i] = e
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}

// BuildZoneEvents maps every ping to a zone-enter event.
func BuildZoneEvents(pings []ProximityPing) []ZoneEvent {
	type key struct {
		tenant, store, visitor, zone string
		at                           int64
	}
	index := make(map[key]int, len(pings))
	out := make([]ZoneEvent, 0, len(pings))

	for _, p := range pings {
		at := p.DetectedAt.UTC()
		e := ZoneEvent{
			TenantID:     p.TenantID,
			StoreID:      p.StoreID,
			VisitorID:    p.VisitorID,
			ZoneCode:     p.ZoneCode,
			EnterTime:    at,
			EventDate:    utcDate(at),
			X:            p.X,
			Y:            p.Y,
			DwellSeconds: p.DwellSeconds,
		}
		k := key{p.TenantID, p.StoreID, p.VisitorID, p.ZoneCode, at.UnixNano()}
		if i, ok := index[k]; ok {
			out[i] = e
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}

type visitDay struct {
	tenant, visitor, store string
	day                    time.Time
}

// JoinVisitZoneEvents attaches a visit to each zone event sharing its
// visitor, store and UTC date. With several visits that day the latest one
// entered at or before the event wins, else the earliest. Events with no
// visit are returned as the unmatched count.
func JoinVisitZoneEvents(events []ZoneEvent, visits []Visit) ([]VisitZoneEvent, int) {
	byDay := make(map[visitDay][]Visit)
	for _, v := range visits {
		k := visitDay{v.TenantID, v.VisitorID, v.StoreID, utcDate(v.EnteredAt)}
		byDay[k] = append(byDay[k], v)
	}
	for _, vs := range byDay {
		sort.SliceStable(vs, func(i, j int) bool { return vs[i].EnteredAt.Before(vs[j].EnteredAt) })
	}

	type key struct {
		tenant, visit, zone string
		at                  int64
	}
	index := make(map[key]int, len(events))
	out := make([]VisitZoneEvent, 0, len(events))
	unmatched := 0

	for _, e := range events {
		vs := byDay[visitDay{e.TenantID, e.VisitorID, e.StoreID, utcDate(e.EnterTime)}]
		if len(vs) == 0 {
			unmatched++
			continue
		}
		visit := vs[0]
		for _, v := range vs {
			if v.EnteredAt.After(e.EnterTime) {
				break
			}
			visit = v
		}

		vze := VisitZoneEvent{
			TenantID:     e.TenantID,
			VisitID:      visit.VisitID,
			ZoneCode:     e.ZoneCode,
			EnterTime:    e.EnterTime.UTC(),
			StoreID:      e.StoreID,
			VisitorID:    e.VisitorID,
			DwellSeconds: e.DwellSeconds,
		}
		if e.DwellSeconds != nil {
			exit := vze.EnterTime.Add(time.Duration(*e.DwellSeconds) * time.Second)
			vze.ExitTime = &exit
		}

		k := key{vze.TenantID, vze.VisitID, vze.ZoneCode, vze.EnterTime.UnixNano()}
		if i, ok := index[k]; ok {
			out[i] = vze
			continue
		}
		index[k] = len(out)
		out = append(out, vze)
	}
	return out, unmatched
}

// MergeZones builds one dimension row per (tenant, store, zone_code) from the
// zone table and Zone graph entities. Zone-table fields win field by field.
func MergeZones(zones []Zone, graphZones []GraphZone) []ZoneDim {
	type key struct{ tenant, store, zone string }
	merged := make(map[key]*ZoneDim)

	for _, g := range graphZones {
		if g.ZoneCode == "" || g.StoreID == "" {
			continue
		}
		k := key{g.TenantID, g.StoreID, g.ZoneCode}
		d, ok := merged[k]
		if !ok {
			d = &ZoneDim{TenantID: g.TenantID, StoreID: g.StoreID, ZoneCode: g.ZoneCode, Source: SourceGraph}
			merged[k] = d
		}
		d.Name = coalesce(g.Name, d.Name)
		d.ZoneType = coalesce(g.ZoneType, d.ZoneType)
		d.Floor = coalesce(g.Floor, d.Floor)
		d.X = coalesce(g.X, d.X)
		d.Y = coalesce(g.Y, d.Y)
	}

	for _, z := range zones {
		k := key{z.TenantID, z.StoreID, z.ZoneCode}
		d, ok := merged[k]
		if !ok {
			d = &ZoneDim{TenantID: z.TenantID, StoreID: z.StoreID, ZoneCode: z.ZoneCode, Source: SourceZoneTable}
			merged[k] = d
		} else if d.Source == SourceGraph {
			d.Source = SourceMerged
		}
		d.Name = coalesce(z.Name, d.Name)
		d.ZoneType = coalesce(z.ZoneType, d.ZoneType)
		d.Floor = coalesce(z.Floor, d.Floor)
		d.X = coalesce(z.X, d.X)
		d.Y = coalesce(z.Y, d.Y)
	}

	out := make([]ZoneDim, 0, len(merged))
	for _, d := range merged {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.StoreID != b.StoreID {
			return a.StoreID < b.StoreID
		}
		return a.ZoneCode < b.ZoneCode
	})
	return out
}

func coalesce[T any](preferred, fallback *T) *T {
	if preferred != nil {
		return preferred
	}
	return fallback
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
