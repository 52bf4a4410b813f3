package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/logger"
)

// Projector mirrors written entities and relations into a secondary graph store.
type Projector interface {
	Project(ctx context.Context, entities []*Entity, relations []*Relation) error
}

// Neo4jProjector merges entities as :Entity nodes and relations as :RELATED
// edges keyed by their Postgres ids, so replays are harmless.
type Neo4jProjector struct {
	driver   neo4j.DriverWithContext
	database string
	log      *slog.Logger
}

// NewProjector connects to Neo4j when NEO4J_URI is set. Without it, or when the
// server is unreachable, no projector is returned and projection is skipped.
func NewProjector(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) Projector {
	log = log.With(logger.Scope("graph.neo4j"))
	nc := cfg.Neo4j
	if !nc.Enabled() {
		return nil
	}

	driver, err := neo4j.NewDriverWithContext(nc.URI, neo4j.BasicAuth(nc.User, nc.Password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = nc.MaxPoolSize
		c.SocketConnectTimeout = nc.Timeout
	})
	if err != nil {
		log.Warn("neo4j driver init failed, projection disabled", logger.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), nc.Timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Warn("neo4j unreachable, projection disabled", logger.Error(err))
		_ = driver.Close(ctx)
		return nil
	}

	p := &Neo4jProjector{driver: driver, database: nc.Database, log: log}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.ensureSchema(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return driver.Close(ctx)
		},
	})
	log.Info("neo4j projection enabled", slog.String("uri", nc.URI))
	return p
}

// ensureSchema creates the id constraint. Restricted users may not be allowed to; that is not fatal.
func (p *Neo4jProjector) ensureSchema(ctx context.Context) {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: p.database})
	defer session.Close(ctx)

	res, err := session.Run(ctx, `CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`, nil)
	if err != nil {
		p.log.Warn("neo4j schema init failed (continuing)", logger.Error(err))
		return
	}
	_, _ = res.Consume(ctx)
}

func (p *Neo4jProjector) Project(ctx context.Context, entities []*Entity, relations []*Relation) error {
	if len(entities) == 0 && len(relations) == 0 {
		return nil
	}
	nodes, edges := projectionRecords(entities, relations, time.Now())

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: p.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if len(nodes) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $nodes AS n
MERGE (e:Entity {id: n.id})
SET e += n
`, map[string]any{"nodes": nodes})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		if len(edges) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $rels AS r
MATCH (a:Entity {id: r.source_id})
MATCH (b:Entity {id: r.target_id})
MERGE (a)-[e:RELATED {relation_type_id: r.relation_type_id}]->(b)
SET e.id = r.id,
    e.weight = r.weight,
    e.properties_json = r.properties_json,
    e.synced_at = r.synced_at
`, map[string]any{"rels": edges})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j projection: %w", err)
	}
	return nil
}

// projectionRecords flattens entities and relations into Cypher parameter maps.
// Property bags are stored as JSON strings since Neo4j properties cannot nest.
func projectionRecords(entities []*Entity, relations []*Relation, now time.Time) ([]map[string]any, []map[string]any) {
	syncedAt := now.UTC().Format(time.RFC3339Nano)

	nodes := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		store := ""
		if e.StoreID != nil {
			store = *e.StoreID
		}
		nodes = append(nodes, map[string]any{
			"id":              e.ID.String(),
			"tenant_id":       e.TenantID,
			"store_id":        store,
			"type":            e.TypeName,
			"label":           e.Label,
			"properties_json": jsonString(e.Properties),
			"synced_at":       syncedAt,
		})
	}

	edges := make([]map[string]any, 0, len(relations))
	for _, r := range relations {
		edges = append(edges, map[string]any{
			"id":               r.ID.String(),
			"relation_type_id": r.RelationTypeID,
			"source_id":        r.SourceEntityID.String(),
			"target_id":        r.TargetEntityID.String(),
			"weight":           r.Weight,
			"properties_json":  jsonString(r.Properties),
			"synced_at":        syncedAt,
		})
	}
	return nodes, edges
}

func jsonString(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
