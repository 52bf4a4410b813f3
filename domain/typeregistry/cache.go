package typeregistry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/logger"
)

// SnapshotCache holds per-tenant ontology snapshots.
// Implementations never fail the caller; a miss falls through to the store.
type SnapshotCache interface {
	Get(ctx context.Context, tenantID string) (*Snapshot, bool)
	Set(ctx context.Context, tenantID string, snap *Snapshot)
	Invalidate(ctx context.Context, tenantID string)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (*Snapshot, bool) { return nil, false }
func (noopCache) Set(context.Context, string, *Snapshot)        {}
func (noopCache) Invalidate(context.Context, string)            {}

const snapshotKeyPrefix = "tabgraph:ontology:"

// RedisCache stores snapshots as JSON under one key per tenant.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration, log *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: log.With(logger.Scope("typeregistry.cache"))}
}

// NewSnapshotCache connects to Redis when configured and returns a no-op cache otherwise.
func NewSnapshotCache(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) SnapshotCache {
	if !cfg.Redis.Enabled() {
		return noopCache{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, ontology snapshots will not be cached", logger.Error(err))
		_ = client.Close()
		return noopCache{}
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	log.Info("ontology snapshot cache enabled", slog.String("addr", cfg.Redis.Addr))
	return NewRedisCache(client, cfg.Redis.SnapshotTTL, log)
}

func (c *RedisCache) Get(ctx context.Context, tenantID string) (*Snapshot, bool) {
	raw, err := c.client.Get(ctx, snapshotKeyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("snapshot cache read failed", logger.Error(err))
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.log.Warn("discarding undecodable cached snapshot", logger.Error(err))
		c.Invalidate(ctx, tenantID)
		return nil, false
	}
	return &snap, true
}

func (c *RedisCache) Set(ctx context.Context, tenantID string, snap *Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, snapshotKeyPrefix+tenantID, raw, c.ttl).Err(); err != nil {
		c.log.Warn("snapshot cache write failed", logger.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, tenantID string) {
	if err := c.client.Del(ctx, snapshotKeyPrefix+tenantID).Err(); err != nil {
		c.log.Warn("snapshot cache invalidation failed", logger.Error(err))
	}
}
