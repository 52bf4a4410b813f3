// Package main runs the tabgraph API server: row-set ingestion, the schema
// registry, graph reads, relation inference and fact normalization.
package main

import (
	"context"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/emergent-company/tabgraph/domain/facts"
	"github.com/emergent-company/tabgraph/domain/graph"
	"github.com/emergent-company/tabgraph/domain/health"
	"github.com/emergent-company/tabgraph/domain/inference"
	"github.com/emergent-company/tabgraph/domain/ingestion"
	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/domain/rowvalidator"
	"github.com/emergent-company/tabgraph/domain/scheduler"
	"github.com/emergent-company/tabgraph/domain/tracing"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/database"
	"github.com/emergent-company/tabgraph/internal/migrate"
	"github.com/emergent-company/tabgraph/internal/server"
	"github.com/emergent-company/tabgraph/internal/storage"
	"github.com/emergent-company/tabgraph/pkg/auth"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/oracle"
)

func main() {
	// .env.local overrides .env; neither overrides the real environment
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		fx.Invoke(autoMigrate),
		server.Module,
		tracing.Module,
		storage.Module,
		auth.Module,
		oracle.Module,

		// Pipeline
		typeregistry.Module,
		rowvalidator.Module,
		ontology.Module,
		graph.Module,
		inference.Module,
		ingestion.Module,
		facts.Module,

		// Background and probes
		scheduler.Module,
		health.Module,
	).Run()
}

// autoMigrate applies pending migrations before any other component starts
// when DB_AUTO_MIGRATE is set.
func autoMigrate(lc fx.Lifecycle, db *bun.DB, cfg *config.Config, log *slog.Logger) {
	if !cfg.Database.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zl, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			m, err := migrate.NewMigrator(db.DB, zl)
			if err != nil {
				return err
			}
			log.Info("applying database migrations")
			return m.Up(ctx)
		},
	})
}
