// Command ingest loads a local CSV file into the graph without the HTTP server.
//
//	ingest -tenant acme -file customers.csv [-plan plan.yaml] [-infer]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/emergent-company/tabgraph/domain/graph"
	"github.com/emergent-company/tabgraph/domain/inference"
	"github.com/emergent-company/tabgraph/domain/ingestion"
	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/domain/rowvalidator"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/database"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/oracle"
	"github.com/emergent-company/tabgraph/pkg/scope"
)

func main() {
	tenant := flag.String("tenant", "", "Tenant id (required)")
	store := flag.String("store", "", "Store id")
	file := flag.String("file", "", "CSV file to ingest (required)")
	planFile := flag.String("plan", "", "YAML mapping plan; proposed from the data when omitted")
	domain := flag.String("domain", "", "Domain hint for plan proposal")
	normalize := flag.Bool("normalize", false, "Ingest normalized values instead of raw ones")
	upsert := flag.Bool("upsert", false, "Reuse entities whose key property already exists")
	skipInference := flag.Bool("skip-inference", false, "Do not queue written entities for relation inference")
	infer := flag.Bool("infer", false, "Drain the inference queue before exiting")
	flag.Parse()

	if *tenant == "" || *file == "" {
		fmt.Println("Usage: ingest -tenant <id> -file <rows.csv> [-store <id>] [-plan <plan.yaml>] [-domain <hint>]")
		fmt.Println("              [-normalize] [-upsert] [-skip-inference] [-infer]")
		os.Exit(1)
	}

	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	log := logger.NewLogger()
	if err := run(log, runArgs{
		scope:    scope.Scope{TenantID: *tenant, StoreID: *store},
		file:     *file,
		planFile: *planFile,
		infer:    *infer,
		opts: ingestion.Options{
			DomainHint:    *domain,
			Normalize:     *normalize,
			UpsertByKey:   *upsert,
			SkipInference: *skipInference,
		},
	}); err != nil {
		log.Error("ingest failed", logger.Error(err))
		os.Exit(1)
	}
}

type runArgs struct {
	scope    scope.Scope
	file     string
	planFile string
	infer    bool
	opts     ingestion.Options
}

func run(log *slog.Logger, args runArgs) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", args.file, err)
	}
	if args.planFile != "" {
		f, err := os.Open(args.planFile)
		if err != nil {
			return fmt.Errorf("open plan: %w", err)
		}
		plan, err := ontology.LoadPlan(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("load plan %s: %w", args.planFile, err)
		}
		args.opts.Plan = plan
	}

	pool, err := database.OpenPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	db := database.WrapPool(pool, cfg.Database.QueryDebug, log)

	registry := typeregistry.NewService(typeregistry.NewRepository(db), nil, log)
	o := oracle.NewOracle(cfg, log)
	repo := graph.NewRepository(db, log)
	queue := inference.NewQueue(db, cfg, log)
	engine := inference.NewEngine(queue, repo, registry, o, cfg, log)

	svc := ingestion.NewService(
		rowvalidator.NewValidator(o, cfg, log),
		ontology.NewMapper(o, registry, cfg, log),
		graph.NewMaterializer(registry, repo, nil, cfg, log),
		engine,
		nil,
		log,
	)

	res, err := svc.IngestCSV(ctx, args.scope, filepath.Base(args.file), data, args.opts)
	if err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}

	if !args.infer || res.InferenceEnqueued == 0 {
		return nil
	}
	total := inference.BatchResult{}
	for {
		b, err := engine.ProcessBatch(ctx, 0)
		if err != nil {
			return err
		}
		if b.Dequeued == 0 {
			break
		}
		total.Dequeued += b.Dequeued
		total.Completed += b.Completed
		total.Failed += b.Failed
		total.Retried += b.Retried
		total.RelationsCreated += b.RelationsCreated
	}
	return printJSON(total)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
