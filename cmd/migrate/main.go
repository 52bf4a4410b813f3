// Command migrate applies or inspects the database schema.
//
//	migrate -cmd up
//	migrate -cmd up-to -version 2
//	migrate -cmd down
//	migrate -cmd status
//	migrate -cmd version
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/migrate"
)

func main() {
	cmd := flag.String("cmd", "up", "Command: up, up-to, down, status, version")
	version := flag.Int64("version", 0, "Target version for up-to")
	flag.Parse()

	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN())))
	defer sqldb.Close()

	m, err := migrate.NewMigrator(sqldb, log)
	if err != nil {
		log.Fatal("create migrator", zap.Error(err))
	}

	ctx := context.Background()
	switch *cmd {
	case "up":
		err = m.Up(ctx)
	case "up-to":
		if *version <= 0 {
			log.Fatal("up-to requires -version")
		}
		err = m.UpTo(ctx, *version)
	case "down":
		err = m.Down(ctx)
	case "status":
		var st []migrate.Status
		st, err = m.Status(ctx)
		for _, s := range st {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%5d  %-8s %s\n", s.Version, state, s.Source)
		}
	case "version":
		var v int64
		v, err = m.Version(ctx)
		if err == nil {
			fmt.Printf("database version: %d\n", v)
		}
	default:
		log.Fatal("unknown command", zap.String("cmd", *cmd))
	}
	if err != nil {
		log.Fatal("migration command failed", zap.String("cmd", *cmd), zap.Error(err))
	}
}
