// Package main is the entry point for gwadmin, the BleepStore operator
// tool: schema migrations, credential provisioning, and an on-demand
// garbage-collection sweep, all run outside the gateway's own process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/gc"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: gwadmin <migrate|creds|gc> [flags]")
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var rc int
	switch command {
	case "migrate":
		rc = runMigrate(args)
	case "creds":
		rc = runCreds(args)
	case "gc":
		rc = runGC(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\nUsage: gwadmin <migrate|creds|gc> [flags]\n", command)
		rc = 1
	}
	os.Exit(rc)
}

// runMigrate applies or rolls back the metadata database schema using the
// migrations embedded in ./migrations.
func runMigrate(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: gwadmin migrate <up|down> [-config path] [-migrations path]")
		return 1
	}
	direction := args[0]

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	migrationsPath := fs.String("migrations", "./migrations", "path to migration files")
	fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	m, err := migrate.New("file://"+*migrationsPath, cfg.DB.ConnString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize migrator: %v\n", err)
		return 1
	}
	defer m.Close()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate direction: %s (want up|down)\n", direction)
		return 1
	}
	if err != nil && err != migrate.ErrNoChange {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return 1
	}

	log.Printf("migrate %s: done", direction)
	return 0
}

// runCreds provisions a user and an access key pair directly against the
// metadata database, bypassing MetaStore since credential issuance is an
// operator action, not a gateway-served operation.
func runCreds(args []string) int {
	if len(args) < 1 || args[0] != "add" {
		fmt.Fprintln(os.Stderr, "Usage: gwadmin creds add -name NAME -email EMAIL -access-key KEY -secret-key SECRET [-config path]")
		return 1
	}

	fs := flag.NewFlagSet("creds add", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	name := fs.String("name", "", "display name for the new user")
	email := fs.String("email", "", "email for the new user")
	accessKey := fs.String("access-key", "", "access key to issue")
	secretKey := fs.String("secret-key", "", "secret key to issue")
	fs.Parse(args[1:])

	if *name == "" || *accessKey == "" || *secretKey == "" {
		fmt.Fprintln(os.Stderr, "-name, -access-key, and -secret-key are required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DB.ConnString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to metadata database: %v\n", err)
		return 1
	}
	defer pool.Close()

	userID := uuid.New()
	tx, err := pool.Begin(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to begin transaction: %v\n", err)
		return 1
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, name, email) VALUES ($1, $2, $3)`,
		userID, *name, *email); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create user: %v\n", err)
		return 1
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO keys (access_key, secret_key, user_id) VALUES ($1, $2, $3)`,
		*accessKey, *secretKey, userID); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create key: %v\n", err)
		return 1
	}
	if err := tx.Commit(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to commit: %v\n", err)
		return 1
	}

	log.Printf("created user %s (%s) with access key %s", userID, *name, *accessKey)
	return 0
}

// runGC drains the blob and bucket GC queues once and exits, for operators
// who want an on-demand sweep outside the gateway's own background worker.
func runGC(args []string) int {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	metaStore, err := metadata.NewPostgresStore(ctx, cfg.DB.ConnString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to metadata database: %v\n", err)
		return 1
	}
	defer metaStore.Close()

	backing, err := storage.NewAWSGatewayBackend(ctx, cfg.API.Region, cfg.Storage.EndpointURL(),
		true, cfg.Storage.AccessKey, cfg.Storage.SecretKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize backing store client: %v\n", err)
		return 1
	}

	worker := gc.NewWorker(metaStore, backing, gc.WithBatchSize(cfg.GC.BatchSize))
	worker.RunOnce(ctx)

	log.Printf("gc: sweep complete")
	return 0
}
