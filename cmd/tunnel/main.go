// Package main is the entrypoint for the delegate-tunnel server (binary name "tunnel").
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/delegate-tunnel/internal/config"
	"github.com/morezero/delegate-tunnel/internal/server"
	"github.com/morezero/delegate-tunnel/pkg/db"
)

const usage = `Usage: tunnel [command]
       tunnel serve              Start the tunnel (NATS executor/controller, HTTP, query API).
       tunnel migrate up         Run database migrations.
       tunnel migrate down       Roll back one migration (not supported by the delegates schema).
       tunnel migrate status     Show migration status.
       tunnel ensure-db [name]   Create database if missing (default name: tunnel_test). Uses DATABASE_URL host/user.
       tunnel clear              Truncate the delegate registry; schema is preserved.

Commands:
  serve            (default) Start the delegate tunnel.
  migrate up       Run database migrations only.
  migrate down     Roll back last migration.
  migrate status   Show current migration status.
  ensure-db [name] Create database (e.g. tunnel_test) on same host as DATABASE_URL; then run tests with that URL.
  clear            Truncate registered delegates; schema preserved.

Environment: COMMS_URL, DATABASE_URL, REGISTRY_STORE (postgres|memory), MIGRATION_PATH,
EXECUTOR_ENABLED, CONTROLLER_ENABLED, TUNNEL_PORT_ID, CONTROLLER_PORT_ID, CONNECTION_ID, HTTP_PORT.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("tunnel migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		var run func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error
		switch sub {
		case "up":
			run = migrateUp
		case "status":
			run = func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
			}
		case "down":
			run = func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationDown(ctx, pool, cfg.MigrationPath)
			}
		default:
			log.Fatalf("tunnel migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		if err := withPool(run); err != nil {
			log.Fatalf("tunnel migrate %s: %v", sub, err)
		}
		return
	case "clear":
		if err := withPool(clearDelegates); err != nil {
			log.Fatalf("tunnel clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "tunnel_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("tunnel ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("tunnel: %v", err)
	}
}

// withPool loads config, connects to DATABASE_URL and hands the pool to run.
func withPool(run func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return run(ctx, cfg, pool)
}

func migrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func clearDelegates(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
	if err := db.ClearDelegates(ctx, pool); err != nil {
		return fmt.Errorf("clear delegates: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := withDatabase(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// withDatabase replaces the database name in databaseURL, keeping the query
// (e.g. sslmode).
func withDatabase(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}
