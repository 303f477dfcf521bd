package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/example/email-dispatch-service/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations. It opens a short-lived
// database/sql connection because goose drives the stdlib interface, not
// pgx's native one. The configured schema is created first and pinned as
// search_path for every migration connection, so the goose version table and
// all migrated objects land in the same namespace the pool later reads from.
func Migrate(ctx context.Context, cfg config.PostgresConfig) error {
	db, err := sql.Open("pgx", migrationDSN(cfg))
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, createSchemaSQL(cfg.Schema)); err != nil {
		return fmt.Errorf("store: create schema %s: %w", cfg.Schema, err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// migrationDSN pins search_path at connection level so every pooled
// database/sql connection resolves bare names to the configured schema.
func migrationDSN(cfg config.PostgresConfig) string {
	return fmt.Sprintf("%s options='-c search_path=%s'", cfg.DSN(), cfg.Schema)
}

func createSchemaSQL(schema string) string {
	return fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())
}
