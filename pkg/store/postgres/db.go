// Package postgres implements the repository ports on PostgreSQL using
// pgx. Queries are built with squirrel; schema changes ship as embedded
// golang-migrate migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"memgrid/pkg/store/postgres/migrations"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the connection pool together with the statement builder all
// repositories share.
type DB struct {
	Pool    *pgxpool.Pool
	Builder squirrel.StatementBuilderType
	url     string
}

// New connects to the database at url and verifies the connection.
func New(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{
		Pool:    pool,
		Builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		url:     url,
	}, nil
}

// Migrate applies all pending embedded migrations.
func (db *DB) Migrate() error {
	source, err := iofs.New(migrations.MigrationsFS, ".")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", source, db.url)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
