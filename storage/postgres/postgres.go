// Package postgres provides the production persistence layer. Every repo
// here implements its package's Repo interface; the exactly-once consume
// semantics for codes and refresh tokens live in single conditional UPDATE
// statements so concurrent exchanges are decided by the database, not by
// application-level locking.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// NewPool connects a pgx pool and verifies the connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "[NewPool] parse database url")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "[NewPool] create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "[NewPool] ping")
	}

	return pool, nil
}

// RunMigrations applies all pending embedded migrations.
func RunMigrations(ctx context.Context, databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return errors.Wrap(err, "[RunMigrations] open database")
	}
	defer db.Close()

	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "[RunMigrations] sub filesystem")
	}

	provider, err := goose.NewProvider(database.DialectPostgres, db, migrationFS)
	if err != nil {
		return errors.Wrap(err, "[RunMigrations] goose provider")
	}

	if _, err := provider.Up(ctx); err != nil {
		return errors.Wrap(err, "[RunMigrations] apply migrations")
	}

	return nil
}
