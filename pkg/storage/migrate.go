package storage

import (
	"context"
	"embed"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// migrationsTable matches the schema_migrations table name the rest of the
// deployment tooling expects.
const migrationsTable = "schema_migrations"

func gooseProvider(pool *pgxpool.Pool) (*goose.Provider, error) {
	db := stdlib.OpenDBFromPool(pool)
	store, err := database.NewStore(database.DialectPostgres, migrationsTable)
	if err != nil {
		return nil, errdefs.Persistence(err, "create migration store")
	}
	sub, err := fs.Sub(migrationsFS, migrationsDir)
	if err != nil {
		return nil, errdefs.Persistence(err, "open embedded migrations")
	}
	return goose.NewProvider("", db, sub,
		goose.WithStore(store),
	)
}

// Migrate applies all pending schema migrations in order
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	provider, err := gooseProvider(pool)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return errdefs.Persistence(err, "apply migrations")
	}
	for _, r := range results {
		log.WithComponent("storage").Info().
			Int64("version", r.Source.Version).
			Str("file", r.Source.Path).
			Msg("applied migration")
	}
	return nil
}

// VerifySchema checks that the database schema matches the newest known
// migration. Readiness probes use it to refuse traffic on version skew.
func VerifySchema(ctx context.Context, pool *pgxpool.Pool) error {
	provider, err := gooseProvider(pool)
	if err != nil {
		return err
	}

	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return errdefs.Persistence(err, "read schema version")
	}
	sources := provider.ListSources()
	if len(sources) == 0 {
		return nil
	}
	want := sources[len(sources)-1].Version
	if current != want {
		return errdefs.Persistence(nil, "schema version %d does not match expected %d", current, want)
	}
	return nil
}
