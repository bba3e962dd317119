package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migrate applies pending schema migrations and returns how many ran.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var gd goose.Dialect
	switch dialect {
	case DialectPostgres:
		gd = goose.DialectPostgres
	case DialectSQLite:
		gd = goose.DialectSQLite3
	default:
		return 0, fmt.Errorf("unsupported store driver %q", dialect)
	}

	fsys, err := fs.Sub(migrations, "migrations/"+string(dialect))
	if err != nil {
		return 0, fmt.Errorf("failed to open migrations: %w", err)
	}

	provider, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			"version", r.Source.Version,
			"duration", r.Duration,
		)
	}
	return len(results), nil
}
