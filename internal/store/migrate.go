package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded SQL files in lexical order, substituting the
// configured schema prefix for the {{schema}} placeholder. Statements are
// idempotent (IF NOT EXISTS), so re-running against an existing database is
// safe.
func Migrate(ctx context.Context, db *pgxpool.Pool, schema string) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, "migrations/"+e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		sqlBytes, err := migrationsFS.ReadFile(f)
		if err != nil {
			return err
		}
		stmt := strings.ReplaceAll(string(sqlBytes), "{{schema}}", schema)
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s failed: %w", f, err)
		}
	}
	return nil
}
