package postgres

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Migrations is the embedded, versioned schema.
func Migrations() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: sqlFiles,
		Root:       "sql",
	}
}

// Migrate applies (Up) or rolls back (Down) migrations against dsn. max
// limits how many are applied; 0 means all. Returns the number applied.
func Migrate(dsn string, dir migrate.MigrationDirection, max int) (int, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	n, err := migrate.ExecMax(db, "postgres", Migrations(), dir, max)
	if err != nil {
		return n, fmt.Errorf("failed to run migrations: %w", err)
	}
	return n, nil
}
