package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ApplyMigrations runs every pending *.up.sql file in lexical order, each in
// its own transaction. Applied versions are recorded in schema_migrations and
// skipped on subsequent starts.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	pending, err := pendingMigrations(ctx, db, migrationsDir)
	if err != nil {
		return err
	}

	for _, file := range pending {
		version := filepath.Base(file)
		contents, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := applyOne(ctx, db, version, string(contents)); err != nil {
			return err
		}
		log.Printf("applied migration %s", version)
	}
	return nil
}

func pendingMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		version := entry.Name()
		var applied bool
		err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&applied)
		if err != nil {
			return nil, fmt.Errorf("check migration %s: %w", version, err)
		}
		if !applied {
			files = append(files, filepath.Join(migrationsDir, version))
		}
	}
	sort.Strings(files)
	return files, nil
}

func applyOne(ctx context.Context, db *sql.DB, version, contents string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, contents); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}
