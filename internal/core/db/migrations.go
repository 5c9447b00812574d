package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	embeddedmigrations "github.com/consultant-1379/sc-envoy-sub001/migrations"
)

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

// migration represents a parsed migration file.
type migration struct {
	ID       string
	Checksum string
	SQL      string
}

// appliedMigration is a row of the migrations table. applied_at is TEXT on
// sqlite and TIMESTAMP on postgres; both scan into a string.
type appliedMigration struct {
	ID          string `db:"migration_id"`
	Checksum    string `db:"checksum"`
	AppliedAt   string `db:"applied_at"`
	ExecutionMs int64  `db:"execution_ms"`
}

// MigrateUp runs all pending migrations against the database in file name
// order. Applied migrations whose checksum changed abort the run.
func MigrateUp(ctx context.Context, db *sqlx.DB, q *Queries) ([]string, error) {
	migrations, applied, err := prepare(ctx, db, q)
	if err != nil {
		return nil, err
	}
	if err := validateChecksums(migrations, applied); err != nil {
		return nil, fmt.Errorf("migration checksum validation failed: %w", err)
	}

	var ran []string
	for _, m := range migrations {
		if _, ok := applied[m.ID]; ok {
			continue
		}

		start := time.Now()

		// migration and its bookkeeping row commit together
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return ran, fmt.Errorf("failed to begin transaction for migration %s: %w", m.ID, err)
		}
		if err := applyMigration(ctx, tx, m); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("failed to apply migration %s: %w", m.ID, err)
		}
		if err := recordMigration(ctx, tx, q, m, time.Since(start)); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("failed to record migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("failed to commit migration %s: %w", m.ID, err)
		}
		ran = append(ran, m.ID)
	}

	return ran, nil
}

// MigrateStatus returns the status of all migrations (applied and pending).
func MigrateStatus(ctx context.Context, db *sqlx.DB, q *Queries) ([]MigrationStatus, error) {
	migrations, applied, err := prepare(ctx, db, q)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		a, ok := applied[m.ID]
		if !ok {
			statuses = append(statuses, MigrationStatus{ID: m.ID, Checksum: m.Checksum})
			continue
		}
		s := MigrationStatus{
			ID:          a.ID,
			Checksum:    a.Checksum,
			Applied:     true,
			ExecutionMs: a.ExecutionMs,
		}
		if at, err := time.Parse(time.RFC3339Nano, a.AppliedAt); err == nil {
			s.AppliedAt = &at
		}
		statuses = append(statuses, s)
	}

	return statuses, nil
}

// prepare makes sure the bookkeeping table exists and returns the embedded
// migrations of the driver together with the applied ones.
func prepare(ctx context.Context, db *sqlx.DB, q *Queries) ([]migration, map[string]appliedMigration, error) {
	fsys, dir, err := migrationSource(db.DriverName())
	if err != nil {
		return nil, nil, err
	}
	if err := createMigrationsTable(ctx, db); err != nil {
		return nil, nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	migrations, err := parseMigrationFiles(fsys, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse migrations: %w", err)
	}

	var rows []appliedMigration
	if err := q.Select(ctx, db, "list-applied-migrations", &rows); err != nil {
		return nil, nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[string]appliedMigration, len(rows))
	for _, r := range rows {
		applied[r.ID] = r
	}
	return migrations, applied, nil
}

func migrationSource(driver string) (embed.FS, string, error) {
	switch driver {
	case driverSQLite:
		return embeddedmigrations.SqliteMigrations, "sqlite", nil
	case driverPostgres:
		return embeddedmigrations.PostgresMigrations, "postgres", nil
	}
	return embed.FS{}, "", fmt.Errorf("unsupported database driver: %s", driver)
}

// parseMigrationFiles extracts the ordered list of migrations from fsys.
func parseMigrationFiles(fsys embed.FS, dir string) ([]migration, error) {
	var migrations []migration

	err := fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}

		content, err := fsys.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		migrations = append(migrations, migration{
			ID:       filepath.Base(path),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].ID < migrations[j].ID
	})
	return migrations, nil
}

// createMigrationsTable ensures the migrations tracking table exists.
// Schema must match 001_initial_schema.sql of each driver.
func createMigrationsTable(ctx context.Context, db *sqlx.DB) error {
	createSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL,
			execution_ms INTEGER NOT NULL
		)
	`
	if db.DriverName() == driverSQLite {
		createSQL = `
			CREATE TABLE IF NOT EXISTS migrations (
				migration_id TEXT PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at TEXT NOT NULL,
				execution_ms INTEGER NOT NULL,
				CHECK (applied_at LIKE '____-__-__T__:__:__Z')
			)
		`
	}

	_, err := db.ExecContext(ctx, createSQL)
	return err
}

// validateChecksums verifies all applied migrations match embedded checksums.
func validateChecksums(migrations []migration, applied map[string]appliedMigration) error {
	embedded := make(map[string]string, len(migrations))
	for _, m := range migrations {
		embedded[m.ID] = m.Checksum
	}

	for id, a := range applied {
		want, ok := embedded[id]
		if !ok {
			return fmt.Errorf("migration %s exists in database but not in embedded files", id)
		}
		if a.Checksum != want {
			return fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s", id, want, a.Checksum)
		}
	}
	return nil
}

// applyMigration executes the statements of m one by one; lib/pq does not
// accept several statements in one Exec.
func applyMigration(ctx context.Context, tx *sqlx.Tx, m migration) error {
	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	return nil
}

// splitStatements drops "--" comment lines and splits on semicolons.
func splitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	var stmts []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// recordMigration stores migration metadata within the migration transaction.
func recordMigration(ctx context.Context, tx *sqlx.Tx, q *Queries, m migration, took time.Duration) error {
	now := time.Now().UTC()
	var appliedAt any = now
	if tx.DriverName() == driverSQLite {
		appliedAt = now.Format(time.RFC3339)
	}
	_, err := q.Exec(ctx, tx, "insert-migration", m.ID, m.Checksum, appliedAt, took.Milliseconds())
	return err
}
