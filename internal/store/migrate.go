package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema change with both of its directions.
type Migration struct {
	Version  string
	Name     string
	UpPath   string
	DownPath string
}

// ID is the key recorded in schema_migrations.
func (m Migration) ID() string {
	return m.Version + "_" + m.Name
}

type MigrationState struct {
	Migration
	Applied   bool
	AppliedAt time.Time
}

// LoadMigrations reads the migration directory in version order. Every
// version must ship an up and a down file.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, name, direction := match[1], match[2], match[3]
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %s has two names: %s and %s", version, m.Name, name)
		}
		path := filepath.Join(dir, entry.Name())
		switch direction {
		case "up":
			if m.UpPath != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", version)
			}
			m.UpPath = path
		case "down":
			if m.DownPath != "" {
				return nil, fmt.Errorf("duplicate down migration for version %s", version)
			}
			m.DownPath = path
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpPath == "" || m.DownPath == "" {
			return nil, fmt.Errorf("migration %s must include both up and down files", m.ID())
		}
		out = append(out, *m)
	}
	if len(out) == 0 {
		return nil, errors.New("no migrations found in " + dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// MigrateUp applies every pending migration, each in its own transaction,
// and returns the IDs it applied.
func MigrateUp(ctx context.Context, db *sql.DB, dir string) ([]string, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range migrations {
		if _, ok := applied[m.ID()]; ok {
			continue
		}
		if err := runMigration(ctx, db, m.ID(), m.UpPath, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return done, err
		}
		done = append(done, m.ID())
	}
	return done, nil
}

// MigrateDown reverts the newest applied migrations, newest first. A steps
// value below one reverts all of them.
func MigrateDown(ctx context.Context, db *sql.DB, dir string, steps int) ([]string, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	var done []string
	for i := len(migrations) - 1; i >= 0; i-- {
		if steps > 0 && len(done) == steps {
			break
		}
		m := migrations[i]
		if _, ok := applied[m.ID()]; !ok {
			continue
		}
		if err := runMigration(ctx, db, m.ID(), m.DownPath, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return done, err
		}
		done = append(done, m.ID())
	}
	return done, nil
}

// MigrationStatus lists every migration on disk with when it was applied.
func MigrationStatus(ctx context.Context, db *sql.DB, dir string) ([]MigrationState, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationState, 0, len(migrations))
	for _, m := range migrations {
		at, ok := applied[m.ID()]
		out = append(out, MigrationState{Migration: m, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

func runMigration(ctx context.Context, db *sql.DB, id, path, record string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if body := strings.TrimSpace(string(contents)); body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, id); err != nil {
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]time.Time, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}
