package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// migrationScripts returns the SQL files of one dialect in name order.
func migrationScripts(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := migrationFiles.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if sql := strings.TrimSpace(string(content)); sql != "" {
			out = append(out, sql)
		}
	}
	return out, nil
}

// RunMigrations executes the embedded Postgres migrations in order. Every
// statement is idempotent so the worker and api can both run them at start.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("postgres")
	if err != nil {
		return err
	}
	for i, sql := range scripts {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i+1, err)
		}
	}
	return nil
}

// RunMigrations executes the embedded SQLite migrations statement by statement.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("sqlite")
	if err != nil {
		return err
	}
	for i, script := range scripts {
		for _, stmt := range strings.Split(script, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %d: %w", i+1, err)
			}
		}
	}
	return nil
}
