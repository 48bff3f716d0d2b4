// Package migrate applies the embedded schema of the report store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migration is one versioned schema step, named NNN_description.sql.
type Migration struct {
	Version int
	Name    string
	sql     string
}

// Status describes how far a database is behind the embedded schema.
type Status struct {
	Current int
	Latest  int
	Pending []string // names of unapplied migrations, in order
}

// Migrator brings a report database up to the embedded schema version.
type Migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a migrator. A nil logger discards output.
func New(db *sql.DB, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, logger: logger}
}

// Embedded returns the bundled migrations ordered by version. Two files
// sharing a version number are an error.
func Embedded() ([]Migration, error) {
	return load(migrations, "migrations")
}

func load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: version prefix must be a positive integer", e.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), version)
		}
		seen[version] = e.Name()

		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: e.Name(), sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) current(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := m.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Up applies every pending migration, each in its own transaction, and
// returns the ones it applied. A database newer than the embedded schema is
// left untouched and reported as an error.
func (m *Migrator) Up(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	all, err := Embedded()
	if err != nil {
		return nil, err
	}
	cur, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if n := len(all); n > 0 && cur > all[n-1].Version {
		return nil, fmt.Errorf("database schema version %d is newer than this build (%d)", cur, all[n-1].Version)
	}

	var applied []Migration
	for _, mig := range all {
		if mig.Version <= cur {
			continue
		}
		start := time.Now()
		if err := m.apply(ctx, mig); err != nil {
			return applied, err
		}
		applied = append(applied, mig)
		m.logger.Info("schema migration applied",
			zap.Int("version", mig.Version),
			zap.String("name", mig.Name),
			zap.Duration("took", time.Since(start)))
	}
	if len(applied) == 0 {
		m.logger.Debug("schema up to date", zap.Int("version", cur))
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", mig.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.sql); err != nil {
		return fmt.Errorf("migration %s: %w", mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", mig.Version, mig.Name); err != nil {
		return fmt.Errorf("migration %s: record: %w", mig.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", mig.Name, err)
	}
	return nil
}

// Status reports the applied version and the migrations still pending.
func (m *Migrator) Status(ctx context.Context) (Status, error) {
	if err := m.ensureTable(ctx); err != nil {
		return Status{}, err
	}
	cur, err := m.current(ctx)
	if err != nil {
		return Status{}, err
	}
	all, err := Embedded()
	if err != nil {
		return Status{}, err
	}

	st := Status{Current: cur}
	for _, mig := range all {
		st.Latest = mig.Version
		if mig.Version > cur {
			st.Pending = append(st.Pending, mig.Name)
		}
	}
	return st, nil
}
