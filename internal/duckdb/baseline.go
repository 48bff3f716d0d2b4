package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/logsentry/internal/baseline"
)

// LoadBaseline returns the last snapshot saved for source. The boolean is
// false when none exists.
func (s *Store) LoadBaseline(ctx context.Context, source string) (baseline.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT CAST(snapshot AS VARCHAR) FROM baseline_snapshots WHERE source = ?", source,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return baseline.Snapshot{}, false, nil
	}
	if err != nil {
		return baseline.Snapshot{}, false, fmt.Errorf("duckdb: load baseline %s: %w", source, err)
	}

	var snap baseline.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return baseline.Snapshot{}, false, fmt.Errorf("duckdb: decode baseline %s: %w", source, err)
	}
	return snap, true, nil
}

// SaveBaseline replaces the stored snapshot for source.
func (s *Store) SaveBaseline(ctx context.Context, source string, snap baseline.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("duckdb: encode baseline %s: %w", source, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO baseline_snapshots (source, window_size_seconds, windows, snapshot, saved_at) VALUES (?, ?, ?, ?, ?)`,
		source, snap.WindowSizeSeconds, len(snap.Windows), string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("duckdb: save baseline %s: %w", source, err)
	}
	return nil
}
