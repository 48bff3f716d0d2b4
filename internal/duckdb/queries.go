package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// MaxQueryRows caps the rows returned by ExecuteQuery.
const MaxQueryRows = 1000

// dangerousKeywordPattern matches dangerous SQL keywords at word boundaries,
// so "RESET" does not match "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT)\b`,
)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stripSQLComments removes -- line comments and /* */ block comments.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}

// RecentReports returns up to limit reports, newest start first.
func (s *Store) RecentReports(limit int) ([]model.ReportPayload, error) {
	return s.FilteredReports(ReportFilter{Limit: limit})
}

// FilteredReports returns reports matching f, newest start first.
func (s *Store) FilteredReports(f ReportFilter) ([]model.ReportPayload, error) {
	var conditions []string
	var args []interface{}

	if f.MinSeverity != "" {
		rank := f.MinSeverity.Rank()
		if rank < 0 {
			return nil, fmt.Errorf("unknown severity %q", f.MinSeverity)
		}
		conditions = append(conditions, "severity_rank >= ?")
		args = append(args, rank)
	}
	if f.Dimension != "" {
		conditions = append(conditions, "dimension = ?")
		args = append(args, f.Dimension)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "end_time >= ?")
		args = append(args, f.Since.UTC())
	}

	query := "SELECT CAST(payload AS VARCHAR) FROM reports"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY start_time DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.ReportPayload
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			s.logger.Warn("scan error (FilteredReports)", zap.Error(err))
			continue
		}
		var r model.ReportPayload
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			s.logger.Warn("corrupt report payload", zap.Error(err))
			continue
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ReportByID returns the report with the given ID. The boolean is false
// when no such report exists.
func (s *Store) ReportByID(id string) (model.ReportPayload, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT CAST(payload AS VARCHAR) FROM reports WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReportPayload{}, false, nil
	}
	if err != nil {
		return model.ReportPayload{}, false, err
	}
	var r model.ReportPayload
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return model.ReportPayload{}, false, fmt.Errorf("report %s payload: %w", id, err)
	}
	return r, true, nil
}

// ReportCount returns the number of stored reports.
func (s *Store) ReportCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&count)
	return count, err
}

// SeverityCounts returns the number of stored reports per severity.
func (s *Store) SeverityCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT severity, COUNT(*) FROM reports GROUP BY severity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var sev string
		var n int64
		if err := rows.Scan(&sev, &n); err != nil {
			s.logger.Warn("scan error (SeverityCounts)", zap.Error(err))
			continue
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}

// DeleteBefore removes reports that ended before cutoff and returns how
// many were deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM reports WHERE end_time < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExecuteQuery runs a read-only SQL query and returns at most MaxQueryRows rows.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)

	// Semicolons would allow statement chaining.
	if strings.Contains(trimmed, ";") {
		return nil, fmt.Errorf("query must not contain semicolons")
	}

	// Keywords hidden in comments must still be caught.
	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("only SELECT/WITH queries are allowed")
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return nil, fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() && len(results) < MaxQueryRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			s.logger.Warn("scan error (ExecuteQuery)", zap.Error(err))
			continue
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// GetSchemaDescription returns a human-readable description of the
// queryable tables.
func (s *Store) GetSchemaDescription() string {
	return `Table 'reports': id (VARCHAR), schema_version (INTEGER), status (VARCHAR: closed), ` +
		`incomplete (BOOLEAN), dimension (VARCHAR: endpoint/client/status/level), value (VARCHAR), ` +
		`severity (VARCHAR: low/medium/high/critical), severity_rank (INTEGER 0-3), ` +
		`start_time (TIMESTAMP), end_time (TIMESTAMP), duration_seconds (DOUBLE), peak_score (DOUBLE), ` +
		`event_count (BIGINT), distinct_clients (INTEGER), payload (JSON), stored_at (TIMESTAMP). ` +
		`Table 'baseline_snapshots': source (VARCHAR), window_size_seconds (DOUBLE), windows (INTEGER), ` +
		`snapshot (JSON), saved_at (TIMESTAMP).`
}

// TableRowCounts returns the row count for each known table.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	allowedTables := []string{"reports", "baseline_snapshots"}
	counts := make(map[string]int64, len(allowedTables))

	for _, table := range allowedTables {
		var count int64
		// Table names are constants, not user input.
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			continue
		}
		counts[table] = count
	}
	return counts, nil
}
