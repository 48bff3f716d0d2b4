package duckdb

import (
	"time"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// Type aliases re-export the model read interfaces so consumers can depend
// on duckdb without importing model for them.
type ReportQuerier = model.ReportQuerier
type SchemaQuerier = model.SchemaQuerier

// ReportWriter persists batches of reports. *Store implements it.
type ReportWriter interface {
	InsertReportBatch(reports []model.ReportPayload) error
}

// ReportFilter narrows FilteredReports. Zero values disable a filter.
type ReportFilter struct {
	MinSeverity model.Severity
	Dimension   string
	Since       time.Time
	Limit       int
}
