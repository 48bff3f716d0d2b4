package model

import "context"

// ReportPayload is the structured, prose-free description of one closed
// incident. It is the only artifact handed to narrators and report sinks.
type ReportPayload struct {
	SchemaVersion   int             `json:"schema_version" yaml:"schema_version"`
	ID              string          `json:"id" yaml:"id"`
	Status          IncidentStatus  `json:"status" yaml:"status"`
	Incomplete      bool            `json:"incomplete" yaml:"incomplete"`
	CorrelationKey  DimensionKey    `json:"correlation_key" yaml:"correlation_key"`
	Severity        Severity        `json:"severity" yaml:"severity"`
	Start           string          `json:"start" yaml:"start"`
	End             string          `json:"end" yaml:"end"`
	DurationSeconds float64         `json:"duration_seconds" yaml:"duration_seconds"`
	Summary         ReportSummary   `json:"summary" yaml:"summary"`
	Dimensions      []DimensionInfo `json:"dimensions" yaml:"dimensions"`
	Samples         []EventSample   `json:"samples" yaml:"samples"`
	SamplesOmitted  int64           `json:"samples_omitted" yaml:"samples_omitted"`
}

// ReportSummary holds the aggregate counters of an incident.
type ReportSummary struct {
	EventCount         int64            `json:"event_count" yaml:"event_count"`
	AnomalyCount       int64            `json:"anomaly_count" yaml:"anomaly_count"`
	PeakScore          float64          `json:"peak_score" yaml:"peak_score"`
	DistinctClients    int              `json:"distinct_clients" yaml:"distinct_clients"`
	DistinctEndpoints  int              `json:"distinct_endpoints" yaml:"distinct_endpoints"`
	TopClients         []ValueCount     `json:"top_clients" yaml:"top_clients"`
	TopEndpoints       []ValueCount     `json:"top_endpoints" yaml:"top_endpoints"`
	StatusCounts       map[string]int64 `json:"status_counts" yaml:"status_counts"`
	AffectedDimensions []string         `json:"affected_dimensions" yaml:"affected_dimensions"`
	Sources            []string         `json:"sources" yaml:"sources"`
}

// DimensionInfo is the serialized form of DimensionStats.
type DimensionInfo struct {
	Dimension    string  `json:"dimension" yaml:"dimension"`
	Value        string  `json:"value" yaml:"value"`
	Metric       Metric  `json:"metric" yaml:"metric"`
	Count        int64   `json:"count" yaml:"count"`
	PeakScore    float64 `json:"peak_score" yaml:"peak_score"`
	PeakObserved float64 `json:"peak_observed" yaml:"peak_observed"`
	BaselineMean float64 `json:"baseline_mean" yaml:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_stddev" yaml:"baseline_stddev"`
}

// EventSample is the trimmed view of a contributing LogEvent.
type EventSample struct {
	Seq            uint64   `json:"seq" yaml:"seq"`
	Timestamp      string   `json:"timestamp" yaml:"timestamp"`
	Source         string   `json:"source,omitempty" yaml:"source,omitempty"`
	Client         string   `json:"client,omitempty" yaml:"client,omitempty"`
	Method         string   `json:"method,omitempty" yaml:"method,omitempty"`
	Path           string   `json:"path,omitempty" yaml:"path,omitempty"`
	Status         int      `json:"status,omitempty" yaml:"status,omitempty"`
	Size           int64    `json:"size" yaml:"size"`
	LatencySeconds *float64 `json:"latency_seconds,omitempty" yaml:"latency_seconds,omitempty"`
	Level          string   `json:"level,omitempty" yaml:"level,omitempty"`
	LowConfidence  bool     `json:"low_confidence,omitempty" yaml:"low_confidence,omitempty"`
	Raw            string   `json:"raw" yaml:"raw"`
}

// ReportSink receives built reports. Implementations must be safe for
// concurrent use because several streams may close incidents at once.
type ReportSink interface {
	Publish(ctx context.Context, report ReportPayload) error
}

// ReportQuerier provides read access to persisted reports.
type ReportQuerier interface {
	RecentReports(limit int) ([]ReportPayload, error)
	ReportByID(id string) (ReportPayload, bool, error)
	ReportCount() (int64, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}
