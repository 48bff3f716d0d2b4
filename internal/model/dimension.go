package model

// Dimension names used for baseline tracking and correlation.
const (
	DimensionEndpoint = "endpoint"
	DimensionClient   = "client"
	DimensionStatus   = "status"
	DimensionLevel    = "level"
)

// DimensionKey identifies one tracked attribute value, e.g. endpoint=/login.
type DimensionKey struct {
	Dimension string `json:"dimension" yaml:"dimension"`
	Value     string `json:"value" yaml:"value"`
}

func (k DimensionKey) String() string {
	return k.Dimension + "=" + k.Value
}

// Less orders keys by dimension, then value.
func (k DimensionKey) Less(o DimensionKey) bool {
	if k.Dimension != o.Dimension {
		return k.Dimension < o.Dimension
	}
	return k.Value < o.Value
}

// Metric names the statistic an AnomalyScore was computed for.
type Metric string

const (
	MetricRate       Metric = "rate"        // requests per window
	MetricErrorRatio Metric = "error_ratio" // 5xx share of requests per window
	MetricLatency    Metric = "latency"     // request latency in seconds
)

// AnomalyScore is the standardized deviation of one observed value from its
// baseline. It lives for one pipeline pass and is never persisted.
type AnomalyScore struct {
	Key      DimensionKey
	Metric   Metric
	Observed float64
	Mean     float64
	StdDev   float64
	Score    float64
	Samples  int64
	Flagged  bool
}
