package model

import "time"

// Severity is the ordered incident severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the position of s on the scale (low = 0). Unknown values rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen   IncidentStatus = "open"
	IncidentClosed IncidentStatus = "closed"
)

// DimensionStats summarizes the anomalies one dimension/metric pair
// contributed to an incident.
type DimensionStats struct {
	Key          DimensionKey
	Metric       Metric
	Count        int64
	PeakScore    float64 // signed score with the largest magnitude
	PeakObserved float64
	Mean         float64 // baseline mean at the peak
	StdDev       float64 // baseline stddev at the peak
}

// ValueCount is one entry of a most-frequent-values list.
type ValueCount struct {
	Value string `json:"value" yaml:"value"`
	Count int64  `json:"count" yaml:"count"`
}

// Incident is a time-bounded, correlation-keyed cluster of anomalous events.
// The aggregator owns it while open; closed incidents are immutable values.
type Incident struct {
	ID         string
	Seq        uint64
	Key        DimensionKey
	Status     IncidentStatus
	Incomplete bool
	Start      time.Time
	End        time.Time

	PeakScore float64 // largest absolute score
	Severity  Severity

	EventCount   int64 // distinct contributing events
	AnomalyCount int64 // flagged scores across all dimensions

	DistinctClients   int
	DistinctEndpoints int
	TopClients        []ValueCount
	TopEndpoints      []ValueCount
	StatusCounts      map[int]int64
	Sources           []string

	Dimensions []DimensionStats // sorted by key, then metric
	Samples    []LogEvent       // first contributing events, capped
}
