package incident

import (
	"time"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// CorrelationPolicy maps a flagged score to the key its incident is tracked under.
type CorrelationPolicy interface {
	CorrelationKey(ev model.LogEvent, score model.AnomalyScore) model.DimensionKey
}

// CorrelationFunc adapts a function to CorrelationPolicy.
type CorrelationFunc func(ev model.LogEvent, score model.AnomalyScore) model.DimensionKey

// CorrelationKey calls f.
func (f CorrelationFunc) CorrelationKey(ev model.LogEvent, score model.AnomalyScore) model.DimensionKey {
	return f(ev, score)
}

// ByDimensionKey correlates every anomaly on its own dimension key.
var ByDimensionKey CorrelationPolicy = CorrelationFunc(func(_ model.LogEvent, score model.AnomalyScore) model.DimensionKey {
	return score.Key
})

// Candidate is the read-only view of an open incident offered to a MergePolicy.
type Candidate interface {
	Key() model.DimensionKey
	Start() time.Time
	LastSeen() time.Time
	HasClient(client string) bool
}

// MergePolicy decides whether an anomaly whose correlation key has no open
// incident joins an existing open incident instead of starting a new one.
type MergePolicy interface {
	Merge(open Candidate, ev model.LogEvent, key model.DimensionKey) bool
}

// MergeFunc adapts a function to MergePolicy.
type MergeFunc func(open Candidate, ev model.LogEvent, key model.DimensionKey) bool

// Merge calls f.
func (f MergeFunc) Merge(open Candidate, ev model.LogEvent, key model.DimensionKey) bool {
	return f(open, ev, key)
}

// SameClientPolicy merges anomalies from a client already contributing to
// an open incident, so one misbehaving client yields one incident.
type SameClientPolicy struct{}

// Merge implements MergePolicy.
func (SameClientPolicy) Merge(open Candidate, ev model.LogEvent, _ model.DimensionKey) bool {
	return ev.Client != "" && open.HasClient(ev.Client)
}
