// Package report turns closed incidents into structured report payloads and
// delivers them to sinks.
package report

import (
	"sort"
	"strconv"
	"time"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// TimeLayout is the timestamp format used in payloads.
const TimeLayout = time.RFC3339Nano

// Config holds builder settings. Zero values take defaults.
type Config struct {
	MaxSamples    int
	SchemaVersion int
}

// Builder converts incidents into payloads. It is stateless and safe for
// concurrent use; building the same incident twice yields equal payloads.
type Builder struct {
	maxSamples    int
	schemaVersion int
}

// NewBuilder creates a report builder.
func NewBuilder(conf ...Config) *Builder {
	b := &Builder{
		maxSamples:    model.DefaultMaxSampleEvents,
		schemaVersion: model.DefaultReportSchemaVersion,
	}
	if len(conf) > 0 {
		if conf[0].MaxSamples > 0 {
			b.maxSamples = conf[0].MaxSamples
		}
		if conf[0].SchemaVersion > 0 {
			b.schemaVersion = conf[0].SchemaVersion
		}
	}
	return b
}

// Build produces the payload for inc.
func (b *Builder) Build(inc model.Incident) model.ReportPayload {
	p := model.ReportPayload{
		SchemaVersion:   b.schemaVersion,
		ID:              inc.ID,
		Status:          inc.Status,
		Incomplete:      inc.Incomplete,
		CorrelationKey:  inc.Key,
		Severity:        inc.Severity,
		Start:           formatTime(inc.Start),
		End:             formatTime(inc.End),
		DurationSeconds: inc.End.Sub(inc.Start).Seconds(),
		Summary: model.ReportSummary{
			EventCount:         inc.EventCount,
			AnomalyCount:       inc.AnomalyCount,
			PeakScore:          inc.PeakScore,
			DistinctClients:    inc.DistinctClients,
			DistinctEndpoints:  inc.DistinctEndpoints,
			TopClients:         append([]model.ValueCount{}, inc.TopClients...),
			TopEndpoints:       append([]model.ValueCount{}, inc.TopEndpoints...),
			StatusCounts:       make(map[string]int64, len(inc.StatusCounts)),
			AffectedDimensions: affectedDimensions(inc),
			Sources:            append([]string{}, inc.Sources...),
		},
		Dimensions: make([]model.DimensionInfo, 0, len(inc.Dimensions)),
		Samples:    make([]model.EventSample, 0, min(len(inc.Samples), b.maxSamples)),
	}
	for status, n := range inc.StatusCounts {
		p.Summary.StatusCounts[strconv.Itoa(status)] = n
	}
	sort.Strings(p.Summary.Sources)

	for _, ds := range inc.Dimensions {
		p.Dimensions = append(p.Dimensions, model.DimensionInfo{
			Dimension:    ds.Key.Dimension,
			Value:        ds.Key.Value,
			Metric:       ds.Metric,
			Count:        ds.Count,
			PeakScore:    ds.PeakScore,
			PeakObserved: ds.PeakObserved,
			BaselineMean: ds.Mean,
			BaselineStd:  ds.StdDev,
		})
	}
	sort.SliceStable(p.Dimensions, func(i, j int) bool {
		a, b := p.Dimensions[i], p.Dimensions[j]
		if a.Dimension != b.Dimension {
			return a.Dimension < b.Dimension
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Metric < b.Metric
	})

	for i, ev := range inc.Samples {
		if i >= b.maxSamples {
			break
		}
		p.Samples = append(p.Samples, sampleOf(ev))
	}
	if omitted := inc.EventCount - int64(len(p.Samples)); omitted > 0 {
		p.SamplesOmitted = omitted
	}
	return p
}

func sampleOf(ev model.LogEvent) model.EventSample {
	s := model.EventSample{
		Seq:           ev.Seq,
		Timestamp:     formatTime(ev.Timestamp),
		Source:        ev.Source,
		Client:        ev.Client,
		Method:        ev.Method,
		Path:          ev.Path,
		Status:        ev.Status,
		Size:          ev.Size,
		Level:         ev.Level,
		LowConfidence: ev.LowConfidence,
		Raw:           ev.Raw,
	}
	if ev.HasLatency {
		secs := ev.Latency.Seconds()
		s.LatencySeconds = &secs
	}
	return s
}

func affectedDimensions(inc model.Incident) []string {
	seen := make(map[string]struct{}, len(inc.Dimensions))
	out := make([]string, 0, len(inc.Dimensions))
	for _, ds := range inc.Dimensions {
		k := ds.Key.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}
