// Package anomaly scores events against a rolling baseline.
package anomaly

import (
	"math"

	"github.com/tinytelemetry/logsentry/internal/baseline"
	"github.com/tinytelemetry/logsentry/internal/model"
)

// Scorer evaluates one event against the baseline and filling-window state
// that precede it, returning one score per evaluated dimension.
type Scorer interface {
	Score(ev model.LogEvent, view baseline.View) []model.AnomalyScore
}

// Func adapts a function to the Scorer interface.
type Func func(ev model.LogEvent, view baseline.View) []model.AnomalyScore

// Score calls f.
func (f Func) Score(ev model.LogEvent, view baseline.View) []model.AnomalyScore {
	return f(ev, view)
}

// Config holds the statistical scorer settings. Zero values take defaults.
type Config struct {
	Threshold          float64
	MinSamples         int64
	StdDevFloor        float64 // rates, in requests per window
	ErrorRatioFloor    float64
	LatencyStdDevFloor float64 // seconds
	MinWindowEvents    int64   // requests before an endpoint error ratio is scored
}

// DefaultConfig returns the scorer defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:          model.DefaultAnomalyThreshold,
		MinSamples:         model.DefaultMinSamplesForBaseline,
		StdDevFloor:        model.DefaultStdDevFloor,
		ErrorRatioFloor:    model.DefaultErrorRatioStdDevFloor,
		LatencyStdDevFloor: model.DefaultLatencyStdDevFloor,
		MinWindowEvents:    model.DefaultMinWindowEvents,
	}
}

// Statistical flags observations whose z-score against the baseline
// exceeds a threshold.
//
// Rates are observed on the partially filled current window, so only
// increases are flagged for them; error ratio and latency flag in both
// directions.
type Statistical struct {
	cfg Config
}

// NewStatistical creates a z-score scorer.
func NewStatistical(conf ...Config) *Statistical {
	cfg := DefaultConfig()
	if len(conf) > 0 {
		c := conf[0]
		if c.Threshold > 0 {
			cfg.Threshold = c.Threshold
		}
		if c.MinSamples > 0 {
			cfg.MinSamples = c.MinSamples
		}
		if c.StdDevFloor > 0 {
			cfg.StdDevFloor = c.StdDevFloor
		}
		if c.ErrorRatioFloor > 0 {
			cfg.ErrorRatioFloor = c.ErrorRatioFloor
		}
		if c.LatencyStdDevFloor > 0 {
			cfg.LatencyStdDevFloor = c.LatencyStdDevFloor
		}
		if c.MinWindowEvents > 0 {
			cfg.MinWindowEvents = c.MinWindowEvents
		}
	}
	return &Statistical{cfg: cfg}
}

// Score implements Scorer.
func (s *Statistical) Score(ev model.LogEvent, view baseline.View) []model.AnomalyScore {
	b := view.Baseline()
	keys := baseline.EventKeys(ev)
	scores := make([]model.AnomalyScore, 0, len(keys)+2)

	for _, raw := range keys {
		key := view.Resolve(raw)
		kb, _ := b.Key(key)
		fill := view.Filling(key)

		rate := s.score(key, model.MetricRate, float64(fill.Count+1), kb.Rate, s.cfg.StdDevFloor)
		rate.Flagged = rate.Flagged && rate.Score > 0
		scores = append(scores, rate)

		if key.Dimension != model.DimensionEndpoint {
			continue
		}

		if n := fill.Count + 1; n >= s.cfg.MinWindowEvents {
			errs := fill.Errors
			if ev.IsServerError() {
				errs++
			}
			observed := float64(errs) / float64(n)
			scores = append(scores, s.score(key, model.MetricErrorRatio, observed, kb.ErrorRatio, s.cfg.ErrorRatioFloor))
		}

		if ev.HasLatency {
			scores = append(scores, s.score(key, model.MetricLatency, ev.Latency.Seconds(), kb.Latency, s.cfg.LatencyStdDevFloor))
		}
	}
	return scores
}

func (s *Statistical) score(key model.DimensionKey, metric model.Metric, observed float64, st baseline.Stats, floor float64) model.AnomalyScore {
	z := (observed - st.Mean) / math.Max(st.StdDev, floor)
	return model.AnomalyScore{
		Key:      key,
		Metric:   metric,
		Observed: observed,
		Mean:     st.Mean,
		StdDev:   st.StdDev,
		Score:    z,
		Samples:  st.N,
		Flagged:  st.N >= s.cfg.MinSamples && math.Abs(z) > s.cfg.Threshold,
	}
}

// Flagged returns the flagged subset of scores.
func Flagged(scores []model.AnomalyScore) []model.AnomalyScore {
	var out []model.AnomalyScore
	for _, sc := range scores {
		if sc.Flagged {
			out = append(out, sc)
		}
	}
	return out
}
