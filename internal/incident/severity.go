package incident

import (
	"fmt"
	"math"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// SeverityScale holds the ascending score cutoffs for Medium, High and Critical.
type SeverityScale [3]float64

// DefaultSeverityScale returns the default cutoffs.
func DefaultSeverityScale() SeverityScale {
	var s SeverityScale
	copy(s[:], model.DefaultSeverityThresholds)
	return s
}

// NewSeverityScale validates thresholds: exactly three positive, strictly
// ascending values.
func NewSeverityScale(thresholds []float64) (SeverityScale, error) {
	var s SeverityScale
	if len(thresholds) != len(s) {
		return s, fmt.Errorf("want %d severity thresholds, got %d", len(s), len(thresholds))
	}
	for i, v := range thresholds {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return s, fmt.Errorf("severity threshold %d must be a positive number, got %v", i, v)
		}
		if i > 0 && v <= thresholds[i-1] {
			return s, fmt.Errorf("severity thresholds must be strictly ascending, got %v", thresholds)
		}
		s[i] = v
	}
	return s, nil
}

// Classify maps the peak absolute score of an incident onto the scale.
func (s SeverityScale) Classify(peak float64) model.Severity {
	peak = math.Abs(peak)
	switch {
	case peak >= s[2]:
		return model.SeverityCritical
	case peak >= s[1]:
		return model.SeverityHigh
	case peak >= s[0]:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}
