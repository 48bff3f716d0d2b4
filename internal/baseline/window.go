package baseline

import (
	"time"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// Counter holds the per-key tallies of one window.
type Counter struct {
	Count   int64
	Errors  int64 // 5xx responses
	Latency Welford
}

// ErrorRatio returns Errors/Count, or 0 for an empty counter.
func (c Counter) ErrorRatio() float64 {
	if c.Count == 0 {
		return 0
	}
	return float64(c.Errors) / float64(c.Count)
}

// Window is a fixed-duration bucket of per-key counters.
type Window struct {
	Start time.Time
	keys  map[model.DimensionKey]*Counter
	// distinct values per dimension, for the cardinality cap
	distinct map[string]int
}

func newWindow(start time.Time) *Window {
	return &Window{
		Start:    start,
		keys:     make(map[model.DimensionKey]*Counter),
		distinct: make(map[string]int),
	}
}

// Counter returns the tallies recorded for k.
func (w *Window) Counter(k model.DimensionKey) (Counter, bool) {
	if w == nil {
		return Counter{}, false
	}
	c, ok := w.keys[k]
	if !ok {
		return Counter{}, false
	}
	return *c, true
}

// resolve maps k to the key it would be counted under, folding new values
// into the overflow bucket once the dimension is at capacity.
func (w *Window) resolve(k model.DimensionKey, maxKeys int) model.DimensionKey {
	if _, ok := w.keys[k]; ok {
		return k
	}
	if maxKeys > 0 && w.distinct[k.Dimension] >= maxKeys {
		return model.DimensionKey{Dimension: k.Dimension, Value: model.DefaultOverflowDimensionValue}
	}
	return k
}

func (w *Window) counter(k model.DimensionKey) *Counter {
	c, ok := w.keys[k]
	if !ok {
		c = &Counter{}
		w.keys[k] = c
		w.distinct[k.Dimension]++
	}
	return c
}

func (w *Window) record(ev model.LogEvent, k model.DimensionKey) {
	c := w.counter(k)
	c.Count++
	if ev.IsServerError() {
		c.Errors++
	}
	if ev.HasLatency {
		c.Latency.Add(ev.Latency.Seconds())
	}
}

// EventKeys returns the dimension keys an event contributes to, before any
// cardinality folding. Only error status classes are tracked.
func EventKeys(ev model.LogEvent) []model.DimensionKey {
	keys := make([]model.DimensionKey, 0, 4)
	if ev.Endpoint != "" {
		keys = append(keys, model.DimensionKey{Dimension: model.DimensionEndpoint, Value: ev.Endpoint})
	}
	if ev.Client != "" {
		keys = append(keys, model.DimensionKey{Dimension: model.DimensionClient, Value: ev.Client})
	}
	if class := ev.StatusClass(); class == "4xx" || class == "5xx" {
		keys = append(keys, model.DimensionKey{Dimension: model.DimensionStatus, Value: class})
	}
	if ev.Level != "" {
		keys = append(keys, model.DimensionKey{Dimension: model.DimensionLevel, Value: ev.Level})
	}
	return keys
}
