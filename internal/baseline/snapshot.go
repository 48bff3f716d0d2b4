package baseline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// ErrWindowSizeMismatch is returned when restoring a snapshot taken with a
// different window size.
var ErrWindowSizeMismatch = errors.New("baseline: snapshot window size does not match tracker")

// Snapshot is the serializable window history of a tracker.
type Snapshot struct {
	WindowSizeSeconds float64          `json:"window_size_seconds"`
	Windows           []WindowSnapshot `json:"windows"` // sealed, oldest first
	Filling           *WindowSnapshot  `json:"filling,omitempty"`
	Inconsistencies   int64            `json:"inconsistencies"`
}

// WindowSnapshot is one serialized window.
type WindowSnapshot struct {
	Start    time.Time         `json:"start"`
	Counters []CounterSnapshot `json:"counters"`
}

// CounterSnapshot is one serialized per-key counter.
type CounterSnapshot struct {
	Dimension string  `json:"dimension"`
	Value     string  `json:"value"`
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	Latency   Welford `json:"latency"`
}

// Snapshot captures the window history for external persistence.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		WindowSizeSeconds: t.windowSize.Seconds(),
		Windows:           make([]WindowSnapshot, 0, t.count),
		Inconsistencies:   t.inconsistencies,
	}
	for _, w := range t.sealed() {
		snap.Windows = append(snap.Windows, snapshotWindow(w))
	}
	if t.filling != nil {
		ws := snapshotWindow(t.filling)
		snap.Filling = &ws
	}
	return snap
}

// Restore replaces the tracker state with snap. Windows beyond the
// configured history are dropped, oldest first.
func (t *Tracker) Restore(snap Snapshot) error {
	if time.Duration(snap.WindowSizeSeconds*float64(time.Second)) != t.windowSize {
		return fmt.Errorf("%w: snapshot %.0fs, tracker %s", ErrWindowSizeMismatch, snap.WindowSizeSeconds, t.windowSize)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	windows := snap.Windows
	if len(windows) > t.history {
		windows = windows[len(windows)-t.history:]
	}
	t.ring = make([]*Window, t.history)
	t.head, t.count = 0, 0
	for _, ws := range windows {
		t.seal(restoreWindow(ws))
	}
	t.filling = nil
	if snap.Filling != nil {
		t.filling = restoreWindow(*snap.Filling)
	}
	t.inconsistencies = snap.Inconsistencies
	t.dirty = true
	return nil
}

func snapshotWindow(w *Window) WindowSnapshot {
	ws := WindowSnapshot{Start: w.Start, Counters: make([]CounterSnapshot, 0, len(w.keys))}
	for k, c := range w.keys {
		ws.Counters = append(ws.Counters, CounterSnapshot{
			Dimension: k.Dimension,
			Value:     k.Value,
			Count:     c.Count,
			Errors:    c.Errors,
			Latency:   c.Latency,
		})
	}
	sort.Slice(ws.Counters, func(i, j int) bool {
		a := model.DimensionKey{Dimension: ws.Counters[i].Dimension, Value: ws.Counters[i].Value}
		b := model.DimensionKey{Dimension: ws.Counters[j].Dimension, Value: ws.Counters[j].Value}
		return a.Less(b)
	})
	return ws
}

func restoreWindow(ws WindowSnapshot) *Window {
	w := newWindow(ws.Start.UTC())
	for _, cs := range ws.Counters {
		c := w.counter(model.DimensionKey{Dimension: cs.Dimension, Value: cs.Value})
		c.Count = cs.Count
		c.Errors = cs.Errors
		c.Latency = cs.Latency
	}
	return w
}
