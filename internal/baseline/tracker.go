// Package baseline maintains rolling per-dimension traffic statistics over a
// fixed number of completed time windows.
package baseline

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// Config holds tracker settings. Zero values take defaults.
type Config struct {
	WindowSize         time.Duration
	History            int // completed windows retained
	MaxKeysPerWindow   int // distinct values per dimension per window
	ClockSkewTolerance time.Duration
	MaxForwardJump     time.Duration // bound on how far a timestamp may land from the newest event
	MinWindowEvents    int // requests a window needs to contribute an error-ratio sample
	Logger             *zap.Logger
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:         model.DefaultWindowSize,
		History:            model.DefaultWindowHistory,
		MaxKeysPerWindow:   model.DefaultMaxKeysPerWindow,
		ClockSkewTolerance: model.DefaultClockSkewTolerance,
		MaxForwardJump:     model.DefaultMaxForwardJump,
		MinWindowEvents:    model.DefaultMinWindowEvents,
	}
}

// Tracker keeps a ring of completed windows plus one filling window.
//
// Update and View must be called by a single owner in event order.
// Baseline and Snapshot may be called from any goroutine.
type Tracker struct {
	mu sync.Mutex

	windowSize time.Duration
	history    int
	maxKeys    int
	skew       time.Duration
	maxJump    time.Duration
	minEvents  int
	logger     *zap.Logger

	ring  []*Window // sealed windows, capacity history
	head  int       // index of the oldest sealed window
	count int       // sealed windows held

	filling *Window

	baseline *Baseline
	dirty    bool

	inconsistencies int64

	latest      time.Time // newest admitted event time
	pending     time.Time // candidate anchor after a jump
	pendingHits int
}

// New creates a tracker.
func New(conf ...Config) *Tracker {
	cfg := DefaultConfig()
	if len(conf) > 0 {
		c := conf[0]
		if c.WindowSize > 0 {
			cfg.WindowSize = c.WindowSize
		}
		if c.History > 0 {
			cfg.History = c.History
		}
		if c.MaxKeysPerWindow > 0 {
			cfg.MaxKeysPerWindow = c.MaxKeysPerWindow
		}
		if c.ClockSkewTolerance > 0 {
			cfg.ClockSkewTolerance = c.ClockSkewTolerance
		}
		if c.MaxForwardJump > 0 {
			cfg.MaxForwardJump = c.MaxForwardJump
		}
		if c.MinWindowEvents > 0 {
			cfg.MinWindowEvents = c.MinWindowEvents
		}
		cfg.Logger = c.Logger
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tracker{
		windowSize: cfg.WindowSize,
		history:    cfg.History,
		maxKeys:    cfg.MaxKeysPerWindow,
		skew:       cfg.ClockSkewTolerance,
		maxJump:    cfg.MaxForwardJump,
		minEvents:  cfg.MinWindowEvents,
		logger:     cfg.Logger,
		ring:       make([]*Window, cfg.History),
		baseline:   emptyBaseline(cfg.WindowSize),
	}
}

// WindowSize returns the configured window duration.
func (t *Tracker) WindowSize() time.Duration { return t.windowSize }

// Admission is the tracker's verdict on an event timestamp.
type Admission int

const (
	Admitted   Admission = iota
	Rejected             // counted as a state inconsistency and dropped
	Reanchored           // accepted after the tracker moved to a new timeline
)

// Admit decides whether an event at ts may be scored and recorded. A
// timestamp further than the jump bound from the newest admitted event, in
// either direction, is counted as a state inconsistency and rejected, so one
// bad clock cannot drag the windows away. When DefaultForwardJumpConfirm
// consecutive rejected events agree on a new time the tracker re-anchors
// there; a backward re-anchor discards the windows of the old timeline.
func (t *Tracker) Admit(ts time.Time) Admission {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.latest.IsZero() || (ts.Sub(t.latest) <= t.maxJump && t.latest.Sub(ts) <= t.maxJump) {
		t.pendingHits = 0
		if ts.After(t.latest) {
			t.latest = ts
		}
		return Admitted
	}

	if t.pendingHits > 0 && ts.Sub(t.pending).Abs() <= t.skew {
		t.pendingHits++
		if ts.After(t.pending) {
			t.pending = ts
		}
	} else {
		t.pending = ts
		t.pendingHits = 1
	}
	if t.pendingHits >= model.DefaultForwardJumpConfirm {
		t.logger.Info("baseline: re-anchoring after sustained time jump",
			zap.Time("from", t.latest),
			zap.Time("to", t.pending))
		if t.pending.Before(t.latest) {
			t.resetLocked()
		}
		t.latest = t.pending
		t.pendingHits = 0
		return Reanchored
	}

	t.inconsistencies++
	t.logger.Warn("baseline: event too far from stream time, dropped",
		zap.Time("event_time", ts),
		zap.Time("latest", t.latest),
		zap.Duration("max_jump", t.maxJump),
		zap.Int64("inconsistencies", t.inconsistencies))
	return Rejected
}

// resetLocked drops every window.
func (t *Tracker) resetLocked() {
	for i := range t.ring {
		t.ring[i] = nil
	}
	t.head, t.count = 0, 0
	t.filling = nil
	t.dirty = true
}

// Update records ev, rolling windows forward first when ev belongs to a
// later window. An event older than the filling window by more than the
// skew tolerance clears the filling window and is counted as a state
// inconsistency.
func (t *Tracker) Update(ev model.LogEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollTo(ev.Timestamp)
	if start := t.windowStart(ev.Timestamp); start.Before(t.filling.Start) {
		if t.filling.Start.Sub(ev.Timestamp) > t.skew {
			t.inconsistencies++
			t.logger.Warn("baseline: event older than clock skew tolerance, resetting filling window",
				zap.Time("event_time", ev.Timestamp),
				zap.Time("window_start", t.filling.Start),
				zap.Duration("tolerance", t.skew),
				zap.Int64("inconsistencies", t.inconsistencies))
			t.filling = newWindow(t.filling.Start)
		}
	}

	for _, k := range EventKeys(ev) {
		t.filling.record(ev, t.filling.resolve(k, t.maxKeys))
	}
}

// View rolls windows forward to at and returns the state an event at that
// time is scored against. It never moves backwards.
func (t *Tracker) View(at time.Time) View {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollTo(at)
	return View{
		baseline: t.currentBaseline(),
		filling:  t.filling,
		maxKeys:  t.maxKeys,
	}
}

// Baseline returns the immutable statistics of the sealed windows.
func (t *Tracker) Baseline() *Baseline {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentBaseline()
}

// RetainedWindows returns sealed windows plus the filling window.
func (t *Tracker) RetainedWindows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.count
	if t.filling != nil {
		n++
	}
	return n
}

// Inconsistencies returns how many clock-skew resets and rejected time
// jumps have occurred.
func (t *Tracker) Inconsistencies() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inconsistencies
}

func (t *Tracker) windowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(t.windowSize)
}

// rollTo seals the filling window when at falls in a later window, padding
// idle gaps with at most history empty windows.
func (t *Tracker) rollTo(at time.Time) {
	start := t.windowStart(at)
	if t.filling == nil {
		t.filling = newWindow(start)
		return
	}
	if !start.After(t.filling.Start) {
		return
	}

	elapsed := int64(start.Sub(t.filling.Start) / t.windowSize)
	t.seal(t.filling)

	empties := elapsed - 1
	if empties > int64(t.history) {
		empties = int64(t.history)
	}
	for i := empties; i > 0; i-- {
		t.seal(newWindow(start.Add(-time.Duration(i) * t.windowSize)))
	}
	t.filling = newWindow(start)
}

func (t *Tracker) seal(w *Window) {
	if t.count < t.history {
		t.ring[(t.head+t.count)%t.history] = w
		t.count++
	} else {
		t.ring[t.head] = w
		t.head = (t.head + 1) % t.history
	}
	t.dirty = true
}

// sealed returns the sealed windows, oldest first.
func (t *Tracker) sealed() []*Window {
	out := make([]*Window, 0, t.count)
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(t.head+i)%t.history])
	}
	return out
}

func (t *Tracker) currentBaseline() *Baseline {
	if t.dirty {
		t.baseline = computeBaseline(t.windowSize, t.sealed(), t.minEvents)
		t.dirty = false
	}
	return t.baseline
}

// View is the scoring context for one event: the sealed-window baseline plus
// read access to the filling window as it stood before the event.
type View struct {
	baseline *Baseline
	filling  *Window
	maxKeys  int
}

// Baseline returns the sealed-window statistics.
func (v View) Baseline() *Baseline {
	if v.baseline == nil {
		return emptyBaseline(0)
	}
	return v.baseline
}

// Resolve returns the key an observation of k is tracked under.
func (v View) Resolve(k model.DimensionKey) model.DimensionKey {
	if v.filling == nil {
		return k
	}
	return v.filling.resolve(k, v.maxKeys)
}

// Filling returns the filling-window tallies for k.
func (v View) Filling(k model.DimensionKey) Counter {
	c, _ := v.filling.Counter(k)
	return c
}

// FillingStart returns the start of the filling window.
func (v View) FillingStart() time.Time {
	if v.filling == nil {
		return time.Time{}
	}
	return v.filling.Start
}

// KeyBaseline holds the statistics of one dimension key.
type KeyBaseline struct {
	Rate       Stats `json:"rate"`        // requests per window
	ErrorRatio Stats `json:"error_ratio"` // 5xx share per window
	Latency    Stats `json:"latency"`     // seconds, pooled across windows
}

// Baseline is an immutable summary of the sealed windows.
type Baseline struct {
	WindowSize time.Duration
	Windows    int
	From       time.Time // start of the oldest sealed window
	Through    time.Time // end of the newest sealed window
	keys       map[model.DimensionKey]KeyBaseline
}

func emptyBaseline(size time.Duration) *Baseline {
	return &Baseline{WindowSize: size, keys: map[model.DimensionKey]KeyBaseline{}}
}

// Key returns the statistics for k.
func (b *Baseline) Key(k model.DimensionKey) (KeyBaseline, bool) {
	kb, ok := b.keys[k]
	return kb, ok
}

// Len returns the number of keys with statistics.
func (b *Baseline) Len() int { return len(b.keys) }

// Keys returns all keys in sorted order.
func (b *Baseline) Keys() []model.DimensionKey {
	out := make([]model.DimensionKey, 0, len(b.keys))
	for k := range b.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

type keyAcc struct {
	next    int // index of the next window expecting a rate sample
	rate    Welford
	ratio   Welford
	latency Welford
}

// computeBaseline derives per-key statistics from sealed windows. A key
// contributes a zero rate sample for every window after its first
// appearance in which it is absent.
func computeBaseline(size time.Duration, windows []*Window, minEvents int) *Baseline {
	b := emptyBaseline(size)
	b.Windows = len(windows)
	if len(windows) == 0 {
		return b
	}
	b.From = windows[0].Start
	b.Through = windows[len(windows)-1].Start.Add(size)

	accs := make(map[model.DimensionKey]*keyAcc)
	for i, w := range windows {
		for k, c := range w.keys {
			acc, ok := accs[k]
			if !ok {
				acc = &keyAcc{next: i}
				accs[k] = acc
			}
			acc.rate.AddRepeated(0, int64(i-acc.next))
			acc.rate.Add(float64(c.Count))
			acc.next = i + 1
			if c.Count >= int64(minEvents) && c.Count > 0 {
				acc.ratio.Add(c.ErrorRatio())
			}
			acc.latency = acc.latency.Merge(c.Latency)
		}
	}
	for k, acc := range accs {
		acc.rate.AddRepeated(0, int64(len(windows)-acc.next))
		b.keys[k] = KeyBaseline{
			Rate:       acc.rate.Stats(),
			ErrorRatio: acc.ratio.Stats(),
			Latency:    acc.latency.Stats(),
		}
	}
	return b
}
