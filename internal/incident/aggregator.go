// Package incident clusters flagged anomalies into time-bounded incidents.
package incident

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// incidentNamespace seeds the deterministic incident IDs.
var incidentNamespace = uuid.MustParse("6f1c9a52-3b7e-4d0a-9e6b-2f4c8d1a7e35")

// maxDistinctTracked bounds the per-incident client and endpoint counts.
const maxDistinctTracked = 10_000

// Config holds aggregator settings. Zero values take defaults.
type Config struct {
	CorrelationWindow time.Duration
	Severity          SeverityScale
	MaxSamples        int
	Correlation       CorrelationPolicy
	Merge             MergePolicy // nil disables cross-key merging
	Logger            *zap.Logger
	Now               func() time.Time
}

// DefaultConfig returns the aggregator defaults.
func DefaultConfig() Config {
	return Config{
		CorrelationWindow: model.DefaultCorrelationWindow,
		Severity:          DefaultSeverityScale(),
		MaxSamples:        model.DefaultMaxSampleEvents,
		Correlation:       ByDimensionKey,
		Now:               time.Now,
	}
}

// Aggregator runs the per-key Idle -> Open -> Closed lifecycle. Time is
// event time, tracked as a monotonic watermark per source: an incident
// expires against the newest watermark among the sources that fed it, so a
// source replaying old logs is not aged by a live one. It is safe for
// concurrent use.
type Aggregator struct {
	mu sync.Mutex

	window   time.Duration
	severity SeverityScale
	samples  int
	corr     CorrelationPolicy
	merge    MergePolicy
	logger   *zap.Logger
	now      func() time.Time

	open   map[model.DimensionKey]*openIncident
	clocks map[string]*sourceClock
	seq    uint64
}

// sourceClock is the event-time position of one source.
type sourceClock struct {
	watermark time.Time
	lastWall  time.Time // wall time of the source's last ingest
}

// New creates an aggregator.
func New(conf ...Config) *Aggregator {
	cfg := DefaultConfig()
	if len(conf) > 0 {
		c := conf[0]
		if c.CorrelationWindow > 0 {
			cfg.CorrelationWindow = c.CorrelationWindow
		}
		if c.Severity != (SeverityScale{}) {
			cfg.Severity = c.Severity
		}
		if c.MaxSamples > 0 {
			cfg.MaxSamples = c.MaxSamples
		}
		if c.Correlation != nil {
			cfg.Correlation = c.Correlation
		}
		cfg.Merge = c.Merge
		cfg.Logger = c.Logger
		if c.Now != nil {
			cfg.Now = c.Now
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Aggregator{
		window:   cfg.CorrelationWindow,
		severity: cfg.Severity,
		samples:  cfg.MaxSamples,
		corr:     cfg.Correlation,
		merge:    cfg.Merge,
		logger:   cfg.Logger,
		now:      cfg.Now,
		open:     make(map[model.DimensionKey]*openIncident),
		clocks:   make(map[string]*sourceClock),
	}
}

// Ingest advances the event time of ev's source and folds its flagged
// scores into open incidents, opening new ones as needed. Incidents that
// expired as a result of the time advance are returned closed.
func (a *Aggregator) Ingest(ev model.LogEvent, scores []model.AnomalyScore) []model.Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	clock := a.clock(ev.Source)
	if ev.Timestamp.After(clock.watermark) {
		clock.watermark = ev.Timestamp
	}
	clock.lastWall = a.now()
	closed := a.closeExpired(func(o *openIncident) time.Time { return a.eventTime(o, time.Time{}) })

	touched := make(map[*openIncident]struct{})
	for _, sc := range scores {
		if !sc.Flagged {
			continue
		}
		key := a.corr.CorrelationKey(ev, sc)
		inc := a.target(ev, key)
		inc.addScore(sc)
		if _, ok := touched[inc]; !ok {
			touched[inc] = struct{}{}
			inc.addEvent(ev, a.samples)
		}
	}
	return closed
}

// Advance moves the event time of every known source to at least now and
// closes incidents whose correlation window has elapsed.
func (a *Aggregator) Advance(now time.Time) []model.Incident {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.clocks {
		if now.After(c.watermark) {
			c.watermark = now
		}
	}
	return a.closeExpired(func(o *openIncident) time.Time { return a.eventTime(o, time.Time{}) })
}

// Rewind moves source's event time back to to after its stream re-anchored
// on an earlier timeline. Open incidents the source fed belong to the
// abandoned timeline and are returned closed. Rewind is a no-op when to is
// not before the source's watermark.
func (a *Aggregator) Rewind(source string, to time.Time) []model.Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	clock := a.clock(source)
	if !to.Before(clock.watermark) {
		return nil
	}
	a.logger.Info("incident: source clock rewound",
		zap.String("source", source),
		zap.Time("from", clock.watermark),
		zap.Time("to", to))
	clock.watermark = to
	clock.lastWall = a.now()

	var out []model.Incident
	for key, inc := range a.open {
		if _, ok := inc.feeds[source]; ok {
			out = append(out, inc.close(a.severity, false))
			delete(a.open, key)
		}
	}
	sortIncidents(out)
	return out
}

// Sweep closes incidents that would have expired had each source's event
// time kept pace with wall time since its last ingested event. It lets an
// idle stream close its incidents without new input.
func (a *Aggregator) Sweep(wallNow time.Time) []model.Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.open) == 0 {
		return nil
	}
	return a.closeExpired(func(o *openIncident) time.Time { return a.eventTime(o, wallNow) })
}

// Flush closes every open incident. Pass incomplete=true when input ended
// abnormally or the process is stopping mid-incident.
func (a *Aggregator) Flush(incomplete bool) []model.Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.Incident, 0, len(a.open))
	for key, inc := range a.open {
		out = append(out, inc.close(a.severity, incomplete))
		delete(a.open, key)
	}
	sortIncidents(out)
	if len(out) > 0 {
		a.logger.Info("incident: flushed open incidents",
			zap.Int("count", len(out)), zap.Bool("incomplete", incomplete))
	}
	return out
}

// Open returns a snapshot of the open incidents.
func (a *Aggregator) Open() []model.Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.Incident, 0, len(a.open))
	for _, inc := range a.open {
		out = append(out, inc.snapshot(a.severity))
	}
	sortIncidents(out)
	return out
}

// OpenCount returns the number of open incidents.
func (a *Aggregator) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// Watermark returns the newest event time seen from any source.
func (a *Aggregator) Watermark() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	var w time.Time
	for _, c := range a.clocks {
		if c.watermark.After(w) {
			w = c.watermark
		}
	}
	return w
}

// SourceWatermark returns the newest event time seen from source.
func (a *Aggregator) SourceWatermark(source string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clocks[source]; ok {
		return c.watermark
	}
	return time.Time{}
}

func (a *Aggregator) clock(source string) *sourceClock {
	c, ok := a.clocks[source]
	if !ok {
		c = &sourceClock{}
		a.clocks[source] = c
	}
	return c
}

// eventTime returns the current time of an incident: the newest watermark
// among its feeding sources. A non-zero wallNow first pushes each watermark
// forward by the wall time its source has been idle.
func (a *Aggregator) eventTime(o *openIncident, wallNow time.Time) time.Time {
	var now time.Time
	for src := range o.feeds {
		c, ok := a.clocks[src]
		if !ok {
			continue
		}
		t := c.watermark
		if !wallNow.IsZero() {
			if c.lastWall.IsZero() {
				continue
			}
			if idle := wallNow.Sub(c.lastWall); idle > 0 {
				t = t.Add(idle)
			}
		}
		if t.After(now) {
			now = t
		}
	}
	return now
}

// closeExpired closes incidents idle for longer than the correlation window
// as measured by clock.
func (a *Aggregator) closeExpired(clock func(*openIncident) time.Time) []model.Incident {
	var out []model.Incident
	for key, inc := range a.open {
		if now := clock(inc); !now.IsZero() && now.Sub(inc.end) > a.window {
			out = append(out, inc.close(a.severity, false))
			delete(a.open, key)
		}
	}
	sortIncidents(out)
	return out
}

// target returns the incident an anomaly keyed by key joins.
func (a *Aggregator) target(ev model.LogEvent, key model.DimensionKey) *openIncident {
	if inc, ok := a.open[key]; ok {
		return inc
	}
	if a.merge != nil && len(a.open) > 0 {
		keys := make([]model.DimensionKey, 0, len(a.open))
		for k := range a.open {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
		for _, k := range keys {
			if inc := a.open[k]; a.merge.Merge(inc, ev, key) {
				return inc
			}
		}
	}

	a.seq++
	inc := newOpenIncident(a.seq, key, ev.Timestamp)
	a.open[key] = inc
	a.logger.Debug("incident: opened",
		zap.String("id", inc.id),
		zap.String("key", key.String()),
		zap.Time("start", inc.start))
	return inc
}

type dimKey struct {
	key    model.DimensionKey
	metric model.Metric
}

type openIncident struct {
	id    string
	seq   uint64
	key   model.DimensionKey
	start time.Time
	end   time.Time

	peak      float64
	events    int64
	anomalies int64

	clients   map[string]int64
	endpoints map[string]int64
	statuses  map[int]int64
	sources   map[string]struct{}
	feeds     map[string]struct{} // sources whose clocks age the incident, including unnamed

	dims    map[dimKey]*model.DimensionStats
	samples []model.LogEvent
}

func newOpenIncident(seq uint64, key model.DimensionKey, start time.Time) *openIncident {
	name := fmt.Sprintf("%s|%d|%d", key.String(), start.UnixNano(), seq)
	return &openIncident{
		id:        uuid.NewSHA1(incidentNamespace, []byte(name)).String(),
		seq:       seq,
		key:       key,
		start:     start,
		end:       start,
		clients:   make(map[string]int64),
		endpoints: make(map[string]int64),
		statuses:  make(map[int]int64),
		sources:   make(map[string]struct{}),
		feeds:     make(map[string]struct{}),
		dims:      make(map[dimKey]*model.DimensionStats),
	}
}

func (o *openIncident) Key() model.DimensionKey { return o.key }
func (o *openIncident) Start() time.Time        { return o.start }
func (o *openIncident) LastSeen() time.Time     { return o.end }

func (o *openIncident) HasClient(client string) bool {
	_, ok := o.clients[client]
	return ok
}

func (o *openIncident) addScore(sc model.AnomalyScore) {
	o.anomalies++
	if math.Abs(sc.Score) > o.peak {
		o.peak = math.Abs(sc.Score)
	}
	dk := dimKey{key: sc.Key, metric: sc.Metric}
	ds, ok := o.dims[dk]
	if !ok {
		ds = &model.DimensionStats{Key: sc.Key, Metric: sc.Metric}
		o.dims[dk] = ds
	}
	ds.Count++
	if !ok || math.Abs(sc.Score) > math.Abs(ds.PeakScore) {
		ds.PeakScore = sc.Score
		ds.PeakObserved = sc.Observed
		ds.Mean = sc.Mean
		ds.StdDev = sc.StdDev
	}
}

func (o *openIncident) addEvent(ev model.LogEvent, maxSamples int) {
	o.events++
	if ev.Timestamp.Before(o.start) {
		o.start = ev.Timestamp
	}
	if ev.Timestamp.After(o.end) {
		o.end = ev.Timestamp
	}
	if ev.Client != "" {
		countCapped(o.clients, ev.Client)
	}
	if ev.Endpoint != "" {
		countCapped(o.endpoints, ev.Endpoint)
	}
	if ev.Status != 0 {
		o.statuses[ev.Status]++
	}
	if ev.Source != "" {
		o.sources[ev.Source] = struct{}{}
	}
	o.feeds[ev.Source] = struct{}{}
	if len(o.samples) < maxSamples {
		o.samples = append(o.samples, ev)
	}
}

func (o *openIncident) snapshot(scale SeverityScale) model.Incident {
	inc := model.Incident{
		ID:                o.id,
		Seq:               o.seq,
		Key:               o.key,
		Status:            model.IncidentOpen,
		Start:             o.start,
		End:               o.end,
		PeakScore:         o.peak,
		Severity:          scale.Classify(o.peak),
		EventCount:        o.events,
		AnomalyCount:      o.anomalies,
		DistinctClients:   len(o.clients),
		DistinctEndpoints: len(o.endpoints),
		TopClients:        topValues(o.clients, model.DefaultTopN),
		TopEndpoints:      topValues(o.endpoints, model.DefaultTopN),
		StatusCounts:      make(map[int]int64, len(o.statuses)),
		Sources:           make([]string, 0, len(o.sources)),
		Dimensions:        make([]model.DimensionStats, 0, len(o.dims)),
		Samples:           append([]model.LogEvent(nil), o.samples...),
	}
	for status, n := range o.statuses {
		inc.StatusCounts[status] = n
	}
	for src := range o.sources {
		inc.Sources = append(inc.Sources, src)
	}
	sort.Strings(inc.Sources)
	for _, ds := range o.dims {
		inc.Dimensions = append(inc.Dimensions, *ds)
	}
	sort.Slice(inc.Dimensions, func(i, j int) bool {
		a, b := inc.Dimensions[i], inc.Dimensions[j]
		if a.Key != b.Key {
			return a.Key.Less(b.Key)
		}
		return a.Metric < b.Metric
	})
	sort.SliceStable(inc.Samples, func(i, j int) bool {
		a, b := inc.Samples[i], inc.Samples[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Seq < b.Seq
	})
	return inc
}

func (o *openIncident) close(scale SeverityScale, incomplete bool) model.Incident {
	inc := o.snapshot(scale)
	inc.Status = model.IncidentClosed
	inc.Incomplete = incomplete
	return inc
}

// countCapped increments m[v], admitting new values only while m is below
// maxDistinctTracked.
func countCapped(m map[string]int64, v string) {
	if _, ok := m[v]; ok || len(m) < maxDistinctTracked {
		m[v]++
	}
}

// topValues returns the n most frequent values, ties broken by value.
func topValues(m map[string]int64, n int) []model.ValueCount {
	out := make([]model.ValueCount, 0, len(m))
	for v, c := range m {
		out = append(out, model.ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func sortIncidents(incs []model.Incident) {
	sort.Slice(incs, func(i, j int) bool {
		a, b := incs[i], incs[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Key != b.Key {
			return a.Key.Less(b.Key)
		}
		return a.ID < b.ID
	})
}
