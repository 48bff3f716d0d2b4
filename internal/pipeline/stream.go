// Package pipeline wires the parser, baseline tracker, scorer, incident
// aggregator and report builder into per-source streams.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/anomaly"
	"github.com/tinytelemetry/logsentry/internal/baseline"
	"github.com/tinytelemetry/logsentry/internal/incident"
	"github.com/tinytelemetry/logsentry/internal/logparse"
	"github.com/tinytelemetry/logsentry/internal/metrics"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/report"
)

// Health is a point-in-time view of one stream.
type Health struct {
	Source          string                         `json:"source"`
	Lines           int64                          `json:"lines"`
	Events          int64                          `json:"events"`
	ParseErrors     int64                          `json:"parse_errors"`
	ErrorsByKind    map[model.ParseErrorKind]int64 `json:"errors_by_kind"`
	LowConfidence   int64                          `json:"low_confidence"`
	Anomalies       int64                          `json:"anomalies"`
	Inconsistencies int64                          `json:"state_inconsistencies"`
	RetainedWindows int                            `json:"retained_windows"`
	LastEventTime   time.Time                      `json:"last_event_time"`
	LastParseError  string                         `json:"last_parse_error,omitempty"`
	RejectPatterns  []RejectPattern                `json:"reject_patterns,omitempty"`
	Degraded        bool                           `json:"degraded"`
}

// ParseErrorRatio returns rejected lines over received lines.
func (h Health) ParseErrorRatio() float64 {
	if h.Lines == 0 {
		return 0
	}
	return float64(h.ParseErrors) / float64(h.Lines)
}

// publisher turns closed incidents into reports and hands them to the sink.
type publisher struct {
	builder *report.Builder
	sink    model.ReportSink
	logger  *zap.Logger
}

func (p *publisher) publish(ctx context.Context, incs []model.Incident) []model.ReportPayload {
	if len(incs) == 0 {
		return nil
	}
	out := make([]model.ReportPayload, 0, len(incs))
	for _, inc := range incs {
		r := p.builder.Build(inc)
		out = append(out, r)
		metrics.IncidentsClosedTotal.WithLabelValues(string(inc.Severity), strconv.FormatBool(inc.Incomplete)).Inc()
		p.logger.Info("pipeline: incident closed",
			zap.String("id", inc.ID),
			zap.String("key", inc.Key.String()),
			zap.String("severity", string(inc.Severity)),
			zap.Float64("peak_score", inc.PeakScore),
			zap.Int64("events", inc.EventCount),
			zap.Bool("incomplete", inc.Incomplete))
		if p.sink == nil {
			continue
		}
		if err := p.sink.Publish(ctx, r); err != nil {
			metrics.ReportsPublishedTotal.WithLabelValues("error").Inc()
			p.logger.Warn("pipeline: publish report failed", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		metrics.ReportsPublishedTotal.WithLabelValues("ok").Inc()
	}
	return out
}

// Stream processes the lines of one source strictly in arrival order. It
// owns its parser, tracker and scorer; the aggregator may be shared.
type Stream struct {
	source     string
	maxErrRate float64

	parser  *logparse.Parser
	tracker *baseline.Tracker
	scorer  anomaly.Scorer
	agg     *incident.Aggregator
	pub     *publisher
	rejects *rejectMiner
	logger  *zap.Logger

	procMu sync.Mutex // serializes Process and close
	seq    uint64
	closed bool

	mu     sync.Mutex
	health Health
}

func newStream(source string, cfg Config, o *options, agg *incident.Aggregator, pub *publisher) *Stream {
	logger := o.logger.With(zap.String("source", source))
	var scorer anomaly.Scorer
	if o.scorer != nil {
		scorer = o.scorer(source)
	}
	if scorer == nil {
		scorer = anomaly.NewStatistical(cfg.scorerConfig())
	}
	return &Stream{
		source:     source,
		maxErrRate: cfg.MaxParseErrorRatio,
		parser:     logparse.NewParser(cfg.parserConfig()),
		tracker:    baseline.New(cfg.trackerConfig(logger)),
		scorer:     scorer,
		agg:        agg,
		pub:        pub,
		rejects:    newRejectMiner(logger),
		logger:     logger,
		health: Health{
			Source:       source,
			ErrorsByKind: make(map[model.ParseErrorKind]int64),
		},
	}
}

// Source returns the stream's source name.
func (s *Stream) Source() string { return s.source }

// Tracker returns the stream's baseline tracker.
func (s *Stream) Tracker() *baseline.Tracker { return s.tracker }

// Process runs one raw line through the pipeline. Rejected lines are
// counted and dropped. Reports for incidents closed as a consequence of the
// line are published and returned. It is a no-op once the stream is closed.
func (s *Stream) Process(ctx context.Context, env model.IngestEnvelope) []model.ReportPayload {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.closed {
		return nil
	}

	if env.Source == "" {
		env.Source = s.source
	}
	s.seq++
	metrics.LinesTotal.WithLabelValues(s.source).Inc()

	ev, err := s.parser.ParseEnvelope(env, s.seq)
	if err != nil {
		s.recordParseError(err)
		return nil
	}

	var rewound []model.Incident
	switch s.tracker.Admit(ev.Timestamp) {
	case baseline.Rejected:
		s.recordDropped()
		return nil
	case baseline.Reanchored:
		rewound = s.agg.Rewind(ev.Source, ev.Timestamp)
	}

	// The event is scored against the baseline as it stood before the
	// event, then folded into it.
	view := s.tracker.View(ev.Timestamp)
	scores := s.scorer.Score(ev, view)
	s.tracker.Update(ev)

	flagged := 0
	for _, sc := range scores {
		if sc.Flagged {
			flagged++
			metrics.AnomaliesTotal.WithLabelValues(sc.Key.Dimension, string(sc.Metric)).Inc()
		}
	}
	closed := append(rewound, s.agg.Ingest(ev, scores)...)
	if flagged > 0 || len(closed) > 0 {
		metrics.IncidentsOpen.Set(float64(s.agg.OpenCount()))
	}

	s.recordEvent(ev, flagged)
	return s.pub.publish(ctx, closed)
}

// Health returns the stream's counters.
func (s *Stream) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health
	h.ErrorsByKind = make(map[model.ParseErrorKind]int64, len(s.health.ErrorsByKind))
	for k, v := range s.health.ErrorsByKind {
		h.ErrorsByKind[k] = v
	}
	h.RejectPatterns = s.rejects.Top(maxRejectPatterns)
	return h
}

func (s *Stream) recordParseError(err error) {
	var pe *model.ParseError
	if !errors.As(err, &pe) {
		pe = model.NewParseError(model.ParseErrorMalformed, err.Error(), "")
	}
	metrics.ParseErrorsTotal.WithLabelValues(s.source, string(pe.Kind)).Inc()
	s.rejects.Add(pe.Raw)

	s.mu.Lock()
	s.health.Lines++
	s.health.ParseErrors++
	s.health.ErrorsByKind[pe.Kind]++
	s.health.LastParseError = pe.Error()
	s.updateDegradedLocked()
	s.mu.Unlock()

	s.logger.Debug("pipeline: line rejected",
		zap.Uint64("seq", pe.Seq),
		zap.String("kind", string(pe.Kind)),
		zap.String("reason", pe.Reason))
}

// recordDropped counts a parsed line whose timestamp the tracker refused.
func (s *Stream) recordDropped() {
	inconsistencies := s.tracker.Inconsistencies()
	metrics.StateInconsistencies.WithLabelValues(s.source).Set(float64(inconsistencies))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Lines++
	s.health.Inconsistencies = inconsistencies
}

func (s *Stream) recordEvent(ev model.LogEvent, flagged int) {
	if ev.LowConfidence {
		metrics.LowConfidenceTotal.WithLabelValues(s.source).Inc()
	}
	retained := s.tracker.RetainedWindows()
	inconsistencies := s.tracker.Inconsistencies()
	metrics.RetainedWindows.WithLabelValues(s.source).Set(float64(retained))
	metrics.StateInconsistencies.WithLabelValues(s.source).Set(float64(inconsistencies))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Lines++
	s.health.Events++
	s.health.Anomalies += int64(flagged)
	if ev.LowConfidence {
		s.health.LowConfidence++
	}
	s.health.RetainedWindows = retained
	s.health.Inconsistencies = inconsistencies
	if ev.Timestamp.After(s.health.LastEventTime) {
		s.health.LastEventTime = ev.Timestamp
	}
	s.updateDegradedLocked()
}

func (s *Stream) updateDegradedLocked() {
	if s.health.Lines < model.DefaultParseHealthMinLines {
		return
	}
	degraded := s.health.ParseErrorRatio() > s.maxErrRate
	if degraded == s.health.Degraded {
		return
	}
	s.health.Degraded = degraded
	if degraded {
		metrics.StreamDegraded.WithLabelValues(s.source).Set(1)
		s.logger.Warn("pipeline: stream degraded",
			zap.Int64("lines", s.health.Lines),
			zap.Int64("parse_errors", s.health.ParseErrors),
			zap.Float64("max_ratio", s.maxErrRate))
		return
	}
	metrics.StreamDegraded.WithLabelValues(s.source).Set(0)
	s.logger.Info("pipeline: stream recovered", zap.Int64("lines", s.health.Lines))
}

// close runs final once, after any in-flight Process, and makes later
// Process calls no-ops.
func (s *Stream) close(final func()) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	final()
}

// restore seeds the tracker from a stored snapshot when one exists.
func (s *Stream) restore(ctx context.Context, store BaselineStore) {
	if store == nil {
		return
	}
	snap, ok, err := store.LoadBaseline(ctx, s.source)
	if err != nil {
		s.logger.Warn("pipeline: load baseline failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := s.tracker.Restore(snap); err != nil {
		s.logger.Warn("pipeline: stored baseline ignored", zap.Error(err))
		return
	}
	s.logger.Info("pipeline: baseline restored", zap.Int("windows", len(snap.Windows)))
}

func (s *Stream) save(ctx context.Context, store BaselineStore) {
	if store == nil {
		return
	}
	if err := store.SaveBaseline(ctx, s.source, s.tracker.Snapshot()); err != nil {
		s.logger.Warn("pipeline: save baseline failed", zap.Error(err))
	}
}
