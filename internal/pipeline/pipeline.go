package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/anomaly"
	"github.com/tinytelemetry/logsentry/internal/baseline"
	"github.com/tinytelemetry/logsentry/internal/incident"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/report"
)

// DefaultSource names the stream of a single-source Pipeline.
const DefaultSource = "stdin"

// DefaultSweepInterval is how often a Runner closes idle incidents.
const DefaultSweepInterval = 5 * time.Second

// BaselineStore persists tracker snapshots between runs.
type BaselineStore interface {
	LoadBaseline(ctx context.Context, source string) (baseline.Snapshot, bool, error)
	SaveBaseline(ctx context.Context, source string, snap baseline.Snapshot) error
}

type options struct {
	logger        *zap.Logger
	scorer        func(source string) anomaly.Scorer
	correlation   incident.CorrelationPolicy
	merge         incident.MergePolicy
	now           func() time.Time
	source        string
	store         BaselineStore
	sweepInterval time.Duration
}

// Option customizes a Pipeline or Runner.
type Option func(*options)

// WithLogger sets the logger passed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithScorer replaces the statistical scorer. newScorer is called once per
// stream.
func WithScorer(newScorer func(source string) anomaly.Scorer) Option {
	return func(o *options) { o.scorer = newScorer }
}

// WithCorrelation sets the aggregator correlation policy.
func WithCorrelation(p incident.CorrelationPolicy) Option {
	return func(o *options) { o.correlation = p }
}

// WithMergePolicy sets the aggregator merge policy, overriding merge_by_client.
func WithMergePolicy(p incident.MergePolicy) Option {
	return func(o *options) { o.merge = p }
}

// WithClock sets the wall clock used for idle sweeps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSource names the stream of a single-source Pipeline.
func WithSource(name string) Option {
	return func(o *options) { o.source = name }
}

// WithBaselineStore restores each stream's baseline on creation and saves
// it on shutdown.
func WithBaselineStore(s BaselineStore) Option {
	return func(o *options) { o.store = s }
}

// WithSweepInterval sets how often a Runner closes idle incidents.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

func buildOptions(opts []Option) *options {
	o := &options{
		source:        DefaultSource,
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func newAggregator(cfg Config, o *options) *incident.Aggregator {
	ac := cfg.aggregatorConfig(o.logger)
	if o.correlation != nil {
		ac.Correlation = o.correlation
	}
	if o.merge != nil {
		ac.Merge = o.merge
	}
	ac.Now = o.now
	return incident.New(ac)
}

// Pipeline analyzes a single log source.
type Pipeline struct {
	cfg    Config
	opts   *options
	agg    *incident.Aggregator
	pub    *publisher
	stream *Stream
}

// New validates cfg and creates a pipeline publishing to sink. A nil sink
// discards reports; they are still returned by Process, Drain and Stop.
func New(cfg Config, sink model.ReportSink, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	o := buildOptions(opts)
	agg := newAggregator(cfg, o)
	pub := &publisher{builder: report.NewBuilder(cfg.reportConfig()), sink: sink, logger: o.logger}
	p := &Pipeline{
		cfg:    cfg,
		opts:   o,
		agg:    agg,
		pub:    pub,
		stream: newStream(o.source, cfg, o, agg, pub),
	}
	p.stream.restore(context.Background(), o.store)
	return p, nil
}

// Process analyzes one raw line. It is a no-op after Stop or Drain.
func (p *Pipeline) Process(ctx context.Context, line string) []model.ReportPayload {
	return p.ProcessEnvelope(ctx, model.IngestEnvelope{Source: p.stream.source, Line: line})
}

// ProcessEnvelope analyzes one line delivered by a log source.
func (p *Pipeline) ProcessEnvelope(ctx context.Context, env model.IngestEnvelope) []model.ReportPayload {
	return p.stream.Process(ctx, env)
}

// Drain ends a finite input: every open incident is closed as complete.
func (p *Pipeline) Drain(ctx context.Context) []model.ReportPayload {
	return p.finish(ctx, false)
}

// Stop ends processing mid-stream: every open incident is closed and
// reported as incomplete. Stop is idempotent.
func (p *Pipeline) Stop(ctx context.Context) []model.ReportPayload {
	return p.finish(ctx, true)
}

func (p *Pipeline) finish(ctx context.Context, incomplete bool) []model.ReportPayload {
	var out []model.ReportPayload
	p.stream.close(func() {
		out = p.pub.publish(ctx, p.agg.Flush(incomplete))
		p.stream.save(ctx, p.opts.store)
	})
	return out
}

// Health returns the stream counters.
func (p *Pipeline) Health() Health { return p.stream.Health() }

// Tracker returns the baseline tracker.
func (p *Pipeline) Tracker() *baseline.Tracker { return p.stream.tracker }

// Aggregator returns the incident aggregator.
func (p *Pipeline) Aggregator() *incident.Aggregator { return p.agg }
