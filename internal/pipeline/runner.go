package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/logsentry/internal/baseline"
	"github.com/tinytelemetry/logsentry/internal/incident"
	"github.com/tinytelemetry/logsentry/internal/logsource"
	"github.com/tinytelemetry/logsentry/internal/metrics"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/report"
)

// Runner analyzes several sources concurrently. Each source gets its own
// Stream; all streams share one aggregator so a single incident can collect
// evidence from every source.
type Runner struct {
	cfg  Config
	opts *options
	agg  *incident.Aggregator
	pub  *publisher

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewRunner validates cfg and creates a runner publishing to sink.
func NewRunner(cfg Config, sink model.ReportSink, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	o := buildOptions(opts)
	return &Runner{
		cfg:     cfg,
		opts:    o,
		agg:     newAggregator(cfg, o),
		pub:     &publisher{builder: report.NewBuilder(cfg.reportConfig()), sink: sink, logger: o.logger},
		streams: make(map[string]*Stream),
	}, nil
}

// Stream returns the stream for source, creating it on first use.
func (r *Runner) Stream(source string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[source]; ok {
		return s
	}
	s := newStream(source, r.cfg, r.opts, r.agg, r.pub)
	s.restore(context.Background(), r.opts.store)
	r.streams[source] = s
	return s
}

// Run consumes every source until all of them are exhausted or ctx is
// cancelled, then closes the remaining open incidents. Incidents flushed
// because of cancellation are reported as incomplete.
func (r *Runner) Run(ctx context.Context, sources []logsource.LogSource) error {
	if len(sources) == 0 {
		return errors.New("pipeline: no log sources")
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		r.sweep(sweepCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		stream := r.Stream(src.Name())
		g.Go(func() error {
			return r.consume(gctx, src, stream)
		})
	}
	err := g.Wait()

	stopSweep()
	<-sweepDone

	incomplete := ctx.Err() != nil
	flushCtx := context.WithoutCancel(ctx)
	r.pub.publish(flushCtx, r.agg.Flush(incomplete))
	metrics.IncidentsOpen.Set(0)
	r.saveBaselines(flushCtx)
	r.opts.logger.Info("pipeline: runner stopped", zap.Bool("cancelled", incomplete))
	return err
}

func (r *Runner) consume(ctx context.Context, src logsource.LogSource, stream *Stream) error {
	r.opts.logger.Info("pipeline: stream started", zap.String("source", src.Name()))
	for {
		select {
		case <-ctx.Done():
			src.Stop()
			return nil
		case env, ok := <-src.Lines():
			if !ok {
				r.opts.logger.Info("pipeline: source exhausted", zap.String("source", src.Name()))
				return nil
			}
			stream.Process(ctx, env)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	ticker := time.NewTicker(r.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if closed := r.agg.Sweep(r.opts.now()); len(closed) > 0 {
				r.pub.publish(ctx, closed)
				metrics.IncidentsOpen.Set(float64(r.agg.OpenCount()))
			}
		}
	}
}

func (r *Runner) saveBaselines(ctx context.Context) {
	if r.opts.store == nil {
		return
	}
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()
	for _, s := range streams {
		s.save(ctx, r.opts.store)
	}
}

// Health returns the health of every stream, sorted by source.
func (r *Runner) Health() []Health {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	out := make([]Health, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Baseline returns the current baseline of a source.
func (r *Runner) Baseline(source string) (*baseline.Baseline, bool) {
	r.mu.Lock()
	s, ok := r.streams[source]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.tracker.Baseline(), true
}

// Aggregator returns the shared incident aggregator.
func (r *Runner) Aggregator() *incident.Aggregator { return r.agg }

// OpenIncidents returns a snapshot of the incidents still open.
func (r *Runner) OpenIncidents() []model.Incident { return r.agg.Open() }
