package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/logsentry/internal/anomaly"
	"github.com/tinytelemetry/logsentry/internal/baseline"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/report"
	"github.com/tinytelemetry/logsentry/internal/timestamp"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func accessLine(ts time.Time, client, path string, status int) string {
	return fmt.Sprintf(`%s - - [%s] "GET %s HTTP/1.1" %d 512 "-" "test-agent/1.0"`,
		client, ts.Format(timestamp.NginxAccessLayout), path, status)
}

// steadyLines produces ten /home requests per one-minute window from a
// fixed pool of clients, for windows [from, to).
func steadyLines(from, to int) []string {
	var out []string
	for w := from; w < to; w++ {
		start := t0.Add(time.Duration(w) * time.Minute)
		for j := 0; j < 10; j++ {
			out = append(out, accessLine(start.Add(time.Duration(j)*5*time.Second), fmt.Sprintf("10.0.0.%d", j+1), "/home", 200))
		}
	}
	return out
}

// burstLines produces n /home requests from fresh clients inside window w.
func burstLines(w, n int) []string {
	start := t0.Add(time.Duration(w) * time.Minute)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, accessLine(start.Add(time.Duration(i)*time.Second), fmt.Sprintf("198.51.100.%d", i+1), "/home", 200))
	}
	return out
}

func homeBurstScenario() []string {
	lines := steadyLines(0, 100)
	lines = append(lines, burstLines(100, 50)...)
	return append(lines, steadyLines(101, 111)...)
}

func runAll(t *testing.T, p *Pipeline, lines []string) []model.ReportPayload {
	t.Helper()
	ctx := context.Background()
	var out []model.ReportPayload
	for _, l := range lines {
		out = append(out, p.Process(ctx, l)...)
	}
	return append(out, p.Drain(ctx)...)
}

func newTestPipeline(t *testing.T, sink model.ReportSink, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(DefaultConfig(), sink, opts...)
	require.NoError(t, err)
	return p
}

func TestPipeline_HomeBurstYieldsOneIncident(t *testing.T) {
	var sink report.Collector
	p := newTestPipeline(t, &sink)

	reports := runAll(t, p, homeBurstScenario())
	require.Len(t, reports, 1)
	assert.Equal(t, reports, sink.Reports())

	r := reports[0]
	assert.Equal(t, model.DimensionKey{Dimension: model.DimensionEndpoint, Value: "/home"}, r.CorrelationKey)
	assert.Equal(t, model.IncidentClosed, r.Status)
	assert.False(t, r.Incomplete)
	assert.Equal(t, int64(37), r.Summary.EventCount, "flagged from the 14th burst request on")
	assert.Equal(t, 37, r.Summary.DistinctClients)
	assert.Equal(t, model.SeverityCritical, r.Severity)
	assert.InDelta(t, 40.0, r.Summary.PeakScore, 1e-9)
	assert.Equal(t, "2024-05-01T13:40:13Z", r.Start)
	assert.Equal(t, "2024-05-01T13:40:49Z", r.End)
	assert.Len(t, r.Samples, model.DefaultMaxSampleEvents)
	assert.Equal(t, int64(27), r.SamplesOmitted)

	h := p.Health()
	assert.Equal(t, int64(len(homeBurstScenario())), h.Lines)
	assert.Zero(t, h.ParseErrors)
	assert.Equal(t, int64(37), h.Anomalies)
	assert.LessOrEqual(t, h.RetainedWindows, model.DefaultWindowHistory+1)
}

func TestPipeline_IdempotentReplay(t *testing.T) {
	lines := homeBurstScenario()
	// A second key with its own error spike.
	for i := 0; i < 20; i++ {
		lines = append(lines, accessLine(t0.Add(111*time.Minute+time.Duration(i)*time.Second), "10.0.0.1", "/home", 503))
	}

	encode := func() []byte {
		p := newTestPipeline(t, nil)
		raw, err := json.Marshal(runAll(t, p, lines))
		require.NoError(t, err)
		return raw
	}
	first, second := encode(), encode()
	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, string(first), string(second))
}

func TestPipeline_MalformedLineIsolated(t *testing.T) {
	clean := homeBurstScenario()
	dirty := append([]string{}, clean[:1020]...)
	dirty = append(dirty, `this is not an nginx line`)
	dirty = append(dirty, clean[1020:]...)

	want := runAll(t, newTestPipeline(t, nil), clean)
	p := newTestPipeline(t, nil)
	got := runAll(t, p, dirty)

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Summary.EventCount, got[i].Summary.EventCount)
		assert.Equal(t, want[i].Summary.PeakScore, got[i].Summary.PeakScore)
		assert.Equal(t, want[i].Start, got[i].Start)
	}

	h := p.Health()
	assert.Equal(t, int64(len(dirty)), h.Lines)
	assert.Equal(t, int64(len(clean)), h.Events)
	assert.Equal(t, int64(1), h.ParseErrors)
	assert.Equal(t, int64(1), h.ErrorsByKind[model.ParseErrorMalformed])
	assert.NotEmpty(t, h.LastParseError)
	assert.False(t, h.Degraded)
}

func TestPipeline_RejectedLinesMinedIntoTemplates(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		p.Process(ctx, fmt.Sprintf("upstream timed out connecting to 10.1.0.%d", i))
	}
	p.Process(ctx, "GET /broken")
	p.Process(ctx, "   ")
	for _, l := range steadyLines(0, 2) {
		p.Process(ctx, l)
	}

	h := p.Health()
	assert.Equal(t, int64(6), h.ParseErrors)
	require.Len(t, h.RejectPatterns, 2, "blank lines are not mined")
	assert.Equal(t, RejectPattern{Template: "upstream timed out connecting to <*>", Count: 4}, h.RejectPatterns[0])
	assert.Equal(t, RejectPattern{Template: "GET /broken", Count: 1}, h.RejectPatterns[1])

	raw, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reject_patterns":[{"template":"upstream timed out connecting to \u003c*\u003e","count":4}`)
}

func TestPipeline_FutureDatedLineDoesNotDerailBaseline(t *testing.T) {
	clean := homeBurstScenario()
	lines := append([]string{}, clean[:1000]...)
	lines = append(lines, accessLine(t0.AddDate(1, 0, 0), "10.0.0.1", "/home", 200))
	lines = append(lines, clean[1000:]...)

	want := runAll(t, newTestPipeline(t, nil), clean)
	p := newTestPipeline(t, nil)
	got := runAll(t, p, lines)

	require.Len(t, got, 1)
	require.Len(t, want, 1)
	assert.Equal(t, want[0].ID, got[0].ID)
	assert.Equal(t, want[0].Summary.EventCount, got[0].Summary.EventCount)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)

	h := p.Health()
	assert.Equal(t, int64(len(lines)), h.Lines)
	assert.Equal(t, int64(len(clean)), h.Events)
	assert.Equal(t, int64(1), h.Inconsistencies)
}

func TestPipeline_FutureDatedFirstLineIsAbandoned(t *testing.T) {
	clean := homeBurstScenario()
	lines := append([]string{accessLine(t0.AddDate(1, 0, 0), "10.0.0.1", "/home", 200)}, clean...)

	want := runAll(t, newTestPipeline(t, nil), clean)
	p := newTestPipeline(t, nil)
	got := runAll(t, p, lines)

	require.Len(t, want, 1)
	require.Len(t, got, 1, "the stream re-anchors on real time instead of closing every incident at once")
	assert.Equal(t, want[0].ID, got[0].ID)
	assert.Equal(t, want[0].Summary.EventCount, got[0].Summary.EventCount)

	h := p.Health()
	assert.Equal(t, int64(len(lines)), h.Lines)
	assert.Equal(t, int64(len(lines)-(model.DefaultForwardJumpConfirm-1)), h.Events)
	assert.Equal(t, int64(model.DefaultForwardJumpConfirm-1), h.Inconsistencies)
}

func TestPipeline_OneMalformedAmongHundred(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	lines := steadyLines(0, 10)
	for i, l := range lines {
		p.Process(ctx, l)
		if i == 49 {
			p.Process(ctx, `GET /broken`)
		}
	}
	h := p.Health()
	assert.Equal(t, int64(101), h.Lines)
	assert.Equal(t, int64(100), h.Events)
	assert.Equal(t, int64(1), h.ParseErrors)
	assert.InDelta(t, 1.0/101, h.ParseErrorRatio(), 1e-12)
	assert.False(t, h.Degraded)
}

func TestPipeline_DegradedStream(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	for i, l := range steadyLines(0, 8) {
		p.Process(ctx, l)
		if i%2 == 0 {
			p.Process(ctx, "garbage")
		}
	}
	h := p.Health()
	assert.Equal(t, int64(120), h.Lines)
	assert.True(t, h.Degraded)
	assert.Equal(t, []RejectPattern{{Template: "garbage", Count: 40}}, h.RejectPatterns)
	assert.Empty(t, p.Drain(ctx), "a degraded stream is not a failure")
}

func TestPipeline_StopReportsIncomplete(t *testing.T) {
	var sink report.Collector
	p := newTestPipeline(t, &sink)
	ctx := context.Background()

	lines := append(steadyLines(0, 100), burstLines(100, 50)...)
	for _, l := range lines {
		require.Empty(t, p.Process(ctx, l))
	}
	require.Len(t, p.Aggregator().Open(), 1)

	stopped := p.Stop(ctx)
	require.Len(t, stopped, 1)
	assert.True(t, stopped[0].Incomplete)
	assert.Equal(t, model.IncidentClosed, stopped[0].Status)
	assert.Equal(t, "/home", stopped[0].CorrelationKey.Value)
	assert.Len(t, sink.Reports(), 1)

	assert.Empty(t, p.Stop(ctx), "stop is idempotent")
	assert.Nil(t, p.Process(ctx, steadyLines(101, 102)[0]), "no processing after stop")
	assert.Empty(t, p.Aggregator().Open())
}

func TestPipeline_CustomScorer(t *testing.T) {
	calls := 0
	scorer := anomaly.Func(func(ev model.LogEvent, view baseline.View) []model.AnomalyScore {
		calls++
		if ev.Client != "203.0.113.9" {
			return nil
		}
		return []model.AnomalyScore{{
			Key:     model.DimensionKey{Dimension: model.DimensionClient, Value: ev.Client},
			Metric:  model.MetricRate,
			Score:   9,
			Flagged: true,
		}}
	})
	p := newTestPipeline(t, nil, WithScorer(func(string) anomaly.Scorer { return scorer }))

	lines := steadyLines(0, 2)
	lines = append(lines, accessLine(t0.Add(2*time.Minute), "203.0.113.9", "/admin", 403))
	reports := runAll(t, p, lines)

	assert.Equal(t, len(lines), calls)
	require.Len(t, reports, 1)
	assert.Equal(t, "client=203.0.113.9", reports[0].CorrelationKey.String())
	assert.Equal(t, model.SeverityHigh, reports[0].Severity)
}

func flagEverything(ev model.LogEvent, _ baseline.View) []model.AnomalyScore {
	return []model.AnomalyScore{{
		Key:     model.DimensionKey{Dimension: model.DimensionClient, Value: ev.Client},
		Metric:  model.MetricRate,
		Score:   9,
		Flagged: true,
	}}
}

func TestPipeline_StopWaitsForInFlightLine(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	scorer := anomaly.Func(func(ev model.LogEvent, view baseline.View) []model.AnomalyScore {
		once.Do(func() {
			close(entered)
			<-release
		})
		return flagEverything(ev, view)
	})
	p := newTestPipeline(t, nil, WithScorer(func(string) anomaly.Scorer { return scorer }))
	ctx := context.Background()

	processed := make(chan []model.ReportPayload, 1)
	go func() { processed <- p.Process(ctx, accessLine(t0, "203.0.113.9", "/admin", 403)) }()
	<-entered

	stopped := make(chan []model.ReportPayload, 1)
	go func() { stopped <- p.Stop(ctx) }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a line was still being processed")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	assert.Empty(t, <-processed)
	got := <-stopped
	require.Len(t, got, 1, "the in-flight line is part of the final flush")
	assert.True(t, got[0].Incomplete)
	assert.Zero(t, p.Aggregator().OpenCount())

	assert.Nil(t, p.Process(ctx, accessLine(t0.Add(time.Second), "203.0.113.9", "/admin", 403)))
	assert.Equal(t, int64(1), p.Health().Lines)
}

func TestPipeline_NoIncidentOpensAfterStop(t *testing.T) {
	scorer := anomaly.Func(flagEverything)
	p := newTestPipeline(t, nil, WithScorer(func(string) anomaly.Scorer { return scorer }))
	ctx := context.Background()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				p.Process(ctx, accessLine(t0, "203.0.113.9", "/admin", 403))
			}
		}()
	}
	close(start)
	stopped := p.Stop(ctx)
	wg.Wait()

	assert.Zero(t, p.Aggregator().OpenCount(), "a line accepted after Stop would leave its incident unreported")
	if p.Health().Events > 0 {
		require.Len(t, stopped, 1)
		assert.Equal(t, p.Health().Events, stopped[0].Summary.EventCount)
	} else {
		assert.Empty(t, stopped)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Publish(context.Context, model.ReportPayload) error {
	f.calls++
	return errors.New("disk full")
}

func TestPipeline_SinkFailureDoesNotStopProcessing(t *testing.T) {
	sink := &failingSink{}
	p := newTestPipeline(t, sink)
	reports := runAll(t, p, homeBurstScenario())
	assert.Len(t, reports, 1)
	assert.Equal(t, 1, sink.calls)
}

type memoryStore struct {
	mu    sync.Mutex
	snaps map[string][]byte
}

func (m *memoryStore) LoadBaseline(_ context.Context, source string) (baseline.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.snaps[source]
	if !ok {
		return baseline.Snapshot{}, false, nil
	}
	var snap baseline.Snapshot
	err := json.Unmarshal(raw, &snap)
	return snap, err == nil, err
}

func (m *memoryStore) SaveBaseline(_ context.Context, source string, snap baseline.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = make(map[string][]byte)
	}
	m.snaps[source] = raw
	return nil
}

func TestPipeline_BaselinePersistsAcrossRestarts(t *testing.T) {
	store := &memoryStore{}

	first := newTestPipeline(t, nil, WithBaselineStore(store), WithSource("file:/var/log/nginx/access.log"))
	assert.Empty(t, runAll(t, first, steadyLines(0, 100)))
	require.Contains(t, store.snaps, "file:/var/log/nginx/access.log")

	second := newTestPipeline(t, nil, WithBaselineStore(store), WithSource("file:/var/log/nginx/access.log"))
	b := second.Tracker().Baseline()
	kb, ok := b.Key(model.DimensionKey{Dimension: model.DimensionEndpoint, Value: "/home"})
	require.True(t, ok)
	assert.Equal(t, int64(model.DefaultWindowHistory), kb.Rate.N)

	reports := runAll(t, second, burstLines(100, 50))
	require.Len(t, reports, 1, "restored baseline scores the burst without a warm-up")
	assert.Equal(t, int64(37), reports[0].Summary.EventCount)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSizeSeconds = 0
	cfg.SeverityThresholds = []float64{8, 5, 12}

	_, err := New(cfg, nil)
	require.Error(t, err)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))

	_, err = NewRunner(cfg, nil)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"format", func(c *Config) { c.Format = "apache" }, "format"},
		{"window size", func(c *Config) { c.WindowSizeSeconds = -1 }, "window_size_seconds"},
		{"history", func(c *Config) { c.WindowHistoryCount = 0 }, "window_history_count"},
		{"threshold", func(c *Config) { c.AnomalyThreshold = 0 }, "anomaly_threshold"},
		{"min samples", func(c *Config) { c.MinSamplesForBaseline = 1 }, "min_samples_for_baseline"},
		{"correlation window", func(c *Config) { c.CorrelationWindowSeconds = 0 }, "correlation_window_seconds"},
		{"severity count", func(c *Config) { c.SeverityThresholds = []float64{5, 8} }, "severity_thresholds"},
		{"severity order", func(c *Config) { c.SeverityThresholds = []float64{5, 5, 12} }, "severity_thresholds"},
		{"samples", func(c *Config) { c.MaxSampleEventsPerIncident = 0 }, "max_sample_events_per_incident"},
		{"floor", func(c *Config) { c.StdDevFloor = 0 }, "stddev_floor"},
		{"error ratio floor", func(c *Config) { c.ErrorRatioStdDevFloor = -0.1 }, "error_ratio_stddev_floor"},
		{"latency floor", func(c *Config) { c.LatencyStdDevFloorSeconds = 0 }, "latency_stddev_floor_seconds"},
		{"min window events", func(c *Config) { c.MinWindowEvents = 0 }, "min_window_events"},
		{"max keys", func(c *Config) { c.MaxKeysPerWindow = 0 }, "max_keys_per_window"},
		{"skew", func(c *Config) { c.ClockSkewToleranceSeconds = 0 }, "clock_skew_tolerance_seconds"},
		{"forward jump", func(c *Config) { c.MaxForwardJumpSeconds = -1 }, "max_forward_jump_seconds"},
		{"line bytes", func(c *Config) { c.MaxLineBytes = 10 }, "max_line_bytes"},
		{"parse ratio", func(c *Config) { c.MaxParseErrorRatio = 1.5 }, "max_parse_error_ratio"},
		{"timezone", func(c *Config) { c.ErrorLogTimezone = "Mars/Olympus" }, "error_log_timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			errs := ConfigErrors(cfg.Validate())
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
			assert.Contains(t, errs[0].Error(), tt.field)
		})
	}
}

func TestConfigValidate_ReportsEveryField(t *testing.T) {
	errs := ConfigErrors(Config{Format: "auto", ErrorLogTimezone: "UTC"}.Validate())
	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, f := range []string{"window_size_seconds", "window_history_count", "anomaly_threshold", "severity_thresholds", "max_line_bytes"} {
		assert.True(t, fields[f], "missing error for %s", f)
	}
	assert.False(t, fields["format"])
	assert.False(t, fields["max_parse_error_ratio"])
}
