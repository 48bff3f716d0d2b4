package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/pipeline"
	"github.com/tinytelemetry/logsentry/internal/report"
	"github.com/tinytelemetry/logsentry/internal/timestamp"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func nopLogger() *zap.Logger { return zap.NewNop() }

func accessLine(ts time.Time, client, path string, status int) string {
	return fmt.Sprintf(`%s - - [%s] "GET %s HTTP/1.1" %d 512 "-" "test-agent/1.0"`,
		client, ts.Format(timestamp.NginxAccessLayout), path, status)
}

// homeBurstLog is 100 quiet minutes of /home traffic, one minute with a
// burst of 50 requests from new clients, then 10 more quiet minutes.
func homeBurstLog() []string {
	var out []string
	steady := func(from, to int) {
		for w := from; w < to; w++ {
			start := t0.Add(time.Duration(w) * time.Minute)
			for j := 0; j < 10; j++ {
				out = append(out, accessLine(start.Add(time.Duration(j)*5*time.Second), fmt.Sprintf("10.0.0.%d", j+1), "/home", 200))
			}
		}
	}
	steady(0, 100)
	burst := t0.Add(100 * time.Minute)
	for i := 0; i < 50; i++ {
		out = append(out, accessLine(burst.Add(time.Duration(i)*time.Second), fmt.Sprintf("198.51.100.%d", i+1), "/home", 200))
	}
	steady(101, 111)
	return out
}

func writeLog(t *testing.T, name string, lines []string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func testAppConfig() appConfig {
	return appConfig{Config: pipeline.DefaultConfig()}
}

func decodeReports(t *testing.T, out *bytes.Buffer) []model.ReportPayload {
	t.Helper()

	var reports []model.ReportPayload
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r model.ReportPayload
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode report %q: %v", sc.Text(), err)
		}
		reports = append(reports, r)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan output: %v", err)
	}
	return reports
}

func TestAnalyzeFiles_Burst(t *testing.T) {
	t.Parallel()

	path := writeLog(t, "access.log", homeBurstLog())
	var out, errOut bytes.Buffer

	n, err := analyzeFiles(context.Background(), testAppConfig(), []string{path}, "json", &out, &errOut, nopLogger())
	if err != nil {
		t.Fatalf("analyzeFiles: %v", err)
	}
	if n != 1 {
		t.Fatalf("analyzeFiles returned %d reports, want 1", n)
	}

	reports := decodeReports(t, &out)
	if len(reports) != 1 {
		t.Fatalf("decoded %d reports, want 1", len(reports))
	}
	r := reports[0]
	if r.CorrelationKey.Dimension != model.DimensionEndpoint || r.CorrelationKey.Value != "/home" {
		t.Fatalf("correlation key = %+v, want endpoint=/home", r.CorrelationKey)
	}
	if r.Incomplete {
		t.Fatal("report drained at end of file should be complete")
	}
	if r.Status != model.IncidentClosed {
		t.Fatalf("status = %q, want closed", r.Status)
	}

	summary := errOut.String()
	if !strings.Contains(summary, "file:"+path) || !strings.Contains(summary, "1 reports") {
		t.Fatalf("health summary = %q", summary)
	}
}

func TestAnalyzeFiles_YAML(t *testing.T) {
	t.Parallel()

	path := writeLog(t, "access.log", homeBurstLog())
	var out, errOut bytes.Buffer

	if _, err := analyzeFiles(context.Background(), testAppConfig(), []string{path}, "yaml", &out, &errOut, nopLogger()); err != nil {
		t.Fatalf("analyzeFiles: %v", err)
	}
	if !strings.Contains(out.String(), "dimension: endpoint") {
		t.Fatalf("yaml output missing correlation key:\n%s", out.String())
	}
}

func TestAnalyzeFiles_QuietFileWithMalformedLine(t *testing.T) {
	t.Parallel()

	var lines []string
	for w := 0; w < 30; w++ {
		start := t0.Add(time.Duration(w) * time.Minute)
		for j := 0; j < 5; j++ {
			lines = append(lines, accessLine(start.Add(time.Duration(j)*10*time.Second), fmt.Sprintf("10.0.0.%d", j+1), "/api", 200))
		}
	}
	lines = append(lines[:20:20], append([]string{"this is not an nginx line"}, lines[20:]...)...)
	path := writeLog(t, "quiet.log", lines)

	var out, errOut bytes.Buffer
	n, err := analyzeFiles(context.Background(), testAppConfig(), []string{path}, "json", &out, &errOut, nopLogger())
	if err != nil {
		t.Fatalf("analyzeFiles: %v", err)
	}
	if n != 0 || out.Len() != 0 {
		t.Fatalf("expected no reports, got %d:\n%s", n, out.String())
	}
	if !strings.Contains(errOut.String(), "151 lines, 150 events, 1 parse errors, 0 reports") {
		t.Fatalf("health summary = %q", errOut.String())
	}
	if strings.Contains(errOut.String(), "degraded") {
		t.Fatalf("one bad line should not degrade the stream: %q", errOut.String())
	}
	if !strings.Contains(errOut.String(), "rejected x1: this is not an nginx line") {
		t.Fatalf("summary missing rejected template: %q", errOut.String())
	}
}

func TestAnalyzeFiles_EachFileHasItsOwnBaseline(t *testing.T) {
	t.Parallel()

	first := writeLog(t, "a.log", homeBurstLog())
	second := writeLog(t, "b.log", homeBurstLog())
	var out, errOut bytes.Buffer

	n, err := analyzeFiles(context.Background(), testAppConfig(), []string{first, second}, "json", &out, &errOut, nopLogger())
	if err != nil {
		t.Fatalf("analyzeFiles: %v", err)
	}
	if n != 2 {
		t.Fatalf("analyzeFiles returned %d reports, want one per file", n)
	}
}

func TestAnalyzeFiles_Errors(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	if _, err := analyzeFiles(context.Background(), testAppConfig(), []string{"x"}, "xml", &out, &errOut, nopLogger()); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
	missing := filepath.Join(t.TempDir(), "missing.log")
	if _, err := analyzeFiles(context.Background(), testAppConfig(), []string{missing}, "json", &out, &errOut, nopLogger()); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := testAppConfig()
	bad.Format = "apache"
	path := writeLog(t, "access.log", homeBurstLog()[:10])
	if _, err := analyzeFiles(context.Background(), bad, []string{path}, "json", &out, &errOut, nopLogger()); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestAnalyzeFiles_CanceledBeforeStart(t *testing.T) {
	t.Parallel()

	path := writeLog(t, "access.log", homeBurstLog())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, errOut bytes.Buffer
	n, err := analyzeFiles(ctx, testAppConfig(), []string{path}, "json", &out, &errOut, nopLogger())
	if err != nil {
		t.Fatalf("analyzeFiles: %v", err)
	}
	if n != 0 {
		t.Fatalf("canceled analysis should not read any file, got %d reports", n)
	}
}

// chanSource is a LogSource fed by the test.
type chanSource struct {
	lines chan model.IngestEnvelope
}

func (s *chanSource) Lines() <-chan model.IngestEnvelope { return s.lines }
func (s *chanSource) Stop()                              {}
func (s *chanSource) Name() string                       { return "chan" }

func TestAnalyzeSource_InterruptedReportsIncomplete(t *testing.T) {
	t.Parallel()

	// Stop after window 102, while the burst incident is still open.
	lines := homeBurstLog()[:100*10+50+2*10]
	src := &chanSource{lines: make(chan model.IngestEnvelope)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for _, l := range lines {
			src.lines <- model.IngestEnvelope{Source: "chan", Line: l}
		}
		// The last send has been received, so cancellation is the only
		// thing left for analyzeSource to observe.
		cancel()
	}()

	var out bytes.Buffer
	ws, err := report.NewWriterSink(&out, report.EncodingJSON)
	if err != nil {
		t.Fatalf("NewWriterSink: %v", err)
	}
	reports, health, err := analyzeSource(ctx, testAppConfig(), src, ws, nopLogger())
	if err != nil {
		t.Fatalf("analyzeSource: %v", err)
	}
	if health.Lines != int64(len(lines)) {
		t.Fatalf("health.Lines = %d, want %d", health.Lines, len(lines))
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	if !reports[0].Incomplete {
		t.Fatal("report flushed on interrupt should be incomplete")
	}
	if got := decodeReports(t, &out); len(got) != 1 || got[0].ID != reports[0].ID {
		t.Fatalf("sink output does not match returned reports: %+v", got)
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "Version:    dev") {
		t.Fatalf("version output = %q", out.String())
	}
}
