package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/logsentry/internal/baseline"
	"github.com/tinytelemetry/logsentry/internal/duckdb"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeMonitor struct {
	health    []pipeline.Health
	open      []model.Incident
	baselines map[string]*baseline.Baseline
}

func (m *fakeMonitor) Health() []pipeline.Health        { return m.health }
func (m *fakeMonitor) OpenIncidents() []model.Incident { return m.open }
func (m *fakeMonitor) Baseline(source string) (*baseline.Baseline, bool) {
	b, ok := m.baselines[source]
	return b, ok
}

func closedReport(id string, sev model.Severity) model.ReportPayload {
	return model.ReportPayload{
		SchemaVersion:  model.DefaultReportSchemaVersion,
		ID:             id,
		Status:         model.IncidentClosed,
		CorrelationKey: model.DimensionKey{Dimension: model.DimensionEndpoint, Value: "/login"},
		Severity:       sev,
		Start:          t0.Format(time.RFC3339Nano),
		End:            t0.Add(time.Minute).Format(time.RFC3339Nano),
		Summary:        model.ReportSummary{EventCount: 3},
	}
}

func openIncident(id string) model.Incident {
	return model.Incident{
		ID:         id,
		Key:        model.DimensionKey{Dimension: model.DimensionClient, Value: "198.51.100.7"},
		Status:     model.IncidentOpen,
		Start:      t0,
		End:        t0.Add(10 * time.Second),
		PeakScore:  13,
		Severity:   model.SeverityCritical,
		EventCount: 4,
	}
}

func newTestServer(t *testing.T, mon *fakeMonitor) (*duckdb.Store, http.Handler) {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer("", store, mon)
	return store, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	mon := &fakeMonitor{
		health: []pipeline.Health{{Source: "stdin", Lines: 10, Events: 10}},
		open:   []model.Incident{openIncident("open-1")},
	}
	_, h := newTestServer(t, mon)

	w := do(t, h, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]interface{}
	decode(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["open_incidents"] != float64(1) || body["report_count"] != float64(0) {
		t.Errorf("body = %v", body)
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	mon := &fakeMonitor{health: []pipeline.Health{{
		Source:         "tcp",
		Degraded:       true,
		RejectPatterns: []pipeline.RejectPattern{{Template: "upstream timed out <*>", Count: 7}},
	}}}
	_, h := newTestServer(t, mon)

	var body struct {
		Status  string            `json:"status"`
		Streams []pipeline.Health `json:"streams"`
	}
	decode(t, do(t, h, http.MethodGet, "/api/health", nil), &body)
	if body.Status != "degraded" {
		t.Errorf("status = %v, want degraded", body.Status)
	}
	if len(body.Streams) != 1 || len(body.Streams[0].RejectPatterns) != 1 {
		t.Fatalf("streams = %+v", body.Streams)
	}
	if got := body.Streams[0].RejectPatterns[0]; got.Template != "upstream timed out <*>" || got.Count != 7 {
		t.Errorf("reject pattern = %+v", got)
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	_, h := newTestServer(t, &fakeMonitor{})

	w := do(t, h, http.MethodPost, "/api/health", nil)
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestIncidentsEndpoint(t *testing.T) {
	mon := &fakeMonitor{open: []model.Incident{openIncident("open-1")}}
	store, h := newTestServer(t, mon)
	if err := store.InsertReportBatch([]model.ReportPayload{
		closedReport("c-low", model.SeverityLow),
		closedReport("c-high", model.SeverityHigh),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var body struct {
		Open   []model.ReportPayload `json:"open"`
		Closed []model.ReportPayload `json:"closed"`
	}
	w := do(t, h, http.MethodGet, "/api/incidents?min_severity=high", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &body)
	if len(body.Open) != 1 || body.Open[0].ID != "open-1" || body.Open[0].Status != model.IncidentOpen {
		t.Fatalf("open = %+v", body.Open)
	}
	if len(body.Closed) != 1 || body.Closed[0].ID != "c-high" {
		t.Fatalf("closed = %+v", body.Closed)
	}

	for _, q := range []string{"?limit=0", "?limit=abc", "?min_severity=urgent"} {
		if w := do(t, h, http.MethodGet, "/api/incidents"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestIncidentByID(t *testing.T) {
	mon := &fakeMonitor{open: []model.Incident{openIncident("open-1")}}
	store, h := newTestServer(t, mon)
	if err := store.InsertReportBatch([]model.ReportPayload{closedReport("c1", model.SeverityMedium)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		id     string
		code   int
		status model.IncidentStatus
	}{
		{id: "open-1", code: http.StatusOK, status: model.IncidentOpen},
		{id: "c1", code: http.StatusOK, status: model.IncidentClosed},
		{id: "c1", code: http.StatusOK, status: model.IncidentClosed}, // served from cache
		{id: "nope", code: http.StatusNotFound},
	}
	for _, tt := range tests {
		w := do(t, h, http.MethodGet, "/api/incidents/"+tt.id, nil)
		if w.Code != tt.code {
			t.Fatalf("%s: status = %d, want %d", tt.id, w.Code, tt.code)
		}
		if tt.code != http.StatusOK {
			continue
		}
		var r model.ReportPayload
		decode(t, w, &r)
		if r.ID != tt.id || r.Status != tt.status {
			t.Fatalf("%s: got %+v", tt.id, r)
		}
	}
}

func TestBaselineEndpoint(t *testing.T) {
	tr := baseline.New()
	for w := 0; w < 4; w++ {
		for j := 0; j < 5; j++ {
			tr.Update(model.LogEvent{
				Timestamp: t0.Add(time.Duration(w)*time.Minute + time.Duration(j)*time.Second),
				Client:    "10.0.0.1",
				Endpoint:  "/home",
				Status:    200,
			})
		}
	}
	mon := &fakeMonitor{baselines: map[string]*baseline.Baseline{"file:/var/log/nginx/access.log": tr.Baseline()}}
	_, h := newTestServer(t, mon)

	w := do(t, h, http.MethodGet, "/api/baseline/file:/var/log/nginx/access.log?dimension=endpoint", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Source  string  `json:"source"`
		Windows int     `json:"windows"`
		Size    float64 `json:"window_size_seconds"`
		Keys    []struct {
			Dimension string         `json:"dimension"`
			Value     string         `json:"value"`
			Rate      baseline.Stats `json:"rate"`
		} `json:"keys"`
	}
	decode(t, w, &body)
	if body.Source != "file:/var/log/nginx/access.log" || body.Windows != 3 || body.Size != 60 {
		t.Fatalf("body = %+v", body)
	}
	if len(body.Keys) != 1 || body.Keys[0].Value != "/home" || body.Keys[0].Rate.Mean != 5 {
		t.Fatalf("keys = %+v", body.Keys)
	}

	if w := do(t, h, http.MethodGet, "/api/baseline/unknown", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown source status = %d, want 404", w.Code)
	}
}

func TestQueryEndpoint_ValidSelect(t *testing.T) {
	store, h := newTestServer(t, &fakeMonitor{})
	if err := store.InsertReportBatch([]model.ReportPayload{closedReport("q1", model.SeverityHigh)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := do(t, h, http.MethodPost, "/api/query", []byte(`{"sql":"SELECT id, severity FROM reports"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	decode(t, w, &body)
	if body["row_count"] != float64(1) {
		t.Errorf("row_count = %v, want 1", body["row_count"])
	}
}

func TestQueryEndpoint_Rejections(t *testing.T) {
	_, h := newTestServer(t, &fakeMonitor{})

	tests := []struct {
		name string
		body string
	}{
		{name: "missing sql", body: `{}`},
		{name: "bad json", body: `{`},
		{name: "delete", body: `{"sql":"DELETE FROM reports"}`},
		{name: "chained", body: `{"sql":"SELECT 1; DROP TABLE reports"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/query", []byte(tt.body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestSchemaEndpoint(t *testing.T) {
	_, h := newTestServer(t, &fakeMonitor{})

	w := do(t, h, http.MethodGet, "/api/schema", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("schema status = %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Tables    map[string][]map[string]string `json:"tables"`
		RowCounts map[string]int64               `json:"row_counts"`
	}
	decode(t, w, &body)
	if _, ok := body.Tables["reports"]; !ok {
		t.Fatalf("tables = %v", body.Tables)
	}
	if _, ok := body.RowCounts["baseline_snapshots"]; !ok {
		t.Fatalf("row_counts = %v", body.RowCounts)
	}
}

func TestWithoutStore(t *testing.T) {
	h := NewServer("", nil, &fakeMonitor{open: []model.Incident{openIncident("o")}}).Handler()

	if w := do(t, h, http.MethodPost, "/api/query", []byte(`{"sql":"SELECT 1"}`)); w.Code != http.StatusServiceUnavailable {
		t.Errorf("query status = %d, want 503", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/incidents/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("incident status = %d, want 404", w.Code)
	}
	var body map[string]interface{}
	decode(t, do(t, h, http.MethodGet, "/api/health", nil), &body)
	if _, ok := body["report_count"]; ok {
		t.Errorf("report_count present without a store: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t, &fakeMonitor{})

	w := do(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatal("metrics output missing default collectors")
	}
}
