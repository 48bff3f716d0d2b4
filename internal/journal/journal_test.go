package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinytelemetry/logsentry/internal/model"
)

func testReport(id string) model.ReportPayload {
	return model.ReportPayload{
		SchemaVersion:  1,
		ID:             id,
		Status:         model.IncidentClosed,
		CorrelationKey: model.DimensionKey{Dimension: model.DimensionEndpoint, Value: "/home"},
		Severity:       model.SeverityHigh,
		Start:          "2024-05-01T12:00:00Z",
		End:            "2024-05-01T12:01:00Z",
		Summary: model.ReportSummary{
			EventCount:   3,
			StatusCounts: map[string]int64{"503": 3},
		},
	}
}

func replayIDs(t *testing.T, j *Journal) []string {
	t.Helper()
	var ids []string
	err := j.Replay(func(_ uint64, r model.ReportPayload) error {
		ids = append(ids, r.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return ids
}

func TestAppendReplayCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	seq1, err := j.Append(testReport("first"))
	if err != nil {
		t.Fatalf("Append first: %v", err)
	}
	seq2, err := j.Append(testReport("second"))
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence did not advance: seq1=%d seq2=%d", seq1, seq2)
	}

	if err := j.Commit(seq1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := j.Committed(); got != seq1 {
		t.Fatalf("Committed() = %d, want %d", got, seq1)
	}

	ids := replayIDs(t, j)
	if len(ids) != 1 || ids[0] != "second" {
		t.Fatalf("Replay ids=%v, want [second]", ids)
	}
}

func TestReplayPreservesPayload(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "reports.journal"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	want := testReport("abc")
	if _, err := j.Append(want); err != nil {
		t.Fatalf("Append: %v", err)
	}
	err = j.Replay(func(_ uint64, got model.ReportPayload) error {
		if got.CorrelationKey != want.CorrelationKey || got.Summary.StatusCounts["503"] != 3 || got.Severity != want.Severity {
			t.Fatalf("replayed %+v, want %+v", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
}

func TestReopenCompactsCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := j.Append(testReport(id)); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
	if err := j.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := j.Append(testReport("late")); err == nil {
		t.Fatal("Append after Close should fail")
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer func() { _ = j2.Close() }()

	if ids := replayIDs(t, j2); len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("Replay after reopen=%v, want [c]", ids)
	}
	seq, err := j2.Append(testReport("d"))
	if err != nil {
		t.Fatalf("Append d: %v", err)
	}
	if seq != 4 {
		t.Fatalf("sequence after reopen = %d, want 4", seq)
	}
}

func TestOpenIgnoresPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(testReport("ok")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate torn write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(`{"seq":999,"report":`); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close torn writer: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer func() { _ = j2.Close() }()

	if ids := replayIDs(t, j2); len(ids) != 1 || ids[0] != "ok" {
		t.Fatalf("Replay after torn write=%v, want [ok]", ids)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
