package duckdb

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/logsentry/internal/model"
)

func TestSnapshotToInMemory(t *testing.T) {
	store := newTestStore(t)
	if err := store.SnapshotTo(filepath.Join(t.TempDir(), "snap.duckdb")); !errors.Is(err, ErrInMemoryStore) {
		t.Fatalf("SnapshotTo error = %v, want ErrInMemoryStore", err)
	}
}

func TestSnapshotToOpensAsStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "reports.duckdb"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	insertTestReports(t, store,
		testReport("a", model.SeverityHigh, endpoint("/home"), t0),
		testReport("b", model.SeverityLow, endpoint("/api"), t0.Add(time.Hour)),
	)

	snapPath := filepath.Join(dir, "snapshots", "reports-1.duckdb")
	if err := store.SnapshotTo(snapPath); err != nil {
		t.Fatalf("SnapshotTo: %v", err)
	}

	restored, err := NewStore(snapPath)
	if err != nil {
		t.Fatalf("NewStore(snapshot): %v", err)
	}
	defer restored.Close()

	count, err := restored.ReportCount()
	if err != nil {
		t.Fatalf("ReportCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("snapshot report count = %d, want 2", count)
	}
	if _, ok, err := restored.ReportByID("a"); err != nil || !ok {
		t.Fatalf("ReportByID(a) ok=%v err=%v", ok, err)
	}
}
