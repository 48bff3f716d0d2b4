package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/journal"
	"github.com/tinytelemetry/logsentry/internal/metrics"
	"github.com/tinytelemetry/logsentry/internal/model"
)

const (
	// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
	DefaultFlushQueueSize = 64

	DefaultBatchSize     = 200
	DefaultFlushInterval = time.Second
)

type journaledReport struct {
	seq    uint64
	report model.ReportPayload
}

type durableJournal interface {
	Append(r model.ReportPayload) (uint64, error)
	Commit(seq uint64) error
	Replay(fn func(seq uint64, r model.ReportPayload) error) error
	Close() error
}

// InsertBuffer batches reports and flushes them to DuckDB asynchronously.
// Publish never blocks on DuckDB writes; batches go to a flush goroutine.
// When a journal is configured each report is appended to it first and
// committed once stored.
type InsertBuffer struct {
	writer        ReportWriter
	logger        *zap.Logger
	mu            sync.Mutex
	pending       []journaledReport
	flushChan     chan []journaledReport
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup
	journal       durableJournal

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix seconds of the last backpressure warning
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Journal        *journal.Journal
	Logger         *zap.Logger
}

// NewInsertBuffer creates an insert buffer that flushes to writer.
func NewInsertBuffer(writer ReportWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := DefaultBatchSize
	flushInterval := DefaultFlushInterval
	flushQueueSize := DefaultFlushQueueSize
	logger := zap.NewNop()
	var j durableJournal
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
		if conf[0].Journal != nil {
			j = conf[0].Journal
		}
	}

	b := &InsertBuffer{
		writer:        writer,
		logger:        logger.Named("duckdb.insert"),
		pending:       make([]journaledReport, 0, batchSize),
		flushChan:     make(chan []journaledReport, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		journal:       j,
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

// Recover stores every uncommitted journal entry left by a previous run and
// returns how many were replayed. Call it before the first Publish.
func (b *InsertBuffer) Recover() (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	var batch []journaledReport
	err := b.journal.Replay(func(seq uint64, r model.ReportPayload) error {
		batch = append(batch, journaledReport{seq: seq, report: r})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("duckdb: replay journal: %w", err)
	}
	if err := b.flushBatch(batch); err != nil {
		return 0, err
	}
	if len(batch) > 0 {
		b.logger.Info("replayed journaled reports", zap.Int("reports", len(batch)))
	}
	return len(batch), nil
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure warns at most once per 10 seconds when the flush channel
// is full and a batch is flushed inline.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		b.logger.Warn("flush channel full, flushing inline", zap.Int64("inline_flushes", count))
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]journaledReport, 0, b.maxBatch)
	b.mu.Unlock()

	b.enqueue(batch)
}

func (b *InsertBuffer) enqueue(batch []journaledReport) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		if err := b.flushBatch(batch); err != nil {
			b.logger.Error("inline flush failed", zap.Error(err))
		}
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		if err := b.flushBatch(batch); err != nil {
			b.logger.Error("flush failed", zap.Error(err))
		}
	}
}

// Publish implements model.ReportSink. The report is journaled
// synchronously; storage happens on the next flush.
func (b *InsertBuffer) Publish(ctx context.Context, r model.ReportPayload) error {
	select {
	case <-b.done:
		return fmt.Errorf("duckdb: insert buffer stopped, dropping report %s", r.ID)
	default:
	}

	seq := uint64(0)
	if b.journal != nil {
		var err error
		if seq, err = b.journal.Append(r); err != nil {
			return fmt.Errorf("duckdb: journal report %s: %w", r.ID, err)
		}
	}

	b.mu.Lock()
	b.pending = append(b.pending, journaledReport{seq: seq, report: r})
	var batch []journaledReport
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]journaledReport, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
	return nil
}

// Stop flushes remaining reports, waits for all writes to complete and
// closes the journal. It is safe to call more than once.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		// The final drain must reach flushChan before it is closed.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
		if b.journal != nil {
			if err := b.journal.Close(); err != nil {
				b.logger.Warn("journal close failed", zap.Error(err))
			}
		}
	})
}

func (b *InsertBuffer) flushBatch(batch []journaledReport) error {
	if len(batch) == 0 {
		return nil
	}

	reports := make([]model.ReportPayload, 0, len(batch))
	var maxSeq uint64
	for _, item := range batch {
		reports = append(reports, item.report)
		maxSeq = max(maxSeq, item.seq)
	}

	if err := b.writer.InsertReportBatch(reports); err != nil {
		return err
	}
	metrics.ReportsInserted.Add(float64(len(reports)))

	if b.journal != nil && maxSeq > 0 {
		if err := b.journal.Commit(maxSeq); err != nil {
			return fmt.Errorf("journal commit seq=%d: %w", maxSeq, err)
		}
	}
	return nil
}

// InsertReportBatch upserts reports in a single transaction. Reports are
// keyed by ID, so replaying a journal after a crash is harmless. If the
// batch fails it is retried report by report to salvage what it can.
func (s *Store) InsertReportBatch(reports []model.ReportPayload) error {
	if len(reports) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.insertBatchTx(ctx, reports)
	if err == nil {
		return nil
	}

	var failed int
	for _, r := range reports {
		if rerr := s.insertBatchTx(ctx, []model.ReportPayload{r}); rerr != nil {
			failed++
			s.logger.Warn("dropping report", zap.String("id", r.ID), zap.Error(rerr))
		}
	}
	if failed == len(reports) {
		return fmt.Errorf("duckdb: insert reports: %w", err)
	}
	if failed > 0 {
		s.logger.Warn("report batch partially failed", zap.Int("dropped", failed), zap.Int("batch", len(reports)))
	}
	return nil
}

func (s *Store) insertBatchTx(ctx context.Context, reports []model.ReportPayload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO reports (id, schema_version, status, incomplete, dimension, value, severity, severity_rank, start_time, end_time, duration_seconds, peak_score, event_count, distinct_clients, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range reports {
		start, err := time.Parse(time.RFC3339Nano, r.Start)
		if err != nil {
			return fmt.Errorf("report %s start: %w", r.ID, err)
		}
		end, err := time.Parse(time.RFC3339Nano, r.End)
		if err != nil {
			return fmt.Errorf("report %s end: %w", r.ID, err)
		}
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("report %s payload: %w", r.ID, err)
		}

		if _, err := stmt.ExecContext(
			ctx,
			r.ID, r.SchemaVersion, string(r.Status), r.Incomplete,
			r.CorrelationKey.Dimension, r.CorrelationKey.Value,
			string(r.Severity), r.Severity.Rank(),
			start.UTC(), end.UTC(), r.DurationSeconds,
			r.Summary.PeakScore, r.Summary.EventCount, r.Summary.DistinctClients,
			string(payload),
		); err != nil {
			return fmt.Errorf("report insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
