package narrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/metrics"
	"github.com/tinytelemetry/logsentry/internal/model"
)

// SinkConfig holds optional Sink settings.
type SinkConfig struct {
	// Timeout bounds a single narration; 0 keeps the caller's deadline.
	Timeout time.Duration
	// Writer, when set, receives one "[id] text" line per narration.
	Writer io.Writer
	Logger *zap.Logger
}

// Sink is a model.ReportSink that narrates each report. Narration errors
// are logged and counted but never returned.
type Sink struct {
	narrator Narrator
	timeout  time.Duration
	logger   *zap.Logger

	mu sync.Mutex
	w  io.Writer
}

// NewSink wraps n as a report sink.
func NewSink(n Narrator, conf ...SinkConfig) *Sink {
	s := &Sink{narrator: n, logger: zap.NewNop()}
	if len(conf) > 0 {
		s.timeout = conf[0].Timeout
		s.w = conf[0].Writer
		if conf[0].Logger != nil {
			s.logger = conf[0].Logger
		}
	}
	s.logger = s.logger.Named("narrator")
	return s
}

// Publish implements model.ReportSink.
func (s *Sink) Publish(ctx context.Context, r model.ReportPayload) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.narrator.Narrate(ctx, r)
	metrics.NarrationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.NarrationsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("narration failed", zap.String("report_id", r.ID), zap.Error(err))
		return nil
	}
	metrics.NarrationsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("incident narrated",
		zap.String("report_id", r.ID),
		zap.String("severity", string(r.Severity)),
		zap.String("narration", text))

	if s.w != nil {
		s.mu.Lock()
		_, werr := fmt.Fprintf(s.w, "[%s] %s\n", r.ID, text)
		s.mu.Unlock()
		if werr != nil {
			s.logger.Warn("write narration failed", zap.Error(werr))
		}
	}
	return nil
}
