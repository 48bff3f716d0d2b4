package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/logsentry/internal/model"
)

// Encoding selects the serialization of a WriterSink.
type Encoding string

const (
	EncodingJSON Encoding = "json" // one JSON document per line
	EncodingYAML Encoding = "yaml" // "---" separated YAML documents
)

// ParseEncoding validates an encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case EncodingJSON, EncodingYAML:
		return e, nil
	case "":
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("unknown report encoding %q (want json or yaml)", s)
	}
}

// WriterSink serializes reports to an io.Writer.
type WriterSink struct {
	mu  sync.Mutex
	enc interface{ Encode(v any) error }
}

// NewWriterSink creates a sink writing to w in the given encoding.
func NewWriterSink(w io.Writer, encoding Encoding) (*WriterSink, error) {
	switch encoding {
	case EncodingJSON, "":
		return &WriterSink{enc: json.NewEncoder(w)}, nil
	case EncodingYAML:
		ye := yaml.NewEncoder(w)
		ye.SetIndent(2)
		return &WriterSink{enc: ye}, nil
	default:
		return nil, fmt.Errorf("unknown report encoding %q", encoding)
	}
}

// Publish implements model.ReportSink.
func (s *WriterSink) Publish(_ context.Context, r model.ReportPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("report: encode %s: %w", r.ID, err)
	}
	return nil
}

// MultiSink publishes each report to every sink, in order.
type MultiSink []model.ReportSink

// Publish implements model.ReportSink. Every sink is attempted; failures
// are joined.
func (m MultiSink) Publish(ctx context.Context, r model.ReportPayload) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to model.ReportSink.
type SinkFunc func(ctx context.Context, r model.ReportPayload) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, r model.ReportPayload) error {
	return f(ctx, r)
}

// Collector keeps published reports in memory.
type Collector struct {
	mu      sync.Mutex
	reports []model.ReportPayload
}

// Publish implements model.ReportSink.
func (c *Collector) Publish(_ context.Context, r model.ReportPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return nil
}

// Reports returns a copy of the collected reports in publish order.
func (c *Collector) Reports() []model.ReportPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ReportPayload(nil), c.reports...)
}
