package logsource

import (
	"context"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/linescan"
	"github.com/tinytelemetry/logsentry/internal/model"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for stdin lines.
	DefaultStdinBuffer = 50_000

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single stdin line.
	DefaultStdinMaxLineSize = linescan.DefaultMaxLineSize
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
	Logger      *zap.Logger
}

// StdinSource reads log lines from stdin.
type StdinSource struct {
	ch     chan model.IngestEnvelope
	cancel context.CancelFunc
	once   sync.Once
}

// NewStdinSource creates a StdinSource that reads from stdin in a background goroutine.
func NewStdinSource(ctx context.Context, conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(ctx, os.Stdin, conf...)
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader, conf ...StdinConfig) *StdinSource {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
	}
	go readLines(ctx, r, s.Name(), maxLineSize, s.ch, logger, nil)
	return s
}

// readLines forwards the lines of r to ch until EOF or cancellation and
// then closes ch. Blocking reads happen on a helper goroutine so that
// cancellation is observed even while the reader is idle; release, when
// set, runs once that goroutine stops reading.
func readLines(ctx context.Context, r io.Reader, name string, maxLineSize int, ch chan<- model.IngestEnvelope, logger *zap.Logger, release func()) {
	defer close(ch)

	results := make(chan model.IngestEnvelope)
	go func() {
		defer close(results)
		if release != nil {
			defer release()
		}
		scanner := linescan.New(r, maxLineSize)
		for scanner.Scan() {
			line := scanner.Line()
			if line == "" {
				continue
			}
			if scanner.Oversized() {
				logger.Warn("logsource: truncated oversized line",
					zap.String("source", name), zap.Int("max_line_size", maxLineSize))
			}
			select {
			case results <- model.IngestEnvelope{Source: name, Line: line, Oversized: scanner.Oversized()}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("logsource: read error", zap.String("source", name), zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-results:
			if !ok {
				return
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StdinSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *StdinSource) Stop()                              { s.once.Do(s.cancel) }
func (s *StdinSource) Name() string                       { return "stdin" }
