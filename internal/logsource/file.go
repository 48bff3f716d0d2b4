package logsource

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/linescan"
	"github.com/tinytelemetry/logsentry/internal/model"
)

// DefaultFileBuffer is the default channel buffer size for file lines.
const DefaultFileBuffer = 10_000

// FileConfig holds tunable parameters for the file source.
type FileConfig struct {
	BufferSize  int
	MaxLineSize int
	Logger      *zap.Logger
}

// FileSource reads a log file once from start to end. Files ending in .gz
// (rotated nginx logs) are decompressed on the fly.
type FileSource struct {
	path   string
	ch     chan model.IngestEnvelope
	cancel context.CancelFunc
	once   sync.Once
}

// NewFileSource opens path and starts reading it in a background goroutine.
func NewFileSource(ctx context.Context, path string, conf ...FileConfig) (*FileSource, error) {
	bufferSize := DefaultFileBuffer
	maxLineSize := linescan.DefaultMaxLineSize
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

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("logsource: open %s: %w", path, err)
	}
	var r io.Reader = f
	closers := []io.Closer{f}
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("logsource: gzip %s: %w", path, err)
		}
		r = zr
		closers = append([]io.Closer{zr}, closers...)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &FileSource{
		path:   path,
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
	}
	go readLines(ctx, r, s.Name(), maxLineSize, s.ch, logger, func() {
		for _, c := range closers {
			_ = c.Close()
		}
	})
	return s, nil
}

func (s *FileSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *FileSource) Stop()                              { s.once.Do(s.cancel) }
func (s *FileSource) Name() string                       { return "file:" + s.path }
