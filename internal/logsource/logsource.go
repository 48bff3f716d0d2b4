// Package logsource provides the line sources the pipeline consumes.
package logsource

import "github.com/tinytelemetry/logsentry/internal/model"

// LogSource is a unified interface for all log input sources (TCP, file, stdin).
type LogSource interface {
	Lines() <-chan model.IngestEnvelope // read-only channel of log lines, closed at end of input
	Stop()                              // graceful shutdown
	Name() string                       // "tcp", "file:<path>", "stdin"
}
