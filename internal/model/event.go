package model

import (
	"fmt"
	"time"
)

// LogEvent is one parsed log line. It is created by the line parser and
// passed by value downstream; no stage mutates it after parsing.
type LogEvent struct {
	Seq       uint64    // position of the line in its source, starting at 1
	Timestamp time.Time // canonical UTC time of the request
	Source    string    // "stdin", "tcp", "file:<path>"
	Format    string    // format that produced the event

	Client   string
	User     string
	Method   string
	Path     string // request target as logged, including query string
	Endpoint string // Path without query string or fragment
	Protocol string
	Status   int // 0 when the line carries no status (error logs)
	Size     int64

	Latency    time.Duration
	HasLatency bool

	Referrer  string
	UserAgent string

	// Level and Message are populated for error-log events.
	Level   string
	Message string

	// LowConfidence marks events recovered by the best-effort tokenizer.
	LowConfidence bool

	Raw string
}

// IsServerError reports whether the event carries a 5xx status.
func (e LogEvent) IsServerError() bool {
	return e.Status >= 500 && e.Status <= 599
}

// StatusClass returns the status class ("2xx", "5xx", ...) or "" when unknown.
func (e LogEvent) StatusClass() string {
	if e.Status < 100 || e.Status > 599 {
		return ""
	}
	return fmt.Sprintf("%dxx", e.Status/100)
}

// ParseErrorKind classifies why a line could not be parsed.
type ParseErrorKind string

const (
	ParseErrorMalformed   ParseErrorKind = "malformed-format"
	ParseErrorUnsupported ParseErrorKind = "unsupported-field"
	ParseErrorTruncated   ParseErrorKind = "truncated-line"
)

// MaxParseErrorRaw caps how much of an offending line a ParseError retains.
const MaxParseErrorRaw = 1024

// ParseError describes a line that could not be turned into a LogEvent.
// Parsers return it as a value; it never escapes the pipeline as a fault.
type ParseError struct {
	Seq    uint64
	Kind   ParseErrorKind
	Reason string
	Raw    string // offending text, capped at MaxParseErrorRaw bytes
	Length int    // byte length of the original line
}

// NewParseError builds a ParseError, capping the retained raw text.
func NewParseError(kind ParseErrorKind, reason, raw string) *ParseError {
	pe := &ParseError{
		Kind:   kind,
		Reason: reason,
		Length: len(raw),
	}
	if len(raw) > MaxParseErrorRaw {
		raw = raw[:MaxParseErrorRaw]
	}
	pe.Raw = raw
	return pe
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Kind, e.Reason)
}
