// Package logparse turns raw nginx access and error log lines into
// model.LogEvent values. Parsing never fails hard: every rejected line comes
// back as a *model.ParseError describing why.
package logparse

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/timestamp"
)

// Format selects the line grammar a Parser accepts.
type Format string

const (
	FormatAuto     Format = "auto"
	FormatAccess   Format = "nginx-access"
	FormatCombined Format = "nginx-combined"
	FormatError    Format = "nginx-error"

	// FormatBestEffort tags events recovered by the tokenizer in auto mode.
	FormatBestEffort Format = "best-effort"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatAuto, FormatAccess, FormatCombined, FormatError:
		return f, nil
	case "":
		return FormatAuto, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want auto, nginx-access, nginx-combined or nginx-error)", s)
	}
}

// Config holds parser settings.
type Config struct {
	Format       Format
	MaxLineBytes int
	// Location is the zone of nginx error-log timestamps, which carry none.
	Location *time.Location
}

// DefaultConfig returns the parser defaults.
func DefaultConfig() Config {
	return Config{
		Format:       FormatAuto,
		MaxLineBytes: model.DefaultMaxLineBytes,
		Location:     time.UTC,
	}
}

// Parser converts raw lines into events. A Parser holds no per-line state
// and is safe for concurrent use.
type Parser struct {
	format       Format
	maxLineBytes int
	ts           *timestamp.Parser
}

// NewParser creates a parser. Zero-valued config fields take defaults.
func NewParser(conf ...Config) *Parser {
	cfg := DefaultConfig()
	if len(conf) > 0 {
		c := conf[0]
		if c.Format != "" {
			cfg.Format = c.Format
		}
		if c.MaxLineBytes > 0 {
			cfg.MaxLineBytes = c.MaxLineBytes
		}
		if c.Location != nil {
			cfg.Location = c.Location
		}
	}
	ts := timestamp.NewParser()
	ts.Location = cfg.Location
	return &Parser{
		format:       cfg.Format,
		maxLineBytes: cfg.MaxLineBytes,
		ts:           ts,
	}
}

// Format returns the configured format.
func (p *Parser) Format() Format { return p.format }

// Parse parses one line. The returned error, when non-nil, is always a
// *model.ParseError.
func (p *Parser) Parse(line string) (ev model.LogEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = model.LogEvent{}
			err = model.NewParseError(model.ParseErrorMalformed, fmt.Sprintf("internal parser fault: %v", r), line)
		}
	}()

	line = strings.TrimRight(line, "\r\n")
	if len(line) > p.maxLineBytes {
		return model.LogEvent{}, model.NewParseError(model.ParseErrorMalformed,
			fmt.Sprintf("line length %d exceeds limit of %d bytes", len(line), p.maxLineBytes), line)
	}
	if strings.TrimSpace(line) == "" {
		return model.LogEvent{}, model.NewParseError(model.ParseErrorMalformed, "empty line", line)
	}

	var pe *model.ParseError
	switch p.format {
	case FormatAccess:
		ev, pe = p.parseAccess(line, false)
	case FormatCombined:
		ev, pe = p.parseAccess(line, true)
	case FormatError:
		ev, pe = p.parseErrorLine(line)
	default:
		ev, pe = p.parseAuto(line)
	}
	if pe != nil {
		return model.LogEvent{}, pe
	}
	ev.Raw = line
	return ev, nil
}

// ParseEnvelope parses a line delivered by a log source, rejecting lines
// the source already truncated, and stamps the event with its origin.
func (p *Parser) ParseEnvelope(env model.IngestEnvelope, seq uint64) (model.LogEvent, error) {
	if env.Oversized {
		pe := model.NewParseError(model.ParseErrorMalformed,
			fmt.Sprintf("line exceeds limit of %d bytes", p.maxLineBytes), env.Line)
		pe.Seq = seq
		return model.LogEvent{}, pe
	}
	ev, err := p.Parse(env.Line)
	if err != nil {
		var pe *model.ParseError
		if errors.As(err, &pe) {
			pe.Seq = seq
		}
		return model.LogEvent{}, err
	}
	ev.Seq = seq
	ev.Source = env.Source
	return ev, nil
}

// parseAuto tries each grammar in turn, then the tokenizer. When nothing
// matches, the most specific grammar error is returned.
func (p *Parser) parseAuto(line string) (model.LogEvent, *model.ParseError) {
	var firstSpecific *model.ParseError

	attempts := []func(string) (model.LogEvent, *model.ParseError){
		func(l string) (model.LogEvent, *model.ParseError) { return p.parseAccess(l, true) },
		func(l string) (model.LogEvent, *model.ParseError) { return p.parseAccess(l, false) },
		p.parseErrorLine,
	}
	for _, attempt := range attempts {
		ev, pe := attempt(line)
		if pe == nil {
			return ev, nil
		}
		if firstSpecific == nil && pe.Kind != model.ParseErrorMalformed {
			firstSpecific = pe
		}
	}
	if firstSpecific != nil {
		return model.LogEvent{}, firstSpecific
	}
	if ev, ok := p.tokenize(line); ok {
		return ev, nil
	}
	return model.LogEvent{}, model.NewParseError(model.ParseErrorMalformed, "line matches no known log format", line)
}

// endpointOf strips the query string and fragment from a request target.
func endpointOf(target string) string {
	if i := strings.Index(target, "://"); i >= 0 && !strings.HasPrefix(target, "/") {
		rest := target[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			target = rest[j:]
		} else {
			target = "/"
		}
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return "/"
	}
	return target
}

func dashEmpty(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
