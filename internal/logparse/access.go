package logparse

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/logsentry/internal/model"
)

var (
	// remote_addr ident remote_user [time_local] "request" status bytes<tail>
	accessRe = regexp.MustCompile(`^(\S+) (\S+) (\S+) \[([^\]]*)\] "((?:[^"\\]|\\.)*)" (\S+) (\S+)(.*)$`)

	// "referrer" "user_agent"<tail>
	combinedTailRe = regexp.MustCompile(`^ "((?:[^"\\]|\\.)*)" "((?:[^"\\]|\\.)*)"(.*)$`)

	accessPrefixRe = regexp.MustCompile(`^\S+ \S+ \S+ \[`)
	methodRe       = regexp.MustCompile(`^[A-Z][A-Z_-]*$`)
)

func (p *Parser) parseAccess(line string, combined bool) (model.LogEvent, *model.ParseError) {
	format := FormatAccess
	if combined {
		format = FormatCombined
	}

	m := accessRe.FindStringSubmatch(line)
	if m == nil {
		if accessPrefixRe.MatchString(line) && looksTruncated(line) {
			return model.LogEvent{}, model.NewParseError(model.ParseErrorTruncated,
				fmt.Sprintf("%s line ends inside a bracketed or quoted field", format), line)
		}
		return model.LogEvent{}, model.NewParseError(model.ParseErrorMalformed,
			fmt.Sprintf("line does not match %s format", format), line)
	}

	ts, ok := p.ts.ParseNginxAccess(m[4])
	if !ok {
		return model.LogEvent{}, model.NewParseError(model.ParseErrorTruncated,
			fmt.Sprintf("invalid time_local %q", m[4]), line)
	}

	ev := model.LogEvent{
		Timestamp: ts,
		Format:    string(format),
		Client:    m[1],
		User:      dashEmpty(m[3]),
	}

	if pe := parseRequest(&ev, m[5], line); pe != nil {
		return model.LogEvent{}, pe
	}

	status, err := strconv.Atoi(m[6])
	if err != nil || len(m[6]) != 3 || status < 100 || status > 599 {
		return model.LogEvent{}, model.NewParseError(model.ParseErrorUnsupported,
			fmt.Sprintf("invalid status %q", m[6]), line)
	}
	ev.Status = status

	if m[7] != "-" {
		size, err := strconv.ParseInt(m[7], 10, 64)
		if err != nil || size < 0 {
			return model.LogEvent{}, model.NewParseError(model.ParseErrorUnsupported,
				fmt.Sprintf("invalid body size %q", m[7]), line)
		}
		ev.Size = size
	}

	tail := m[8]
	if combined {
		cm := combinedTailRe.FindStringSubmatch(tail)
		if cm == nil {
			if strings.Count(tail, `"`)%2 == 1 {
				return model.LogEvent{}, model.NewParseError(model.ParseErrorTruncated,
					"unterminated referrer or user agent", line)
			}
			return model.LogEvent{}, model.NewParseError(model.ParseErrorMalformed,
				"missing referrer and user agent fields", line)
		}
		ev.Referrer = dashEmpty(cm[1])
		ev.UserAgent = dashEmpty(cm[2])
		tail = cm[3]
	}

	if pe := parseLatency(&ev, tail, line); pe != nil {
		return model.LogEvent{}, pe
	}
	return ev, nil
}

// parseRequest splits "METHOD target PROTOCOL" into the event.
func parseRequest(ev *model.LogEvent, request, line string) *model.ParseError {
	fields := strings.Fields(request)
	switch len(fields) {
	case 2, 3:
	default:
		return model.NewParseError(model.ParseErrorUnsupported,
			fmt.Sprintf("unsupported request line %q", truncate(request, 64)), line)
	}
	if !methodRe.MatchString(fields[0]) {
		return model.NewParseError(model.ParseErrorUnsupported,
			fmt.Sprintf("unsupported method %q", truncate(fields[0], 32)), line)
	}
	ev.Method = fields[0]
	ev.Path = fields[1]
	ev.Endpoint = endpointOf(fields[1])
	if len(fields) == 3 {
		if !strings.HasPrefix(fields[2], "HTTP/") {
			return model.NewParseError(model.ParseErrorUnsupported,
				fmt.Sprintf("unsupported protocol %q", truncate(fields[2], 32)), line)
		}
		ev.Protocol = fields[2]
	}
	return nil
}

// parseLatency reads an optional request time from the trailing fields:
// a bare $request_time value, or rt=, request_time=, urt= pairs.
// Explicit request time wins over upstream time; "-" means unknown.
func parseLatency(ev *model.LogEvent, tail, line string) *model.ParseError {
	var (
		seconds  float64
		priority int
	)
	for _, tok := range strings.Fields(tail) {
		key, value, hasKey := strings.Cut(tok, "=")
		rank := 1
		if hasKey {
			switch key {
			case "rt", "request_time":
				rank = 3
			case "urt", "upstream_response_time":
				rank = 2
			default:
				continue
			}
		} else {
			value = tok
		}
		value = strings.Trim(value, `",`)
		if value == "-" || value == "" {
			continue
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			if hasKey {
				return model.NewParseError(model.ParseErrorUnsupported,
					fmt.Sprintf("invalid %s value %q", key, truncate(value, 32)), line)
			}
			continue
		}
		if rank > priority {
			seconds, priority = v, rank
		}
	}
	if priority > 0 {
		ev.Latency = time.Duration(seconds * float64(time.Second))
		ev.HasLatency = true
	}
	return nil
}

// looksTruncated reports whether line stops inside a bracket or quote.
func looksTruncated(line string) bool {
	if strings.Count(line, "[") > strings.Count(line, "]") {
		return true
	}
	quotes := strings.Count(line, `"`) - strings.Count(line, `\"`)
	return quotes%2 == 1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
