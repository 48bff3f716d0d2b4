package logparse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tinytelemetry/logsentry/internal/model"
)

var (
	// YYYY/MM/DD HH:MM:SS [level] pid#tid: *cid message
	errorLineRe   = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}) \[([A-Za-z]+)\] (\d+)#(\d+): (?:\*\d+ )?(.*)$`)
	errorPrefixRe = regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} `)

	errClientRe  = regexp.MustCompile(`, client: ([^,\s]+)`)
	errRequestRe = regexp.MustCompile(`, request: "((?:[^"\\]|\\.)*)"`)
)

func (p *Parser) parseErrorLine(line string) (model.LogEvent, *model.ParseError) {
	m := errorLineRe.FindStringSubmatch(line)
	if m == nil {
		if errorPrefixRe.MatchString(line) && looksTruncated(line) {
			return model.LogEvent{}, model.NewParseError(model.ParseErrorTruncated,
				"nginx-error line ends inside a bracketed or quoted field", line)
		}
		return model.LogEvent{}, model.NewParseError(model.ParseErrorMalformed,
			"line does not match nginx-error format", line)
	}

	ts, ok := p.ts.ParseNginxError(m[1])
	if !ok {
		return model.LogEvent{}, model.NewParseError(model.ParseErrorTruncated,
			fmt.Sprintf("invalid error log time %q", m[1]), line)
	}
	level, ok := NormalizeSeverity(m[2])
	if !ok {
		return model.LogEvent{}, model.NewParseError(model.ParseErrorUnsupported,
			fmt.Sprintf("unsupported level %q", m[2]), line)
	}

	ev := model.LogEvent{
		Timestamp: ts,
		Format:    string(FormatError),
		Level:     level,
	}

	msg := m[5]
	if cm := errClientRe.FindStringSubmatchIndex(msg); cm != nil {
		ev.Client = msg[cm[2]:cm[3]]
		ev.Message = strings.TrimSpace(msg[:cm[0]])
	} else {
		ev.Message = strings.TrimSpace(msg)
	}
	if rm := errRequestRe.FindStringSubmatch(msg); rm != nil {
		// The request context is informative only; a bad one does not reject the line.
		var req model.LogEvent
		if parseRequest(&req, rm[1], line) == nil {
			ev.Method = req.Method
			ev.Path = req.Path
			ev.Endpoint = req.Endpoint
			ev.Protocol = req.Protocol
		}
	}
	return ev, nil
}
