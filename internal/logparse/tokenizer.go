package logparse

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/tinytelemetry/logsentry/internal/model"
)

var (
	tokRequestRe = regexp.MustCompile(`"([A-Z][A-Z_-]*) (\S+)(?: (HTTP/[0-9.]+))?"`)
	tokStatusRe  = regexp.MustCompile(`^\s*([1-5]\d{2})(?:\s+(\d+|-))?(?:\s|$)`)
)

// tokenize recovers an access event from a line in an unknown layout. It
// needs a client address, a timestamp, a quoted request and a status code
// following the request. Recovered events are marked low confidence.
func (p *Parser) tokenize(line string) (model.LogEvent, bool) {
	client := findClient(line)
	if client == "" {
		return model.LogEvent{}, false
	}
	ts := p.ts.Find(line)
	if !ts.Found {
		return model.LogEvent{}, false
	}
	loc := tokRequestRe.FindStringSubmatchIndex(line)
	if loc == nil {
		return model.LogEvent{}, false
	}
	sm := tokStatusRe.FindStringSubmatch(line[loc[1]:])
	if sm == nil {
		return model.LogEvent{}, false
	}
	status, _ := strconv.Atoi(sm[1])

	ev := model.LogEvent{
		Timestamp:     ts.Timestamp,
		Format:        string(FormatBestEffort),
		Client:        client,
		Method:        line[loc[2]:loc[3]],
		Path:          line[loc[4]:loc[5]],
		Status:        status,
		LowConfidence: true,
	}
	ev.Endpoint = endpointOf(ev.Path)
	if loc[6] >= 0 {
		ev.Protocol = line[loc[6]:loc[7]]
	}
	if sm[2] != "" && sm[2] != "-" {
		if size, err := strconv.ParseInt(sm[2], 10, 64); err == nil {
			ev.Size = size
		}
	}
	if level := ExtractSeverityFromText(line[:loc[0]]); level != "" {
		ev.Level = level
	}
	return ev, true
}

// findClient returns the first whitespace-delimited token that is an IP address.
func findClient(line string) string {
	for _, tok := range strings.Fields(line) {
		tok = strings.Trim(tok, `[]()<>,;"'`)
		if host, _, err := net.SplitHostPort(tok); err == nil {
			tok = host
		}
		if net.ParseIP(tok) != nil {
			return tok
		}
	}
	return ""
}
