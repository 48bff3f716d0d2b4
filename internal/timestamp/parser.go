package timestamp

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NginxAccessLayout is the $time_local layout used by nginx access logs.
const NginxAccessLayout = "02/Jan/2006:15:04:05 -0700"

// NginxErrorLayout is the timestamp layout of nginx error logs.
const NginxErrorLayout = "2006/01/02 15:04:05"

// Result is the outcome of searching text for a timestamp.
type Result struct {
	Timestamp time.Time
	Found     bool
	Layout    string
	Remaining string // text with the timestamp removed
}

type pattern struct {
	name      string
	re        *regexp.Regexp
	normalize func(string) string
	layouts   []string
	needsYear bool
}

// Parser recognizes the timestamp shapes found in web-server and
// application logs. Times without a zone are interpreted in Location.
type Parser struct {
	Location *time.Location
	Now      func() time.Time

	patterns []pattern
}

// NewParser returns a parser that reads zone-less timestamps as UTC.
func NewParser() *Parser {
	return &Parser{
		Location: time.UTC,
		Now:      time.Now,
		patterns: []pattern{
			{
				name:    "nginx-access",
				re:      regexp.MustCompile(`\d{2}/[A-Z][a-z]{2}/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4}`),
				layouts: []string{NginxAccessLayout},
			},
			{
				name: "iso8601",
				re:   regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?(?:Z|[+-]\d{2}:?\d{2})?`),
				normalize: func(s string) string {
					s = strings.Replace(s, " ", "T", 1)
					return strings.Replace(s, ",", ".", 1)
				},
				layouts: []string{
					"2006-01-02T15:04:05Z07:00",
					"2006-01-02T15:04:05Z0700",
					"2006-01-02T15:04:05",
				},
			},
			{
				name:    "nginx-error",
				re:      regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}`),
				layouts: []string{NginxErrorLayout},
			},
			{
				name:      "syslog",
				re:        regexp.MustCompile(`[A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}`),
				layouts:   []string{"Jan _2 15:04:05"},
				needsYear: true,
			},
		},
	}
}

// ParseFromText parses a timestamp at the start of text. A leading '['
// is skipped so bracketed timestamps are accepted.
func (p *Parser) ParseFromText(text string) Result {
	trimmed := strings.TrimLeft(text, " \t[")
	for _, pat := range p.patterns {
		loc := pat.re.FindStringIndex(trimmed)
		if loc == nil || loc[0] != 0 {
			continue
		}
		ts, ok := p.parseMatch(pat, trimmed[:loc[1]])
		if !ok {
			continue
		}
		rest := strings.TrimLeft(trimmed[loc[1]:], "]")
		return Result{Timestamp: ts, Found: true, Layout: pat.name, Remaining: strings.TrimSpace(rest)}
	}
	return Result{Remaining: text}
}

// Find searches text for the first timestamp of any known shape.
func (p *Parser) Find(text string) Result {
	best := Result{Remaining: text}
	bestAt := -1
	for _, pat := range p.patterns {
		loc := pat.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if bestAt >= 0 && loc[0] >= bestAt {
			continue
		}
		ts, ok := p.parseMatch(pat, text[loc[0]:loc[1]])
		if !ok {
			continue
		}
		bestAt = loc[0]
		best = Result{
			Timestamp: ts,
			Found:     true,
			Layout:    pat.name,
			Remaining: strings.TrimSpace(text[:loc[0]] + text[loc[1]:]),
		}
	}
	return best
}

// ParseNginxAccess parses an nginx $time_local value.
func (p *Parser) ParseNginxAccess(value string) (time.Time, bool) {
	ts, err := time.Parse(NginxAccessLayout, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// ParseNginxError parses the timestamp prefix of an nginx error log line.
func (p *Parser) ParseNginxError(value string) (time.Time, bool) {
	ts, err := time.ParseInLocation(NginxErrorLayout, value, p.location())
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// ParseTimestamp converts a string or numeric unix value into a UTC time.
func (p *Parser) ParseTimestamp(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return parseUnixTimestamp(n)
		}
		r := p.ParseFromText(s)
		if !r.Found || r.Remaining != "" {
			return time.Time{}, false
		}
		return r.Timestamp, true
	case float64:
		return parseUnixTimestamp(v)
	case int64:
		return parseUnixTimestamp(float64(v))
	case int:
		return parseUnixTimestamp(float64(v))
	default:
		return time.Time{}, false
	}
}

func (p *Parser) parseMatch(pat pattern, match string) (time.Time, bool) {
	if pat.normalize != nil {
		match = pat.normalize(match)
	}
	for _, layout := range pat.layouts {
		ts, err := time.ParseInLocation(layout, match, p.location())
		if err != nil {
			continue
		}
		if pat.needsYear {
			ts = ts.AddDate(p.now().Year(), 0, 0)
		}
		return ts.UTC(), true
	}
	return time.Time{}, false
}

func (p *Parser) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p *Parser) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// parseUnixTimestamp guesses the unit of a unix timestamp from its magnitude.
func parseUnixTimestamp(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	switch {
	case v < 1e11:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case v < 1e14:
		return time.UnixMilli(int64(v)).UTC(), true
	case v < 1e17:
		return time.UnixMicro(int64(v)).UTC(), true
	default:
		return time.Unix(0, int64(v)).UTC(), true
	}
}
