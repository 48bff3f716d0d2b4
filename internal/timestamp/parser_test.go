package timestamp

import (
	"testing"
	"time"
)

func TestParseFromText_ISO8601(t *testing.T) {
	p := NewParser()

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"RFC3339", "2024-01-15T10:30:45Z some log message", time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)},
		{"RFC3339Nano", "2024-01-15T10:30:45.123456789Z some log message", time.Date(2024, 1, 15, 10, 30, 45, 123456789, time.UTC)},
		{"RFC3339 offset", "2024-01-15T10:30:45+05:00 some message", time.Date(2024, 1, 15, 5, 30, 45, 0, time.UTC)},
		{"space separated", "2024-01-15 10:30:45 some log message", time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)},
		{"millis", "2024-01-15 10:30:45.123 some log message", time.Date(2024, 1, 15, 10, 30, 45, 123000000, time.UTC)},
		{"comma decimal", "2024-01-15 10:30:45,123 some log message", time.Date(2024, 1, 15, 10, 30, 45, 123000000, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := p.ParseFromText(tt.input)
			if !result.Found {
				t.Fatalf("ParseFromText(%q) did not find timestamp", tt.input)
			}
			if !result.Timestamp.Equal(tt.want) {
				t.Errorf("ParseFromText(%q) = %v, want %v", tt.input, result.Timestamp, tt.want)
			}
			if result.Layout != "iso8601" {
				t.Errorf("layout = %q, want iso8601", result.Layout)
			}
		})
	}
}

func TestParseFromText_NginxAccessBracketed(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("[10/Oct/2023:13:55:36 -0700] GET /index.html")
	if !result.Found {
		t.Fatal("nginx access timestamp not parsed")
	}
	want := time.Date(2023, 10, 10, 20, 55, 36, 0, time.UTC)
	if !result.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", result.Timestamp, want)
	}
	if result.Remaining != "GET /index.html" {
		t.Errorf("remaining = %q, want %q", result.Remaining, "GET /index.html")
	}
}

func TestParseFromText_NginxError(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("2023/10/10 13:55:36 [error] 1234#0: upstream timed out")
	if !result.Found {
		t.Fatal("nginx error timestamp not parsed")
	}
	if result.Layout != "nginx-error" {
		t.Errorf("layout = %q, want nginx-error", result.Layout)
	}
	if result.Remaining != "[error] 1234#0: upstream timed out" {
		t.Errorf("remaining = %q", result.Remaining)
	}
}

func TestParseFromText_Syslog(t *testing.T) {
	p := NewParser()
	p.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

	result := p.ParseFromText("Jan 15 10:30:45 some syslog message")
	if !result.Found {
		t.Fatal("syslog format not parsed")
	}
	want := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)
	if !result.Timestamp.Equal(want) {
		t.Errorf("syslog timestamp = %v, want %v", result.Timestamp, want)
	}
}

func TestParseFromText_NoTimestamp(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("just a regular log message")
	if result.Found {
		t.Error("should not find timestamp in plain text")
	}
	if result.Remaining != "just a regular log message" {
		t.Errorf("remaining = %q, want original text", result.Remaining)
	}
}

func TestParseFromText_NotAtStart(t *testing.T) {
	p := NewParser()

	result := p.ParseFromText("prefix 2024-01-15T10:30:45Z")
	if result.Found {
		t.Error("ParseFromText should only match a leading timestamp")
	}
}

func TestFind_Embedded(t *testing.T) {
	p := NewParser()

	result := p.Find(`10.0.0.1 - - [10/Oct/2023:13:55:36 +0000] "GET / HTTP/1.1" 200`)
	if !result.Found {
		t.Fatal("Find did not locate embedded timestamp")
	}
	want := time.Date(2023, 10, 10, 13, 55, 36, 0, time.UTC)
	if !result.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", result.Timestamp, want)
	}
	if result.Layout != "nginx-access" {
		t.Errorf("layout = %q, want nginx-access", result.Layout)
	}
}

func TestFind_PicksEarliest(t *testing.T) {
	p := NewParser()

	result := p.Find("at 2023/10/10 13:55:36 then 2024-01-15T10:30:45Z")
	if !result.Found {
		t.Fatal("Find did not locate timestamp")
	}
	if result.Layout != "nginx-error" {
		t.Errorf("layout = %q, want nginx-error (earliest match)", result.Layout)
	}
}

func TestParseNginxAccess(t *testing.T) {
	p := NewParser()

	ts, ok := p.ParseNginxAccess("10/Oct/2023:13:55:36 +0200")
	if !ok {
		t.Fatal("ParseNginxAccess failed")
	}
	if ts.Location() != time.UTC || ts.Hour() != 11 {
		t.Errorf("ParseNginxAccess = %v, want 11:55:36 UTC", ts)
	}

	if _, ok := p.ParseNginxAccess("10/Oct/2023:13:55"); ok {
		t.Error("truncated timestamp should not parse")
	}
	if _, ok := p.ParseNginxAccess("32/Oct/2023:13:55:36 +0000"); ok {
		t.Error("invalid day should not parse")
	}
}

func TestParseNginxError_Location(t *testing.T) {
	p := NewParser()
	p.Location = time.FixedZone("X", 3600)

	ts, ok := p.ParseNginxError("2023/10/10 13:55:36")
	if !ok {
		t.Fatal("ParseNginxError failed")
	}
	if ts.Hour() != 12 {
		t.Errorf("hour = %d, want 12 (converted to UTC)", ts.Hour())
	}
}

func TestParseTimestamp_String(t *testing.T) {
	p := NewParser()

	ts, ok := p.ParseTimestamp("2024-01-15T10:30:45Z")
	if !ok {
		t.Fatal("ParseTimestamp string failed")
	}
	if ts.Year() != 2024 || ts.Month() != time.January || ts.Day() != 15 {
		t.Errorf("ParseTimestamp date = %v, want 2024-01-15", ts)
	}

	if _, ok := p.ParseTimestamp("2024-01-15T10:30:45Z trailing"); ok {
		t.Error("trailing text should not parse as a bare timestamp")
	}
}

func TestParseTimestamp_Numeric(t *testing.T) {
	p := NewParser()

	tests := []struct {
		name  string
		input interface{}
		want  time.Time
	}{
		{"seconds", float64(946684800), time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"fractional seconds", float64(946684800.5), time.Date(2000, 1, 1, 0, 0, 0, 500000000, time.UTC)},
		{"millis", float64(1600000000000), time.Unix(1600000000, 0).UTC()},
		{"micros", int64(1600000000000000), time.Unix(1600000000, 0).UTC()},
		{"nanos", float64(1600000000000000000), time.Unix(1600000000, 0).UTC()},
		{"int seconds", 946684800, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"numeric string", "946684800", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, ok := p.ParseTimestamp(tt.input)
			if !ok {
				t.Fatalf("ParseTimestamp(%v) failed", tt.input)
			}
			if !ts.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%v) = %v, want %v", tt.input, ts, tt.want)
			}
		})
	}
}

func TestParseTimestamp_Rejects(t *testing.T) {
	p := NewParser()

	for _, v := range []interface{}{"", "   ", float64(0), float64(-5), true, nil} {
		if _, ok := p.ParseTimestamp(v); ok {
			t.Errorf("ParseTimestamp(%v) should return false", v)
		}
	}
}
