package logparse

import (
	"regexp"
	"strings"
)

// nginx error log levels, least to most severe.
const (
	LevelDebug  = "debug"
	LevelInfo   = "info"
	LevelNotice = "notice"
	LevelWarn   = "warn"
	LevelError  = "error"
	LevelCrit   = "crit"
	LevelAlert  = "alert"
	LevelEmerg  = "emerg"
)

// SeverityRegex matches severity words embedded in free-form log text.
var SeverityRegex = regexp.MustCompile(`(?i)\b(DEBUG|INFO|NOTICE|WARN|WARNING|ERROR|CRIT|CRITICAL|ALERT|EMERG|FATAL|PANIC)\b`)

// NormalizeSeverity maps level spellings onto nginx's eight levels.
// The second result is false when the value is not a recognizable level.
func NormalizeSeverity(severity string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(severity))

	switch normalized {
	case "debug", "debu", "dbg", "trace":
		return LevelDebug, true
	case "info", "inf", "information":
		return LevelInfo, true
	case "notice", "note":
		return LevelNotice, true
	case "warn", "warning", "wrn":
		return LevelWarn, true
	case "error", "err", "erro":
		return LevelError, true
	case "crit", "critical", "fatal":
		return LevelCrit, true
	case "alert":
		return LevelAlert, true
	case "emerg", "emergency", "panic":
		return LevelEmerg, true
	}
	if len(normalized) >= 4 {
		switch normalized[:4] {
		case "debu":
			return LevelDebug, true
		case "info":
			return LevelInfo, true
		case "warn":
			return LevelWarn, true
		case "erro":
			return LevelError, true
		case "crit", "fata":
			return LevelCrit, true
		case "emer":
			return LevelEmerg, true
		}
	}
	return "", false
}

// LevelRank orders levels; unknown levels rank -1.
func LevelRank(level string) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelNotice:
		return 2
	case LevelWarn:
		return 3
	case LevelError:
		return 4
	case LevelCrit:
		return 5
	case LevelAlert:
		return 6
	case LevelEmerg:
		return 7
	default:
		return -1
	}
}

// ExtractSeverityFromText finds the first severity word in message,
// or returns "" when none is present.
func ExtractSeverityFromText(message string) string {
	matches := SeverityRegex.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	level, _ := NormalizeSeverity(matches[1])
	return level
}
