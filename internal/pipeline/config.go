package pipeline

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/anomaly"
	"github.com/tinytelemetry/logsentry/internal/baseline"
	"github.com/tinytelemetry/logsentry/internal/incident"
	"github.com/tinytelemetry/logsentry/internal/logparse"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/report"
)

// Config holds the analysis settings shared by every stream. Keys match the
// configuration file and LOGSENTRY_ environment variables.
type Config struct {
	Format                     string    `mapstructure:"format"`
	WindowSizeSeconds          float64   `mapstructure:"window_size_seconds"`
	WindowHistoryCount         int       `mapstructure:"window_history_count"`
	AnomalyThreshold           float64   `mapstructure:"anomaly_threshold"`
	MinSamplesForBaseline      int       `mapstructure:"min_samples_for_baseline"`
	CorrelationWindowSeconds   float64   `mapstructure:"correlation_window_seconds"`
	SeverityThresholds         []float64 `mapstructure:"severity_thresholds"`
	MaxSampleEventsPerIncident int       `mapstructure:"max_sample_events_per_incident"`

	StdDevFloor               float64 `mapstructure:"stddev_floor"`
	ErrorRatioStdDevFloor     float64 `mapstructure:"error_ratio_stddev_floor"`
	LatencyStdDevFloorSeconds float64 `mapstructure:"latency_stddev_floor_seconds"`
	MinWindowEvents           int     `mapstructure:"min_window_events"`
	MaxKeysPerWindow          int     `mapstructure:"max_keys_per_window"`
	ClockSkewToleranceSeconds float64 `mapstructure:"clock_skew_tolerance_seconds"`
	MaxForwardJumpSeconds     float64 `mapstructure:"max_forward_jump_seconds"`
	MaxLineBytes              int     `mapstructure:"max_line_bytes"`
	MaxParseErrorRatio        float64 `mapstructure:"max_parse_error_ratio"`
	MergeByClient             bool    `mapstructure:"merge_by_client"`

	// ErrorLogTimezone is the IANA zone of nginx error-log timestamps.
	ErrorLogTimezone string `mapstructure:"error_log_timezone"`
}

// DefaultConfig returns the analysis defaults.
func DefaultConfig() Config {
	return Config{
		Format:                     string(logparse.FormatAuto),
		WindowSizeSeconds:          model.DefaultWindowSize.Seconds(),
		WindowHistoryCount:         model.DefaultWindowHistory,
		AnomalyThreshold:           model.DefaultAnomalyThreshold,
		MinSamplesForBaseline:      model.DefaultMinSamplesForBaseline,
		CorrelationWindowSeconds:   model.DefaultCorrelationWindow.Seconds(),
		SeverityThresholds:         append([]float64(nil), model.DefaultSeverityThresholds...),
		MaxSampleEventsPerIncident: model.DefaultMaxSampleEvents,
		StdDevFloor:                model.DefaultStdDevFloor,
		ErrorRatioStdDevFloor:      model.DefaultErrorRatioStdDevFloor,
		LatencyStdDevFloorSeconds:  model.DefaultLatencyStdDevFloor,
		MinWindowEvents:            model.DefaultMinWindowEvents,
		MaxKeysPerWindow:           model.DefaultMaxKeysPerWindow,
		ClockSkewToleranceSeconds:  model.DefaultClockSkewTolerance.Seconds(),
		MaxForwardJumpSeconds:      model.DefaultMaxForwardJump.Seconds(),
		MaxLineBytes:               model.DefaultMaxLineBytes,
		MaxParseErrorRatio:         model.DefaultMaxParseErrorRatio,
		ErrorLogTimezone:           "UTC",
	}
}

// ConfigError reports one invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Validate checks every field and returns all problems joined. Each
// element unwraps to a *ConfigError.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	positive := func(field string, v float64) {
		if !(v > 0) || math.IsInf(v, 0) {
			bad(field, "must be a positive number, got %v", v)
		}
	}

	if _, err := logparse.ParseFormat(c.Format); err != nil {
		bad("format", "%v", err)
	}
	positive("window_size_seconds", c.WindowSizeSeconds)
	if c.WindowHistoryCount < 1 {
		bad("window_history_count", "must be at least 1, got %d", c.WindowHistoryCount)
	}
	positive("anomaly_threshold", c.AnomalyThreshold)
	if c.MinSamplesForBaseline < 2 {
		bad("min_samples_for_baseline", "must be at least 2, got %d", c.MinSamplesForBaseline)
	}
	positive("correlation_window_seconds", c.CorrelationWindowSeconds)
	if _, err := incident.NewSeverityScale(c.SeverityThresholds); err != nil {
		bad("severity_thresholds", "%v", err)
	}
	if c.MaxSampleEventsPerIncident < 1 {
		bad("max_sample_events_per_incident", "must be at least 1, got %d", c.MaxSampleEventsPerIncident)
	}
	positive("stddev_floor", c.StdDevFloor)
	positive("error_ratio_stddev_floor", c.ErrorRatioStdDevFloor)
	positive("latency_stddev_floor_seconds", c.LatencyStdDevFloorSeconds)
	if c.MinWindowEvents < 1 {
		bad("min_window_events", "must be at least 1, got %d", c.MinWindowEvents)
	}
	if c.MaxKeysPerWindow < 1 {
		bad("max_keys_per_window", "must be at least 1, got %d", c.MaxKeysPerWindow)
	}
	positive("clock_skew_tolerance_seconds", c.ClockSkewToleranceSeconds)
	positive("max_forward_jump_seconds", c.MaxForwardJumpSeconds)
	if c.MaxLineBytes < 64 {
		bad("max_line_bytes", "must be at least 64, got %d", c.MaxLineBytes)
	}
	if c.MaxParseErrorRatio < 0 || c.MaxParseErrorRatio > 1 {
		bad("max_parse_error_ratio", "must be within [0, 1], got %v", c.MaxParseErrorRatio)
	}
	if _, err := time.LoadLocation(c.ErrorLogTimezone); err != nil {
		bad("error_log_timezone", "%v", err)
	}
	return errors.Join(errs...)
}

// ConfigErrors extracts the individual field errors from a Validate result.
func ConfigErrors(err error) []*ConfigError {
	if err == nil {
		return nil
	}
	var out []*ConfigError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, ConfigErrors(e)...)
		}
		return out
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		out = append(out, ce)
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c Config) parserConfig() logparse.Config {
	loc, err := time.LoadLocation(c.ErrorLogTimezone)
	if err != nil {
		loc = time.UTC
	}
	format, err := logparse.ParseFormat(c.Format)
	if err != nil {
		format = logparse.FormatAuto
	}
	return logparse.Config{
		Format:       format,
		MaxLineBytes: c.MaxLineBytes,
		Location:     loc,
	}
}

func (c Config) trackerConfig(logger *zap.Logger) baseline.Config {
	return baseline.Config{
		WindowSize:         seconds(c.WindowSizeSeconds),
		History:            c.WindowHistoryCount,
		MaxKeysPerWindow:   c.MaxKeysPerWindow,
		ClockSkewTolerance: seconds(c.ClockSkewToleranceSeconds),
		MaxForwardJump:     seconds(c.MaxForwardJumpSeconds),
		MinWindowEvents:    c.MinWindowEvents,
		Logger:             logger,
	}
}

func (c Config) scorerConfig() anomaly.Config {
	return anomaly.Config{
		Threshold:          c.AnomalyThreshold,
		MinSamples:         int64(c.MinSamplesForBaseline),
		StdDevFloor:        c.StdDevFloor,
		ErrorRatioFloor:    c.ErrorRatioStdDevFloor,
		LatencyStdDevFloor: c.LatencyStdDevFloorSeconds,
		MinWindowEvents:    int64(c.MinWindowEvents),
	}
}

func (c Config) aggregatorConfig(logger *zap.Logger) incident.Config {
	scale, err := incident.NewSeverityScale(c.SeverityThresholds)
	if err != nil {
		scale = incident.DefaultSeverityScale()
	}
	ac := incident.Config{
		CorrelationWindow: seconds(c.CorrelationWindowSeconds),
		Severity:          scale,
		MaxSamples:        c.MaxSampleEventsPerIncident,
		Logger:            logger,
	}
	if c.MergeByClient {
		ac.Merge = incident.SameClientPolicy{}
	}
	return ac
}

func (c Config) reportConfig() report.Config {
	return report.Config{MaxSamples: c.MaxSampleEventsPerIncident}
}
