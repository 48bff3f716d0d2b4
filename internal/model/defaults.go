package model

import "time"

// Shared defaults used by the service, the batch analyzer and tests.
const (
	DefaultWindowSize             = 60 * time.Second
	DefaultWindowHistory          = 60
	DefaultAnomalyThreshold       = 3.0
	DefaultMinSamplesForBaseline  = 10
	DefaultCorrelationWindow      = 5 * time.Minute
	DefaultMaxSampleEvents        = 10
	DefaultTopN                   = 3 // top clients and endpoints per incident
	DefaultStdDevFloor            = 1.0  // requests per window
	DefaultErrorRatioStdDevFloor  = 0.05 // fraction of requests
	DefaultLatencyStdDevFloor     = 0.05 // seconds
	DefaultClockSkewTolerance     = 60 * time.Second
	DefaultMaxForwardJump         = time.Hour
	DefaultForwardJumpConfirm     = 3 // consecutive agreeing events before re-anchoring
	DefaultMinWindowEvents        = 5
	DefaultMaxKeysPerWindow       = 10_000
	DefaultMaxLineBytes           = 64 * 1024
	DefaultMaxParseErrorRatio     = 0.2
	DefaultParseHealthMinLines    = 100
	DefaultReportSchemaVersion    = 1
	DefaultOverflowDimensionValue = "(other)"
)

// DefaultSeverityThresholds are the score cutoffs for Medium, High and Critical.
var DefaultSeverityThresholds = []float64{5, 8, 12}
