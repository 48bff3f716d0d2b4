package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/logsentry/internal/backup"
	"github.com/tinytelemetry/logsentry/internal/duckdb"
	"github.com/tinytelemetry/logsentry/internal/httpserver"
	"github.com/tinytelemetry/logsentry/internal/narrator"
	"github.com/tinytelemetry/logsentry/internal/pipeline"
	"github.com/tinytelemetry/logsentry/internal/report"
	"github.com/tinytelemetry/logsentry/internal/tcpserver"
)

const (
	defaultLogLevel            = "info"
	defaultQueryTimeout        = duckdb.DefaultQueryTimeout
	defaultInsertBatchSize     = duckdb.DefaultBatchSize
	defaultInsertFlushInterval = duckdb.DefaultFlushInterval
	defaultInsertFlushQueue    = duckdb.DefaultFlushQueueSize
	defaultReportRetention     = duckdb.DefaultRetentionDays // days, 0 = disabled
	defaultSweepInterval       = pipeline.DefaultSweepInterval
	defaultNarratorTimeout     = narrator.DefaultTimeout
	defaultNarratorRPM         = 30.0
)

// appConfig is the runtime configuration of the service. Analysis settings
// are squashed in at the top level so config files read like the analysis
// options themselves.
type appConfig struct {
	pipeline.Config `mapstructure:",squash"`

	LogLevel   string `mapstructure:"log_level"`
	LogFile    string `mapstructure:"log_file"`
	LogConsole bool   `mapstructure:"log_console"`

	Files      []string `mapstructure:"files"`
	TCPEnabled bool     `mapstructure:"tcp_enabled"`
	TCPAddr    string   `mapstructure:"tcp_addr"`

	APIEnabled bool   `mapstructure:"api_enabled"`
	APIAddr    string `mapstructure:"api_addr"`

	StorageEnabled      bool          `mapstructure:"storage_enabled"`
	DBPath              string        `mapstructure:"db_path"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout"`
	InsertBatchSize     int           `mapstructure:"insert_batch_size"`
	InsertFlushInterval time.Duration `mapstructure:"insert_flush_interval"`
	InsertFlushQueue    int           `mapstructure:"insert_flush_queue_size"`
	JournalEnabled      bool          `mapstructure:"journal_enabled"`
	JournalPath         string        `mapstructure:"journal_path"`
	ReportRetention     int           `mapstructure:"report_retention_days"`
	BaselinePersist     bool          `mapstructure:"baseline_persist"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`

	BackupEnabled        bool          `mapstructure:"backup_enabled"`
	BackupInterval       time.Duration `mapstructure:"backup_interval"`
	BackupDir            string        `mapstructure:"backup_dir"`
	BackupKeepLast       int           `mapstructure:"backup_keep_last"`
	BackupCompress       bool          `mapstructure:"backup_compress"`
	BackupBucketURL      string        `mapstructure:"backup_bucket_url"`
	BackupS3Endpoint     string        `mapstructure:"backup_s3_endpoint"`
	BackupS3Region       string        `mapstructure:"backup_s3_region"`
	BackupS3AccessKey    string        `mapstructure:"backup_s3_access_key"`
	BackupS3SecretKey    string        `mapstructure:"backup_s3_secret_key"`
	BackupS3SessionToken string        `mapstructure:"backup_s3_session_token"`
	BackupS3UseSSL       bool          `mapstructure:"backup_s3_use_ssl"`

	ReportOutput   string `mapstructure:"report_output"` // "" or "stdout"
	ReportEncoding string `mapstructure:"report_encoding"`

	NarratorEnabled bool          `mapstructure:"narrator_enabled"`
	NarratorURL     string        `mapstructure:"narrator_url"`
	NarratorModel   string        `mapstructure:"narrator_model"`
	NarratorTimeout time.Duration `mapstructure:"narrator_timeout"`
	NarratorRPM     float64       `mapstructure:"narrator_requests_per_minute"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func setPipelineDefaults(v *viper.Viper, c pipeline.Config) {
	v.SetDefault("format", c.Format)
	v.SetDefault("window_size_seconds", c.WindowSizeSeconds)
	v.SetDefault("window_history_count", c.WindowHistoryCount)
	v.SetDefault("anomaly_threshold", c.AnomalyThreshold)
	v.SetDefault("min_samples_for_baseline", c.MinSamplesForBaseline)
	v.SetDefault("correlation_window_seconds", c.CorrelationWindowSeconds)
	v.SetDefault("severity_thresholds", c.SeverityThresholds)
	v.SetDefault("max_sample_events_per_incident", c.MaxSampleEventsPerIncident)
	v.SetDefault("stddev_floor", c.StdDevFloor)
	v.SetDefault("error_ratio_stddev_floor", c.ErrorRatioStdDevFloor)
	v.SetDefault("latency_stddev_floor_seconds", c.LatencyStdDevFloorSeconds)
	v.SetDefault("min_window_events", c.MinWindowEvents)
	v.SetDefault("max_keys_per_window", c.MaxKeysPerWindow)
	v.SetDefault("clock_skew_tolerance_seconds", c.ClockSkewToleranceSeconds)
	v.SetDefault("max_forward_jump_seconds", c.MaxForwardJumpSeconds)
	v.SetDefault("max_line_bytes", c.MaxLineBytes)
	v.SetDefault("max_parse_error_ratio", c.MaxParseErrorRatio)
	v.SetDefault("merge_by_client", c.MergeByClient)
	v.SetDefault("error_log_timezone", c.ErrorLogTimezone)
}

// loadConfig reads defaults, the optional config file and LOGSENTRY_*
// environment variables, in increasing precedence.
func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("LOGSENTRY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	setPipelineDefaults(v, pipeline.DefaultConfig())

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_file", filepath.Join(home, ".local", "state", "logsentry", "logsentry.log"))
	v.SetDefault("log_console", false)
	v.SetDefault("files", []string{})
	v.SetDefault("tcp_enabled", true)
	v.SetDefault("tcp_addr", tcpserver.DefaultAddr)
	v.SetDefault("api_enabled", true)
	v.SetDefault("api_addr", httpserver.DefaultAddr)
	v.SetDefault("storage_enabled", true)
	v.SetDefault("db_path", filepath.Join(home, ".local", "share", "logsentry", "logsentry.duckdb"))
	v.SetDefault("query_timeout", defaultQueryTimeout)
	v.SetDefault("insert_batch_size", defaultInsertBatchSize)
	v.SetDefault("insert_flush_interval", defaultInsertFlushInterval)
	v.SetDefault("insert_flush_queue_size", defaultInsertFlushQueue)
	v.SetDefault("journal_enabled", true)
	v.SetDefault("journal_path", filepath.Join(home, ".local", "share", "logsentry", "reports.journal"))
	v.SetDefault("report_retention_days", defaultReportRetention)
	v.SetDefault("baseline_persist", true)
	v.SetDefault("sweep_interval", defaultSweepInterval)
	v.SetDefault("backup_enabled", false)
	v.SetDefault("backup_interval", backup.DefaultInterval)
	v.SetDefault("backup_dir", filepath.Join(home, ".local", "share", "logsentry", "backups"))
	v.SetDefault("backup_keep_last", backup.DefaultKeepLast)
	v.SetDefault("backup_compress", true)
	v.SetDefault("backup_bucket_url", "")
	v.SetDefault("backup_s3_endpoint", "")
	v.SetDefault("backup_s3_region", "")
	v.SetDefault("backup_s3_access_key", "")
	v.SetDefault("backup_s3_secret_key", "")
	v.SetDefault("backup_s3_session_token", "")
	v.SetDefault("backup_s3_use_ssl", true)
	v.SetDefault("report_output", "")
	v.SetDefault("report_encoding", string(report.EncodingJSON))
	v.SetDefault("narrator_enabled", false)
	v.SetDefault("narrator_url", narrator.DefaultBaseURL)
	v.SetDefault("narrator_model", narrator.DefaultModel)
	v.SetDefault("narrator_timeout", defaultNarratorTimeout)
	v.SetDefault("narrator_requests_per_minute", defaultNarratorRPM)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "logsentry", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		// An explicitly requested file must exist.
		if configPath != "" || (!errors.As(err, &configFileNotFound) && !os.IsNotExist(err)) {
			return cfg, err
		}
	} else {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	cfg.LogFile = expandHome(home, cfg.LogFile)
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.JournalPath = expandHome(home, cfg.JournalPath)
	cfg.BackupDir = expandHome(home, cfg.BackupDir)
	for i, f := range cfg.Files {
		cfg.Files[i] = expandHome(home, f)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validate checks the service settings and the analysis settings.
func (c appConfig) validate() error {
	var errs []error
	if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.TCPEnabled {
		if _, _, err := net.SplitHostPort(c.TCPAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid tcp_addr %q: %w", c.TCPAddr, err))
		}
	}
	if c.APIEnabled {
		if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid api_addr %q: %w", c.APIAddr, err))
		}
	}
	if c.BackupEnabled {
		if !c.StorageEnabled {
			errs = append(errs, fmt.Errorf("backup_enabled requires storage_enabled"))
		}
		if c.BackupInterval <= 0 {
			errs = append(errs, fmt.Errorf("invalid backup_interval %s (must be > 0)", c.BackupInterval))
		}
		if c.BackupKeepLast <= 0 {
			errs = append(errs, fmt.Errorf("invalid backup_keep_last %d (must be > 0)", c.BackupKeepLast))
		}
	}
	switch c.ReportOutput {
	case "", "stdout":
	default:
		errs = append(errs, fmt.Errorf("invalid report_output %q (want \"\" or stdout)", c.ReportOutput))
	}
	if _, err := report.ParseEncoding(c.ReportEncoding); err != nil {
		errs = append(errs, err)
	}
	if c.NarratorRPM < 0 {
		errs = append(errs, fmt.Errorf("narrator_requests_per_minute must be >= 0"))
	}
	return errors.Join(errs...)
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
