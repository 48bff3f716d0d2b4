package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/logsentry/internal/backup"
	"github.com/tinytelemetry/logsentry/internal/duckdb"
	"github.com/tinytelemetry/logsentry/internal/httpserver"
	"github.com/tinytelemetry/logsentry/internal/journal"
	"github.com/tinytelemetry/logsentry/internal/logging"
	"github.com/tinytelemetry/logsentry/internal/logsource"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/narrator"
	"github.com/tinytelemetry/logsentry/internal/pipeline"
	"github.com/tinytelemetry/logsentry/internal/report"
)

// stdoutSink returns the report writer for report_output=stdout, or nil when
// reports are not echoed.
func stdoutSink(cfg appConfig, w io.Writer) (model.ReportSink, error) {
	if cfg.ReportOutput != "stdout" {
		return nil, nil
	}
	enc, err := report.ParseEncoding(cfg.ReportEncoding)
	if err != nil {
		return nil, err
	}
	ws, err := report.NewWriterSink(w, enc)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// newLogger builds the service logger from cfg.
func newLogger(cfg appConfig) (*zap.Logger, func() error, error) {
	lc := logging.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.File = cfg.LogFile
	lc.Console = cfg.LogConsole
	return logging.New(lc)
}

// newNarratorSink returns the narration sink, or nil when narration is off.
func newNarratorSink(cfg appConfig, logger *zap.Logger) model.ReportSink {
	if !cfg.NarratorEnabled {
		return nil
	}
	n := narrator.NewOllama(narrator.OllamaConfig{
		BaseURL:           cfg.NarratorURL,
		Model:             cfg.NarratorModel,
		Timeout:           cfg.NarratorTimeout,
		RequestsPerMinute: cfg.NarratorRPM,
	})
	return narrator.NewSink(n, narrator.SinkConfig{Timeout: cfg.NarratorTimeout, Logger: logger})
}

// runServer runs the long-lived analysis service until every source is
// exhausted or a signal arrives.
func runServer(cfg appConfig) error {
	logger, closeLogger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = closeLogger() }()

	var sinks report.MultiSink
	var store *duckdb.Store
	if cfg.StorageEnabled {
		store, err = duckdb.NewStore(cfg.DBPath, duckdb.StoreConfig{QueryTimeout: cfg.QueryTimeout, Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		defer store.Close()

		// Open the report journal for crash-safe delivery to storage.
		var reportJournal *journal.Journal
		if cfg.JournalEnabled {
			reportJournal, err = journal.Open(cfg.JournalPath)
			if err != nil {
				return fmt.Errorf("failed to open report journal: %w", err)
			}
		}

		insertBuffer := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{
			BatchSize:      cfg.InsertBatchSize,
			FlushInterval:  cfg.InsertFlushInterval,
			FlushQueueSize: cfg.InsertFlushQueue,
			Journal:        reportJournal,
			Logger:         logger,
		})
		defer insertBuffer.Stop()
		if _, err := insertBuffer.Recover(); err != nil {
			return fmt.Errorf("failed to replay report journal: %w", err)
		}
		sinks = append(sinks, insertBuffer)

		retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
			RetentionDays: cfg.ReportRetention,
		})
		if retentionCleaner != nil {
			defer retentionCleaner.Stop()
		}

		backupManager, err := backup.NewManager(store, backup.Config{
			Enabled:        cfg.BackupEnabled,
			Interval:       cfg.BackupInterval,
			LocalDir:       cfg.BackupDir,
			KeepLast:       cfg.BackupKeepLast,
			Compress:       cfg.BackupCompress,
			BucketURL:      cfg.BackupBucketURL,
			S3Endpoint:     cfg.BackupS3Endpoint,
			S3Region:       cfg.BackupS3Region,
			S3AccessKey:    cfg.BackupS3AccessKey,
			S3SecretKey:    cfg.BackupS3SecretKey,
			S3SessionToken: cfg.BackupS3SessionToken,
			S3UseSSL:       cfg.BackupS3UseSSL,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize backups: %w", err)
		}
		if backupManager != nil {
			defer backupManager.Stop()
		}
	}

	ws, err := stdoutSink(cfg, os.Stdout)
	if err != nil {
		return err
	}
	if ws != nil {
		sinks = append(sinks, ws)
	}
	if ns := newNarratorSink(cfg, logger); ns != nil {
		sinks = append(sinks, ns)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithSweepInterval(cfg.SweepInterval),
	}
	if store != nil && cfg.BaselinePersist {
		opts = append(opts, pipeline.WithBaselineStore(store))
	}
	runner, err := pipeline.NewRunner(cfg.Config, sinks, opts...)
	if err != nil {
		return err
	}

	if cfg.APIEnabled {
		var rs httpserver.ReportStore
		if store != nil {
			rs = store
		}
		apiServer := httpserver.NewServer(cfg.APIAddr, rs, runner, httpserver.Config{Logger: logger})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// The shutdown deadline starts at the first signal.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nForce shutdown.")
		case <-deadline.C:
			fmt.Fprintln(os.Stderr, "Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled:  cfg.TCPEnabled,
		TCPAddr:     cfg.TCPAddr,
		Files:       cfg.Files,
		MaxLineSize: cfg.MaxLineBytes,
		Logger:      logger,
	})
	sources := buildSources(ctx, plugins, logger)
	if len(sources) == 0 {
		return fmt.Errorf("no log inputs: enable tcp, configure files or pipe logs on stdin")
	}

	printStartupBanner(cfg, sources)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx, sources)
	})
	if err := g.Wait(); err != nil {
		logger.Error("runner exited with error", zap.Error(err))
		return err
	}
	return nil
}

func printStartupBanner(cfg appConfig, sources []logsource.LogSource) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	status := func(label string, enabled bool, value string) string {
		if enabled {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	var lines []string
	lines = append(lines, "", cyan.Bold(true).Render("    logsentry"), "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Inputs"), "")
	for _, src := range sources {
		lines = append(lines, fmt.Sprintf("    %s  %s", check, cyan.Render(shortenPath(src.Name()))))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	lines = append(lines, status("HTTP API", cfg.APIEnabled, cfg.APIAddr))
	lines = append(lines, status("Storage", cfg.StorageEnabled, shortenPath(cfg.DBPath)))
	lines = append(lines, status("Journal", cfg.StorageEnabled && cfg.JournalEnabled, shortenPath(cfg.JournalPath)))
	lines = append(lines, status("Backups", cfg.StorageEnabled && cfg.BackupEnabled, shortenPath(cfg.BackupDir)))
	lines = append(lines, status("Narrator", cfg.NarratorEnabled, cfg.NarratorModel+" @ "+cfg.NarratorURL))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Analysis"), "")
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Format", dim.Render(cfg.Format)))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Window", dim.Render(fmt.Sprintf("%gs x %d", cfg.WindowSizeSeconds, cfg.WindowHistoryCount))))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Threshold", dim.Render(fmt.Sprintf("%g", cfg.AnomalyThreshold))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}
	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Fprintln(os.Stderr, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.Contains(path, home) {
		return strings.Replace(path, home, "~", 1)
	}
	return path
}
