package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/logsource"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/narrator"
	"github.com/tinytelemetry/logsentry/internal/pipeline"
	"github.com/tinytelemetry/logsentry/internal/report"
)

type analyzeOptions struct {
	output  string
	format  string
	narrate bool
}

func newAnalyzeCmd(configPath *string) *cobra.Command {
	var opts analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze [FILE...]",
		Short: "Analyze log files once and print incident reports",
		Long: `Analyze reads each file from start to end (gzip-compressed rotations
included) and prints one report per incident. Use "-" or no argument to read
stdin. Every file is analyzed independently with a fresh baseline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if opts.format != "" {
				cfg.Format = opts.format
			}
			if opts.narrate {
				cfg.NarratorEnabled = true
			}
			if len(args) == 0 {
				args = []string{"-"}
			}

			logger, closeLogger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = closeLogger() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = analyzeFiles(ctx, cfg, args, opts.output, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", string(report.EncodingJSON), "report encoding: json or yaml")
	cmd.Flags().StringVar(&opts.format, "format", "", "log format: auto, nginx-access, nginx-combined or nginx-error")
	cmd.Flags().BoolVar(&opts.narrate, "narrate", false, "narrate each report with the configured Ollama model")
	return cmd
}

// analyzeFiles runs one pipeline per path and writes every report to out.
// Per-file health goes to errOut. It returns the number of reports.
func analyzeFiles(ctx context.Context, cfg appConfig, paths []string, encoding string, out, errOut io.Writer, logger *zap.Logger) (int, error) {
	enc, err := report.ParseEncoding(encoding)
	if err != nil {
		return 0, err
	}
	ws, err := report.NewWriterSink(out, enc)
	if err != nil {
		return 0, err
	}
	sinks := report.MultiSink{ws}
	if cfg.NarratorEnabled {
		n := narrator.NewOllama(narrator.OllamaConfig{
			BaseURL:           cfg.NarratorURL,
			Model:             cfg.NarratorModel,
			Timeout:           cfg.NarratorTimeout,
			RequestsPerMinute: cfg.NarratorRPM,
		})
		sinks = append(sinks, narrator.NewSink(n, narrator.SinkConfig{Timeout: cfg.NarratorTimeout, Writer: errOut, Logger: logger}))
	}

	total := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		var src logsource.LogSource
		if path == "-" {
			src = logsource.NewStdinSource(ctx, logsource.StdinConfig{MaxLineSize: cfg.MaxLineBytes, Logger: logger})
		} else {
			src, err = logsource.NewFileSource(ctx, path, logsource.FileConfig{MaxLineSize: cfg.MaxLineBytes, Logger: logger})
			if err != nil {
				return total, err
			}
		}

		reports, health, err := analyzeSource(ctx, cfg, src, sinks, logger)
		if err != nil {
			return total, err
		}
		total += len(reports)
		fmt.Fprintf(errOut, "%s: %d lines, %d events, %d parse errors, %d reports%s\n",
			health.Source, health.Lines, health.Events, health.ParseErrors, len(reports), degradedNote(health))
		for _, rp := range health.RejectPatterns {
			fmt.Fprintf(errOut, "  rejected x%d: %s\n", rp.Count, rp.Template)
		}
	}
	return total, nil
}

func analyzeSource(ctx context.Context, cfg appConfig, src logsource.LogSource, sink model.ReportSink, logger *zap.Logger) ([]model.ReportPayload, pipeline.Health, error) {
	p, err := pipeline.New(cfg.Config, sink, pipeline.WithSource(src.Name()), pipeline.WithLogger(logger))
	if err != nil {
		src.Stop()
		return nil, pipeline.Health{}, err
	}

	var reports []model.ReportPayload
	for {
		select {
		case <-ctx.Done():
			src.Stop()
			reports = append(reports, p.Stop(context.WithoutCancel(ctx))...)
			return reports, p.Health(), nil
		case env, ok := <-src.Lines():
			if !ok {
				reports = append(reports, p.Drain(ctx)...)
				return reports, p.Health(), nil
			}
			reports = append(reports, p.ProcessEnvelope(ctx, env)...)
		}
	}
}

func degradedNote(h pipeline.Health) string {
	if !h.Degraded {
		return ""
	}
	return fmt.Sprintf(" (degraded: %.0f%% of lines unparseable)", h.ParseErrorRatio()*100)
}
