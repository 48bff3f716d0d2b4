package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/logsource"
	"github.com/tinytelemetry/logsentry/internal/tcpserver"
)

// InputSourcePlugin is a small plugin primitive for wiring log inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (logsource.LogSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled  bool
	TCPAddr     string
	Files       []string
	MaxLineSize int
	Logger      *zap.Logger
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	plugins := make([]InputSourcePlugin, 0, len(cfg.Files)+2)
	plugins = append(plugins, tcpInputPlugin{
		addr:        cfg.TCPAddr,
		enabled:     cfg.TCPEnabled,
		maxLineSize: cfg.MaxLineSize,
		logger:      logger,
	})
	for _, path := range cfg.Files {
		plugins = append(plugins, fileInputPlugin{path: path, maxLineSize: cfg.MaxLineSize, logger: logger})
	}
	plugins = append(plugins, stdinInputPlugin{maxLineSize: cfg.MaxLineSize, logger: logger})
	return plugins
}

// buildSources builds every enabled plugin. A plugin that fails to build is
// logged and skipped so one bad input does not stop the others.
func buildSources(ctx context.Context, plugins []InputSourcePlugin, logger *zap.Logger) []logsource.LogSource {
	sources := make([]logsource.LogSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			logger.Error("input plugin failed", zap.String("plugin", plugin.Name()), zap.Error(err))
			continue
		}
		sources = append(sources, src)
	}
	return sources
}

type tcpInputPlugin struct {
	addr        string
	enabled     bool
	maxLineSize int
	logger      *zap.Logger
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (logsource.LogSource, error) {
	server := tcpserver.NewServer(p.addr, tcpserver.ServerConfig{
		MaxLineSize: p.maxLineSize,
		Logger:      p.logger.Named("tcp"),
	})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return logsource.NewTCPSource(server), nil
}

type fileInputPlugin struct {
	path        string
	maxLineSize int
	logger      *zap.Logger
}

func (p fileInputPlugin) Name() string { return "file:" + p.path }

func (p fileInputPlugin) Enabled() bool { return p.path != "" }

func (p fileInputPlugin) Build(ctx context.Context) (logsource.LogSource, error) {
	return logsource.NewFileSource(ctx, p.path, logsource.FileConfig{
		MaxLineSize: p.maxLineSize,
		Logger:      p.logger,
	})
}

type stdinInputPlugin struct {
	maxLineSize int
	logger      *zap.Logger
}

func (p stdinInputPlugin) Name() string { return "stdin" }

// Enabled reports whether stdin is piped rather than a terminal.
func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (logsource.LogSource, error) {
	return logsource.NewStdinSource(ctx, logsource.StdinConfig{
		MaxLineSize: p.maxLineSize,
		Logger:      p.logger,
	}), nil
}
