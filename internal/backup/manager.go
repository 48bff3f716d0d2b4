package backup

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/metrics"
)

const (
	DefaultInterval = 6 * time.Hour
	DefaultKeepLast = 24

	filePrefix = "logsentry-reports-"
	fileLayout = "20060102-150405"
)

// Manager runs periodic snapshots and optional uploads.
type Manager struct {
	store    Snapshotter
	cfg      Config
	uploader Uploader
	logger   *zap.Logger
	now      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager validates cfg, takes a startup snapshot and starts the
// snapshot loop. It returns nil when snapshots are disabled.
func NewManager(store Snapshotter, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	m, err := newManager(store, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := m.RunOnce(m.ctx); err != nil {
		m.logger.Warn("startup snapshot failed", zap.Error(err))
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func newManager(store Snapshotter, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, fmt.Errorf("backup: db_path is empty (in-memory store)")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backup: backup_dir is required when backups are enabled")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = DefaultKeepLast
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create backup_dir: %w", err)
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
			UseSSL:       cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		uploader = s3u
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		cfg:      cfg,
		uploader: uploader,
		logger:   cfg.Logger.Named("backup"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Warn("periodic snapshot failed", zap.Error(err))
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce takes one snapshot, uploads it when configured and prunes old
// local copies. It returns the path of the new snapshot.
func (m *Manager) RunOnce(ctx context.Context) (string, error) {
	path, err := m.runOnce(ctx)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return path, err
	}
	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	metrics.SnapshotLastSuccess.SetToCurrentTime()
	return path, nil
}

func (m *Manager) runOnce(ctx context.Context) (string, error) {
	name := filePrefix + m.now().UTC().Format(fileLayout) + ".duckdb"
	path := filepath.Join(m.cfg.LocalDir, name)

	if err := m.store.SnapshotTo(path); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	if m.cfg.Compress {
		gz, err := gzipFile(path)
		if err != nil {
			return "", fmt.Errorf("compress: %w", err)
		}
		path = gz
	}
	m.logger.Info("created snapshot", zap.String("path", path))

	if m.uploader != nil {
		if err := m.uploader.UploadFile(ctx, path); err != nil {
			return path, fmt.Errorf("upload: %w", err)
		}
		m.logger.Info("uploaded snapshot", zap.String("file", filepath.Base(path)))
	}

	if err := pruneLocal(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return path, fmt.Errorf("prune: %w", err)
	}
	return path, nil
}

// Stop cancels any in-flight upload and ends the snapshot loop. It is safe
// to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.done)
		m.wg.Wait()
	})
}

// gzipFile replaces path with path+".gz".
func gzipFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dstPath)
		return "", err
	}
	return dstPath, os.Remove(path)
}

// pruneLocal keeps the newest keepLast snapshots, compressed or not.
func pruneLocal(dir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(n, filePrefix) &&
			(strings.HasSuffix(n, ".duckdb") || strings.HasSuffix(n, ".duckdb.gz")) {
			names = append(names, n)
		}
	}
	if len(names) <= keepLast {
		return nil
	}

	// The timestamp is fixed width, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, n := range names[keepLast:] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
