// Package httpserver exposes stream health, incidents, baselines and the
// read-only report query API over HTTP.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/baseline"
	"github.com/tinytelemetry/logsentry/internal/model"
	"github.com/tinytelemetry/logsentry/internal/pipeline"
	"github.com/tinytelemetry/logsentry/internal/report"
)

const (
	DefaultAddr         = "127.0.0.1:3000"
	DefaultCacheSize    = 256
	DefaultIncidentList = 50
	MaxIncidentList     = 1000
)

// ReportStore is the narrow store contract required by the HTTP API.
type ReportStore interface {
	model.ReportQuerier
	model.SchemaQuerier
}

// Monitor exposes the live state of the analysis pipeline.
type Monitor interface {
	Health() []pipeline.Health
	Baseline(source string) (*baseline.Baseline, bool)
	OpenIncidents() []model.Incident
}

// Config holds optional server settings.
type Config struct {
	CacheSize int
	Builder   *report.Builder
	Logger    *zap.Logger
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	store     ReportStore // nil when persistence is disabled
	monitor   Monitor
	builder   *report.Builder
	cache     *lru.Cache[string, model.ReportPayload]
	logger    *zap.Logger
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. store may be nil.
func NewServer(addr string, store ReportStore, monitor Monitor, conf ...Config) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	cacheSize := DefaultCacheSize
	builder := report.NewBuilder()
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].CacheSize > 0 {
			cacheSize = conf[0].CacheSize
		}
		if conf[0].Builder != nil {
			builder = conf[0].Builder
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	// Only fails for a non-positive size.
	cache, _ := lru.New[string, model.ReportPayload](cacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		store:     store,
		monitor:   monitor,
		builder:   builder,
		cache:     cache,
		logger:    logger.Named("http"),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/incidents", s.handleIncidents)
	r.GET("/api/incidents/:id", s.handleIncident)
	r.GET("/api/baseline/*source", s.handleBaseline)
	r.GET("/api/schema", s.handleSchema)
	r.POST("/api/query", s.handleQuery)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	streams := s.monitor.Health()
	status := "ok"
	for _, h := range streams {
		if h.Degraded {
			status = "degraded"
			break
		}
	}

	body := gin.H{
		"status":         status,
		"uptime":         time.Since(s.startTime).String(),
		"streams":        streams,
		"open_incidents": len(s.monitor.OpenIncidents()),
	}
	if s.store != nil {
		count, err := s.store.ReportCount()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read report count"})
			return
		}
		body["report_count"] = count
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleIncidents(c *gin.Context) {
	limit := DefaultIncidentList
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxIncidentList)
	}
	minRank := -1
	if v := c.Query("min_severity"); v != "" {
		minRank = model.Severity(strings.ToLower(v)).Rank()
		if minRank < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown severity %q", v)})
			return
		}
	}
	keep := func(r model.ReportPayload) bool { return r.Severity.Rank() >= minRank }

	open := make([]model.ReportPayload, 0)
	for _, inc := range s.monitor.OpenIncidents() {
		if r := s.builder.Build(inc); keep(r) {
			open = append(open, r)
		}
	}

	closed := make([]model.ReportPayload, 0)
	if s.store != nil {
		recent, err := s.store.RecentReports(limit)
		if err != nil {
			s.logger.Warn("recent reports failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read reports"})
			return
		}
		for _, r := range recent {
			if keep(r) {
				closed = append(closed, r)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"open":   open,
		"closed": closed,
	})
}

func (s *Server) handleIncident(c *gin.Context) {
	id := c.Param("id")

	for _, inc := range s.monitor.OpenIncidents() {
		if inc.ID == id {
			c.JSON(http.StatusOK, s.builder.Build(inc))
			return
		}
	}

	// Closed reports never change, so they are safe to cache.
	if r, ok := s.cache.Get(id); ok {
		c.JSON(http.StatusOK, r)
		return
	}
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	r, ok, err := s.store.ReportByID(id)
	if err != nil {
		s.logger.Warn("report lookup failed", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read report"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	s.cache.Add(id, r)
	c.JSON(http.StatusOK, r)
}

type baselineKey struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
	baseline.KeyBaseline
}

func (s *Server) handleBaseline(c *gin.Context) {
	source := strings.TrimPrefix(c.Param("source"), "/")
	b, ok := s.monitor.Baseline(source)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown source %q", source)})
		return
	}

	dimension := c.Query("dimension")
	keys := make([]baselineKey, 0, b.Len())
	for _, k := range b.Keys() {
		if dimension != "" && k.Dimension != dimension {
			continue
		}
		kb, _ := b.Key(k)
		keys = append(keys, baselineKey{Dimension: k.Dimension, Value: k.Value, KeyBaseline: kb})
	}

	body := gin.H{
		"source":              source,
		"window_size_seconds": b.WindowSize.Seconds(),
		"windows":             b.Windows,
		"keys":                keys,
	}
	if b.Windows > 0 {
		body["from"] = b.From.Format(time.RFC3339)
		body["through"] = b.Through.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSchema(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report storage is disabled"})
		return
	}
	description := s.store.GetSchemaDescription()

	tables, err := s.store.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"description": description,
		"tables":      schema,
		"row_counts":  counts,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report storage is disabled"})
		return
	}
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.store.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var columns []string
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
		sort.Strings(columns)
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
