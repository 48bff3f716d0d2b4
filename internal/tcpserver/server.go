// Package tcpserver accepts newline-delimited raw log lines over TCP.
package tcpserver

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/linescan"
	"github.com/tinytelemetry/logsentry/internal/model"
)

const (
	// DefaultLineChannelSize is the default buffer size for the incoming log line channel.
	DefaultLineChannelSize = 100_000

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single log line.
	DefaultMaxLineSize = linescan.DefaultMaxLineSize

	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = "127.0.0.1:4000"
)

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	LineChannelSize int
	MaxLineSize     int
	Logger          *zap.Logger
}

// Server listens for newline-delimited nginx log lines over TCP. Lines from
// every connection are merged into one channel in arrival order.
type Server struct {
	listener    net.Listener
	addr        string
	lineChan    chan model.IngestEnvelope
	maxLineSize int
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	lineChannelSize := DefaultLineChannelSize
	maxLineSize := DefaultMaxLineSize
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		lineChan:    make(chan model.IngestEnvelope, lineChannelSize),
		maxLineSize: maxLineSize,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}
			s.track(conn, true)
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	return nil
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	scanner := linescan.New(conn, s.maxLineSize)
	for scanner.Scan() {
		line := scanner.Line()
		if line == "" {
			continue
		}
		if scanner.Oversized() {
			s.logger.Warn("tcpserver: truncated oversized line",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max_line_size", s.maxLineSize))
		}
		select {
		case s.lineChan <- model.IngestEnvelope{Source: "tcp", Line: line, Oversized: scanner.Oversized()}:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-s.ctx.Done():
		default:
			s.logger.Warn("tcpserver: read error", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		}
	}
}

// Stop gracefully shuts down the TCP server. Open connections are closed.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		close(s.lineChan)
	})
	return err
}

// Lines returns the channel of received log lines.
func (s *Server) Lines() <-chan model.IngestEnvelope {
	return s.lineChan
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
