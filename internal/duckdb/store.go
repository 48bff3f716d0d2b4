package duckdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/logsentry/internal/duckdb/migrate"
)

// DefaultQueryTimeout bounds every query issued by the store.
const DefaultQueryTimeout = 30 * time.Second

// Store manages the DuckDB database holding incident reports and baseline
// snapshots.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	logger       *zap.Logger
	QueryTimeout time.Duration
}

// StoreConfig holds optional store settings.
type StoreConfig struct {
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

// NewStore opens or creates a DuckDB database and applies pending
// migrations. If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string, conf ...StoreConfig) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	qt := DefaultQueryTimeout
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].QueryTimeout > 0 {
			qt = conf[0].QueryTimeout
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	logger = logger.Named("duckdb")

	if _, err := migrate.New(db, logger).Up(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		logger:       logger,
		QueryTimeout: qt,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}
