// Package store provides an optional durable sink for ingested records,
// backed by either postgres or sqlite through a single DB handle and a
// records archive table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config selects and configures a backend.
type Config struct {
	Type     string // "postgres" or "sqlite"
	URL      string
	MaxConns int
	MinConns int
}

// Store is a durable archive of accepted records, written alongside
// (not instead of) the in-memory replay buffer.
type Store struct {
	pool   *pgxpool.Pool
	sqlDB  *sql.DB
	typ    string
	logger *zap.Logger
}

// New opens a Store per cfg.Type.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return newPostgres(cfg, logger)
	case "sqlite", "sqlite3":
		return newSQLite(cfg, logger)
	default:
		return nil, fmt.Errorf("store: unsupported backend type %q", cfg.Type)
	}
}

func newPostgres(cfg Config, logger *zap.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.HealthCheckPeriod = time.Minute
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("store: postgres connection established",
			zap.Int("max_conns", cfg.MaxConns), zap.Int("min_conns", cfg.MinConns))
	}
	return &Store{pool: pool, typ: "postgres", logger: logger}, nil
}

func newSQLite(cfg Config, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create sqlite schema: %w", err)
	}

	if logger != nil {
		logger.Info("store: sqlite connection established", zap.String("path", cfg.URL))
	}
	return &Store{sqlDB: db, typ: "sqlite", logger: logger}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dispatcher_records (
	thread_id  BIGINT NOT NULL,
	seq        BIGINT NOT NULL,
	identity   TEXT NOT NULL,
	request    TEXT NOT NULL,
	result     TEXT NOT NULL,
	timestamp  BIGINT NOT NULL,
	PRIMARY KEY (thread_id, seq)
)`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dispatcher_records (
	thread_id  INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	identity   TEXT NOT NULL,
	request    TEXT NOT NULL,
	result     TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	PRIMARY KEY (thread_id, seq)
)`

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("store: create postgres schema: %w", err)
	}
	return nil
}

// SaveRecord archives one accepted record, identified by its
// (thread_id, seq) key, idempotently (a retried insert of an already
// stored key is a no-op rather than an error).
func (s *Store) SaveRecord(ctx context.Context, identity string, threadID, seq uint64, request, result string, timestamp int64) error {
	switch s.typ {
	case "postgres":
		_, err := s.pool.Exec(ctx, `
			INSERT INTO dispatcher_records (thread_id, seq, identity, request, result, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (thread_id, seq) DO NOTHING`,
			threadID, seq, identity, request, result, timestamp)
		if err != nil {
			return fmt.Errorf("store: save record: %w", err)
		}
		return nil
	case "sqlite":
		_, err := s.sqlDB.ExecContext(ctx, `
			INSERT OR IGNORE INTO dispatcher_records (thread_id, seq, identity, request, result, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			threadID, seq, identity, request, result, timestamp)
		if err != nil {
			return fmt.Errorf("store: save record: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("store: unsupported backend type %q", s.typ)
	}
}

// Close releases the backend's connection pool/handle.
func (s *Store) Close() {
	switch s.typ {
	case "postgres":
		if s.pool != nil {
			s.pool.Close()
		}
	case "sqlite":
		if s.sqlDB != nil {
			s.sqlDB.Close()
		}
	}
	if s.logger != nil {
		s.logger.Info("store: connection closed", zap.String("type", s.typ))
	}
}
