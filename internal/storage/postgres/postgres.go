// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"
)

// querier is the slice of pgxpool.Pool the stores need; pgxmock
// implements it for tests.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PoolConfig controls the shared connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// RegisterVector registers pgvector codecs on each connection; leave
	// it off when the vector extension is not installed.
	RegisterVector bool
}

// NewPool opens a pgx pool and verifies the connection.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.RegisterVector {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvector.RegisterTypes(ctx, conn)
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// schema is applied in order on startup. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenders (
		id BIGSERIAL PRIMARY KEY,
		id_pncp TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL DEFAULT 'pncp',
		source_id TEXT,
		orgao TEXT,
		municipio TEXT,
		uf TEXT,
		modalidade TEXT,
		objeto TEXT,
		data_publicacao TIMESTAMPTZ,
		status TEXT,
		urls JSONB,
		orgao_norm TEXT,
		municipio_norm TEXT,
		uf_norm TEXT,
		modalidade_norm TEXT,
		objeto_norm TEXT,
		status_norm TEXT,
		hash_metadados TEXT,
		fingerprint TEXT,
		canonical_tender_id BIGINT REFERENCES tenders(id),
		materia TEXT,
		categoria TEXT,
		classification_confidence DOUBLE PRECISION,
		tags JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS tenders_fingerprint_idx ON tenders (fingerprint) WHERE fingerprint IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS tenders_source_idx ON tenders (source, source_id)`,
	`CREATE INDEX IF NOT EXISTS tenders_created_idx ON tenders (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS tender_sources (
		id BIGSERIAL PRIMARY KEY,
		tender_id BIGINT NOT NULL REFERENCES tenders(id) ON DELETE CASCADE,
		source TEXT NOT NULL,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tender_versions (
		id BIGSERIAL PRIMARY KEY,
		tender_id BIGINT NOT NULL REFERENCES tenders(id) ON DELETE CASCADE,
		hash_metadados TEXT,
		snapshot JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id BIGSERIAL PRIMARY KEY,
		tender_id BIGINT NOT NULL REFERENCES tenders(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		source TEXT,
		http_status INT,
		content_type TEXT,
		sha256 TEXT,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		truncated BOOLEAN NOT NULL DEFAULT false,
		headers JSONB,
		body BYTEA,
		text_content TEXT,
		text_chars INT NOT NULL DEFAULT 0,
		text_quality DOUBLE PRECISION NOT NULL DEFAULT 0,
		ocr_used BOOLEAN NOT NULL DEFAULT false,
		error TEXT,
		archive_uri TEXT,
		fetched_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS documents_tender_sha_idx ON documents (tender_id, sha256) WHERE sha256 IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS segments (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		tender_id BIGINT NOT NULL REFERENCES tenders(id) ON DELETE CASCADE,
		seq INT NOT NULL,
		content TEXT NOT NULL,
		content_tsv TSVECTOR,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS segments_tsv_idx ON segments USING GIN (content_tsv)`,
	`CREATE INDEX IF NOT EXISTS segments_tender_idx ON segments (tender_id)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, kind)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		tender_id BIGINT,
		document_id BIGINT,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS events_tender_idx ON events (tender_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		telegram_user_id BIGINT NOT NULL UNIQUE,
		username TEXT,
		first_name TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS follows (
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		tender_id BIGINT NOT NULL REFERENCES tenders(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, tender_id)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT,
		filters JSONB NOT NULL DEFAULT '{}'::jsonb,
		delivery JSONB NOT NULL DEFAULT '{"pv": true, "channel": true}'::jsonb,
		frequency TEXT NOT NULL DEFAULT 'realtime',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT,
		tender_id BIGINT,
		type TEXT NOT NULL,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_user_type_idx ON alerts (user_id, type, created_at DESC)`,
}

// optionalSchema needs the pgvector extension; failures are logged and
// skipped so deployments without it still run, minus semantic search.
var optionalSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`ALTER TABLE segments ADD COLUMN IF NOT EXISTS embedding vector(768)`,
	`CREATE INDEX IF NOT EXISTS segments_embedding_idx ON segments USING ivfflat (embedding vector_cosine_ops)`,
}

// Migrate applies the schema. It returns an error only for the required
// statements; pgvector statements degrade to a warning.
func Migrate(ctx context.Context, db querier, logger *zap.Logger) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, stmt := range optionalSchema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			logger.Warn("optional schema statement skipped", zap.Error(err))
			return nil
		}
	}
	return nil
}
