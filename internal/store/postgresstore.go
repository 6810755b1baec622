package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const (
	defaultAuthTable = "auth_store"
	defaultRecordID  = "claude"
)

// PostgresStoreConfig captures configuration required to initialize the Postgres mirror.
type PostgresStoreConfig struct {
	DSN       string
	Schema    string
	AuthTable string
	// RecordID is the row key; it lets several installations share one table.
	RecordID string
}

// PostgresMirror keeps the credential record in a JSONB row.
type PostgresMirror struct {
	db  *sql.DB
	cfg PostgresStoreConfig
	mu  sync.Mutex
}

// NewPostgresMirror connects to PostgreSQL through the pgx driver.
func NewPostgresMirror(ctx context.Context, cfg PostgresStoreConfig) (*PostgresMirror, error) {
	trimmedDSN := strings.TrimSpace(cfg.DSN)
	if trimmedDSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	cfg.DSN = trimmedDSN

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return newPostgresMirror(db, cfg), nil
}

func newPostgresMirror(db *sql.DB, cfg PostgresStoreConfig) *PostgresMirror {
	if cfg.AuthTable == "" {
		cfg.AuthTable = defaultAuthTable
	}
	if strings.TrimSpace(cfg.RecordID) == "" {
		cfg.RecordID = defaultRecordID
	}
	return &PostgresMirror{db: db, cfg: cfg}
}

// Close releases the underlying database connection.
func (s *PostgresMirror) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the table (and schema when provided).
func (s *PostgresMirror) EnsureSchema(ctx context.Context) error {
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.fullTableName())); err != nil {
		return fmt.Errorf("postgres store: create auth table: %w", err)
	}
	return nil
}

// Push upserts the encoded record.
func (s *PostgresMirror) Push(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, s.cfg.RecordID, string(data)); err != nil {
		return fmt.Errorf("postgres store: upsert auth record: %w", err)
	}
	return nil
}

// Pull returns the stored record or (nil, nil) when the row is absent.
func (s *PostgresMirror) Pull(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := fmt.Sprintf("SELECT content FROM %s WHERE id = $1", s.fullTableName())
	var content string
	err := s.db.QueryRowContext(ctx, query, s.cfg.RecordID).Scan(&content)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		log.Debugf("postgres store: no record %s", s.cfg.RecordID)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("postgres store: load auth record: %w", err)
	}
	return []byte(content), nil
}

// Remove deletes the row.
func (s *PostgresMirror) Remove(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, s.cfg.RecordID); err != nil {
		return fmt.Errorf("postgres store: delete auth record: %w", err)
	}
	return nil
}

func (s *PostgresMirror) fullTableName() string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(s.cfg.AuthTable)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(s.cfg.AuthTable)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
