// Package storage is the relational store behind documents, chunks, upload sessions,
// the embedding cache and dead letters. One SQLStore serves SQLite (development and
// tests) and PostgreSQL with pgvector (production); queries are written once with "?"
// placeholders and rebound per driver.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// Dialect names the SQL flavour behind a store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements every persistence boundary of the service.
type SQLStore struct {
	db       *sqlx.DB
	dialect  Dialect
	logger   *zap.Logger
	keywords *keywordIndexes
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *SQLStore) { s.logger = l }
}

// Open opens the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, opts ...Option) (*SQLStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(ctx, cfg.DatabasePath, opts...)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL, opts...)
	}
	return nil, apperr.Configuration("unknown storage driver %q", cfg.Driver)
}

func newStore(db *sqlx.DB, dialect Dialect, opts []Option) *SQLStore {
	s := &SQLStore{db: db, dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.OrNop(s.logger)
	if dialect == DialectSQLite {
		s.keywords = newKeywordIndexes(s.logger)
	}
	return s
}

// Dialect reports the SQL flavour.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close releases the keyword indexes and closes the database.
func (s *SQLStore) Close() error {
	if s.keywords != nil {
		s.keywords.close()
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) rebind(query string) string {
	return s.db.Rebind(query)
}

// inTx runs fn in a transaction, rolling back on error.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
