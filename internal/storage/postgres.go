package storage

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/hyperjump/chishiki/internal/apperr"
)

// NewPostgresStore connects through the pgx stdlib driver and creates the schema,
// enabling the pgvector extension first.
func NewPostgresStore(ctx context.Context, url string, opts ...Option) (*SQLStore, error) {
	if url == "" {
		return nil, apperr.Configuration("postgres storage requires a database url")
	}
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := initSchema(ctx, db, DialectPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return newStore(db, DialectPostgres, opts), nil
}
