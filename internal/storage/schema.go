package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Tables are created idempotently at open. Columns added after a table first shipped
// are listed in addedColumns.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	keyword_generation BIGINT NOT NULL DEFAULT 0,
	created_at {{TIME}} NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	uploader_id TEXT NOT NULL DEFAULT '',
	bucket TEXT NOT NULL,
	object_key TEXT NOT NULL UNIQUE,
	size BIGINT NOT NULL DEFAULT 0,
	mime_type TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at {{TIME}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_workspace_checksum ON files(workspace_id, checksum);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	source_file_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at {{TIME}} NOT NULL,
	updated_at {{TIME}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_workspace ON documents(workspace_id);
CREATE INDEX IF NOT EXISTS idx_documents_source_file ON documents(source_file_id);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL,
	range_start INTEGER NOT NULL DEFAULT 0,
	range_end INTEGER NOT NULL DEFAULT 0,
	embedding {{VECTOR}},
	created_at {{TIME}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(content_hash);

CREATE TABLE IF NOT EXISTS folders (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	name TEXT NOT NULL,
	created_at {{TIME}} NOT NULL
);

CREATE TABLE IF NOT EXISTS document_folders (
	document_id TEXT NOT NULL,
	folder_id TEXT NOT NULL,
	PRIMARY KEY (document_id, folder_id)
);

CREATE TABLE IF NOT EXISTS tags (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	label TEXT NOT NULL,
	UNIQUE (workspace_id, label)
);

CREATE TABLE IF NOT EXISTS document_tags (
	document_id TEXT NOT NULL,
	tag_id TEXT NOT NULL,
	PRIMARY KEY (document_id, tag_id)
);

CREATE TABLE IF NOT EXISTS embedding_cache (
	hash TEXT PRIMARY KEY,
	vector {{VECTOR}} NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL,
	dimensions INTEGER NOT NULL,
	created_at {{TIME}} NOT NULL
);

CREATE TABLE IF NOT EXISTS upload_sessions (
	id TEXT PRIMARY KEY,
	bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	workspace TEXT NOT NULL,
	upload_id TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	part_size BIGINT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	created_at {{TIME}} NOT NULL,
	updated_at {{TIME}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_sessions_status ON upload_sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS upload_parts (
	session_id TEXT NOT NULL,
	part_number INTEGER NOT NULL,
	size BIGINT NOT NULL,
	etag TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, part_number)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	origin_queue TEXT NOT NULL,
	job_id TEXT NOT NULL,
	job_name TEXT NOT NULL,
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	failed_at {{TIME}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(queue, failed_at);
`

func schemaFor(d Dialect) string {
	vector, ts := "TEXT", "TIMESTAMP"
	if d == DialectPostgres {
		vector, ts = "vector", "TIMESTAMPTZ"
	}
	return strings.NewReplacer("{{VECTOR}}", vector, "{{TIME}}", ts).Replace(schemaTemplate)
}

func initSchema(ctx context.Context, db *sqlx.DB, d Dialect) error {
	if d == DialectPostgres {
		if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("enable pgvector: %w", err)
		}
	}
	for _, stmt := range strings.Split(schemaFor(d), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return addColumns(ctx, db, d)
}

var addedColumns = []struct{ table, column, def string }{
	{"workspaces", "keyword_generation", "BIGINT NOT NULL DEFAULT 0"},
}

func addColumns(ctx context.Context, db *sqlx.DB, d Dialect) error {
	for _, c := range addedColumns {
		if d == DialectPostgres {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", c.table, c.column, c.def)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
			}
			continue
		}
		var n int
		if err := db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.column); err != nil {
			return fmt.Errorf("inspect %s: %w", c.table, err)
		}
		if n > 0 {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.def)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}
