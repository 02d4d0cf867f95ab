package store

import (
	"context"
	"fmt"

	"github.com/robomem/robomem/pkg/core"
)

// Schema DDL. Idempotent; Migrate applies the statements in order inside
// one transaction (extensions excluded, Postgres runs those implicitly
// committed).

var schemaExtensions = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
}

var schemaStatements = []string{
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS nodes (
		id            BIGSERIAL PRIMARY KEY,
		content       TEXT        NOT NULL,
		content_hash  CHAR(64)    NOT NULL,
		token_count   INTEGER     NOT NULL DEFAULT 0,
		embedding     vector(%d),
		embedding_dim INTEGER,
		metadata      JSONB       NOT NULL DEFAULT '{}'::jsonb,
		access_count  BIGINT      NOT NULL DEFAULT 0,
		last_accessed TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at    TIMESTAMPTZ
	)`, core.MaxEmbeddingDimension),

	// Content is unique among live nodes only; soft-deleted rows keep their
	// hash so a duplicate add can restore them.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_content_hash_live
		ON nodes (content_hash) WHERE deleted_at IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_nodes_embedding
		ON nodes USING hnsw (embedding vector_cosine_ops)`,

	`CREATE INDEX IF NOT EXISTS idx_nodes_content_tsv
		ON nodes USING gin (to_tsvector('english', content))`,

	`CREATE INDEX IF NOT EXISTS idx_nodes_content_trgm
		ON nodes USING gin (content gin_trgm_ops)`,

	`CREATE INDEX IF NOT EXISTS idx_nodes_created_at ON nodes (created_at)`,

	`CREATE TABLE IF NOT EXISTS robots (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT        NOT NULL UNIQUE,
		last_active TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS robot_nodes (
		robot_id            BIGINT NOT NULL REFERENCES robots (id) ON DELETE CASCADE,
		node_id             BIGINT NOT NULL REFERENCES nodes (id) ON DELETE CASCADE,
		first_remembered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_remembered_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		remember_count      INTEGER NOT NULL DEFAULT 1,
		working_memory      BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (robot_id, node_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_robot_nodes_working
		ON robot_nodes (robot_id) WHERE working_memory`,

	`CREATE TABLE IF NOT EXISTS tags (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT        NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tags_name_trgm
		ON tags USING gin (name gin_trgm_ops)`,

	`CREATE TABLE IF NOT EXISTS node_tags (
		node_id BIGINT NOT NULL REFERENCES nodes (id) ON DELETE CASCADE,
		tag_id  BIGINT NOT NULL REFERENCES tags (id) ON DELETE CASCADE,
		PRIMARY KEY (node_id, tag_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_node_tags_tag ON node_tags (tag_id)`,

	`CREATE TABLE IF NOT EXISTS file_sources (
		id         BIGSERIAL PRIMARY KEY,
		path       TEXT        NOT NULL UNIQUE,
		checksum   CHAR(64)    NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	const op = "store.Migrate"

	for _, stmt := range schemaExtensions {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.dbErr(op, err)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.dbErr(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return s.dbErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.dbErr(op, err)
	}

	s.log.Info().Int("statements", len(schemaStatements)).Msg("schema migrated")
	return nil
}
