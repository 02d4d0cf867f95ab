package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/extract"
	"github.com/robomem/robomem/pkg/telemetry"
)

// Store is the long-term memory: Postgres-backed node storage, taxonomy,
// and search. One Store is shared by every robot in the process.
type Store struct {
	db  *sqlx.DB
	cfg *core.Config
	log zerolog.Logger
	tel *telemetry.Telemetry

	queries     *QueryCache
	popularTags *gocache.Cache

	embeddings *extract.EmbeddingService
	tagExtract *extract.TagService

	clock func() time.Time
}

// Open connects to Postgres, configures the pool and the per-connection
// statement timeout, and verifies connectivity.
func Open(ctx context.Context, cfg *core.Config, embeddings *extract.EmbeddingService, tagExtract *extract.TagService, log zerolog.Logger, tel *telemetry.Telemetry) (*Store, error) {
	dsn := applyStatementTimeout(cfg.Database.ConnString(), cfg.Database.StatementTimeout)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, "store.Open", err)
	}
	db.SetMaxOpenConns(cfg.Database.PoolSize)
	db.SetMaxIdleConns(cfg.Database.PoolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindDatabase, "store.Open", err)
	}

	s := New(db, cfg, embeddings, tagExtract, log, tel)
	s.log.Info().
		Str("database", cfg.Database.Name).
		Int("pool_size", cfg.Database.PoolSize).
		Dur("statement_timeout", cfg.Database.StatementTimeout).
		Msg("connected to long-term memory")
	return s, nil
}

// New wraps an existing connection; used by Open and by tests.
func New(db *sqlx.DB, cfg *core.Config, embeddings *extract.EmbeddingService, tagExtract *extract.TagService, log zerolog.Logger, tel *telemetry.Telemetry) *Store {
	return &Store{
		db:          db,
		cfg:         cfg,
		log:         log.With().Str("component", "store").Logger(),
		tel:         tel,
		queries:     NewQueryCache(cfg.Cache.QueryCapacity, cfg.Cache.QueryTTL),
		popularTags: gocache.New(cfg.Cache.PopularTagTTL, 2*cfg.Cache.PopularTagTTL),
		embeddings:  embeddings,
		tagExtract:  tagExtract,
		clock:       time.Now,
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// QueryCache exposes the cache for selective invalidation by callers.
func (s *Store) QueryCache() *QueryCache { return s.queries }

// Stats aggregates store-level counters.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"query_cache": s.queries.Stats(),
	}

	var counts struct {
		Nodes    int64 `db:"nodes"`
		Embedded int64 `db:"embedded"`
		Tags     int64 `db:"tags"`
		Robots   int64 `db:"robots"`
	}
	err := s.db.GetContext(ctx, &counts, `
		SELECT
			(SELECT count(*) FROM nodes WHERE deleted_at IS NULL)                          AS nodes,
			(SELECT count(*) FROM nodes WHERE deleted_at IS NULL AND embedding IS NOT NULL) AS embedded,
			(SELECT count(*) FROM tags)                                                    AS tags,
			(SELECT count(*) FROM robots)                                                  AS robots`)
	if err != nil {
		return nil, s.dbErr("store.Stats", err)
	}
	out["nodes"] = counts.Nodes
	out["nodes_embedded"] = counts.Embedded
	out["tags"] = counts.Tags
	out["robots"] = counts.Robots
	return out, nil
}

// applyStatementTimeout appends a server-side statement_timeout to the DSN,
// handling both URL and key/value forms.
func applyStatementTimeout(dsn string, d time.Duration) string {
	if d <= 0 {
		return dsn
	}
	ms := d.Milliseconds()

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		if q.Get("options") == "" {
			q.Set("options", fmt.Sprintf("-c statement_timeout=%d", ms))
			u.RawQuery = q.Encode()
		}
		return u.String()
	}

	if strings.Contains(dsn, "options=") {
		return dsn
	}
	return dsn + fmt.Sprintf(" options='-c statement_timeout=%d'", ms)
}

// dbErr maps a database error to the typed error surface. Statement
// timeouts (query_canceled) become QUERY_TIMEOUT; sql.ErrNoRows becomes
// NOT_FOUND; everything else is DATABASE.
func (s *Store) dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return core.Wrap(core.KindNotFound, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "57014" {
		return core.Wrap(core.KindQueryTimeout, op, err)
	}
	return core.Wrap(core.KindDatabase, op, err)
}

// ---------------------------------------------------------------------------
// Row types. core.Node keeps metadata and embedding out of db-tag mapping;
// the store scans them explicitly.
// ---------------------------------------------------------------------------

type nodeRow struct {
	ID           core.NodeID    `db:"id"`
	Content      string         `db:"content"`
	ContentHash  string         `db:"content_hash"`
	TokenCount   int            `db:"token_count"`
	EmbeddingDim sql.NullInt64  `db:"embedding_dim"`
	Metadata     types.JSONText `db:"metadata"`
	AccessCount  int64          `db:"access_count"`
	LastAccessed sql.NullTime   `db:"last_accessed"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	DeletedAt    sql.NullTime   `db:"deleted_at"`
}

const nodeColumns = `id, content, content_hash, token_count, embedding_dim,
	metadata, access_count, last_accessed, created_at, updated_at, deleted_at`

// prefixedNodeColumns qualifies the node column list with a table alias for
// joined queries.
func prefixedNodeColumns(alias string) string {
	cols := strings.Split(strings.ReplaceAll(nodeColumns, "\n\t", " "), ", ")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (r *nodeRow) toNode() *core.Node {
	n := &core.Node{
		ID:          r.ID,
		Content:     r.Content,
		ContentHash: r.ContentHash,
		TokenCount:  r.TokenCount,
		AccessCount: r.AccessCount,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.EmbeddingDim.Valid {
		n.EmbeddingDim = int(r.EmbeddingDim.Int64)
	}
	if r.LastAccessed.Valid {
		t := r.LastAccessed.Time
		n.LastAccessed = &t
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		n.DeletedAt = &t
	}
	if len(r.Metadata) > 0 {
		var m map[string]any
		if err := r.Metadata.Unmarshal(&m); err == nil {
			n.Metadata = m
		}
	}
	return n
}

// Result is one search hit: the node plus whichever scores the strategy
// produced.
type Result struct {
	Node       core.Node
	Similarity float64
	Rank       float64
	RRFScore   float64
	Relevance  float64
	Tags       []string
}
