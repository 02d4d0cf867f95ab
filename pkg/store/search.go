package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robomem/robomem/pkg/core"
)

// maxSearchLimit is the ceiling on any search result size.
const maxSearchLimit = 1000

// defaultSearchLimit applies when a caller passes no limit.
const defaultSearchLimit = 10

// SearchOptions are shared by all search strategies.
type SearchOptions struct {
	Limit int

	// Timeframe accepts nil, Range, []Range, *Timeframe, time.Time, a
	// natural-language phrase, or AutoTimeframe (extract from the query).
	Timeframe any

	// Metadata filters by JSON containment.
	Metadata map[string]any
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

// resolveTimeframe normalizes opts.Timeframe, handling the auto sentinel by
// stripping the phrase out of the query.
func (s *Store) resolveTimeframe(query string, raw any) (string, *Timeframe, error) {
	if phrase, ok := raw.(string); ok && strings.EqualFold(phrase, AutoTimeframe) {
		stripped, tf := ExtractTimeframe(query, s.clock(), s.cfg.WeekStart)
		return stripped, tf, nil
	}
	tf, err := NormalizeTimeframe(raw, s.clock(), s.cfg.WeekStart)
	return query, tf, err
}

// Search is the vector strategy: embed the query and rank live embedded
// nodes by cosine distance.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	const op = "store.Search"
	start := s.clock()

	limit := clampLimit(opts.Limit)
	query, tf, err := s.resolveTimeframe(query, opts.Timeframe)
	if err != nil {
		return nil, err
	}

	cached, err := s.queries.Fetch(MethodSearch, []any{tf, query, limit, opts.Metadata}, func() (any, error) {
		results, err := s.vectorCandidates(ctx, query, limit, tf, opts.Metadata)
		if err != nil {
			return nil, err
		}
		if err := s.finishResults(ctx, results); err != nil {
			return nil, err
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}

	s.tel.ObserveSearchLatency("vector", s.clock().Sub(start))
	return cached.([]Result), nil
}

// vectorCandidates runs the cosine-distance query. The embedding service
// failure propagates; hybrid search catches it and drops the arm.
func (s *Store) vectorCandidates(ctx context.Context, query string, limit int, tf *Timeframe, metadata map[string]any) ([]Result, error) {
	const op = "store.vectorCandidates"

	vec, err := s.embeddings.Generate(ctx, query)
	if err != nil {
		return nil, err
	}
	lit, err := SanitizeEmbedding(PadEmbedding(vec, core.MaxEmbeddingDimension))
	if err != nil {
		return nil, err
	}

	args := []any{lit}
	where := "n.embedding IS NOT NULL AND n.deleted_at IS NULL"
	if cond, a := timeframeCondition(tf, "n", "created_at", args); cond != "" {
		where += " AND " + cond
		args = a
	}
	cond, args, err := metadataCondition(metadata, "n", "metadata", args)
	if err != nil {
		return nil, err
	}
	if cond != "" {
		where += " AND " + cond
	}

	sqlQuery := fmt.Sprintf(`
		SELECT %s, 1 - (n.embedding <=> $1::vector) AS similarity
		FROM nodes n
		WHERE %s
		ORDER BY n.embedding <=> $1::vector
		LIMIT $%d`, prefixedNodeColumns("n"), where, len(args)+1)
	args = append(args, limit)

	var rows []struct {
		nodeRow
		Similarity float64 `db:"similarity"`
	}
	if err := s.db.SelectContext(ctx, &rows, sqlQuery, args...); err != nil {
		return nil, s.dbErr(op, err)
	}

	results := make([]Result, len(rows))
	for i := range rows {
		results[i] = Result{Node: *rows[i].toNode(), Similarity: rows[i].Similarity}
	}
	return results, nil
}

// finishResults tracks access on the hit set and loads its tags.
func (s *Store) finishResults(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]core.NodeID, len(results))
	for i := range results {
		ids[i] = results[i].Node.ID
	}
	if err := s.TrackAccess(ctx, ids); err != nil {
		return err
	}
	tags, err := s.BatchLoadNodeTags(ctx, ids)
	if err != nil {
		return err
	}
	for i := range results {
		results[i].Tags = tags[results[i].Node.ID]
	}
	return nil
}

// ageHours returns the node's age relative to the store clock, floored at
// zero.
func (s *Store) ageHours(t time.Time) float64 {
	h := s.clock().Sub(t).Hours()
	if h < 0 {
		return 0
	}
	return h
}
