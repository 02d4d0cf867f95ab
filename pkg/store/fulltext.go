package store

import (
	"context"
	"fmt"
)

// fulltextBoost lifts every tsvector match above the trigram fallback band;
// trigram similarity is always < 1.
const fulltextBoost = 1.0

// minContentSimilarity is the trigram floor for the fallback pass.
const minContentSimilarity = 0.1

// SearchFulltext is the lexical strategy: a stemmed tsvector pass plus a
// trigram fallback for rows the stemmer misses, fused by max score.
func (s *Store) SearchFulltext(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	start := s.clock()

	limit := clampLimit(opts.Limit)
	query, tf, err := s.resolveTimeframe(query, opts.Timeframe)
	if err != nil {
		return nil, err
	}

	cached, err := s.queries.Fetch(MethodFulltext, []any{tf, query, limit}, func() (any, error) {
		results, err := s.fulltextCandidates(ctx, query, limit, tf)
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

	s.tel.ObserveSearchLatency("fulltext", s.clock().Sub(start))
	return cached.([]Result), nil
}

func (s *Store) fulltextCandidates(ctx context.Context, query string, limit int, tf *Timeframe) ([]Result, error) {
	const op = "store.fulltextCandidates"

	args := []any{query}
	timeWhere := ""
	if cond, a := timeframeCondition(tf, "n", "created_at", args); cond != "" {
		timeWhere = " AND " + cond
		args = a
	}

	sqlQuery := fmt.Sprintf(`
		SELECT %s, rank FROM (
			SELECT DISTINCT ON (id) %s, score AS rank FROM (
				SELECT %s, %g + ts_rank(to_tsvector('english', n.content), plainto_tsquery('english', $1)) AS score
				FROM nodes n
				WHERE to_tsvector('english', n.content) @@ plainto_tsquery('english', $1)
				  AND n.deleted_at IS NULL%s
				UNION ALL
				SELECT %s, similarity(n.content, $1) AS score
				FROM nodes n
				WHERE similarity(n.content, $1) >= %g
				  AND NOT (to_tsvector('english', n.content) @@ plainto_tsquery('english', $1))
				  AND n.deleted_at IS NULL%s
			) matches
			ORDER BY id, score DESC
		) best
		ORDER BY rank DESC
		LIMIT $%d`,
		nodeColumns, nodeColumns,
		prefixedNodeColumns("n"), fulltextBoost, timeWhere,
		prefixedNodeColumns("n"), minContentSimilarity, timeWhere,
		len(args)+1)
	args = append(args, limit)

	var rows []struct {
		nodeRow
		Rank float64 `db:"rank"`
	}
	if err := s.db.SelectContext(ctx, &rows, sqlQuery, args...); err != nil {
		return nil, s.dbErr(op, err)
	}

	results := make([]Result, len(rows))
	for i := range rows {
		results[i] = Result{Node: *rows[i].toNode(), Rank: rows[i].Rank}
	}
	return results, nil
}
