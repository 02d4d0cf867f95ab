package store

import (
	"context"
	"math"
	"sort"

	"github.com/lib/pq"

	"github.com/robomem/robomem/pkg/core"
)

// ---------------------------------------------------------------------------
// Dynamic relevance: a composite of semantic similarity, hierarchical tag
// overlap, recency decay, and access frequency, weighted by configuration.
// ---------------------------------------------------------------------------

// relevanceScale maps the weighted composite (each term in [0,1]) onto the
// 0..10 surface the API exposes.
const relevanceScale = 10.0

// RelevanceInputs carries the per-candidate signals for scoring. Semantic
// is nil when the candidate has no similarity (e.g. it arrived via a
// non-vector arm); the scorer substitutes a neutral 0.5.
type RelevanceInputs struct {
	Semantic    *float64
	QueryTags   []string
	NodeTags    []string
	AgeHours    float64
	AccessCount int64
}

// RelevanceScore computes the composite relevance in [0, 10].
func RelevanceScore(in RelevanceInputs, cfg core.RelevanceConfig) float64 {
	semantic := 0.5
	if in.Semantic != nil {
		semantic = clamp01(*in.Semantic)
	}

	tag := 0.5
	if len(in.QueryTags) > 0 && len(in.NodeTags) > 0 {
		tag = WeightedHierarchicalJaccard(in.QueryTags, in.NodeTags)
	}

	halfLife := cfg.RecencyHalfLife.Hours()
	if halfLife <= 0 {
		halfLife = 168
	}
	recency := math.Exp(-in.AgeHours / halfLife)

	access := clamp01(math.Log(1+float64(in.AccessCount)) / 10)

	score := relevanceScale * (cfg.SemanticWeight*semantic +
		cfg.TagWeight*tag +
		cfg.RecencyWeight*recency +
		cfg.AccessWeight*access)
	if score < 0 {
		return 0
	}
	if score > relevanceScale {
		return relevanceScale
	}
	return score
}

// WeightedHierarchicalJaccard measures the overlap of two hierarchical tag
// sets in [0, 1]. Identical sets score exactly 1. Otherwise each pair of
// tags sharing a root is compared by common-prefix depth over the deeper
// path length, weighted inversely by that length.
func WeightedHierarchicalJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if sameTagSet(a, b) {
		return 1.0
	}

	splitB := make([][]string, len(b))
	byRoot := make(map[string][][]string)
	for i, t := range b {
		parts := core.SplitTag(t)
		splitB[i] = parts
		byRoot[parts[0]] = append(byRoot[parts[0]], parts)
	}

	var simSum, weightSum float64
	for _, t := range a {
		pa := core.SplitTag(t)
		candidates := byRoot[pa[0]]
		if len(candidates) == 0 {
			candidates = splitB
		}
		for _, pb := range candidates {
			maxLen := len(pa)
			if len(pb) > maxLen {
				maxLen = len(pb)
			}
			sim := float64(core.CommonPrefixDepth(pa, pb)) / float64(maxLen)
			weight := 1.0 / float64(maxLen)
			simSum += sim * weight
			weightSum += weight
		}
	}
	if weightSum == 0 {
		return 0
	}
	return simSum / weightSum
}

func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SearchWithRelevance ranks candidates by the composite relevance score.
// Candidates come from the vector strategy when the embedding service is
// healthy, degrading to fulltext otherwise.
func (s *Store) SearchWithRelevance(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	start := s.clock()

	limit := clampLimit(opts.Limit)
	wide := opts
	wide.Limit = clampLimit(limit * candidateMultiplier)

	candidates, err := s.Search(ctx, query, wide)
	if err != nil {
		if core.IsKind(err, core.KindValidation) {
			return nil, err
		}
		s.log.Debug().Err(err).Msg("relevance vector candidates degraded to fulltext")
		candidates, err = s.SearchFulltext(ctx, query, wide)
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var queryTags []string
	if matches, err := s.FindQueryMatchingTags(ctx, query, true); err == nil {
		for _, m := range matches {
			queryTags = append(queryTags, m.Name)
		}
	}

	for i := range candidates {
		var semantic *float64
		if candidates[i].Similarity > 0 {
			sim := candidates[i].Similarity
			semantic = &sim
		}
		candidates[i].Relevance = RelevanceScore(RelevanceInputs{
			Semantic:    semantic,
			QueryTags:   queryTags,
			NodeTags:    candidates[i].Tags,
			AgeHours:    s.ageHours(candidates[i].Node.CreatedAt),
			AccessCount: candidates[i].Node.AccessCount,
		}, s.cfg.Relevance)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Relevance > candidates[j].Relevance
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	s.tel.ObserveSearchLatency("relevance", s.clock().Sub(start))
	return candidates, nil
}

// SearchByTags returns nodes holding any of the given tags, ranked by the
// composite relevance with a neutral semantic term.
func (s *Store) SearchByTags(ctx context.Context, tags []string, opts SearchOptions) ([]Result, error) {
	const op = "store.SearchByTags"
	start := s.clock()

	if len(tags) == 0 {
		return nil, core.E(core.KindValidation, op, "at least one tag is required")
	}
	limit := clampLimit(opts.Limit)

	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+prefixedNodeColumns("n")+` FROM nodes n
		JOIN node_tags nt ON nt.node_id = n.id
		JOIN tags t ON t.id = nt.tag_id
		WHERE t.name = ANY($1) AND n.deleted_at IS NULL
		GROUP BY n.id
		LIMIT $2`, pq.Array(tags), clampLimit(limit*candidateMultiplier))
	if err != nil {
		return nil, s.dbErr(op, err)
	}

	results := make([]Result, len(rows))
	for i := range rows {
		results[i] = Result{Node: *rows[i].toNode()}
	}
	if err := s.finishResults(ctx, results); err != nil {
		return nil, err
	}

	for i := range results {
		results[i].Relevance = RelevanceScore(RelevanceInputs{
			QueryTags:   tags,
			NodeTags:    results[i].Tags,
			AgeHours:    s.ageHours(results[i].Node.CreatedAt),
			AccessCount: results[i].Node.AccessCount,
		}, s.cfg.Relevance)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	if len(results) > limit {
		results = results[:limit]
	}

	s.tel.ObserveSearchLatency("tags", s.clock().Sub(start))
	return results, nil
}
