package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lib/pq"

	"github.com/robomem/robomem/pkg/core"
)

// rrfK is the Reciprocal Rank Fusion constant: each list contributes
// 1/(k + rank) per node.
const rrfK = 60

// candidateMultiplier widens each arm's candidate pool before fusion.
const candidateMultiplier = 3

// SearchHybrid fuses the vector, fulltext, and tag strategies with
// Reciprocal Rank Fusion. A failing arm degrades to empty instead of
// failing the search; nodes without embeddings can still surface through
// the fulltext and tag arms.
func (s *Store) SearchHybrid(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	start := s.clock()

	limit := clampLimit(opts.Limit)
	query, tf, err := s.resolveTimeframe(query, opts.Timeframe)
	if err != nil {
		return nil, err
	}
	candidateLimit := clampLimit(limit * candidateMultiplier)

	cached, err := s.queries.Fetch(MethodHybrid, []any{tf, query, limit, opts.Metadata}, func() (any, error) {
		var (
			wg       sync.WaitGroup
			vector   []Result
			fulltext []Result
			tagged   []Result
		)

		// The arms are independent reads; each tolerates its own failure.
		wg.Add(3)
		go func() {
			defer wg.Done()
			r, err := s.vectorCandidates(ctx, query, candidateLimit, tf, opts.Metadata)
			if err != nil {
				s.log.Debug().Err(err).Msg("hybrid vector arm degraded to empty")
				return
			}
			vector = r
		}()
		go func() {
			defer wg.Done()
			r, err := s.fulltextCandidates(ctx, query, candidateLimit, tf)
			if err != nil {
				s.log.Debug().Err(err).Msg("hybrid fulltext arm degraded to empty")
				return
			}
			fulltext = r
		}()
		go func() {
			defer wg.Done()
			r, err := s.tagCandidates(ctx, query, candidateLimit)
			if err != nil {
				s.log.Debug().Err(err).Msg("hybrid tag arm degraded to empty")
				return
			}
			tagged = r
		}()
		wg.Wait()

		results := fuseRRF([][]Result{vector, fulltext, tagged}, rrfK, limit)
		if err := s.finishResults(ctx, results); err != nil {
			return nil, err
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}

	s.tel.ObserveSearchLatency("hybrid", s.clock().Sub(start))
	return cached.([]Result), nil
}

// fuseRRF merges ordered result lists: a node at 1-based rank r in a list
// accumulates 1/(k+r). Ties keep first-seen order, so the earlier list
// wins.
func fuseRRF(lists [][]Result, k, limit int) []Result {
	type acc struct {
		result Result
		score  float64
		seen   int
	}
	byID := make(map[core.NodeID]*acc)
	var order []core.NodeID

	for _, list := range lists {
		for rank, r := range list {
			a, ok := byID[r.Node.ID]
			if !ok {
				a = &acc{result: r}
				byID[r.Node.ID] = a
				order = append(order, r.Node.ID)
			}
			a.score += 1.0 / float64(k+rank+1)
			a.seen++
		}
	}

	merged := make([]Result, 0, len(order))
	for _, id := range order {
		a := byID[id]
		a.result.RRFScore = a.score
		merged = append(merged, a.result)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RRFScore > merged[j].RRFScore
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// tagCandidates extracts tags from the query, finds nodes holding any
// matched existing tag, and ranks them by tag-depth score.
func (s *Store) tagCandidates(ctx context.Context, query string, limit int) ([]Result, error) {
	const op = "store.tagCandidates"

	ontology, err := s.TagOntology(ctx)
	if err != nil {
		return nil, err
	}
	extracted, err := s.tagExtract.Extract(ctx, query, ontology)
	if err != nil || len(extracted) == 0 {
		return nil, err
	}

	matches, err := s.matchExtractedTags(ctx, extracted)
	if err != nil {
		return nil, s.dbErr(op, err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	matchedNames := make([]string, len(matches))
	for i, m := range matches {
		matchedNames[i] = m.Name
	}

	var rows []struct {
		nodeRow
		TagName string `db:"tag_name"`
	}
	err = s.db.SelectContext(ctx, &rows, `
		SELECT `+prefixedNodeColumns("n")+`, t.name AS tag_name
		FROM nodes n
		JOIN node_tags nt ON nt.node_id = n.id
		JOIN tags t ON t.id = nt.tag_id
		WHERE t.name = ANY($1) AND n.deleted_at IS NULL`, pq.Array(matchedNames))
	if err != nil {
		return nil, s.dbErr(op, err)
	}

	nodeTags := make(map[core.NodeID][]string)
	nodes := make(map[core.NodeID]*core.Node)
	var order []core.NodeID
	for i := range rows {
		id := rows[i].ID
		if _, ok := nodes[id]; !ok {
			nodes[id] = rows[i].toNode()
			order = append(order, id)
		}
		nodeTags[id] = append(nodeTags[id], rows[i].TagName)
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		results = append(results, Result{
			Node: *nodes[id],
			Rank: TagDepthScore(extracted, nodeTags[id]),
			Tags: nodeTags[id],
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Rank != results[j].Rank {
			return results[i].Rank > results[j].Rank
		}
		return results[i].Node.ID < results[j].Node.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// TagDepthScore scores how specifically a node's tags cover the query tags.
// For a query tag of depth D, a node holding its prefix at depth d
// contributes d/D; the best coverage over all query tags plus a small
// multi-match bonus, clamped to [0, 1].
func TagDepthScore(queryTags, nodeTags []string) float64 {
	if len(queryTags) == 0 || len(nodeTags) == 0 {
		return 0
	}

	held := make(map[string]struct{}, len(nodeTags))
	for _, t := range nodeTags {
		held[t] = struct{}{}
	}

	best := 0.0
	matched := 0
	for _, qt := range queryTags {
		depth := core.TagDepth(qt)
		tagBest := 0.0
		for i, prefix := range core.TagAncestors(qt) {
			if _, ok := held[prefix]; ok {
				ratio := float64(i+1) / float64(depth)
				if ratio > tagBest {
					tagBest = ratio
				}
			}
		}
		if tagBest > 0 {
			matched++
		}
		if tagBest > best {
			best = tagBest
		}
	}

	if matched == 0 {
		return 0
	}
	bonus := 0.05 * float64(matched-1)
	if bonus > 0.2 {
		bonus = 0.2
	}
	score := best + bonus
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}
