package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/robomem/robomem/pkg/core"
)

// maxTopicLimit is the hard cap on topic query results.
const maxTopicLimit = 1000

// minTagSimilarity is the trigram threshold for fuzzy tag matching.
const minTagSimilarity = 0.3

// TopicMode selects how nodes_by_topic matches tag names.
type TopicMode string

const (
	TopicExact  TopicMode = "exact"
	TopicFuzzy  TopicMode = "fuzzy"
	TopicPrefix TopicMode = "prefix"
)

// AddTag associates a hierarchical tag with a node, creating the tag and
// every ancestor prefix and linking all of them (hierarchical closure).
// Idempotent.
func (s *Store) AddTag(ctx context.Context, nodeID core.NodeID, tag string) error {
	const op = "store.AddTag"

	if !core.ValidTagName(tag, s.cfg.Tag.MaxDepth) {
		return core.E(core.KindValidation, op, "invalid tag name %q", tag)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.dbErr(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := attachTagClosure(ctx, tx, nodeID, tag); err != nil {
		return s.dbErr(op, err)
	}
	return s.dbErr(op, tx.Commit())
}

// AttachTags applies AddTag for each tag in one transaction, skipping
// invalid names rather than failing the batch.
func (s *Store) AttachTags(ctx context.Context, nodeID core.NodeID, tags []string) error {
	const op = "store.AttachTags"

	valid := lo.Filter(tags, func(t string, _ int) bool {
		return core.ValidTagName(t, s.cfg.Tag.MaxDepth)
	})
	if len(valid) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.dbErr(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, tag := range valid {
		if err := attachTagClosure(ctx, tx, nodeID, tag); err != nil {
			return s.dbErr(op, err)
		}
	}
	return s.dbErr(op, tx.Commit())
}

func attachTagClosure(ctx context.Context, tx sqlxExt, nodeID core.NodeID, tag string) error {
	for _, name := range core.TagAncestors(tag) {
		var tagID core.TagID
		err := tx.GetContext(ctx, &tagID, `
			INSERT INTO tags (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_tags (node_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, nodeID, tagID); err != nil {
			return err
		}
	}
	return nil
}

// NodesByTopic returns live nodes holding tags that match topic under the
// given mode, deduplicated, newest first.
func (s *Store) NodesByTopic(ctx context.Context, topic string, mode TopicMode, limit int) ([]core.Node, error) {
	const op = "store.NodesByTopic"

	if limit < 1 || limit > maxTopicLimit {
		limit = maxTopicLimit
	}

	var cond string
	var args []any
	switch mode {
	case TopicExact:
		cond = "t.name = $1"
		args = []any{topic}
	case TopicFuzzy:
		cond = fmt.Sprintf("similarity(t.name, $1) >= %g", minTagSimilarity)
		args = []any{topic}
	case TopicPrefix, "":
		cond = "t.name LIKE $1"
		args = []any{SanitizeLikePattern(topic) + "%"}
	default:
		return nil, core.E(core.KindValidation, op, "unknown topic mode %q", mode)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM nodes n
		JOIN node_tags nt ON nt.node_id = n.id
		JOIN tags t ON t.id = nt.tag_id
		WHERE %s AND n.deleted_at IS NULL
		GROUP BY n.id
		ORDER BY n.created_at DESC
		LIMIT $2`, prefixedNodeColumns("n"), cond)
	args = append(args, limit)

	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.dbErr(op, err)
	}
	nodes := make([]core.Node, len(rows))
	for i := range rows {
		nodes[i] = *rows[i].toNode()
	}
	return nodes, nil
}

// BatchLoadNodeTags loads the tag names for a set of nodes in one query.
// Every search path uses this instead of per-row tag lookups.
func (s *Store) BatchLoadNodeTags(ctx context.Context, ids []core.NodeID) (map[core.NodeID][]string, error) {
	out := make(map[core.NodeID][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []struct {
		NodeID core.NodeID `db:"node_id"`
		Name   string      `db:"name"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT nt.node_id, t.name FROM node_tags nt
		JOIN tags t ON t.id = nt.tag_id
		WHERE nt.node_id = ANY($1)
		ORDER BY nt.node_id, t.name`, pq.Array(nodeIDs64(ids)))
	if err != nil {
		return nil, s.dbErr("store.BatchLoadNodeTags", err)
	}
	for _, r := range rows {
		out[r.NodeID] = append(out[r.NodeID], r.Name)
	}
	return out, nil
}

// TagCount is one row of PopularTags.
type TagCount struct {
	Name  string `db:"name"`
	Count int64  `db:"count"`
}

// PopularTags returns tag usage counts over live nodes, optionally scoped
// to a timeframe, most used first.
func (s *Store) PopularTags(ctx context.Context, limit int, tf *Timeframe) ([]TagCount, error) {
	const op = "store.PopularTags"

	if limit < 1 {
		limit = 20
	}

	args := []any{}
	where := "n.deleted_at IS NULL"
	if cond, a := timeframeCondition(tf, "n", "created_at", args); cond != "" {
		where += " AND " + cond
		args = a
	}
	query := fmt.Sprintf(`
		SELECT t.name, count(*) AS count FROM tags t
		JOIN node_tags nt ON nt.tag_id = t.id
		JOIN nodes n ON n.id = nt.node_id
		WHERE %s
		GROUP BY t.name
		ORDER BY count DESC, t.name
		LIMIT $%d`, where, len(args)+1)
	args = append(args, limit)

	var rows []TagCount
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.dbErr(op, err)
	}
	return rows, nil
}

// TopicEdge is one co-occurrence pair from TopicRelationships.
type TopicEdge struct {
	TagA   string `db:"tag_a"`
	TagB   string `db:"tag_b"`
	Shared int64  `db:"shared"`
}

// TopicRelationships returns tag pairs that co-occur on at least
// minSharedNodes live nodes, strongest edges first.
func (s *Store) TopicRelationships(ctx context.Context, minSharedNodes, limit int) ([]TopicEdge, error) {
	if minSharedNodes < 1 {
		minSharedNodes = 2
	}
	if limit < 1 {
		limit = 50
	}

	var rows []TopicEdge
	err := s.db.SelectContext(ctx, &rows, `
		SELECT t1.name AS tag_a, t2.name AS tag_b, count(*) AS shared
		FROM node_tags nt1
		JOIN node_tags nt2 ON nt2.node_id = nt1.node_id AND nt1.tag_id < nt2.tag_id
		JOIN nodes n ON n.id = nt1.node_id AND n.deleted_at IS NULL
		JOIN tags t1 ON t1.id = nt1.tag_id
		JOIN tags t2 ON t2.id = nt2.tag_id
		GROUP BY t1.name, t2.name
		HAVING count(*) >= $1
		ORDER BY shared DESC, t1.name, t2.name
		LIMIT $2`, minSharedNodes, limit)
	if err != nil {
		return nil, s.dbErr("store.TopicRelationships", err)
	}
	return rows, nil
}

// TagOntology returns an established-taxonomy sample offered to the tag
// extractor. Served from the popular-tags cache to keep extraction cheap.
func (s *Store) TagOntology(ctx context.Context) ([]string, error) {
	const cacheKey = "ontology"

	if v, ok := s.popularTags.Get(cacheKey); ok {
		s.tel.CacheHit("popular_tags")
		return v.([]string), nil
	}
	s.tel.CacheMiss("popular_tags")

	counts, err := s.PopularTags(ctx, 100, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(counts))
	for i, c := range counts {
		names[i] = c.Name
	}
	s.popularTags.SetDefault(cacheKey, names)
	return names, nil
}

// QueryTagMatch is one matched existing tag with its match priority
// (1 = exact … 4 = fuzzy fallback).
type QueryTagMatch struct {
	Name     string `db:"name"`
	Priority int    `db:"priority"`
}

// FindQueryMatchingTags extracts candidate tags from a free-text query and
// matches them against the existing taxonomy in one UNION query across four
// priorities: exact, ancestor-prefix, component, trigram fuzzy. When
// includeExtracted is true, extracted tags with no match are appended with
// priority 0 so callers can still use them.
//
// Extractor failures degrade to an empty result; reads never fail on
// extractor errors.
func (s *Store) FindQueryMatchingTags(ctx context.Context, query string, includeExtracted bool) ([]QueryTagMatch, error) {
	const op = "store.FindQueryMatchingTags"

	ontology, err := s.TagOntology(ctx)
	if err != nil {
		return nil, err
	}

	extracted, err := s.tagExtract.Extract(ctx, query, ontology)
	if err != nil {
		s.log.Debug().Err(err).Msg("tag extraction failed, skipping tag matching")
		return nil, nil
	}
	if len(extracted) == 0 {
		return nil, nil
	}

	matches, err := s.matchExtractedTags(ctx, extracted)
	if err != nil {
		return nil, s.dbErr(op, err)
	}

	if includeExtracted {
		seen := make(map[string]struct{}, len(matches))
		for _, m := range matches {
			seen[m.Name] = struct{}{}
		}
		for _, t := range extracted {
			if _, ok := seen[t]; !ok {
				matches = append(matches, QueryTagMatch{Name: t, Priority: 0})
			}
		}
	}
	return matches, nil
}

// matchExtractedTags builds the four-priority UNION over existing tags.
func (s *Store) matchExtractedTags(ctx context.Context, extracted []string) ([]QueryTagMatch, error) {
	var ancestors []string
	var components []string
	for _, t := range extracted {
		ancestors = append(ancestors, core.TagAncestors(t)...)
		components = append(components, core.SplitTag(t)...)
	}
	ancestors = lo.Uniq(ancestors)
	components = lo.Uniq(components)

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var arms []string
	arms = append(arms, fmt.Sprintf(
		`SELECT name, 1 AS priority FROM tags WHERE name = ANY(%s)`,
		arg(pq.Array(extracted))))
	arms = append(arms, fmt.Sprintf(
		`SELECT name, 2 AS priority FROM tags WHERE name = ANY(%s)`,
		arg(pq.Array(ancestors))))

	var compConds []string
	for _, c := range components {
		safe := SanitizeLikePattern(c)
		compConds = append(compConds,
			fmt.Sprintf("name = %s", arg(c)),
			fmt.Sprintf("name LIKE %s", arg(safe+":%")),
			fmt.Sprintf("name LIKE %s", arg("%:"+safe)),
			fmt.Sprintf("name LIKE %s", arg("%:"+safe+":%")),
		)
	}
	arms = append(arms, fmt.Sprintf(
		`SELECT name, 3 AS priority FROM tags WHERE %s`, strings.Join(compConds, " OR ")))

	var fuzzyConds []string
	for _, c := range components {
		fuzzyConds = append(fuzzyConds,
			fmt.Sprintf("similarity(name, %s) >= %g", arg(c), minTagSimilarity))
	}
	arms = append(arms, fmt.Sprintf(
		`SELECT name, 4 AS priority FROM tags WHERE %s`, strings.Join(fuzzyConds, " OR ")))

	query := fmt.Sprintf(`
		SELECT name, min(priority) AS priority FROM (%s) matches
		GROUP BY name
		ORDER BY priority, name`, strings.Join(arms, " UNION ALL "))

	var rows []QueryTagMatch
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// AddPropositionNodes stores extracted propositions as their own nodes for
// the same robot, marked in metadata so they are never re-expanded.
// Returns the ids of newly created nodes only; deduplicated propositions
// are skipped.
func (s *Store) AddPropositionNodes(ctx context.Context, parent core.NodeID, robot core.RobotID, props []string) ([]core.NodeID, error) {
	var created []core.NodeID
	for _, p := range props {
		meta := map[string]any{
			"proposition":    true,
			"parent_node_id": int64(parent),
		}
		res, err := s.Add(ctx, p, core.ApproxTokens(p), robot, nil, meta)
		if err != nil {
			return created, err
		}
		if res.IsNew {
			created = append(created, res.NodeID)
		}
	}
	return created, nil
}
