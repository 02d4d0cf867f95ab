package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
)

func expectTagClosure(mock sqlmock.Sqlmock, nodeID int64, names []string, ids []int64) {
	for i, name := range names {
		mock.ExpectQuery(`INSERT INTO tags \(name\) VALUES \(\$1\)`).
			WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(ids[i]))
		mock.ExpectExec(`INSERT INTO node_tags`).
			WithArgs(nodeID, ids[i]).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func TestAddTagCreatesHierarchicalClosure(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectBegin()
	expectTagClosure(mock, 42, []string{"a", "a:b", "a:b:c"}, []int64{1, 2, 3})
	mock.ExpectCommit()

	require.NoError(t, s.AddTag(context.Background(), 42, "a:b:c"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddTagRejectsInvalidNames(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for _, bad := range []string{"", "Has Space", "a:b:a", "x:x", "a:b:c:d:e"} {
		err := s.AddTag(ctx, 42, bad)
		require.True(t, core.IsKind(err, core.KindValidation), "tag %q", bad)
	}
}

func TestAttachTagsSkipsInvalid(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectBegin()
	expectTagClosure(mock, 42, []string{"robotics", "robotics:arm"}, []int64{1, 2})
	mock.ExpectCommit()

	err := s.AttachTags(context.Background(), 42, []string{"robotics:arm", "NOT VALID"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachTagsAllInvalidIsNoop(t *testing.T) {
	s, mock := testStore(t)
	require.NoError(t, s.AttachTags(context.Background(), 42, []string{"BAD", ""}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodesByTopicModes(t *testing.T) {
	s, mock := testStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`t\.name = \$1 AND n\.deleted_at IS NULL`).
		WithArgs("robotics:arm", 10).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns).
			AddRow(nodeRowValues(1, "arm note", nil)...))
	nodes, err := s.NodesByTopic(ctx, "robotics:arm", TopicExact, 10)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	mock.ExpectQuery(`similarity\(t\.name, \$1\) >= 0\.3`).
		WithArgs("robotcs", 10).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns))
	_, err = s.NodesByTopic(ctx, "robotcs", TopicFuzzy, 10)
	require.NoError(t, err)

	mock.ExpectQuery(`t\.name LIKE \$1`).
		WithArgs(`robotics\%%`, 10).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns))
	_, err = s.NodesByTopic(ctx, "robotics%", TopicPrefix, 10)
	require.NoError(t, err)

	_, err = s.NodesByTopic(ctx, "x", TopicMode("regex"), 10)
	require.True(t, core.IsKind(err, core.KindValidation))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodesByTopicCapsLimit(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`t\.name = \$1`).
		WithArgs("x", maxTopicLimit).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns))
	_, err := s.NodesByTopic(context.Background(), "x", TopicExact, 5000)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLoadNodeTags(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`SELECT nt\.node_id, t\.name FROM node_tags nt`).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "name"}).
			AddRow(int64(1), "robotics").
			AddRow(int64(1), "robotics:arm").
			AddRow(int64(2), "planning"))

	got, err := s.BatchLoadNodeTags(context.Background(), []core.NodeID{1, 2})
	require.NoError(t, err)
	require.Equal(t, map[core.NodeID][]string{
		1: {"robotics", "robotics:arm"},
		2: {"planning"},
	}, got)

	// Empty input never hits the database.
	empty, err := s.BatchLoadNodeTags(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPopularTags(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`GROUP BY t\.name\s+ORDER BY count DESC`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"name", "count"}).
			AddRow("robotics", int64(12)).
			AddRow("planning", int64(4)))

	tags, err := s.PopularTags(context.Background(), 5, nil)
	require.NoError(t, err)
	require.Equal(t, []TagCount{{Name: "robotics", Count: 12}, {Name: "planning", Count: 4}}, tags)
}

func TestTagOntologyIsCached(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`GROUP BY t\.name`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "count"}).
			AddRow("robotics", int64(3)))

	ctx := context.Background()
	first, err := s.TagOntology(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"robotics"}, first)

	// Second call is served from the popular-tags cache.
	second, err := s.TagOntology(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopicRelationships(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`HAVING count\(\*\) >= \$1`).
		WithArgs(2, 50).
		WillReturnRows(sqlmock.NewRows([]string{"tag_a", "tag_b", "shared"}).
			AddRow("planning", "robotics", int64(6)))

	edges, err := s.TopicRelationships(context.Background(), 2, 50)
	require.NoError(t, err)
	require.Equal(t, []TopicEdge{{TagA: "planning", TagB: "robotics", Shared: 6}}, edges)
}

func TestFindQueryMatchingTags(t *testing.T) {
	s, mock := testStore(t)

	// Ontology load (popular tags).
	mock.ExpectQuery(`GROUP BY t\.name`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "count"}).AddRow("robotics", int64(3)))
	// Four-priority UNION.
	mock.ExpectQuery(`SELECT name, min\(priority\) AS priority`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "priority"}).
			AddRow("robotics:arm", 1).
			AddRow("robotics", 2))

	matches, err := s.FindQueryMatchingTags(context.Background(), "how does the arm move", false)
	require.NoError(t, err)
	require.Equal(t, []QueryTagMatch{
		{Name: "robotics:arm", Priority: 1},
		{Name: "robotics", Priority: 2},
	}, matches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindQueryMatchingTagsIncludesExtracted(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`GROUP BY t\.name`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "count"}))
	mock.ExpectQuery(`SELECT name, min\(priority\) AS priority`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "priority"}))

	// The test extractor proposes "robotics:arm"; nothing matches, so it is
	// appended with priority 0.
	matches, err := s.FindQueryMatchingTags(context.Background(), "arm", true)
	require.NoError(t, err)
	require.Equal(t, []QueryTagMatch{{Name: "robotics:arm", Priority: 0}}, matches)
}
