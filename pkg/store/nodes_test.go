package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/extract"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := core.DefaultConfig()
	embed := extract.NewEmbeddingService(
		func(ctx context.Context, text string) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		}, cfg.Embedding, cfg.Breaker, zerolog.Nop(), nil)
	tags := extract.NewTagService(
		func(ctx context.Context, text string, ontology []string) ([]string, error) {
			return []string{"robotics:arm"}, nil
		}, cfg.Tag, cfg.Breaker, zerolog.Nop(), nil)

	return New(sqlx.NewDb(db, "postgres"), cfg, embed, tags, zerolog.Nop(), nil), mock
}

var nodeTestColumns = []string{
	"id", "content", "content_hash", "token_count", "embedding_dim",
	"metadata", "access_count", "last_accessed", "created_at", "updated_at", "deleted_at",
}

func nodeRowValues(id int64, content string, deletedAt driver.Value) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, content, core.HashContent(content), 3, nil,
		[]byte(`{}`), int64(0), nil, now, now, deletedAt,
	}
}

func robotNodeRows(robotID, nodeID int64, count int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"robot_id", "node_id", "first_remembered_at", "last_remembered_at", "remember_count", "working_memory",
	}).AddRow(robotID, nodeID, now, now, count, true)
}

func TestAddNewNode(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM nodes WHERE content_hash = \$1 FOR UPDATE`).
		WithArgs(core.HashContent("hello world")).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns))
	mock.ExpectQuery(`INSERT INTO nodes`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery(`INSERT INTO robot_nodes`).
		WillReturnRows(robotNodeRows(7, 42, 1))
	mock.ExpectCommit()

	res, err := s.Add(context.Background(), "hello world", 2, 7, nil, nil)
	require.NoError(t, err)
	require.True(t, res.IsNew)
	require.Equal(t, core.NodeID(42), res.NodeID)
	require.True(t, res.RobotNode.WorkingMemory)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddDeduplicatesLiveNode(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM nodes WHERE content_hash = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns).
			AddRow(nodeRowValues(42, "hello world", nil)...))
	mock.ExpectExec(`UPDATE nodes SET updated_at = now\(\) WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO robot_nodes`).
		WillReturnRows(robotNodeRows(7, 42, 2))
	mock.ExpectCommit()

	res, err := s.Add(context.Background(), "hello world", 2, 7, nil, nil)
	require.NoError(t, err)
	require.False(t, res.IsNew)
	require.Equal(t, core.NodeID(42), res.NodeID)
	require.Equal(t, 2, res.RobotNode.RememberCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRestoresSoftDeletedNode(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM nodes WHERE content_hash = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns).
			AddRow(nodeRowValues(42, "hello world", time.Now())...))
	mock.ExpectExec(`UPDATE nodes SET deleted_at = NULL, updated_at = now\(\)`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO robot_nodes`).
		WillReturnRows(robotNodeRows(7, 42, 2))
	mock.ExpectCommit()

	res, err := s.Add(context.Background(), "hello world", 2, 7, nil, nil)
	require.NoError(t, err)
	require.False(t, res.IsNew)
	require.Equal(t, core.NodeID(42), res.NodeID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRejectsEmptyContent(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.Add(context.Background(), "   ", 0, 7, nil, nil)
	require.True(t, core.IsKind(err, core.KindValidation))
}

func TestAddRejectsOversizedEmbedding(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM nodes WHERE content_hash`).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns))
	mock.ExpectRollback()

	_, err := s.Add(context.Background(), "content", 1, 7,
		make([]float32, core.MaxEmbeddingDimension+1), nil)
	require.True(t, core.IsKind(err, core.KindValidation))
}

func TestAddInvalidatesOnlySearchMethods(t *testing.T) {
	s, mock := testStore(t)

	compute := func() (any, error) { return "v", nil }
	_, _ = s.queries.Fetch(MethodSearch, []any{"q"}, compute)
	_, _ = s.queries.Fetch(MethodFulltext, []any{"q"}, compute)
	_, _ = s.queries.Fetch("tags", []any{"q"}, compute)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM nodes WHERE content_hash`).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns))
	mock.ExpectQuery(`INSERT INTO nodes`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO robot_nodes`).
		WillReturnRows(robotNodeRows(7, 1, 1))
	mock.ExpectCommit()

	_, err := s.Add(context.Background(), "fresh", 1, 7, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.queries.Stats()["size"])
}

func TestRetrieveCountsAccess(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`UPDATE nodes\s+SET access_count = access_count \+ 1, last_accessed = now\(\)`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns).
			AddRow(nodeRowValues(42, "hello", nil)...))

	node, err := s.Retrieve(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, core.NodeID(42), node.ID)
	require.Equal(t, "hello", node.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetrieveMissingNode(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`UPDATE nodes`).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns))

	_, err := s.Retrieve(context.Background(), 99)
	require.True(t, core.IsKind(err, core.KindNotFound))
}

func TestDeleteSoftAndHard(t *testing.T) {
	s, mock := testStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE nodes SET deleted_at = now\(\)`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(ctx, 42, false))

	mock.ExpectExec(`DELETE FROM nodes WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(ctx, 42, true))

	mock.ExpectExec(`UPDATE nodes SET deleted_at = now\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.Delete(ctx, 99, false)
	require.True(t, core.IsKind(err, core.KindNotFound))
}

func TestMarkEvictedAndTrackAccess(t *testing.T) {
	s, mock := testStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE robot_nodes SET working_memory = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.MarkEvicted(ctx, 7, []core.NodeID{1, 2}))

	mock.ExpectExec(`UPDATE nodes\s+SET access_count = access_count \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.TrackAccess(ctx, []core.NodeID{1, 2}))

	// Empty slices skip the round-trip entirely.
	require.NoError(t, s.MarkEvicted(ctx, 7, nil))
	require.NoError(t, s.TrackAccess(ctx, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetNodeEmbeddingPadsAndKeepsDim(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`UPDATE nodes SET embedding = \$1::vector, embedding_dim = \$2`).
		WithArgs(sqlmock.AnyArg(), 3, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetNodeEmbedding(context.Background(), 42, []float32{1, 2, 3}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetNodeEmbeddingRejectsNonFinite(t *testing.T) {
	s, _ := testStore(t)
	err := s.SetNodeEmbedding(context.Background(), 42, []float32{float32(nan())})
	require.True(t, core.IsKind(err, core.KindValidation))
}

func nan() float64 {
	var z float64
	return z / z
}

func TestDBErrMapping(t *testing.T) {
	s, _ := testStore(t)

	require.True(t, core.IsKind(s.dbErr("op", sql.ErrNoRows), core.KindNotFound))
	require.True(t, core.IsKind(s.dbErr("op", &pq.Error{Code: "57014"}), core.KindQueryTimeout))
	require.True(t, core.IsKind(s.dbErr("op", &pq.Error{Code: "23505"}), core.KindDatabase))
	require.NoError(t, s.dbErr("op", nil))
}
