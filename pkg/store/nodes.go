package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/robomem/robomem/pkg/core"
)

// AddResult reports the outcome of Add: the node (new, existing, or
// restored) and the robot association row.
type AddResult struct {
	NodeID    core.NodeID
	IsNew     bool
	RobotNode core.RobotNode
}

// Add stores content for a robot with content-hash deduplication. Matching
// a live node links it; matching a soft-deleted node restores it first. The
// embedding is optional; background jobs normally attach it later.
func (s *Store) Add(ctx context.Context, content string, tokenCount int, robotID core.RobotID, embedding []float32, metadata map[string]any) (*AddResult, error) {
	const op = "store.Add"

	if err := core.ValidateContent(content, 0); err != nil {
		return nil, err
	}
	hash := core.HashContent(content)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.dbErr(op, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var existing nodeRow
	err = tx.GetContext(ctx, &existing,
		`SELECT `+nodeColumns+` FROM nodes WHERE content_hash = $1 FOR UPDATE`, hash)
	switch {
	case err == nil:
		if existing.DeletedAt.Valid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE nodes SET deleted_at = NULL, updated_at = now() WHERE id = $1`, existing.ID); err != nil {
				return nil, s.dbErr(op, err)
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE nodes SET updated_at = now() WHERE id = $1`, existing.ID); err != nil {
				return nil, s.dbErr(op, err)
			}
		}

		rn, err := upsertRobotNode(ctx, tx, robotID, existing.ID)
		if err != nil {
			return nil, s.dbErr(op, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, s.dbErr(op, err)
		}
		return &AddResult{NodeID: existing.ID, IsNew: false, RobotNode: *rn}, nil

	case errors.Is(err, sql.ErrNoRows):
		// New content; fall through to insert.
	default:
		return nil, s.dbErr(op, err)
	}

	var vecLiteral sql.NullString
	var embeddingDim sql.NullInt64
	if len(embedding) > 0 {
		if len(embedding) > s.cfg.Embedding.MaxDimension {
			return nil, core.E(core.KindValidation, op,
				"embedding has %d dimensions, limit is %d", len(embedding), s.cfg.Embedding.MaxDimension)
		}
		lit, err := SanitizeEmbedding(PadEmbedding(embedding, core.MaxEmbeddingDimension))
		if err != nil {
			return nil, err
		}
		vecLiteral = sql.NullString{String: lit, Valid: true}
		embeddingDim = sql.NullInt64{Int64: int64(len(embedding)), Valid: true}
	}

	metaJSON, err := json.Marshal(orEmptyMap(metadata))
	if err != nil {
		return nil, core.Wrap(core.KindValidation, op, err)
	}

	var nodeID core.NodeID
	err = tx.GetContext(ctx, &nodeID, `
		INSERT INTO nodes (content, content_hash, token_count, embedding, embedding_dim, metadata)
		VALUES ($1, $2, $3, $4::vector, $5, $6::jsonb)
		RETURNING id`,
		content, hash, tokenCount, vecLiteral, embeddingDim, string(metaJSON))
	if err != nil {
		return nil, s.dbErr(op, err)
	}

	rn, err := upsertRobotNode(ctx, tx, robotID, nodeID)
	if err != nil {
		return nil, s.dbErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.dbErr(op, err)
	}

	// New content can change search results; tag-related cache entries
	// stay valid until tags are attached.
	s.queries.InvalidateMethods(MethodSearch, MethodFulltext, MethodHybrid)

	return &AddResult{NodeID: nodeID, IsNew: true, RobotNode: *rn}, nil
}

type robotNodeRow struct {
	RobotID           core.RobotID `db:"robot_id"`
	NodeID            core.NodeID  `db:"node_id"`
	FirstRememberedAt sql.NullTime `db:"first_remembered_at"`
	LastRememberedAt  sql.NullTime `db:"last_remembered_at"`
	RememberCount     int          `db:"remember_count"`
	WorkingMemory     bool         `db:"working_memory"`
}

func upsertRobotNode(ctx context.Context, tx sqlxExt, robotID core.RobotID, nodeID core.NodeID) (*core.RobotNode, error) {
	var row robotNodeRow
	err := tx.GetContext(ctx, &row, `
		INSERT INTO robot_nodes (robot_id, node_id, first_remembered_at, last_remembered_at, remember_count, working_memory)
		VALUES ($1, $2, now(), now(), 1, TRUE)
		ON CONFLICT (robot_id, node_id) DO UPDATE SET
			remember_count     = robot_nodes.remember_count + 1,
			last_remembered_at = now(),
			working_memory     = TRUE
		RETURNING robot_id, node_id, first_remembered_at, last_remembered_at, remember_count, working_memory`,
		robotID, nodeID)
	if err != nil {
		return nil, err
	}
	rn := &core.RobotNode{
		RobotID:       row.RobotID,
		NodeID:        row.NodeID,
		RememberCount: row.RememberCount,
		WorkingMemory: row.WorkingMemory,
	}
	if row.FirstRememberedAt.Valid {
		rn.FirstRememberedAt = row.FirstRememberedAt.Time
	}
	if row.LastRememberedAt.Valid {
		rn.LastRememberedAt = row.LastRememberedAt.Time
	}
	return rn, nil
}

// sqlxExt is the intersection of sqlx.DB and sqlx.Tx used by shared query
// helpers.
type sqlxExt interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Retrieve loads a node and atomically counts the access in the same
// statement.
func (s *Store) Retrieve(ctx context.Context, id core.NodeID) (*core.Node, error) {
	const op = "store.Retrieve"

	var row nodeRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE nodes
		SET access_count = access_count + 1, last_accessed = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+nodeColumns, id)
	if err != nil {
		return nil, s.dbErr(op, err)
	}
	return row.toNode(), nil
}

// NodeByID loads a live node without touching its access counters.
func (s *Store) NodeByID(ctx context.Context, id core.NodeID) (*core.Node, error) {
	const op = "store.NodeByID"

	var row nodeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, s.dbErr(op, err)
	}
	return row.toNode(), nil
}

// Exists reports whether a live node with the id exists.
func (s *Store) Exists(ctx context.Context, id core.NodeID) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1 AND deleted_at IS NULL)`, id)
	if err != nil {
		return false, s.dbErr("store.Exists", err)
	}
	return ok, nil
}

// UpdateLastAccessed sets last_accessed without bumping the access count.
func (s *Store) UpdateLastAccessed(ctx context.Context, id core.NodeID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_accessed = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	return s.dbErr("store.UpdateLastAccessed", err)
}

// TrackAccess bulk-increments access counters for a result set.
func (s *Store) TrackAccess(ctx context.Context, ids []core.NodeID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET access_count = access_count + 1, last_accessed = now()
		WHERE id = ANY($1)`, pq.Array(nodeIDs64(ids)))
	return s.dbErr("store.TrackAccess", err)
}

// MarkEvicted clears the working_memory flag for a robot's evicted nodes.
func (s *Store) MarkEvicted(ctx context.Context, robotID core.RobotID, ids []core.NodeID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE robot_nodes SET working_memory = FALSE
		WHERE robot_id = $1 AND node_id = ANY($2)`, robotID, pq.Array(nodeIDs64(ids)))
	return s.dbErr("store.MarkEvicted", err)
}

// Delete removes a node: soft by default, hard cascades the join rows.
func (s *Store) Delete(ctx context.Context, id core.NodeID, hard bool) error {
	const op = "store.Delete"

	var res sql.Result
	var err error
	if hard {
		res, err = s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE nodes SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	}
	if err != nil {
		return s.dbErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.E(core.KindNotFound, op, "node %d not found", id)
	}

	s.queries.InvalidateMethods(MethodSearch, MethodFulltext, MethodHybrid)
	return nil
}

// SetNodeEmbedding attaches a vector to a node. The original length is
// preserved on embedding_dim; the stored vector is zero-padded for the
// index.
func (s *Store) SetNodeEmbedding(ctx context.Context, id core.NodeID, embedding []float32) error {
	const op = "store.SetNodeEmbedding"

	if len(embedding) > s.cfg.Embedding.MaxDimension {
		return core.E(core.KindValidation, op,
			"embedding has %d dimensions, limit is %d", len(embedding), s.cfg.Embedding.MaxDimension)
	}
	lit, err := SanitizeEmbedding(PadEmbedding(embedding, core.MaxEmbeddingDimension))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE nodes SET embedding = $1::vector, embedding_dim = $2, updated_at = now()
		WHERE id = $3 AND deleted_at IS NULL`, lit, len(embedding), id)
	if err != nil {
		return s.dbErr(op, err)
	}

	s.queries.InvalidateMethods(MethodSearch, MethodHybrid)
	return nil
}

func nodeIDs64(ids []core.NodeID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
