package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/robomem/robomem/pkg/core"
)

// EnsureRobot finds or creates a robot by name and bumps last_active.
func (s *Store) EnsureRobot(ctx context.Context, name string) (*core.Robot, error) {
	const op = "store.EnsureRobot"

	if name == "" {
		return nil, core.E(core.KindValidation, op, "robot name must not be empty")
	}

	var robot core.Robot
	err := s.db.GetContext(ctx, &robot, `
		INSERT INTO robots (name, last_active) VALUES ($1, now())
		ON CONFLICT (name) DO UPDATE SET last_active = now()
		RETURNING id, name, last_active`, name)
	if err != nil {
		return nil, s.dbErr(op, err)
	}
	return &robot, nil
}

// RobotByName loads a robot without creating it.
func (s *Store) RobotByName(ctx context.Context, name string) (*core.Robot, error) {
	var robot core.Robot
	err := s.db.GetContext(ctx, &robot,
		`SELECT id, name, last_active FROM robots WHERE name = $1`, name)
	if err != nil {
		return nil, s.dbErr("store.RobotByName", err)
	}
	return &robot, nil
}

// TouchRobot bumps last_active.
func (s *Store) TouchRobot(ctx context.Context, id core.RobotID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE robots SET last_active = now() WHERE id = $1`, id)
	return s.dbErr("store.TouchRobot", err)
}

// LinkNode upserts the robot↔node association with working_memory=true.
// Used by the group coordinator to sync a node to peers.
func (s *Store) LinkNode(ctx context.Context, robotID core.RobotID, nodeID core.NodeID) (*core.RobotNode, error) {
	rn, err := upsertRobotNode(ctx, s.db, robotID, nodeID)
	if err != nil {
		return nil, s.dbErr("store.LinkNode", err)
	}
	return rn, nil
}

// WorkingSet returns the node ids currently flagged working_memory=true for
// a robot, oldest association first.
func (s *Store) WorkingSet(ctx context.Context, robotID core.RobotID) ([]core.NodeID, error) {
	var ids []core.NodeID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT rn.node_id FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id AND n.deleted_at IS NULL
		WHERE rn.robot_id = $1 AND rn.working_memory
		ORDER BY rn.first_remembered_at, rn.node_id`, robotID)
	if err != nil {
		return nil, s.dbErr("store.WorkingSet", err)
	}
	return ids, nil
}

// WorkingSetNodes loads the full node rows of a robot's working set.
func (s *Store) WorkingSetNodes(ctx context.Context, robotID core.RobotID) ([]core.Node, error) {
	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+prefixedNodeColumns("n")+` FROM nodes n
		JOIN robot_nodes rn ON rn.node_id = n.id
		WHERE rn.robot_id = $1 AND rn.working_memory AND n.deleted_at IS NULL
		ORDER BY rn.first_remembered_at, n.id`, robotID)
	if err != nil {
		return nil, s.dbErr("store.WorkingSetNodes", err)
	}
	nodes := make([]core.Node, len(rows))
	for i := range rows {
		nodes[i] = *rows[i].toNode()
	}
	return nodes, nil
}

// ClearWorkingMemory flips working_memory=false for the given robots and
// returns the number of rows cleared.
func (s *Store) ClearWorkingMemory(ctx context.Context, robotIDs []core.RobotID) (int64, error) {
	if len(robotIDs) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(robotIDs))
	for i, id := range robotIDs {
		ids[i] = int64(id)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE robot_nodes SET working_memory = FALSE
		WHERE robot_id = ANY($1) AND working_memory`, pq.Array(ids))
	if err != nil {
		return 0, s.dbErr("store.ClearWorkingMemory", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TransferWorkingMemory copies the source robot's working set onto the
// target (upsert with working_memory=true) and optionally clears the
// source flags. Returns the number of transferred nodes.
func (s *Store) TransferWorkingMemory(ctx context.Context, from, to core.RobotID, clearSource bool) (int, error) {
	const op = "store.TransferWorkingMemory"

	ids, err := s.WorkingSet(ctx, from)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, s.dbErr(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, nodeID := range ids {
		if _, err := upsertRobotNode(ctx, tx, to, nodeID); err != nil {
			return 0, s.dbErr(op, err)
		}
	}
	if clearSource {
		if _, err := tx.ExecContext(ctx, `
			UPDATE robot_nodes SET working_memory = FALSE
			WHERE robot_id = $1 AND node_id = ANY($2)`, from, pq.Array(nodeIDs64(ids))); err != nil {
			return 0, s.dbErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, s.dbErr(op, err)
	}
	return len(ids), nil
}

// SyncRobot flags every node held in any other robot's working set onto the
// named robot; idempotent. Returns the number of nodes newly flagged.
func (s *Store) SyncRobot(ctx context.Context, robotID core.RobotID, peerIDs []core.RobotID) (int, error) {
	const op = "store.SyncRobot"

	if len(peerIDs) == 0 {
		return 0, nil
	}
	peers := make([]int64, len(peerIDs))
	for i, id := range peerIDs {
		peers[i] = int64(id)
	}

	var ids []core.NodeID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT rn.node_id FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id AND n.deleted_at IS NULL
		WHERE rn.robot_id = ANY($1) AND rn.working_memory
		  AND rn.node_id NOT IN (
			SELECT node_id FROM robot_nodes WHERE robot_id = $2 AND working_memory
		  )`, pq.Array(peers), robotID)
	if err != nil {
		return 0, s.dbErr(op, err)
	}

	for _, nodeID := range ids {
		if _, err := upsertRobotNode(ctx, s.db, robotID, nodeID); err != nil {
			return 0, s.dbErr(op, err)
		}
	}
	return len(ids), nil
}

// WorkingSetsEqual reports whether every listed robot holds the identical
// set of working_memory node ids.
func (s *Store) WorkingSetsEqual(ctx context.Context, robotIDs []core.RobotID) (bool, error) {
	if len(robotIDs) < 2 {
		return true, nil
	}

	first, err := s.WorkingSet(ctx, robotIDs[0])
	if err != nil {
		return false, err
	}
	want := make(map[core.NodeID]struct{}, len(first))
	for _, id := range first {
		want[id] = struct{}{}
	}

	for _, robotID := range robotIDs[1:] {
		ids, err := s.WorkingSet(ctx, robotID)
		if err != nil {
			return false, err
		}
		if len(ids) != len(want) {
			return false, nil
		}
		for _, id := range ids {
			if _, ok := want[id]; !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// RobotExists reports whether the robot id is known.
func (s *Store) RobotExists(ctx context.Context, id core.RobotID) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM robots WHERE id = $1)`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, s.dbErr("store.RobotExists", err)
	}
	return ok, nil
}
