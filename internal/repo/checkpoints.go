package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"planline/internal/domain"
)

const checkpointColumns = `tenant_id,work_item_id,graph_id,checkpoint_id,state_json,agent_name,next_agent,status,created_at,updated_at,resumed_at`

func scanCheckpoint(row rowScanner) (domain.Checkpoint, error) {
	var (
		c                    domain.Checkpoint
		state, status        string
		agent, next, resumed sql.NullString
		created, updated     string
	)
	if err := row.Scan(&c.TenantID, &c.WorkItemID, &c.GraphID, &c.CheckpointID, &state, &agent, &next, &status, &created, &updated, &resumed); err != nil {
		return c, err
	}
	c.State = []byte(state)
	c.AgentName = agent.String
	c.NextAgent = next.String
	c.Status = domain.CheckpointStatus(status)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	c.ResumedAt = parseTimePtr(resumed)
	return c, nil
}

// InsertCheckpoint stores a new Active checkpoint. A second Active row for the
// same (work item, graph) violates the partial unique index.
func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	state := string(c.State)
	if state == "" {
		state = "{}"
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO checkpoints(`+checkpointColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.TenantID, c.WorkItemID, c.GraphID, c.CheckpointID, state, nullable(c.AgentName), nullable(c.NextAgent),
		string(c.Status), formatTime(c.CreatedAt), formatTime(c.UpdatedAt), formatTimePtr(c.ResumedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: active checkpoint exists for %s/%s", ErrConflict, c.WorkItemID, c.GraphID)
	}
	return err
}

// ActiveCheckpoint returns the Active checkpoint for a (work item, graph).
func (r Repo) ActiveCheckpoint(ctx context.Context, tx *sql.Tx, workItemID, graphID string) (domain.Checkpoint, error) {
	c, err := scanCheckpoint(r.q(tx).QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
WHERE work_item_id=? AND graph_id=? AND status='Active'`, workItemID, graphID))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("active checkpoint %s/%s: %w", workItemID, graphID, ErrNotFound)
	}
	return c, err
}

// LatestCheckpoint returns the most recent checkpoint with the given key.
func (r Repo) LatestCheckpoint(ctx context.Context, tx *sql.Tx, workItemID, graphID, checkpointID string) (domain.Checkpoint, error) {
	c, err := scanCheckpoint(r.q(tx).QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
WHERE work_item_id=? AND graph_id=? AND checkpoint_id=? ORDER BY id DESC LIMIT 1`, workItemID, graphID, checkpointID))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("checkpoint %s/%s/%s: %w", workItemID, graphID, checkpointID, ErrNotFound)
	}
	return c, err
}

// UpdateActiveCheckpointState replaces the payload of an Active checkpoint.
// It reports whether a row matched.
func (r Repo) UpdateActiveCheckpointState(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey, state []byte, nextAgent string, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE checkpoints SET state_json=?, next_agent=COALESCE(?, next_agent), updated_at=?
WHERE work_item_id=? AND graph_id=? AND checkpoint_id=? AND status='Active'`,
		string(state), nullable(nextAgent), formatTime(now), key.WorkItemID, key.GraphID, key.CheckpointID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TransitionCheckpoint moves an Active checkpoint to status. It reports
// whether a row matched, which makes resume a compare-and-set.
func (r Repo) TransitionCheckpoint(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey, status domain.CheckpointStatus, now time.Time) (bool, error) {
	var resumed any
	if status == domain.CheckpointResumed {
		resumed = formatTime(now)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE checkpoints SET status=?, updated_at=?, resumed_at=COALESCE(?, resumed_at)
WHERE work_item_id=? AND graph_id=? AND checkpoint_id=? AND status='Active'`,
		string(status), formatTime(now), resumed, key.WorkItemID, key.GraphID, key.CheckpointID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type CheckpointFilters struct {
	TenantID   string
	WorkItemID string
	Status     domain.CheckpointStatus
	Limit      int
}

func (r Repo) ListCheckpoints(ctx context.Context, f CheckpointFilters) ([]domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		query += ` AND tenant_id=?`
		args = append(args, f.TenantID)
	}
	if f.WorkItemID != "" {
		query += ` AND work_item_id=?`
		args = append(args, f.WorkItemID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
