package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planline/internal/domain"
)

const workItemColumns = `id,tenant_id,external_key,repo_owner,repo_name,base_branch,clone_url,state,title,description,
questions_json,answers_json,plan_branch,plan_path,pr_url,pr_number,retry_count,last_error,revision_count,metadata_json,
created_at,updated_at,completed_at,next_attempt_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w                                    domain.WorkItem
		cloneURL, desc, planBranch, planPath sql.NullString
		prURL, lastError                     sql.NullString
		completed, nextAttempt               sql.NullString
		questions, answers, metadata         string
		state, created, updated              string
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.ExternalKey, &w.Repository.Owner, &w.Repository.Name, &w.Repository.BaseBranch,
		&cloneURL, &state, &w.Title, &desc, &questions, &answers, &planBranch, &planPath, &prURL, &w.PRNumber,
		&w.RetryCount, &lastError, &w.RevisionCount, &metadata, &created, &updated, &completed, &nextAttempt)
	if err != nil {
		return w, err
	}
	w.Repository.CloneURL = cloneURL.String
	w.State = domain.State(state)
	w.Description = desc.String
	w.PlanBranch = planBranch.String
	w.PlanPath = planPath.String
	w.PRURL = prURL.String
	w.LastError = lastError.String
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	w.CompletedAt = parseTimePtr(completed)
	w.NextAttemptAt = parseTimePtr(nextAttempt)
	if err := json.Unmarshal([]byte(questions), &w.Questions); err != nil {
		return w, fmt.Errorf("decode questions: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &w.Answers); err != nil {
		return w, fmt.Errorf("decode answers: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &w.Metadata); err != nil {
		return w, fmt.Errorf("decode metadata: %w", err)
	}
	return w, nil
}

func workItemArgs(w domain.WorkItem) ([]any, error) {
	questions := w.Questions
	if questions == nil {
		questions = []domain.Question{}
	}
	answers := w.Answers
	if answers == nil {
		answers = []domain.Answer{}
	}
	metadata := w.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	qj, err := json.Marshal(questions)
	if err != nil {
		return nil, err
	}
	aj, err := json.Marshal(answers)
	if err != nil {
		return nil, err
	}
	mj, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		w.TenantID, w.ExternalKey, w.Repository.Owner, w.Repository.Name, w.Repository.BaseBranch,
		nullable(w.Repository.CloneURL), string(w.State), w.Title, nullable(w.Description), string(qj), string(aj),
		nullable(w.PlanBranch), nullable(w.PlanPath), nullable(w.PRURL), w.PRNumber, w.RetryCount,
		nullable(w.LastError), w.RevisionCount, string(mj), formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
		formatTimePtr(w.CompletedAt), formatTimePtr(w.NextAttemptAt),
	}, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	args, err := workItemArgs(w)
	if err != nil {
		return err
	}
	args = append([]any{w.ID}, args...)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: work item %s/%s exists", ErrConflict, w.TenantID, w.ExternalKey)
	}
	return err
}

func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	args, err := workItemArgs(w)
	if err != nil {
		return err
	}
	args = append(args, w.ID)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_items SET tenant_id=?,external_key=?,repo_owner=?,repo_name=?,base_branch=?,clone_url=?,
state=?,title=?,description=?,questions_json=?,answers_json=?,plan_branch=?,plan_path=?,pr_url=?,pr_number=?,retry_count=?,
last_error=?,revision_count=?,metadata_json=?,created_at=?,updated_at=?,completed_at=?,next_attempt_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("work item %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.GetWorkItemTx(ctx, nil, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(r.q(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return w, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return w, err
}

func (r Repo) GetWorkItemByExternalKey(ctx context.Context, tx *sql.Tx, tenantID, externalKey string) (domain.WorkItem, error) {
	w, err := scanWorkItem(r.q(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE tenant_id=? AND external_key=?`, tenantID, externalKey))
	if errors.Is(err, sql.ErrNoRows) {
		return w, fmt.Errorf("work item %s/%s: %w", tenantID, externalKey, ErrNotFound)
	}
	return w, err
}

type WorkItemFilters struct {
	TenantID        string
	States          []domain.State
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, s := range f.States {
			ph[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "state IN ("+strings.Join(ph, ",")+")")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryWorkItems(ctx, query, args...)
}

// ListDueWorkItems returns items in one of the actionable states whose retry
// backoff has elapsed, oldest update first.
func (r Repo) ListDueWorkItems(ctx context.Context, states []domain.State, now time.Time, limit int) ([]domain.WorkItem, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	ph := make([]string, len(states))
	args := make([]any, 0, len(states)+3)
	for i, s := range states {
		ph[i] = "?"
		args = append(args, string(s))
	}
	nowStr := formatTime(now)
	args = append(args, nowStr, nowStr, limit)
	query := `SELECT ` + workItemColumns + ` FROM work_items
WHERE state IN (` + strings.Join(ph, ",") + `) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
AND id NOT IN (SELECT work_item_id FROM leases WHERE expires_at > ?)
ORDER BY updated_at ASC, id ASC LIMIT ?`
	return r.queryWorkItems(ctx, query, args...)
}

func (r Repo) queryWorkItems(ctx context.Context, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) CountWorkItemsByState(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM work_items WHERE tenant_id=? GROUP BY state`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// MarkEventProcessed records an inbound event id. It returns false when the
// id was already recorded for the work item.
func (r Repo) MarkEventProcessed(ctx context.Context, tx *sql.Tx, workItemID, eventID, kind string, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO processed_events(work_item_id,event_id,kind,processed_at) VALUES (?,?,?,?)
ON CONFLICT(work_item_id,event_id) DO NOTHING`, workItemID, eventID, kind, formatTime(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO leases(work_item_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(work_item_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.WorkItemID, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

func (r Repo) DeleteLease(ctx context.Context, tx *sql.Tx, workItemID, ownerID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM leases WHERE work_item_id=? AND owner_id=?`, workItemID, ownerID)
	return err
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, workItemID string) (domain.Lease, error) {
	var l domain.Lease
	err := r.q(tx).QueryRowContext(ctx, `SELECT work_item_id,owner_id,acquired_at,expires_at FROM leases WHERE work_item_id=?`, workItemID).
		Scan(&l.WorkItemID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}
