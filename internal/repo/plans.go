package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"planline/internal/domain"
)

func (r Repo) GetPlan(ctx context.Context, workItemID string) (domain.Plan, error) {
	return r.GetPlanTx(ctx, nil, workItemID)
}

func (r Repo) GetPlanTx(ctx context.Context, tx *sql.Tx, workItemID string) (domain.Plan, error) {
	var (
		p                domain.Plan
		a                [5]sql.NullString
		created, updated string
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT work_item_id,tenant_id,version,user_stories,api_design,database_schema,test_scenarios,implementation_steps,created_at,updated_at
FROM plans WHERE work_item_id=?`, workItemID).Scan(&p.WorkItemID, &p.TenantID, &p.Version, &a[0], &a[1], &a[2], &a[3], &a[4], &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("plan for %s: %w", workItemID, ErrNotFound)
	}
	if err != nil {
		return p, err
	}
	p.Artifacts = artifactsFrom(a)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	a := p.Artifacts
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO plans(work_item_id,tenant_id,version,user_stories,api_design,database_schema,test_scenarios,implementation_steps,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`, p.WorkItemID, p.TenantID, p.Version, nullable(a.UserStories), nullable(a.APIDesign), nullable(a.DatabaseSchema),
		nullable(a.TestScenarios), nullable(a.ImplementationSteps), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: plan for %s exists", ErrConflict, p.WorkItemID)
	}
	return err
}

// UpdatePlan writes the new artifacts and version only if the stored version
// is still version-1, so concurrent writers cannot skip a snapshot.
func (r Repo) UpdatePlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	a := p.Artifacts
	res, err := r.q(tx).ExecContext(ctx, `UPDATE plans SET version=?,user_stories=?,api_design=?,database_schema=?,test_scenarios=?,implementation_steps=?,updated_at=?
WHERE work_item_id=? AND version=?`, p.Version, nullable(a.UserStories), nullable(a.APIDesign), nullable(a.DatabaseSchema),
		nullable(a.TestScenarios), nullable(a.ImplementationSteps), formatTime(p.UpdatedAt), p.WorkItemID, p.Version-1)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: plan %s is not at version %d", ErrConflict, p.WorkItemID, p.Version-1)
	}
	return nil
}

func (r Repo) InsertPlanVersion(ctx context.Context, tx *sql.Tx, v domain.PlanVersion) error {
	a := v.Artifacts
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO plan_versions(work_item_id,version,user_stories,api_design,database_schema,test_scenarios,implementation_steps,author,reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`, v.WorkItemID, v.Version, nullable(a.UserStories), nullable(a.APIDesign), nullable(a.DatabaseSchema),
		nullable(a.TestScenarios), nullable(a.ImplementationSteps), v.Author, nullable(v.Reason), formatTime(v.CreatedAt))
	return err
}

// ListPlanVersions returns snapshots in ascending version order.
func (r Repo) ListPlanVersions(ctx context.Context, workItemID string) ([]domain.PlanVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT work_item_id,version,user_stories,api_design,database_schema,test_scenarios,implementation_steps,author,COALESCE(reason,''),created_at
FROM plan_versions WHERE work_item_id=? ORDER BY version ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanVersion
	for rows.Next() {
		var v domain.PlanVersion
		var a [5]sql.NullString
		var created string
		if err := rows.Scan(&v.WorkItemID, &v.Version, &a[0], &a[1], &a[2], &a[3], &a[4], &v.Author, &v.Reason, &created); err != nil {
			return nil, err
		}
		v.Artifacts = artifactsFrom(a)
		v.CreatedAt = parseTime(created)
		res = append(res, v)
	}
	return res, rows.Err()
}

func artifactsFrom(a [5]sql.NullString) domain.Artifacts {
	return domain.Artifacts{
		UserStories:         a[0].String,
		APIDesign:           a[1].String,
		DatabaseSchema:      a[2].String,
		TestScenarios:       a[3].String,
		ImplementationSteps: a[4].String,
	}
}

const reviewColumns = `work_item_id,reviewer_id,is_required,status,decision,assigned_at,reviewed_at,checklist_json`

func scanReview(row rowScanner) (domain.PlanReview, error) {
	var (
		rv                 domain.PlanReview
		required           int
		status, assigned   string
		decision, reviewed sql.NullString
		checklist          sql.NullString
	)
	if err := row.Scan(&rv.WorkItemID, &rv.ReviewerID, &required, &status, &decision, &assigned, &reviewed, &checklist); err != nil {
		return rv, err
	}
	rv.IsRequired = required == 1
	rv.Status = domain.ReviewStatus(status)
	rv.Decision = decision.String
	rv.AssignedAt = parseTime(assigned)
	rv.ReviewedAt = parseTimePtr(reviewed)
	if checklist.Valid && checklist.String != "" {
		var c domain.ReviewChecklist
		if err := json.Unmarshal([]byte(checklist.String), &c); err != nil {
			return rv, fmt.Errorf("decode checklist: %w", err)
		}
		rv.Checklist = &c
	}
	return rv, nil
}

func checklistJSON(c *domain.ReviewChecklist) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// UpsertReview inserts or replaces the review row for (work item, reviewer).
func (r Repo) UpsertReview(ctx context.Context, tx *sql.Tx, rv domain.PlanReview) error {
	cl, err := checklistJSON(rv.Checklist)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO plan_reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(work_item_id,reviewer_id) DO UPDATE SET is_required=excluded.is_required, status=excluded.status, decision=excluded.decision,
assigned_at=excluded.assigned_at, reviewed_at=excluded.reviewed_at, checklist_json=excluded.checklist_json`,
		rv.WorkItemID, rv.ReviewerID, boolInt(rv.IsRequired), string(rv.Status), nullable(rv.Decision), formatTime(rv.AssignedAt),
		formatTimePtr(rv.ReviewedAt), cl)
	return err
}

func (r Repo) GetReviewTx(ctx context.Context, tx *sql.Tx, workItemID, reviewerID string) (domain.PlanReview, error) {
	rv, err := scanReview(r.q(tx).QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM plan_reviews WHERE work_item_id=? AND reviewer_id=?`, workItemID, reviewerID))
	if errors.Is(err, sql.ErrNoRows) {
		return rv, fmt.Errorf("review by %s on %s: %w", reviewerID, workItemID, ErrNotFound)
	}
	return rv, err
}

func (r Repo) ListReviews(ctx context.Context, workItemID string) ([]domain.PlanReview, error) {
	return r.ListReviewsTx(ctx, nil, workItemID)
}

func (r Repo) ListReviewsTx(ctx context.Context, tx *sql.Tx, workItemID string) ([]domain.PlanReview, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+reviewColumns+` FROM plan_reviews WHERE work_item_id=? ORDER BY is_required DESC, reviewer_id ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanReview
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.ReviewComment) error {
	mentions := c.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	mj, err := json.Marshal(mentions)
	if err != nil {
		return err
	}
	var anchor any
	if c.Anchor != nil {
		b, err := json.Marshal(c.Anchor)
		if err != nil {
			return err
		}
		anchor = string(b)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO review_comments(id,work_item_id,author_id,body,mentions_json,anchor_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.WorkItemID, c.AuthorID, c.Body, string(mj), anchor, formatTime(c.CreatedAt))
	return err
}

// ListComments returns comments oldest first, optionally after a cursor.
func (r Repo) ListComments(ctx context.Context, workItemID string, limit int, after time.Time) ([]domain.ReviewComment, error) {
	query := `SELECT id,work_item_id,author_id,body,mentions_json,anchor_json,created_at FROM review_comments WHERE work_item_id=?`
	args := []any{workItemID}
	if !after.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, formatTime(after))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewComment
	for rows.Next() {
		var c domain.ReviewComment
		var mentions, created string
		var anchor sql.NullString
		if err := rows.Scan(&c.ID, &c.WorkItemID, &c.AuthorID, &c.Body, &mentions, &anchor, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(mentions), &c.Mentions); err != nil {
			return nil, fmt.Errorf("decode mentions: %w", err)
		}
		if anchor.Valid && anchor.String != "" {
			var a domain.InlineCommentAnchor
			if err := json.Unmarshal([]byte(anchor.String), &a); err != nil {
				return nil, fmt.Errorf("decode anchor: %w", err)
			}
			c.Anchor = &a
		}
		c.CreatedAt = parseTime(created)
		res = append(res, c)
	}
	return res, rows.Err()
}
