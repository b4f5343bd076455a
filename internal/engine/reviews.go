package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
	"planline/internal/review"
)

type AssignReviewersRequest struct {
	WorkItemID string
	Reviewers  []config.ReviewerConfig
	ActorID    string
}

// AssignReviewers adds reviewers to a work item, or the tenant defaults when
// none are given. Reviewers already assigned are left untouched.
func (e Engine) AssignReviewers(ctx context.Context, req AssignReviewersRequest) ([]domain.PlanReview, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItemTx(ctx, tx, req.WorkItemID)
	if err != nil {
		return nil, err
	}
	if w.State.Terminal() {
		return nil, fmt.Errorf("work item %s is %s", w.ID, w.State)
	}
	cfg, err := e.TenantConfig(ctx, w.TenantID)
	if err != nil {
		return nil, err
	}
	list := req.Reviewers
	if len(list) == 0 {
		list = cfg.Reviews.Default
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no reviewers given and tenant has no default reviewers", ErrInvalidInput)
	}
	reviews, err := e.assignReviewers(ctx, tx, w, cfg, list, req.ActorID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reviews, nil
}

func (e Engine) assignReviewers(ctx context.Context, tx *sql.Tx, w domain.WorkItem, cfg *config.Config, list []config.ReviewerConfig, actorID string) ([]domain.PlanReview, error) {
	now := e.now()
	for _, rc := range list {
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: reviewer id is required", ErrInvalidInput)
		}
		_, err := e.Repo.GetReviewTx(ctx, tx, w.ID, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		checklist, err := newChecklist(cfg, rc.Checklist)
		if err != nil {
			return nil, err
		}
		rv := domain.PlanReview{
			WorkItemID: w.ID,
			ReviewerID: id,
			IsRequired: rc.Required,
			Status:     domain.ReviewPending,
			AssignedAt: now,
			Checklist:  checklist,
		}
		if err := e.Repo.UpsertReview(ctx, tx, rv); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.ReviewAssigned, w.TenantID, "work_item", w.ID, actorID, events.EventPayload{
			"reviewer": id,
			"required": rc.Required,
		}); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListReviewsTx(ctx, tx, w.ID)
}

func newChecklist(cfg *config.Config, name string) (*domain.ReviewChecklist, error) {
	if name == "" {
		return nil, nil
	}
	tmpl, ok := cfg.Checklists[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown checklist template %q", ErrInvalidInput, name)
	}
	c := &domain.ReviewChecklist{Template: name, Items: make([]domain.ChecklistItem, 0, len(tmpl.Items))}
	for _, it := range tmpl.Items {
		c.Items = append(c.Items, domain.ChecklistItem{
			ID:       it.ID,
			Category: it.Category,
			Title:    it.Title,
			Severity: domain.Severity(it.Severity),
		})
	}
	return c, nil
}

type SubmitReviewRequest struct {
	WorkItemID string
	ReviewerID string
	Status     domain.ReviewStatus
	Reason     string
	EventID    string
	ActorID    string
}

type SubmitReviewResult struct {
	WorkItem  domain.WorkItem   `json:"work_item"`
	Review    domain.PlanReview `json:"review"`
	Outcome   review.Outcome    `json:"outcome"`
	Duplicate bool              `json:"duplicate"`
}

// SubmitReview records one reviewer verdict and, once the aggregate is
// final, moves the work item to PlanApproved or PlanRejected.
func (e Engine) SubmitReview(ctx context.Context, req SubmitReviewRequest) (SubmitReviewResult, error) {
	if req.ActorID == "" {
		req.ActorID = req.ReviewerID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitReviewResult{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, req.WorkItemID)
	if err != nil {
		return SubmitReviewResult{}, err
	}
	ctx = workItemContext(ctx, w)
	if dup, err := e.seen(ctx, tx, w, req.EventID, "review"); err != nil || dup {
		return SubmitReviewResult{WorkItem: w, Duplicate: dup}, err
	}
	if w.State != domain.StatePlanUnderReview {
		return SubmitReviewResult{}, fmt.Errorf("%w: %s is %s", ErrNotUnderReview, w.ID, w.State)
	}
	cfg, err := e.TenantConfig(ctx, w.TenantID)
	if err != nil {
		return SubmitReviewResult{}, err
	}
	rv, err := e.Repo.GetReviewTx(ctx, tx, w.ID, req.ReviewerID)
	if err != nil {
		return SubmitReviewResult{}, fmt.Errorf("reviewer %s: %w", req.ReviewerID, err)
	}
	now := e.now()
	switch {
	case req.Status == domain.ReviewApproved:
		err = rv.Approve(req.Reason, now)
	case req.Status.Rejected():
		err = rv.Reject(req.Status, req.Reason, now)
	default:
		err = fmt.Errorf("%w: cannot submit review with status %q", ErrInvalidInput, req.Status)
	}
	if err != nil {
		return SubmitReviewResult{}, err
	}
	if err := e.Repo.UpsertReview(ctx, tx, rv); err != nil {
		return SubmitReviewResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ReviewSubmitted, w.TenantID, "work_item", w.ID, req.ActorID, events.EventPayload{
		"reviewer": rv.ReviewerID,
		"status":   rv.Status,
		"required": rv.IsRequired,
	}); err != nil {
		return SubmitReviewResult{}, err
	}
	reviews, err := e.Repo.ListReviewsTx(ctx, tx, w.ID)
	if err != nil {
		return SubmitReviewResult{}, err
	}
	outcome := review.Aggregate(reviews, policy(cfg))
	if outcome.Final() {
		if err := e.applyOutcome(ctx, tx, &w, outcome, reviews); err != nil {
			return SubmitReviewResult{}, err
		}
	}
	changes, err := e.commitChanges(ctx, tx, &w, req.ActorID)
	if err != nil {
		return SubmitReviewResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitReviewResult{}, err
	}
	e.Metrics.Review(string(rv.Status))
	e.log().Info(ctx, "review submitted",
		zap.String("reviewer", rv.ReviewerID),
		zap.String("status", string(rv.Status)),
		zap.String("outcome", string(outcome.Decision)),
	)
	e.announce(ctx, w, changes)
	return SubmitReviewResult{WorkItem: w, Review: rv, Outcome: outcome}, nil
}

func policy(cfg *config.Config) review.Policy {
	return review.Policy{ApproveWithoutRequired: cfg.Reviews.ApproveWithoutRequired}
}

// applyOutcome closes the review suspend point and moves w on. A rejection
// leaves the feedback and revision mode for the next planning round.
func (e Engine) applyOutcome(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, o review.Outcome, reviews []domain.PlanReview) error {
	if err := e.resumeIfActive(ctx, tx, *w, domain.GraphReview, domain.CheckpointAwaitingReview); err != nil {
		return err
	}
	now := e.now()
	if o.Decision == domain.ReviewApproved {
		w.SetMeta(metaFeedback, "")
		w.SetMeta(metaRevisionMode, "")
		return w.TransitionTo(domain.StatePlanApproved, fmt.Sprintf("approved by %d required reviewers", o.ApprovedRequired), now)
	}
	w.SetMeta(metaFeedback, review.CollectFeedback(reviews))
	w.SetMeta(metaRevisionMode, string(review.RevisionMode(o)))
	return w.TransitionTo(domain.StatePlanRejected, fmt.Sprintf("plan %s by %s", o.Decision, strings.Join(o.Blocking, ", ")), now)
}

// ReviewOutcome aggregates the current reviews without changing anything.
func (e Engine) ReviewOutcome(ctx context.Context, workItemID string) (review.Outcome, []domain.PlanReview, error) {
	w, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return review.Outcome{}, nil, err
	}
	cfg, err := e.TenantConfig(ctx, w.TenantID)
	if err != nil {
		return review.Outcome{}, nil, err
	}
	reviews, err := e.Repo.ListReviews(ctx, w.ID)
	if err != nil {
		return review.Outcome{}, nil, err
	}
	return review.Aggregate(reviews, policy(cfg)), reviews, nil
}

// CheckChecklistItem toggles one checklist item of a pending review.
func (e Engine) CheckChecklistItem(ctx context.Context, workItemID, reviewerID, itemID string, checked bool, actorID string) (domain.PlanReview, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PlanReview{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return domain.PlanReview{}, err
	}
	rv, err := e.Repo.GetReviewTx(ctx, tx, workItemID, reviewerID)
	if err != nil {
		return domain.PlanReview{}, fmt.Errorf("reviewer %s: %w", reviewerID, err)
	}
	if rv.Status != domain.ReviewPending {
		return domain.PlanReview{}, fmt.Errorf("%w: reviewer %s is %s", domain.ErrReviewNotPending, reviewerID, rv.Status)
	}
	if err := rv.Checklist.SetChecked(itemID, checked); err != nil {
		return domain.PlanReview{}, err
	}
	if err := e.Repo.UpsertReview(ctx, tx, rv); err != nil {
		return domain.PlanReview{}, err
	}
	if actorID == "" {
		actorID = reviewerID
	}
	if err := e.Events.Append(ctx, tx, events.ChecklistChecked, w.TenantID, "work_item", w.ID, actorID, events.EventPayload{
		"reviewer": reviewerID,
		"item":     itemID,
		"checked":  checked,
	}); err != nil {
		return domain.PlanReview{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PlanReview{}, err
	}
	return rv, nil
}

type AddCommentRequest struct {
	WorkItemID string
	AuthorID   string
	Body       string
	Anchor     *domain.InlineCommentAnchor
}

// AddComment stores a discussion comment on the plan of a work item.
func (e Engine) AddComment(ctx context.Context, req AddCommentRequest) (domain.ReviewComment, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return domain.ReviewComment{}, fmt.Errorf("%w: comment body is required", ErrInvalidInput)
	}
	if req.AuthorID == "" {
		return domain.ReviewComment{}, fmt.Errorf("%w: comment author is required", ErrInvalidInput)
	}
	if req.Anchor != nil {
		if err := req.Anchor.Validate(); err != nil {
			return domain.ReviewComment{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewComment{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItemTx(ctx, tx, req.WorkItemID)
	if err != nil {
		return domain.ReviewComment{}, err
	}
	c := domain.ReviewComment{
		ID:         uuid.NewString(),
		WorkItemID: w.ID,
		AuthorID:   req.AuthorID,
		Body:       body,
		Mentions:   domain.ParseMentions(body),
		Anchor:     req.Anchor,
		CreatedAt:  e.now(),
	}
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return domain.ReviewComment{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CommentAdded, w.TenantID, "work_item", w.ID, req.AuthorID, events.EventPayload{
		"comment_id": c.ID,
		"mentions":   c.Mentions,
	}); err != nil {
		return domain.ReviewComment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewComment{}, err
	}
	return c, nil
}
