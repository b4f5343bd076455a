package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"planline/internal/checkpoint"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/review"
)

type answersPayload struct {
	Answers []domain.Answer `json:"answers"`
}

// ResumeCheckpoint continues a suspended graph. Answers resume the
// refinement graph, the review checkpoint resumes once the review outcome
// is final, and planning progress reruns the remaining planning steps.
func (e Engine) ResumeCheckpoint(ctx context.Context, workItemID, graphID, checkpointID string, payload json.RawMessage, actorID string) (domain.WorkItem, error) {
	if actorID == "" {
		actorID = "system"
	}
	if checkpointID == domain.CheckpointPlanningProgress {
		if _, err := e.Checkpoints.Active(ctx, nil, workItemID, graphID); err != nil {
			return domain.WorkItem{}, err
		}
		res, err := e.Process(ctx, workItemID)
		return res.WorkItem, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	ctx = workItemContext(ctx, w)
	cfg, err := e.TenantConfig(ctx, w.TenantID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.Checkpoints.MarkAsResumed(ctx, tx, checkpointKey(w, graphID, checkpointID)); err != nil {
		return domain.WorkItem{}, err
	}

	switch checkpointID {
	case domain.CheckpointAwaitingAnswers:
		var p answersPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return domain.WorkItem{}, fmt.Errorf("%w: decode answers: %v", ErrBadEvent, err)
			}
		}
		if err := e.apply(ctx, tx, &w, cfg, Event{Kind: EventAnswersReceived, Answers: p.Answers, ActorID: actorID}); err != nil {
			return domain.WorkItem{}, err
		}
	case domain.CheckpointAwaitingReview:
		reviews, err := e.Repo.ListReviewsTx(ctx, tx, w.ID)
		if err != nil {
			return domain.WorkItem{}, err
		}
		outcome := review.Aggregate(reviews, policy(cfg))
		if !outcome.Final() {
			return domain.WorkItem{}, ErrReviewPending
		}
		if err := e.applyOutcome(ctx, tx, &w, outcome, reviews); err != nil {
			return domain.WorkItem{}, err
		}
	default:
		return domain.WorkItem{}, fmt.Errorf("cannot resume checkpoint %q", checkpointID)
	}
	if err := e.Events.Append(ctx, tx, events.CheckpointResumed, w.TenantID, "work_item", w.ID, actorID, events.EventPayload{
		"graph":      graphID,
		"checkpoint": checkpointID,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	changes, err := e.commitChanges(ctx, tx, &w, actorID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	e.announce(ctx, w, changes)
	return w, nil
}

type SweepResult struct {
	Expired   int      `json:"expired"`
	Cancelled []string `json:"cancelled,omitempty"`
}

// SweepExpiredCheckpoints expires idle checkpoints of a tenant. A work item
// left waiting on a human past the window is cancelled; expired planning
// progress only forces the pipeline to start over.
func (e Engine) SweepExpiredCheckpoints(ctx context.Context, tenantID string) (SweepResult, error) {
	cfg, err := e.TenantConfig(ctx, tenantID)
	if err != nil {
		return SweepResult{}, err
	}
	stale, err := e.Checkpoints.ListExpirable(ctx, tenantID, cfg.Checkpoints)
	if err != nil {
		return SweepResult{}, err
	}
	var res SweepResult
	for _, cp := range stale {
		cancelled, err := e.expire(ctx, cp)
		if errors.Is(err, checkpoint.ErrCheckpointNotActive) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Expired++
		if cancelled {
			res.Cancelled = append(res.Cancelled, cp.WorkItemID)
		}
	}
	if res.Expired > 0 {
		e.log().Info(ctx, "checkpoints swept", zap.String("tenant", tenantID), zap.Int("expired", res.Expired), zap.Int("cancelled", len(res.Cancelled)))
	}
	return res, nil
}

func (e Engine) expire(ctx context.Context, cp domain.Checkpoint) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := e.Checkpoints.MarkAsExpired(ctx, tx, cp.CheckpointKey); err != nil {
		return false, err
	}
	w, err := e.Repo.GetWorkItemTx(ctx, tx, cp.WorkItemID)
	if err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.CheckpointExpired, w.TenantID, "work_item", w.ID, "system", events.EventPayload{
		"graph":      cp.GraphID,
		"checkpoint": cp.CheckpointID,
	}); err != nil {
		return false, err
	}
	waiting := cp.CheckpointID == domain.CheckpointAwaitingAnswers || cp.CheckpointID == domain.CheckpointAwaitingReview
	if waiting && w.CanTransitionTo(domain.StateCancelled) {
		if err := w.TransitionTo(domain.StateCancelled, fmt.Sprintf("%s expired", cp.CheckpointID), e.now()); err != nil {
			return false, err
		}
	}
	changes, err := e.commitChanges(ctx, tx, &w, "system")
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.announce(ctx, w, changes)
	return len(changes) > 0, nil
}
