package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"planline/internal/checkpoint"
	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/pipeline"
	"planline/internal/repo"
)

// EventKind names an inbound lifecycle event.
type EventKind string

const (
	EventStartAnalysis           EventKind = "start_analysis"
	EventAnalysisCompleted       EventKind = "analysis_completed"
	EventAnalysisNoQuestions     EventKind = "analysis_completed_no_questions"
	EventQuestionsPublished      EventKind = "questions_published"
	EventAnswersReceived         EventKind = "answers_received"
	EventStartPlanning           EventKind = "start_planning"
	EventPlanGenerated           EventKind = "plan_generated"
	EventPlanPublished           EventKind = "plan_published"
	EventStartImplementation     EventKind = "start_implementation"
	EventImplementationSucceeded EventKind = "implementation_succeeded"
	EventImplementationFailed    EventKind = "implementation_failed"
	EventStartCodeReview         EventKind = "start_code_review"
	EventCodeReviewCompleted     EventKind = "code_review_completed"
	EventCompletePlanOnly        EventKind = "complete_plan_only"
	EventCancel                  EventKind = "cancel"
	EventFail                    EventKind = "fail"
)

// EventKinds lists every accepted kind.
var EventKinds = []EventKind{
	EventStartAnalysis, EventAnalysisCompleted, EventAnalysisNoQuestions, EventQuestionsPublished,
	EventAnswersReceived, EventStartPlanning, EventPlanGenerated, EventPlanPublished,
	EventStartImplementation, EventImplementationSucceeded, EventImplementationFailed,
	EventStartCodeReview, EventCodeReviewCompleted, EventCompletePlanOnly, EventCancel, EventFail,
}

func ParseEventKind(v string) (EventKind, error) {
	for _, k := range EventKinds {
		if string(k) == v {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrBadEvent, v)
}

// Event is an inbound lifecycle event. ID makes delivery idempotent; an
// empty ID is never deduplicated.
type Event struct {
	ID         string                         `json:"id,omitempty"`
	Kind       EventKind                      `json:"kind"`
	ActorID    string                         `json:"actor_id,omitempty"`
	Reason     string                         `json:"reason,omitempty"`
	Questions  []domain.Question              `json:"questions,omitempty"`
	Answers    []domain.Answer                `json:"answers,omitempty"`
	Artifacts  map[domain.ArtifactKind]string `json:"artifacts,omitempty"`
	PlanBranch string                         `json:"plan_branch,omitempty"`
	PlanPath   string                         `json:"plan_path,omitempty"`
	PRURL      string                         `json:"pr_url,omitempty"`
	PRNumber   int                            `json:"pr_number,omitempty"`
	Summary    string                         `json:"summary,omitempty"`
	Files      []pipeline.FileChange          `json:"files,omitempty"`
	Error      string                         `json:"error,omitempty"`
}

type AdvanceResult struct {
	WorkItem  domain.WorkItem `json:"work_item"`
	Duplicate bool            `json:"duplicate"`
}

// Advance applies one event to a work item. The transition, its artifacts
// and its audit events commit together or not at all.
func (e Engine) Advance(ctx context.Context, workItemID string, ev Event) (AdvanceResult, error) {
	if ev.ActorID == "" {
		ev.ActorID = "system"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return AdvanceResult{}, err
	}
	ctx = workItemContext(ctx, w)
	if dup, err := e.seen(ctx, tx, w, ev.ID, string(ev.Kind)); err != nil || dup {
		return AdvanceResult{WorkItem: w, Duplicate: dup}, err
	}
	cfg, err := e.TenantConfig(ctx, w.TenantID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if err := e.apply(ctx, tx, &w, cfg, ev); err != nil {
		return AdvanceResult{WorkItem: w}, err
	}
	changes, err := e.commitChanges(ctx, tx, &w, ev.ActorID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}
	e.announce(ctx, w, changes)
	return AdvanceResult{WorkItem: w}, nil
}

// seen records an event id and reports whether it was delivered before.
func (e Engine) seen(ctx context.Context, tx *sql.Tx, w domain.WorkItem, eventID, kind string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	fresh, err := e.Repo.MarkEventProcessed(ctx, tx, w.ID, eventID, kind, e.now())
	if err != nil {
		return false, err
	}
	if !fresh {
		e.Metrics.Duplicate()
		e.log().Info(ctx, "duplicate event ignored", zap.String("event_id", eventID), zap.String("kind", kind))
	}
	return !fresh, nil
}

func (e Engine) apply(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, cfg *config.Config, ev Event) error {
	now := e.now()
	reason := strings.TrimSpace(ev.Reason)
	to := func(s domain.State, fallback string) error {
		r := reason
		if r == "" {
			r = fallback
		}
		return w.TransitionTo(s, r, now)
	}

	switch ev.Kind {
	case EventStartAnalysis:
		if err := to(domain.StateAnalyzing, "analysis started"); err != nil {
			return err
		}

	case EventAnalysisCompleted:
		questions := domain.NumberQuestions(ev.Questions)
		if len(questions) == 0 {
			return fmt.Errorf("%w: %s needs at least one question", ErrBadEvent, ev.Kind)
		}
		if err := to(domain.StateQuestionsPosted, fmt.Sprintf("%d questions", len(questions))); err != nil {
			return err
		}
		w.Questions = questions

	case EventAnalysisNoQuestions:
		if err := to(domain.StateAnswersReceived, "no questions"); err != nil {
			return err
		}

	case EventQuestionsPublished:
		if err := to(domain.StateAwaitingAnswers, "questions published"); err != nil {
			return err
		}
		if _, err := e.Checkpoints.Create(ctx, tx, checkpoint.CreateRequest{
			Key:       checkpointKey(*w, domain.GraphRefinement, domain.CheckpointAwaitingAnswers),
			State:     map[string]any{"questions": w.Questions},
			AgentName: "analysis",
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.CheckpointCreated, w.TenantID, "work_item", w.ID, ev.ActorID, events.EventPayload{
			"checkpoint": domain.CheckpointAwaitingAnswers,
		}); err != nil {
			return err
		}

	case EventAnswersReceived:
		if len(ev.Answers) == 0 {
			return fmt.Errorf("%w: %s needs at least one answer", ErrBadEvent, ev.Kind)
		}
		if err := to(domain.StateAnswersReceived, fmt.Sprintf("%d answers", len(ev.Answers))); err != nil {
			return err
		}
		mergeAnswers(w, ev.Answers, ev.ActorID, now)
		if err := e.resumeIfActive(ctx, tx, *w, domain.GraphRefinement, domain.CheckpointAwaitingAnswers); err != nil {
			return err
		}

	case EventStartPlanning:
		if w.State == domain.StatePlanRejected && w.RevisionCount >= cfg.Orchestrator.MaxRevisionIterations {
			return w.TransitionTo(domain.StateFailed, fmt.Sprintf("revision limit of %d reached", cfg.Orchestrator.MaxRevisionIterations), now)
		}
		if err := to(domain.StatePlanning, "planning started"); err != nil {
			return err
		}

	case EventPlanGenerated:
		if len(ev.Artifacts) == 0 {
			return fmt.Errorf("%w: %s carries no artifacts", ErrBadEvent, ev.Kind)
		}
		if err := to(domain.StatePlanPosted, "plan generated"); err != nil {
			return err
		}
		if err := e.storePlan(ctx, tx, w, ev); err != nil {
			return err
		}
		w.SetMeta(metaFeedback, "")
		w.SetMeta(metaRevisionMode, "")
		if err := e.deleteIfActive(ctx, tx, *w, domain.GraphPlanning, domain.CheckpointPlanningProgress); err != nil {
			return err
		}

	case EventPlanPublished:
		if err := to(domain.StatePlanUnderReview, "plan published"); err != nil {
			return err
		}
		if ev.PlanBranch != "" {
			w.PlanBranch = ev.PlanBranch
		}
		if ev.PlanPath != "" {
			w.PlanPath = ev.PlanPath
		}
		existing, err := e.Repo.ListReviewsTx(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			if _, err := e.assignReviewers(ctx, tx, *w, cfg, cfg.Reviews.Default, ev.ActorID); err != nil {
				return err
			}
		}
		plan, err := e.Repo.GetPlanTx(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if _, err := e.Checkpoints.Create(ctx, tx, checkpoint.CreateRequest{
			Key:   checkpointKey(*w, domain.GraphReview, domain.CheckpointAwaitingReview),
			State: map[string]any{"plan_version": plan.Version},
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.CheckpointCreated, w.TenantID, "work_item", w.ID, ev.ActorID, events.EventPayload{
			"checkpoint":   domain.CheckpointAwaitingReview,
			"plan_version": plan.Version,
		}); err != nil {
			return err
		}

	case EventStartImplementation:
		if err := to(domain.StateImplementing, "implementation started"); err != nil {
			return err
		}

	case EventImplementationSucceeded:
		if ev.PRURL == "" && ev.PRNumber == 0 {
			return fmt.Errorf("%w: %s needs a pull request", ErrBadEvent, ev.Kind)
		}
		if err := to(domain.StatePRCreated, "pull request opened"); err != nil {
			return err
		}
		w.PRURL = ev.PRURL
		w.PRNumber = ev.PRNumber
		if len(ev.Files) > 0 {
			files, err := json.Marshal(ev.Files)
			if err != nil {
				return err
			}
			w.SetMeta(metaChangedFiles, string(files))
		}

	case EventImplementationFailed:
		if err := to(domain.StateImplementationFailed, "implementation failed"); err != nil {
			return err
		}
		msg := ev.Error
		if msg == "" {
			msg = reason
		}
		return e.recordError(ctx, tx, w, cfg, domain.StateImplementing, errors.New(msg))

	case EventStartCodeReview:
		if err := to(domain.StateInReview, "code review started"); err != nil {
			return err
		}

	case EventCodeReviewCompleted:
		if err := to(domain.StateCompleted, "code review completed"); err != nil {
			return err
		}
		w.SetMeta(metaCodeReview, ev.Summary)

	case EventCompletePlanOnly:
		if !cfg.Orchestrator.PlanOnlyCompletion {
			return ErrPlanOnlyDisabled
		}
		if err := to(domain.StateCompleted, "plan-only completion"); err != nil {
			return err
		}

	case EventCancel:
		if err := to(domain.StateCancelled, "cancelled"); err != nil {
			return err
		}

	case EventFail:
		msg := ev.Error
		if msg == "" {
			msg = reason
		}
		if err := to(domain.StateFailed, "failed"); err != nil {
			return err
		}
		w.LastError = msg
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadEvent, ev.Kind)
	}
	w.ClearError()
	return nil
}

// storePlan writes the first plan of a work item or the next version of an
// existing one. A new version resets every review to Pending.
func (e Engine) storePlan(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, ev Event) error {
	now := e.now()
	for _, k := range domain.AllArtifacts {
		body, ok := ev.Artifacts[k]
		if !ok {
			continue
		}
		if err := pipeline.ValidateArtifact(k, body); err != nil {
			return fmt.Errorf("%w: %w", ErrBadEvent, err)
		}
	}
	for k := range ev.Artifacts {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown artifact %q", ErrBadEvent, k)
		}
	}
	plan, err := e.Repo.GetPlanTx(ctx, tx, w.ID)
	if errors.Is(err, repo.ErrNotFound) {
		var a domain.Artifacts
		for k, v := range ev.Artifacts {
			a.Set(k, v)
		}
		plan = domain.NewPlan(w.TenantID, w.ID, a, now)
		if err := e.Repo.InsertPlan(ctx, tx, plan); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.PlanUpdated, w.TenantID, "work_item", w.ID, ev.ActorID, events.EventPayload{
			"version":   plan.Version,
			"artifacts": plan.Artifacts.Present(),
		})
	}
	if err != nil {
		return err
	}
	reason := ev.Reason
	if reason == "" {
		reason = "revision"
	}
	snap, err := plan.UpdateArtifacts(ev.Artifacts, ev.ActorID, reason, now)
	if err != nil {
		return err
	}
	if err := e.Repo.InsertPlanVersion(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.Repo.UpdatePlan(ctx, tx, plan); err != nil {
		return err
	}
	w.RevisionCount++
	updated := make([]domain.ArtifactKind, 0, len(ev.Artifacts))
	for _, k := range domain.AllArtifacts {
		if _, ok := ev.Artifacts[k]; ok {
			updated = append(updated, k)
		}
	}
	if err := e.Events.Append(ctx, tx, events.PlanUpdated, w.TenantID, "work_item", w.ID, ev.ActorID, events.EventPayload{
		"version":   plan.Version,
		"artifacts": updated,
		"revision":  w.RevisionCount,
	}); err != nil {
		return err
	}
	reviews, err := e.Repo.ListReviewsTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	for _, rv := range reviews {
		rv.ResetForNewPlan(now)
		if err := e.Repo.UpsertReview(ctx, tx, rv); err != nil {
			return err
		}
	}
	if len(reviews) > 0 {
		return e.Events.Append(ctx, tx, events.ReviewReset, w.TenantID, "work_item", w.ID, ev.ActorID, events.EventPayload{
			"version":   plan.Version,
			"reviewers": len(reviews),
		})
	}
	return nil
}

func checkpointKey(w domain.WorkItem, graphID, checkpointID string) domain.CheckpointKey {
	return domain.CheckpointKey{TenantID: w.TenantID, WorkItemID: w.ID, GraphID: graphID, CheckpointID: checkpointID}
}

// resumeIfActive resumes a checkpoint unless it is missing or already closed.
func (e Engine) resumeIfActive(ctx context.Context, tx *sql.Tx, w domain.WorkItem, graphID, checkpointID string) error {
	_, err := e.Checkpoints.MarkAsResumed(ctx, tx, checkpointKey(w, graphID, checkpointID))
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, checkpoint.ErrCheckpointNotActive) {
		return nil
	}
	return err
}

func (e Engine) deleteIfActive(ctx context.Context, tx *sql.Tx, w domain.WorkItem, graphID, checkpointID string) error {
	err := e.Checkpoints.Delete(ctx, tx, checkpointKey(w, graphID, checkpointID))
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, checkpoint.ErrCheckpointNotActive) {
		return nil
	}
	return err
}


// mergeAnswers replaces earlier answers to the same question.
func mergeAnswers(w *domain.WorkItem, answers []domain.Answer, actorID string, now time.Time) {
	index := map[string]int{}
	for i, a := range w.Answers {
		index[a.QuestionID] = i
	}
	for _, a := range answers {
		a.Text = strings.TrimSpace(a.Text)
		if a.AnsweredBy == "" {
			a.AnsweredBy = actorID
		}
		if a.AnsweredAt.IsZero() {
			a.AnsweredAt = now
		}
		if i, ok := index[a.QuestionID]; ok && a.QuestionID != "" {
			w.Answers[i] = a
			continue
		}
		index[a.QuestionID] = len(w.Answers)
		w.Answers = append(w.Answers, a)
	}
}
