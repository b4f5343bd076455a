// Package engine drives work items through their lifecycle. Every state
// change, plan update and review verdict is applied inside one SQL
// transaction together with its audit event.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"planline/internal/checkpoint"
	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/model"
	"planline/internal/notify"
	"planline/internal/repo"
	"planline/internal/ticket"
	"planline/internal/vcs"
)

const (
	metaRepositoryContext = "repository_context"
	metaFeedback          = "feedback"
	metaRevisionMode      = "revision_mode"
	metaCodeReview        = "code_review"
	metaChangedFiles      = "changed_files"
)

var (
	ErrBadEvent         = errors.New("bad event")
	ErrInvalidInput     = errors.New("invalid input")
	ErrPlanOnlyDisabled = errors.New("plan-only completion is disabled for this tenant")
	ErrNotUnderReview   = errors.New("work item is not under review")
	ErrReviewPending    = errors.New("review outcome is still pending")
	ErrNoVCS            = errors.New("no version control client configured")
	ErrNoModel          = errors.New("no model configured")
	ErrLeaseHeld        = errors.New("lease already held")
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Checkpoints checkpoint.Store
	Model       model.Invoker
	VCS         vcs.Client
	Tickets     ticket.System
	Publisher   notify.Publisher
	Log         *logging.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func New(db *sql.DB) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{DB: db},
		Checkpoints: checkpoint.New(r),
		Tickets:     ticket.Nop{},
		Publisher:   notify.Nop{},
		Log:         logging.Nop(),
		Now:         time.Now,
	}
}

// WithClock sets the time source on the engine and everything it writes with.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Checkpoints.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *logging.Logger {
	if e.Log == nil {
		return logging.Nop()
	}
	return e.Log
}

func (e Engine) tickets() ticket.System {
	if e.Tickets == nil {
		return ticket.Nop{}
	}
	return e.Tickets
}

func (e Engine) publisher() notify.Publisher {
	if e.Publisher == nil {
		return notify.Nop{}
	}
	return e.Publisher
}

// TenantConfig returns the stored policy of a tenant, or the defaults.
func (e Engine) TenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	cfg, err := e.Repo.GetTenantConfig(ctx, tenantID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(tenantID), nil
	}
	return cfg, err
}

// CreateTenant registers a tenant with the default policy.
func (e Engine) CreateTenant(ctx context.Context, id, name, description, actorID string) (domain.Tenant, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Tenant{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if name == "" {
		name = id
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()

	t := domain.Tenant{ID: id, Name: name, Status: "active", Description: description, CreatedAt: e.now()}
	if err := e.Repo.InsertTenant(ctx, tx, t); err != nil {
		return domain.Tenant{}, err
	}
	cfg := config.Default(id)
	cfg.Tenant.Name = name
	if err := e.Repo.UpsertTenantConfig(ctx, tx, id, cfg); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TenantCreated, id, "tenant", id, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// SetTenantConfig validates and stores a tenant policy.
func (e Engine) SetTenantConfig(ctx context.Context, tenantID string, cfg *config.Config, actorID string) error {
	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertTenantConfig(ctx, tx, tenantID, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TenantConfigUpdated, tenantID, "tenant", tenantID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

type IntakeRequest struct {
	TenantID          string
	ExternalKey       string
	Repository        domain.Repository
	Title             string
	Description       string
	RepositoryContext string
	ActorID           string
}

// Intake creates a Triggered work item for a ticket. A ticket seen before
// returns the existing work item and created=false.
func (e Engine) Intake(ctx context.Context, req IntakeRequest) (domain.WorkItem, bool, error) {
	switch {
	case req.TenantID == "":
		return domain.WorkItem{}, false, fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	case strings.TrimSpace(req.ExternalKey) == "":
		return domain.WorkItem{}, false, fmt.Errorf("%w: external key is required", ErrInvalidInput)
	case strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Description) == "":
		return domain.WorkItem{}, false, fmt.Errorf("%w: title or description is required", ErrInvalidInput)
	case req.Repository.Name == "":
		return domain.WorkItem{}, false, fmt.Errorf("%w: repository is required", ErrInvalidInput)
	}
	if _, err := e.Repo.GetTenant(ctx, req.TenantID); err != nil {
		return domain.WorkItem{}, false, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetWorkItemByExternalKey(ctx, tx, req.TenantID, req.ExternalKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkItem{}, false, err
	}
	now := e.now()
	w := domain.WorkItem{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		ExternalKey: req.ExternalKey,
		Repository:  req.Repository,
		State:       domain.StateTriggered,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if w.Repository.BaseBranch == "" {
		w.Repository.BaseBranch = "main"
	}
	w.SetMeta(metaRepositoryContext, req.RepositoryContext)
	if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
		return domain.WorkItem{}, false, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkItemCreated, w.TenantID, "work_item", w.ID, req.ActorID, events.EventPayload{
		"external_key": w.ExternalKey,
		"repository":   w.Repository.FullName(),
	}); err != nil {
		return domain.WorkItem{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, false, err
	}
	e.log().Info(logging.WithWorkItem(logging.WithTenant(ctx, w.TenantID), w.ID), "work item created", zap.String("external_key", w.ExternalKey))
	if err := e.tickets().TransitionStatus(ctx, ticket.RefFor(w), string(w.State)); err != nil {
		e.log().Warn(ctx, "ticket status sync failed", zap.String("work_item", w.ID), zap.Error(err))
	}
	return w, true, nil
}

func (e Engine) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Repo.GetWorkItem(ctx, id)
}

// commitChanges persists w and its queued transitions inside tx. The
// returned changes are announced with announce after the commit.
func (e Engine) commitChanges(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, actorID string) ([]domain.StateChange, error) {
	changes := w.TakeChanges()
	if err := e.Repo.UpdateWorkItem(ctx, tx, *w); err != nil {
		return nil, err
	}
	for _, c := range changes {
		if err := e.Events.Append(ctx, tx, events.WorkItemTransition, w.TenantID, "work_item", w.ID, actorID, events.EventPayload{
			"from":   c.From,
			"to":     c.To,
			"reason": c.Reason,
		}); err != nil {
			return nil, err
		}
		if c.To.Terminal() {
			if err := e.closeCheckpoints(ctx, tx, *w); err != nil {
				return nil, err
			}
		}
	}
	return changes, nil
}

// closeCheckpoints deletes every Active checkpoint of a finished work item.
func (e Engine) closeCheckpoints(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	for _, graph := range []string{domain.GraphRefinement, domain.GraphPlanning, domain.GraphReview} {
		cp, err := e.Checkpoints.Active(ctx, tx, w.ID, graph)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := e.Checkpoints.Delete(ctx, tx, cp.CheckpointKey); err != nil {
			return err
		}
	}
	return nil
}

// announce publishes committed transitions. Failures are logged, never
// returned: the transition is already durable.
func (e Engine) announce(ctx context.Context, w domain.WorkItem, changes []domain.StateChange) {
	ref := ticket.RefFor(w)
	for _, c := range changes {
		e.Metrics.Transition(string(c.From), string(c.To))
		e.log().Info(ctx, "work item transitioned",
			zap.String("work_item", w.ID),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)),
			zap.String("reason", c.Reason),
		)
		msg := notify.StateChanged{
			TenantID:    w.TenantID,
			WorkItemID:  w.ID,
			ExternalKey: w.ExternalKey,
			From:        c.From,
			To:          c.To,
			Reason:      c.Reason,
			At:          c.At,
		}
		if err := e.publisher().Publish(ctx, msg); err != nil {
			e.log().Warn(ctx, "state change publish failed", zap.String("work_item", w.ID), zap.Error(err))
		}
		if err := e.tickets().TransitionStatus(ctx, ref, string(c.To)); err != nil {
			e.log().Warn(ctx, "ticket status sync failed", zap.String("work_item", w.ID), zap.Error(err))
		}
	}
}

func workItemContext(ctx context.Context, w domain.WorkItem) context.Context {
	return logging.WithWorkItem(logging.WithTenant(ctx, w.TenantID), w.ID)
}

// RecordError stores a failure on a work item, schedules the next attempt
// with exponential backoff and fails the item once retries are exhausted.
func (e Engine) RecordError(ctx context.Context, workItemID string, cause error) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return w, err
	}
	cfg, err := e.TenantConfig(ctx, w.TenantID)
	if err != nil {
		return w, err
	}
	if w.State.Terminal() {
		return w, fmt.Errorf("work item %s is %s", w.ID, w.State)
	}
	if err := e.recordError(ctx, tx, &w, cfg, w.State, cause); err != nil {
		return w, err
	}
	changes, err := e.commitChanges(ctx, tx, &w, "system")
	if err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.announce(ctx, w, changes)
	return w, nil
}

// recordError applies a failure observed in state to w and fails the item
// once retries are exhausted.
func (e Engine) recordError(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, cfg *config.Config, state domain.State, cause error) error {
	now := e.now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	w.RecordError(msg, now)
	exhausted := w.RetryCount > cfg.Orchestrator.MaxRetries
	if !exhausted {
		next := now.Add(backoff(time.Duration(cfg.Orchestrator.RetryBackoff), w.RetryCount))
		w.NextAttemptAt = &next
	}
	if err := e.Events.Append(ctx, tx, events.WorkItemError, w.TenantID, "work_item", w.ID, "system", events.EventPayload{
		"state":       state,
		"error":       msg,
		"retry_count": w.RetryCount,
		"exhausted":   exhausted,
	}); err != nil {
		return err
	}
	e.log().Warn(ctx, "work item step failed",
		zap.String("work_item", w.ID),
		zap.String("state", string(state)),
		zap.Int("retry_count", w.RetryCount),
		zap.Bool("exhausted", exhausted),
		zap.String("error", msg),
	)
	if exhausted && w.CanTransitionTo(domain.StateFailed) {
		w.NextAttemptAt = nil
		return w.TransitionTo(domain.StateFailed, fmt.Sprintf("retries exhausted: %s", msg), now)
	}
	return nil
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < 24*time.Hour; i++ {
		d *= 2
	}
	return d
}
