// Package checkpoint persists suspend points of long-running work item graphs
// so a process can stop while waiting on a human and resume later.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/repo"
)

// DefaultTTL applies when the tenant config has no window for a checkpoint.
const DefaultTTL = 30 * 24 * time.Hour

var (
	ErrActiveCheckpointExists = errors.New("active checkpoint already exists")
	ErrCheckpointNotActive    = errors.New("checkpoint is not active")
	ErrNotFound               = repo.ErrNotFound
)

type Store struct {
	Repo    repo.Repo
	Log     *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(r repo.Repo) Store {
	return Store{Repo: r, Log: logging.Nop(), Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Store) log() *logging.Logger {
	if s.Log == nil {
		return logging.Nop()
	}
	return s.Log
}

type CreateRequest struct {
	Key       domain.CheckpointKey
	State     any
	AgentName string
	NextAgent string
}

// Create persists a new Active checkpoint. tx may be nil.
func (s Store) Create(ctx context.Context, tx *sql.Tx, req CreateRequest) (domain.Checkpoint, error) {
	if err := validateKey(req.Key); err != nil {
		return domain.Checkpoint{}, err
	}
	state, err := encodeState(req.State)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	now := s.now()
	cp := domain.Checkpoint{
		CheckpointKey: req.Key,
		State:         state,
		AgentName:     req.AgentName,
		NextAgent:     req.NextAgent,
		Status:        domain.CheckpointActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Repo.InsertCheckpoint(ctx, tx, cp); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Checkpoint{}, fmt.Errorf("%w: %s/%s", ErrActiveCheckpointExists, req.Key.WorkItemID, req.Key.GraphID)
		}
		return domain.Checkpoint{}, err
	}
	s.Metrics.Checkpoint(req.Key.CheckpointID, "created")
	s.log().Info(ctx, "checkpoint created", keyFields(req.Key)...)
	return cp, nil
}

// Get returns the latest checkpoint with the given key regardless of status.
func (s Store) Get(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey) (domain.Checkpoint, error) {
	return s.Repo.LatestCheckpoint(ctx, tx, key.WorkItemID, key.GraphID, key.CheckpointID)
}

// Active returns the Active checkpoint of a graph for a work item.
func (s Store) Active(ctx context.Context, tx *sql.Tx, workItemID, graphID string) (domain.Checkpoint, error) {
	return s.Repo.ActiveCheckpoint(ctx, tx, workItemID, graphID)
}

// UpdateState replaces the payload of an Active checkpoint.
func (s Store) UpdateState(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey, state any, nextAgent string) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	ok, err := s.Repo.UpdateActiveCheckpointState(ctx, tx, key, data, nextAgent, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return s.notActive(ctx, tx, key)
	}
	return nil
}

// MarkAsResumed closes an Active checkpoint and returns it. Only one caller
// can resume a given checkpoint; later callers get ErrCheckpointNotActive.
func (s Store) MarkAsResumed(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey) (domain.Checkpoint, error) {
	cp, err := s.transition(ctx, tx, key, domain.CheckpointResumed)
	if err != nil {
		return cp, err
	}
	s.Metrics.Checkpoint(key.CheckpointID, "resumed")
	s.log().Info(ctx, "checkpoint resumed", keyFields(key)...)
	return cp, nil
}

func (s Store) MarkAsExpired(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey) (domain.Checkpoint, error) {
	cp, err := s.transition(ctx, tx, key, domain.CheckpointExpired)
	if err != nil {
		return cp, err
	}
	s.Metrics.Checkpoint(key.CheckpointID, "expired")
	s.log().Warn(ctx, "checkpoint expired", keyFields(key)...)
	return cp, nil
}

// Delete marks an Active checkpoint Deleted. Rows are kept for audit.
func (s Store) Delete(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey) error {
	_, err := s.transition(ctx, tx, key, domain.CheckpointDeleted)
	if err == nil {
		s.Metrics.Checkpoint(key.CheckpointID, "deleted")
	}
	return err
}

// ListExpirable returns Active checkpoints idle for longer than their TTL.
func (s Store) ListExpirable(ctx context.Context, tenantID string, ttl config.Checkpoints) ([]domain.Checkpoint, error) {
	active, err := s.Repo.ListCheckpoints(ctx, repo.CheckpointFilters{TenantID: tenantID, Status: domain.CheckpointActive})
	if err != nil {
		return nil, err
	}
	now := s.now()
	var res []domain.Checkpoint
	for _, cp := range active {
		window := ttl.TTLFor(cp.CheckpointID)
		if window <= 0 {
			window = DefaultTTL
		}
		if now.Sub(cp.UpdatedAt) > window {
			res = append(res, cp)
		}
	}
	return res, nil
}

func (s Store) transition(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey, status domain.CheckpointStatus) (domain.Checkpoint, error) {
	ok, err := s.Repo.TransitionCheckpoint(ctx, tx, key, status, s.now())
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if !ok {
		return domain.Checkpoint{}, s.notActive(ctx, tx, key)
	}
	return s.Repo.LatestCheckpoint(ctx, tx, key.WorkItemID, key.GraphID, key.CheckpointID)
}

// notActive distinguishes a missing checkpoint from a closed one.
func (s Store) notActive(ctx context.Context, tx *sql.Tx, key domain.CheckpointKey) error {
	cp, err := s.Repo.LatestCheckpoint(ctx, tx, key.WorkItemID, key.GraphID, key.CheckpointID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s/%s/%s is %s", ErrCheckpointNotActive, key.WorkItemID, key.GraphID, key.CheckpointID, cp.Status)
}

func validateKey(k domain.CheckpointKey) error {
	switch {
	case k.TenantID == "":
		return errors.New("checkpoint tenant_id required")
	case k.WorkItemID == "":
		return errors.New("checkpoint work_item_id required")
	case k.GraphID == "":
		return errors.New("checkpoint graph_id required")
	case k.CheckpointID == "":
		return errors.New("checkpoint checkpoint_id required")
	}
	return nil
}

// encodeState marshals v and insists on a JSON object.
func encodeState(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	var data []byte
	switch t := v.(type) {
	case json.RawMessage:
		data = t
	case []byte:
		data = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint state: %w", err)
		}
		data = b
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("checkpoint state must be a JSON object: %w", err)
	}
	return json.RawMessage(data), nil
}

func keyFields(k domain.CheckpointKey) []zap.Field {
	return []zap.Field{
		zap.String("work_item.id", k.WorkItemID),
		zap.String("graph", k.GraphID),
		zap.String("checkpoint", k.CheckpointID),
	}
}
