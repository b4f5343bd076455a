// Package worker drives work items through their automated states. Each
// poll claims a batch of due items, processes them in parallel under a
// lease, and periodically sweeps expired checkpoints.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/logging"
)

const (
	defaultConcurrency = 4
	defaultInterval    = 5 * time.Second
	defaultLeaseTTL    = 10 * time.Minute
	defaultSweepEvery  = time.Hour
	defaultBatch       = 50

	// maxStepsPerClaim bounds how far one claim advances a work item.
	maxStepsPerClaim = 25
)

type Config struct {
	OwnerID     string
	Concurrency int
	Interval    time.Duration
	LeaseTTL    time.Duration
	SweepEvery  time.Duration
	Batch       int
}

func (c *Config) applyDefaults() {
	if c.OwnerID == "" {
		c.OwnerID = "worker"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = defaultSweepEvery
	}
	if c.Batch <= 0 {
		c.Batch = defaultBatch
	}
}

type Worker struct {
	Engine engine.Engine
	Config Config
	Log    *logging.Logger

	mu        sync.Mutex
	lastSweep time.Time
}

func New(e engine.Engine, cfg Config) *Worker {
	cfg.applyDefaults()
	log := e.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Worker{Engine: e, Config: cfg, Log: log.With(zap.String("worker", cfg.OwnerID))}
}

// Stats summarises one poll.
type Stats struct {
	Claimed   int `json:"claimed"`
	Advanced  int `json:"advanced"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Completed int `json:"completed"`
	Expired   int `json:"expired"`
}

func (s *Stats) add(o Stats) {
	s.Claimed += o.Claimed
	s.Advanced += o.Advanced
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Completed += o.Completed
	s.Expired += o.Expired
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Config.Interval)
	defer ticker.Stop()
	w.Log.Info(ctx, "worker started",
		zap.Int("concurrency", w.Config.Concurrency),
		zap.Duration("interval", w.Config.Interval),
	)
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.Log.Error(ctx, "worker poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.Log.Info(ctx, "worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps if due, then processes every work item that is due now.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if w.sweepDue() {
		expired, err := w.Sweep(ctx)
		if err != nil {
			return stats, err
		}
		stats.Expired = expired
	}
	due, err := w.Engine.Repo.ListDueWorkItems(ctx, engine.ActionableStates, w.now(), w.Config.Batch)
	if err != nil {
		return stats, err
	}
	if len(due) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.Config.Concurrency)
	for _, item := range due {
		g.Go(func() error {
			s := w.handle(gctx, item)
			mu.Lock()
			stats.add(s)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if stats.Advanced+stats.Failed > 0 {
		w.Log.Info(ctx, "worker poll finished",
			zap.Int("claimed", stats.Claimed),
			zap.Int("advanced", stats.Advanced),
			zap.Int("failed", stats.Failed),
			zap.Int("completed", stats.Completed),
		)
	}
	return stats, err
}

// handle claims one work item and advances it until it waits, finishes, or
// fails a step.
func (w *Worker) handle(ctx context.Context, item domain.WorkItem) Stats {
	var s Stats
	m := w.Engine.Metrics
	if _, err := w.Engine.ClaimLease(ctx, item.ID, w.Config.OwnerID, w.Config.LeaseTTL); err != nil {
		if !errors.Is(err, engine.ErrLeaseHeld) {
			w.Log.Warn(ctx, "lease claim failed", zap.String("work_item", item.ID), zap.Error(err))
		}
		s.Skipped++
		m.WorkerRun("skipped")
		return s
	}
	s.Claimed++
	defer func() {
		if err := w.Engine.ReleaseLease(context.WithoutCancel(ctx), item.ID, w.Config.OwnerID); err != nil {
			w.Log.Warn(ctx, "lease release failed", zap.String("work_item", item.ID), zap.Error(err))
		}
	}()

	ctx = engine.WithLeaseOwner(ctx, w.Config.OwnerID)
	for i := 0; i < maxStepsPerClaim; i++ {
		if ctx.Err() != nil {
			return s
		}
		res, err := w.Engine.Process(ctx, item.ID)
		if err != nil {
			s.Failed++
			m.WorkerRun("failed")
			w.Log.Warn(ctx, "work item step failed",
				zap.String("work_item", item.ID),
				zap.String("state", string(res.WorkItem.State)),
				zap.Error(err),
			)
			return s
		}
		if res.Waiting || res.Action == "" {
			return s
		}
		s.Advanced++
		m.WorkerRun("advanced")
		if res.WorkItem.State.Terminal() {
			if res.WorkItem.State == domain.StateCompleted {
				s.Completed++
			}
			return s
		}
	}
	return s
}

func (w *Worker) now() time.Time {
	if w.Engine.Now != nil {
		return w.Engine.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Worker) sweepDue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if !w.lastSweep.IsZero() && now.Sub(w.lastSweep) < w.Config.SweepEvery {
		return false
	}
	w.lastSweep = now
	return true
}

// Sweep expires stale checkpoints for every tenant.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	tenants, err := w.Engine.Repo.ListTenants(ctx)
	if err != nil {
		return 0, err
	}
	var expired int
	for _, t := range tenants {
		res, err := w.Engine.SweepExpiredCheckpoints(ctx, t.ID)
		if err != nil {
			return expired, err
		}
		expired += res.Expired
	}
	return expired, nil
}
