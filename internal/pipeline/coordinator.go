package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/model"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result is the outcome of one agent step.
type Result struct {
	Agent      string
	Status     Status
	Artifact   domain.ArtifactKind
	Content    string
	TokenUsage model.TokenUsage
	Err        error
	Duration   time.Duration
}

func completed(a Agent, content string, usage model.TokenUsage) Result {
	return Result{Agent: a.Name(), Status: StatusCompleted, Artifact: a.Artifact(), Content: content, TokenUsage: usage}
}

func failed(a Agent, err error) Result {
	return Result{Agent: a.Name(), Status: StatusFailed, Artifact: a.Artifact(), Err: err}
}

// Agent is one step of a pipeline. Artifact is empty for agents that do not
// produce a plan artifact.
type Agent interface {
	Name() string
	Description() string
	Artifact() domain.ArtifactKind
	Execute(ctx context.Context, pctx *Context) Result
}

// StepError reports the step that halted a run.
type StepError struct {
	Agent string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.Agent, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Coordinator runs agents strictly in order over a shared Context.
type Coordinator struct {
	Log     *logging.Logger
	Metrics *metrics.Metrics

	// OnStepCompleted runs after each successful step; an error halts the run.
	OnStepCompleted func(ctx context.Context, pctx *Context, res Result) error
	Now             func() time.Time
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run executes agents in order and stops at the first failure. Steps whose
// output is already in pctx are skipped, so a rehydrated context resumes
// where it stopped.
func (c Coordinator) Run(ctx context.Context, pctx *Context, agents []Agent) ([]Result, error) {
	log := c.Log
	if log == nil {
		log = logging.Nop()
	}
	results := make([]Result, 0, len(agents))
	for _, agent := range agents {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("pipeline interrupted before %s: %w", agent.Name(), err)
		}
		if alreadyDone(pctx, agent) {
			results = append(results, Result{Agent: agent.Name(), Status: StatusSkipped, Artifact: agent.Artifact()})
			log.Debug(ctx, "pipeline step skipped", zap.String("agent", agent.Name()))
			continue
		}
		start := c.now()
		res := agent.Execute(ctx, pctx)
		res.Agent = agent.Name()
		res.Duration = c.now().Sub(start)
		c.Metrics.Step(res.Agent, string(res.Status), res.Duration, res.TokenUsage.Total)
		results = append(results, res)
		if res.Status != StatusCompleted {
			err := res.Err
			if err == nil {
				err = errors.New("agent reported failure")
			}
			log.Warn(ctx, "pipeline step failed", zap.String("agent", res.Agent), zap.Error(err))
			return results, &StepError{Agent: res.Agent, Err: err}
		}
		if res.Artifact != "" {
			pctx.SetArtifact(res.Artifact, res.Content)
		}
		pctx.TokenUsage = pctx.TokenUsage.Add(res.TokenUsage)
		pctx.markCompleted(res.Agent)
		log.Info(ctx, "pipeline step completed",
			zap.String("agent", res.Agent),
			zap.Int("tokens", res.TokenUsage.Total),
			zap.Duration("duration", res.Duration),
		)
		if c.OnStepCompleted != nil {
			if err := c.OnStepCompleted(ctx, pctx, res); err != nil {
				return results, fmt.Errorf("after %s: %w", res.Agent, err)
			}
		}
	}
	return results, nil
}

func alreadyDone(pctx *Context, a Agent) bool {
	if k := a.Artifact(); k != "" {
		return pctx.Artifacts.Get(k) != ""
	}
	return pctx.HasCompleted(a.Name())
}
