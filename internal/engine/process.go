package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"planline/internal/checkpoint"
	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/pipeline"
	"planline/internal/repo"
	"planline/internal/review"
	"planline/internal/revision"
	"planline/internal/ticket"
	"planline/internal/vcs"
)

// ProcessResult reports what one Process call did. Waiting is set when the
// work item sits at a human suspend point.
type ProcessResult struct {
	WorkItem domain.WorkItem `json:"work_item"`
	Action   string          `json:"action,omitempty"`
	Waiting  bool            `json:"waiting"`
}

const actionError = "error"

// ActionableStates are the states Process makes progress in without a human.
var ActionableStates = []domain.State{
	domain.StateTriggered,
	domain.StateAnalyzing,
	domain.StateQuestionsPosted,
	domain.StateAnswersReceived,
	domain.StatePlanning,
	domain.StatePlanPosted,
	domain.StatePlanApproved,
	domain.StatePlanRejected,
	domain.StateImplementing,
	domain.StateImplementationFailed,
	domain.StatePRCreated,
	domain.StateInReview,
}

// Process runs the action of the current state and applies the event it
// produces. A failed step is recorded on the work item and returned. It
// fails with ErrLeaseHeld while another owner holds the work item's lease.
func (e Engine) Process(ctx context.Context, workItemID string) (ProcessResult, error) {
	release, err := e.holdLease(ctx, workItemID)
	if err != nil {
		return ProcessResult{}, err
	}
	defer release()
	return e.process(ctx, workItemID)
}

func (e Engine) process(ctx context.Context, workItemID string) (ProcessResult, error) {
	w, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return ProcessResult{}, err
	}
	ctx = workItemContext(ctx, w)
	if w.State.Terminal() {
		return ProcessResult{WorkItem: w}, nil
	}
	cfg, err := e.TenantConfig(ctx, w.TenantID)
	if err != nil {
		return ProcessResult{WorkItem: w}, err
	}

	switch w.State {
	case domain.StateTriggered:
		return e.step(ctx, w, Event{Kind: EventStartAnalysis})
	case domain.StateAnalyzing:
		return e.runAnalysis(ctx, w)
	case domain.StateQuestionsPosted:
		return e.publishQuestions(ctx, w)
	case domain.StateAwaitingAnswers, domain.StatePlanUnderReview:
		return ProcessResult{WorkItem: w, Waiting: true}, nil
	case domain.StateAnswersReceived, domain.StatePlanRejected:
		return e.step(ctx, w, Event{Kind: EventStartPlanning})
	case domain.StatePlanning:
		return e.runPlanning(ctx, w)
	case domain.StatePlanPosted:
		return e.publishPlan(ctx, w, cfg)
	case domain.StatePlanApproved:
		if cfg.Orchestrator.PlanOnlyCompletion {
			return e.step(ctx, w, Event{Kind: EventCompletePlanOnly})
		}
		return e.step(ctx, w, Event{Kind: EventStartImplementation})
	case domain.StateImplementationFailed:
		return e.step(ctx, w, Event{Kind: EventStartImplementation, Reason: "retrying implementation"})
	case domain.StateImplementing:
		return e.runImplementation(ctx, w, cfg)
	case domain.StatePRCreated:
		return e.step(ctx, w, Event{Kind: EventStartCodeReview})
	case domain.StateInReview:
		return e.runCodeReview(ctx, w)
	}
	return ProcessResult{WorkItem: w}, fmt.Errorf("no action for state %s", w.State)
}

func (e Engine) step(ctx context.Context, w domain.WorkItem, ev Event) (ProcessResult, error) {
	res, err := e.Advance(ctx, w.ID, ev)
	if err != nil {
		return ProcessResult{WorkItem: w}, err
	}
	return ProcessResult{WorkItem: res.WorkItem, Action: string(ev.Kind)}, nil
}

// stepFailed records err against the work item. Cancellation is not a
// failure of the work item and is returned untouched.
func (e Engine) stepFailed(ctx context.Context, w domain.WorkItem, err error) (ProcessResult, error) {
	if ctx.Err() != nil {
		return ProcessResult{WorkItem: w}, err
	}
	updated, rerr := e.RecordError(ctx, w.ID, err)
	if rerr != nil {
		return ProcessResult{WorkItem: w}, errors.Join(err, rerr)
	}
	return ProcessResult{WorkItem: updated, Action: actionError}, err
}

func (e Engine) brief(w domain.WorkItem) pipeline.Brief {
	return pipeline.Brief{
		TenantID:          w.TenantID,
		WorkItemID:        w.ID,
		Title:             w.Title,
		Description:       w.Description,
		Repository:        w.Repository,
		RepositoryContext: w.Meta(metaRepositoryContext),
		Questions:         w.Questions,
		Answers:           w.Answers,
	}
}

func (e Engine) coordinator(hook func(ctx context.Context, pctx *pipeline.Context, res pipeline.Result) error) pipeline.Coordinator {
	return pipeline.Coordinator{Log: e.log(), Metrics: e.Metrics, OnStepCompleted: hook, Now: e.Now}
}

func (e Engine) runAnalysis(ctx context.Context, w domain.WorkItem) (ProcessResult, error) {
	if e.Model == nil {
		return e.stepFailed(ctx, w, ErrNoModel)
	}
	pctx := pipeline.NewContext(e.brief(w))
	if _, err := e.coordinator(nil).Run(ctx, pctx, []pipeline.Agent{pipeline.NewAnalysisAgent(e.Model)}); err != nil {
		return e.stepFailed(ctx, w, err)
	}
	if len(pctx.Questions) == 0 {
		return e.step(ctx, w, Event{Kind: EventAnalysisNoQuestions})
	}
	return e.step(ctx, w, Event{Kind: EventAnalysisCompleted, Questions: pctx.Questions})
}

func (e Engine) publishQuestions(ctx context.Context, w domain.WorkItem) (ProcessResult, error) {
	var b strings.Builder
	b.WriteString("Before planning this work item we need a few answers:\n\n")
	for i, q := range w.Questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q.Text)
	}
	if err := e.tickets().PostComment(ctx, ticket.RefFor(w), b.String()); err != nil {
		return e.stepFailed(ctx, w, fmt.Errorf("post questions: %w", err))
	}
	return e.step(ctx, w, Event{Kind: EventQuestionsPublished})
}

// planningProgress is the payload of the planning_progress checkpoint.
type planningProgress struct {
	Context        *pipeline.Context        `json:"context"`
	Classification *revision.Classification `json:"classification,omitempty"`
}

// runPlanning produces a plan, or a revision of the existing plan when the
// last review rejected it. Progress is checkpointed after every step so an
// interrupted round resumes at the step that did not finish.
func (e Engine) runPlanning(ctx context.Context, w domain.WorkItem) (ProcessResult, error) {
	if e.Model == nil {
		return e.stepFailed(ctx, w, ErrNoModel)
	}
	plan, err := e.Repo.GetPlan(ctx, w.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ProcessResult{WorkItem: w}, err
	}
	mode := review.Mode(w.Meta(metaRevisionMode))
	revising := err == nil && (mode == review.ModeSelective || mode == review.ModeFull)

	progress, saved, err := e.loadProgress(ctx, w)
	if err != nil {
		return ProcessResult{WorkItem: w}, err
	}
	if progress.Context == nil {
		progress.Context = pipeline.NewContext(e.brief(w))
		if revising {
			progress.Context.Feedback = w.Meta(metaFeedback)
			progress.Context.Regenerate = mode == review.ModeFull
		}
	}
	save := func(ctx context.Context, next string) error {
		if err := e.saveProgress(ctx, w, saved, progress, next); err != nil {
			return err
		}
		saved = true
		return nil
	}
	coord := e.coordinator(func(ctx context.Context, pctx *pipeline.Context, res pipeline.Result) error {
		progress.Context = pctx
		return save(ctx, res.Agent)
	})

	var updates map[domain.ArtifactKind]string
	reason := "initial plan"
	if revising {
		if progress.Classification == nil {
			c := revision.All("full regeneration requested")
			if mode == review.ModeSelective {
				c, err = revision.Analyzer{Model: e.Model, Log: e.log()}.Analyze(ctx, progress.Context.Feedback, plan)
				if err != nil {
					return e.stepFailed(ctx, w, err)
				}
			}
			progress.Classification = &c
			if err := save(ctx, revision.AgentFeedbackAnalysis); err != nil {
				return ProcessResult{WorkItem: w}, err
			}
		}
		reason = fmt.Sprintf("%s revision: %s", mode, progress.Classification.Rationale)
		updates, err = revision.Reviser{Model: e.Model, Coordinator: coord}.Revise(ctx, plan, progress.Context, *progress.Classification)
	} else {
		_, err = coord.Run(ctx, progress.Context, pipeline.PlanningAgents(e.Model))
		updates = map[domain.ArtifactKind]string{}
		for _, k := range progress.Context.Artifacts.Present() {
			updates[k] = progress.Context.Artifacts.Get(k)
		}
	}
	if err != nil {
		return e.stepFailed(ctx, w, err)
	}
	e.log().Info(ctx, "plan generated",
		zap.Bool("revision", revising),
		zap.Int("artifacts", len(updates)),
		zap.Int("tokens", progress.Context.TokenUsage.Total),
	)
	return e.step(ctx, w, Event{Kind: EventPlanGenerated, Artifacts: updates, Reason: strings.TrimSuffix(reason, ": ")})
}

func (e Engine) loadProgress(ctx context.Context, w domain.WorkItem) (planningProgress, bool, error) {
	var p planningProgress
	cp, err := e.Checkpoints.Active(ctx, nil, w.ID, domain.GraphPlanning)
	if errors.Is(err, repo.ErrNotFound) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	if err := cp.Decode(&p); err != nil {
		return p, false, fmt.Errorf("decode planning progress: %w", err)
	}
	e.log().Info(ctx, "planning resumed from checkpoint",
		zap.String("next_agent", cp.NextAgent),
		zap.Int("completed", len(completedOf(p))),
	)
	return p, true, nil
}

func completedOf(p planningProgress) []string {
	if p.Context == nil {
		return nil
	}
	return p.Context.Completed
}

func (e Engine) saveProgress(ctx context.Context, w domain.WorkItem, exists bool, p planningProgress, lastAgent string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	key := checkpointKey(w, domain.GraphPlanning, domain.CheckpointPlanningProgress)
	if exists {
		err = e.Checkpoints.UpdateState(ctx, tx, key, p, lastAgent)
	} else {
		_, err = e.Checkpoints.Create(ctx, tx, checkpoint.CreateRequest{Key: key, State: p, AgentName: lastAgent})
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slug(w domain.WorkItem) string {
	s := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(w.ExternalKey), "-"), "-")
	if s == "" {
		s = w.ID
	}
	return s
}

func planBranch(cfg *config.Config, w domain.WorkItem) string {
	prefix := cfg.Orchestrator.BranchPrefix
	if prefix == "" {
		prefix = "planline/"
	}
	return prefix + slug(w)
}

// publishPlan commits the rendered plan to the plan branch and links it
// from the ticket.
func (e Engine) publishPlan(ctx context.Context, w domain.WorkItem, cfg *config.Config) (ProcessResult, error) {
	plan, err := e.Repo.GetPlan(ctx, w.ID)
	if err != nil {
		return ProcessResult{WorkItem: w}, err
	}
	doc := plan.Markdown(w.Title)
	branch := planBranch(cfg, w)
	dir := cfg.Orchestrator.PlanPath
	if dir == "" {
		dir = "docs/plans"
	}
	file := path.Join(dir, slug(w)+".md")
	if e.VCS != nil {
		if err := e.pushFiles(ctx, w, branch, []vcs.FileChange{{Path: file, Content: doc}},
			fmt.Sprintf("Plan v%d for %s", plan.Version, w.ExternalKey)); err != nil {
			return e.stepFailed(ctx, w, err)
		}
	} else {
		branch, file = "", ""
	}
	body := fmt.Sprintf("Plan v%d is ready for review.", plan.Version)
	if branch != "" {
		body += fmt.Sprintf(" It is committed to `%s` at `%s`.", branch, file)
	}
	if err := e.tickets().PostComment(ctx, ticket.RefFor(w), body+"\n\n"+doc); err != nil {
		return e.stepFailed(ctx, w, fmt.Errorf("post plan: %w", err))
	}
	return e.step(ctx, w, Event{Kind: EventPlanPublished, PlanBranch: branch, PlanPath: file})
}

func (e Engine) pushFiles(ctx context.Context, w domain.WorkItem, branch string, files []vcs.FileChange, message string) error {
	if _, err := e.VCS.CloneOrFetch(ctx, w.Repository); err != nil {
		return fmt.Errorf("clone %s: %w", w.Repository.FullName(), err)
	}
	if err := e.VCS.CreateBranch(ctx, w.Repository, branch); err != nil {
		return fmt.Errorf("branch %s: %w", branch, err)
	}
	if _, err := e.VCS.Commit(ctx, w.Repository, files, message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := e.VCS.Push(ctx, w.Repository, branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// runImplementation writes the approved plan as code and opens a pull
// request. Failures move the work item to ImplementationFailed.
func (e Engine) runImplementation(ctx context.Context, w domain.WorkItem, cfg *config.Config) (ProcessResult, error) {
	fail := func(err error) (ProcessResult, error) {
		if ctx.Err() != nil {
			return ProcessResult{WorkItem: w}, err
		}
		res, aerr := e.step(ctx, w, Event{Kind: EventImplementationFailed, Error: err.Error()})
		if aerr != nil {
			return res, errors.Join(err, aerr)
		}
		res.Action = actionError
		return res, err
	}
	if e.Model == nil {
		return fail(ErrNoModel)
	}
	if e.VCS == nil {
		return fail(ErrNoVCS)
	}
	plan, err := e.Repo.GetPlan(ctx, w.ID)
	if err != nil {
		return ProcessResult{WorkItem: w}, err
	}
	pctx := pipeline.NewContext(e.brief(w))
	pctx.Artifacts = plan.Artifacts
	if _, err := e.coordinator(nil).Run(ctx, pctx, []pipeline.Agent{pipeline.NewImplementationAgent(e.Model)}); err != nil {
		return fail(err)
	}
	files := make([]vcs.FileChange, len(pctx.FileChanges))
	for i, f := range pctx.FileChanges {
		files[i] = vcs.FileChange{Path: f.Path, Content: f.Content}
	}
	branch := w.PlanBranch
	if branch == "" {
		branch = planBranch(cfg, w)
	}
	if err := e.pushFiles(ctx, w, branch, files, fmt.Sprintf("Implement %s", w.ExternalKey)); err != nil {
		return fail(err)
	}
	pr, err := e.VCS.OpenPullRequest(ctx, w.Repository, vcs.PullRequestRequest{
		Head:  branch,
		Base:  w.Repository.BaseBranch,
		Title: w.Title,
		Body:  fmt.Sprintf("Implements %s following plan v%d.", w.ExternalKey, plan.Version),
	})
	if err != nil {
		return fail(fmt.Errorf("open pull request: %w", err))
	}
	res, err := e.step(ctx, w, Event{Kind: EventImplementationSucceeded, PRURL: pr.URL, PRNumber: pr.Number, Files: pctx.FileChanges})
	if err != nil {
		return res, err
	}
	if err := e.tickets().LinkPullRequest(ctx, ticket.RefFor(w), pr.URL); err != nil {
		e.log().Warn(ctx, "ticket pull request link failed", zap.Error(err))
	}
	return res, nil
}

func (e Engine) runCodeReview(ctx context.Context, w domain.WorkItem) (ProcessResult, error) {
	if e.Model == nil {
		return e.stepFailed(ctx, w, ErrNoModel)
	}
	if e.VCS == nil {
		return e.stepFailed(ctx, w, ErrNoVCS)
	}
	plan, err := e.Repo.GetPlan(ctx, w.ID)
	if err != nil {
		return ProcessResult{WorkItem: w}, err
	}
	pctx := pipeline.NewContext(e.brief(w))
	pctx.Artifacts = plan.Artifacts
	if raw := w.Meta(metaChangedFiles); raw != "" {
		if err := json.Unmarshal([]byte(raw), &pctx.FileChanges); err != nil {
			e.log().Warn(ctx, "changed files unreadable", zap.Error(err))
		}
	}
	stats, err := e.VCS.PullRequestStats(ctx, w.Repository, w.PRNumber)
	if err != nil {
		e.log().Warn(ctx, "pull request stats unavailable", zap.Int("pr", w.PRNumber), zap.Error(err))
	} else {
		pctx.Brief.RepositoryContext = strings.TrimSpace(pctx.Brief.RepositoryContext + fmt.Sprintf(
			"\nPull request #%d: %d commits, %d files changed, +%d -%d.",
			w.PRNumber, stats.Commits, stats.ChangedFiles, stats.Additions, stats.Deletions))
	}
	if _, err := e.coordinator(nil).Run(ctx, pctx, []pipeline.Agent{pipeline.NewCodeReviewAgent(e.Model)}); err != nil {
		return e.stepFailed(ctx, w, err)
	}
	if err := e.VCS.AddPullRequestComment(ctx, w.Repository, w.PRNumber, pctx.ReviewSummary); err != nil {
		return e.stepFailed(ctx, w, fmt.Errorf("comment on pull request: %w", err))
	}
	return e.step(ctx, w, Event{Kind: EventCodeReviewCompleted, Summary: pctx.ReviewSummary})
}
