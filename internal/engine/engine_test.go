package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/checkpoint"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/model"
	"planline/internal/notify"
	"planline/internal/pipeline"
	"planline/internal/repo"
	"planline/internal/revision"
	"planline/internal/ticket"
	"planline/internal/vcs"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	storiesReply  = "## User Stories\n- As a shopper I can export my orders as CSV.\n  - Acceptance: the file downloads"
	apiReply      = "## API Design\n### GET /orders/export\nReturns text/csv."
	schemaReply   = "Here is the schema:\n```sql\nCREATE TABLE exports (id INTEGER PRIMARY KEY, created_at TEXT);\n```"
	testsReply    = "## Test Scenarios\n- export with no orders returns only the header"
	stepsReply    = "# Implementation Steps\n## Step 1: add exports table\n## Step 2: add endpoint"
	revisedSteps  = "# Implementation Steps\n## Step 1: add exports table\n## Step 2: validate the date range\n## Step 3: add endpoint"
	implReply     = "### File: internal/export/csv.go\n```go\npackage export\n```"
	codeReviewOut = "No blocking issues. Verdict: approve"
)

func planner() *model.Scripted {
	return model.NewScripted().
		Reply(pipeline.AgentAnalysis, "[]").
		Reply(pipeline.AgentRequirements, storiesReply).
		Reply(pipeline.AgentInterfaceDesign, apiReply).
		Reply(pipeline.AgentSchemaDesign, schemaReply).
		Reply(pipeline.AgentTestDesign, testsReply).
		Reply(pipeline.AgentImplementationSteps, stepsReply).
		Reply(pipeline.AgentImplementation, implReply).
		Reply(pipeline.AgentCodeReview, codeReviewOut)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []notify.StateChanged
}

func (p *recordingPublisher) Publish(_ context.Context, msg notify.StateChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) states(workItemID string) []domain.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.State
	for _, m := range p.msgs {
		if m.WorkItemID == workItemID {
			out = append(out, m.To)
		}
	}
	return out
}

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Model     *model.Scripted
	VCS       *vcs.Memory
	Tickets   *ticket.Recorder
	Publisher *recordingPublisher
	now       time.Time
}

func newTestEnv(t *testing.T, m *model.Scripted) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{
		Ctx:       context.Background(),
		Model:     m,
		VCS:       vcs.NewMemory(),
		Tickets:   &ticket.Recorder{},
		Publisher: &recordingPublisher{},
		now:       testNow,
	}
	eng := engine.New(conn).WithClock(func() time.Time { return env.now })
	eng.Model = m
	eng.VCS = env.VCS
	eng.Tickets = env.Tickets
	eng.Publisher = env.Publisher
	env.Engine = eng
	_, err = eng.CreateTenant(env.Ctx, "acme", "Acme", "", "tester")
	require.NoError(t, err)
	return env
}

func (env *testEnv) configure(t *testing.T, mutate func(cfg *config.Config)) {
	t.Helper()
	cfg := config.Default("acme")
	mutate(cfg)
	require.NoError(t, env.Engine.SetTenantConfig(env.Ctx, "acme", cfg, "tester"))
}

func withReviewers(reviewers ...config.ReviewerConfig) func(cfg *config.Config) {
	return func(cfg *config.Config) { cfg.Reviews.Default = reviewers }
}

func (env *testEnv) intake(t *testing.T, key string) domain.WorkItem {
	t.Helper()
	w, created, err := env.Engine.Intake(env.Ctx, engine.IntakeRequest{
		TenantID:    "acme",
		ExternalKey: key,
		Repository:  domain.Repository{Owner: "acme", Name: "shop"},
		Title:       "Export orders",
		Description: "Shoppers want a CSV export of their orders.",
		ActorID:     "tracker",
	})
	require.NoError(t, err)
	require.True(t, created)
	return w
}

// drive processes a work item until it waits on a human or finishes.
func (env *testEnv) drive(t *testing.T, id string) domain.WorkItem {
	t.Helper()
	for i := 0; i < 30; i++ {
		res, err := env.Engine.Process(env.Ctx, id)
		require.NoError(t, err)
		if res.Waiting || res.WorkItem.State.Terminal() {
			return res.WorkItem
		}
	}
	t.Fatalf("work item %s did not settle", id)
	return domain.WorkItem{}
}

func (env *testEnv) processUntil(t *testing.T, id string, state domain.State) domain.WorkItem {
	t.Helper()
	for i := 0; i < 30; i++ {
		w, err := env.Engine.GetWorkItem(env.Ctx, id)
		require.NoError(t, err)
		if w.State == state {
			return w
		}
		_, err = env.Engine.Process(env.Ctx, id)
		require.NoError(t, err)
	}
	t.Fatalf("work item %s never reached %s", id, state)
	return domain.WorkItem{}
}

func (env *testEnv) submit(t *testing.T, id, reviewer string, status domain.ReviewStatus, reason string) engine.SubmitReviewResult {
	t.Helper()
	res, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewRequest{
		WorkItemID: id,
		ReviewerID: reviewer,
		Status:     status,
		Reason:     reason,
	})
	require.NoError(t, err)
	return res
}

func TestIntakeIsIdempotentPerExternalKey(t *testing.T) {
	env := newTestEnv(t, planner())
	first := env.intake(t, "#42")
	assert.Equal(t, domain.StateTriggered, first.State)
	assert.Equal(t, "main", first.Repository.BaseBranch)

	again, created, err := env.Engine.Intake(env.Ctx, engine.IntakeRequest{
		TenantID:    "acme",
		ExternalKey: "#42",
		Repository:  domain.Repository{Owner: "acme", Name: "shop"},
		Title:       "Export orders (edited)",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Export orders", again.Title)

	_, _, err = env.Engine.Intake(env.Ctx, engine.IntakeRequest{TenantID: "acme", ExternalKey: "#43", Repository: domain.Repository{Name: "shop"}})
	assert.Error(t, err)
}

func TestNoQuestionsSkipsRefinement(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#1")

	_, err := env.Engine.Advance(env.Ctx, w.ID, engine.Event{Kind: engine.EventAnalysisNoQuestions})
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "Triggered cannot skip analysis")

	_, err = env.Engine.Advance(env.Ctx, w.ID, engine.Event{Kind: engine.EventStartAnalysis})
	require.NoError(t, err)
	_, err = env.Engine.Advance(env.Ctx, w.ID, engine.Event{Kind: engine.EventAnalysisCompleted})
	require.ErrorIs(t, err, engine.ErrBadEvent, "analysis_completed carries at least one question")

	res, err := env.Engine.Advance(env.Ctx, w.ID, engine.Event{Kind: engine.EventAnalysisNoQuestions})
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnswersReceived, res.WorkItem.State)
	assert.Equal(t, []domain.State{domain.StateAnalyzing, domain.StateAnswersReceived}, env.Publisher.states(w.ID))

	_, err = env.Engine.Checkpoints.Active(env.Ctx, nil, w.ID, domain.GraphRefinement)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestQuestionsSuspendAndResumeOnce(t *testing.T) {
	env := newTestEnv(t, model.NewScripted().Reply(pipeline.AgentAnalysis, `["Which date range?", "Who can export?"]`))
	w := env.intake(t, "#7")

	w = env.drive(t, w.ID)
	require.Equal(t, domain.StateAwaitingAnswers, w.State)
	require.Len(t, w.Questions, 2)
	comments := env.Tickets.Values("comment")
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "1. Which date range?")

	cp, err := env.Engine.Checkpoints.Active(env.Ctx, nil, w.ID, domain.GraphRefinement)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointAwaitingAnswers, cp.CheckpointID)

	payload, _ := json.Marshal(map[string]any{"answers": []domain.Answer{
		{QuestionID: "q1", Text: "Last 90 days"},
		{QuestionID: "q2", Text: "Account owners"},
	}})
	w, err = env.Engine.ResumeCheckpoint(env.Ctx, w.ID, domain.GraphRefinement, domain.CheckpointAwaitingAnswers, payload, "pm")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnswersReceived, w.State)
	assert.Empty(t, w.UnansweredQuestions())
	assert.Equal(t, "pm", w.Answers[0].AnsweredBy)

	_, err = env.Engine.ResumeCheckpoint(env.Ctx, w.ID, domain.GraphRefinement, domain.CheckpointAwaitingAnswers, payload, "pm")
	require.ErrorIs(t, err, checkpoint.ErrCheckpointNotActive)

	stored, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnswersReceived, stored.State)
	assert.Len(t, stored.Answers, 2)
}

func TestLifecycleFromTicketToCompleted(t *testing.T) {
	env := newTestEnv(t, planner())
	env.VCS.Stats = vcs.PullRequestStats{State: "open", Commits: 1, ChangedFiles: 1, Additions: 10}
	env.configure(t, withReviewers(config.ReviewerConfig{ID: "alice", Required: true}, config.ReviewerConfig{ID: "bob"}))
	w := env.intake(t, "#42")

	w = env.drive(t, w.ID)
	require.Equal(t, domain.StatePlanUnderReview, w.State)
	assert.Equal(t, "planline/42", w.PlanBranch)
	assert.Equal(t, "docs/plans/42.md", w.PlanPath)
	require.Equal(t, 1, env.VCS.CommitCount())
	assert.Contains(t, env.VCS.Commits[0].Files[0].Content, "## Implementation Steps")

	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 2)

	res := env.submit(t, w.ID, "alice", domain.ReviewApproved, "looks good")
	assert.Equal(t, domain.StatePlanApproved, res.WorkItem.State)
	assert.Equal(t, domain.ReviewApproved, res.Outcome.Decision)
	_, err = env.Engine.Checkpoints.Active(env.Ctx, nil, w.ID, domain.GraphReview)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	w = env.drive(t, w.ID)
	require.Equal(t, domain.StateCompleted, w.State)
	require.NotNil(t, w.CompletedAt)
	assert.Equal(t, 1, w.PRNumber)
	assert.Equal(t, "https://github.com/acme/shop/pull/1", w.PRURL)
	assert.Equal(t, codeReviewOut, w.Metadata["code_review"])
	assert.Equal(t, []string{codeReviewOut}, env.VCS.Comments[1])
	assert.Equal(t, []string{"https://github.com/acme/shop/pull/1"}, env.Tickets.Values("link"))
	reviewCall := env.Model.Calls()[len(env.Model.Calls())-1]
	require.Equal(t, pipeline.AgentCodeReview, reviewCall.Agent)
	assert.Contains(t, reviewCall.RepositoryContext, "1 files changed")
	assert.Contains(t, reviewCall.Prompt, "### File: internal/export/csv.go")
	assert.Contains(t, reviewCall.Prompt, "package export")

	assert.Equal(t, []domain.State{
		domain.StateAnalyzing, domain.StateAnswersReceived, domain.StatePlanning, domain.StatePlanPosted,
		domain.StatePlanUnderReview, domain.StatePlanApproved, domain.StateImplementing, domain.StatePRCreated,
		domain.StateInReview, domain.StateCompleted,
	}, env.Publisher.states(w.ID))
	statuses := env.Tickets.Values("status")
	assert.Equal(t, string(domain.StateCompleted), statuses[len(statuses)-1])
}

func TestPlanOnlyCompletion(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		env := newTestEnv(t, planner())
		env.configure(t, func(cfg *config.Config) {
			cfg.Orchestrator.PlanOnlyCompletion = true
			cfg.Reviews.Default = []config.ReviewerConfig{{ID: "alice", Required: true}}
		})
		w := env.intake(t, "#5")
		w = env.drive(t, w.ID)
		env.submit(t, w.ID, "alice", domain.ReviewApproved, "")

		w = env.drive(t, w.ID)
		assert.Equal(t, domain.StateCompleted, w.State)
		assert.Empty(t, env.VCS.PRs)
		assert.Equal(t, 0, env.Model.CallCount(pipeline.AgentImplementation))
	})
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, planner())
		env.configure(t, withReviewers(config.ReviewerConfig{ID: "alice", Required: true}))
		w := env.intake(t, "#5")
		w = env.drive(t, w.ID)
		env.submit(t, w.ID, "alice", domain.ReviewApproved, "")

		_, err := env.Engine.Advance(env.Ctx, w.ID, engine.Event{Kind: engine.EventCompletePlanOnly})
		require.ErrorIs(t, err, engine.ErrPlanOnlyDisabled)
		stored, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatePlanApproved, stored.State)
	})
}

func TestRefinementRegeneratesOnlyAffectedArtifacts(t *testing.T) {
	m := planner().
		Reply(pipeline.AgentImplementationSteps, revisedSteps).
		Reply(revision.AgentFeedbackAnalysis, `{"affected_artifacts": ["ImplementationSteps"], "rationale": "steps only", "confidence": 0.9}`)
	env := newTestEnv(t, m)
	env.configure(t, withReviewers(config.ReviewerConfig{ID: "r1", Required: true}, config.ReviewerConfig{ID: "r2", Required: true}))
	w := env.intake(t, "#9")
	w = env.drive(t, w.ID)
	require.Equal(t, domain.StatePlanUnderReview, w.State)
	before, err := env.Engine.Repo.GetPlan(env.Ctx, w.ID)
	require.NoError(t, err)

	res := env.submit(t, w.ID, "r1", domain.ReviewApproved, "")
	assert.Equal(t, domain.StatePlanUnderReview, res.WorkItem.State)
	res = env.submit(t, w.ID, "r2", domain.ReviewRejectedForRefinement, "tighten validation logic for the date range")
	require.Equal(t, domain.StatePlanRejected, res.WorkItem.State)
	assert.Equal(t, "selective", res.WorkItem.Metadata["revision_mode"])

	w = env.drive(t, w.ID)
	require.Equal(t, domain.StatePlanUnderReview, w.State)
	assert.Equal(t, 1, w.RevisionCount)

	after, err := env.Engine.Repo.GetPlan(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, after.Version)
	assert.NotEqual(t, before.Artifacts.ImplementationSteps, after.Artifacts.ImplementationSteps)
	assert.Contains(t, after.Artifacts.ImplementationSteps, "validate the date range")
	assert.Equal(t, before.Artifacts.UserStories, after.Artifacts.UserStories)
	assert.Equal(t, before.Artifacts.APIDesign, after.Artifacts.APIDesign)
	assert.Equal(t, before.Artifacts.DatabaseSchema, after.Artifacts.DatabaseSchema)
	assert.Equal(t, before.Artifacts.TestScenarios, after.Artifacts.TestScenarios)

	for _, agent := range []string{pipeline.AgentRequirements, pipeline.AgentInterfaceDesign, pipeline.AgentSchemaDesign, pipeline.AgentTestDesign} {
		assert.Equal(t, 1, m.CallCount(agent), agent)
	}
	assert.Equal(t, 2, m.CallCount(pipeline.AgentImplementationSteps))
	require.Equal(t, 1, m.CallCount(revision.AgentFeedbackAnalysis))
	for _, call := range m.Calls() {
		if call.Agent == revision.AgentFeedbackAnalysis {
			assert.Contains(t, call.Prompt, "validation logic")
		}
	}

	versions, err := env.Engine.Repo.ListPlanVersions(env.Ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, before.Artifacts, versions[0].Artifacts)

	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	for _, rv := range reviews {
		assert.Equal(t, domain.ReviewPending, rv.Status, rv.ReviewerID)
	}
	assert.Empty(t, w.Metadata["feedback"])
}

func TestRegenerationRerunsEveryAgent(t *testing.T) {
	m := planner()
	env := newTestEnv(t, m)
	env.configure(t, withReviewers(config.ReviewerConfig{ID: "r1", Required: true}))
	w := env.intake(t, "#10")
	w = env.drive(t, w.ID)
	res := env.submit(t, w.ID, "r1", domain.ReviewRejectedForRegeneration, "wrong approach entirely")
	assert.Equal(t, "full", res.WorkItem.Metadata["revision_mode"])

	w = env.drive(t, w.ID)
	require.Equal(t, domain.StatePlanUnderReview, w.State)
	assert.Equal(t, 0, m.CallCount(revision.AgentFeedbackAnalysis))
	for _, agent := range []string{pipeline.AgentRequirements, pipeline.AgentInterfaceDesign, pipeline.AgentSchemaDesign, pipeline.AgentTestDesign, pipeline.AgentImplementationSteps} {
		assert.Equal(t, 2, m.CallCount(agent), agent)
	}
	var prompts int
	for _, c := range m.Calls() {
		if c.Agent == pipeline.AgentRequirements && strings.Contains(c.Prompt, "wrong approach entirely") {
			prompts++
			assert.Contains(t, c.Prompt, "from scratch")
			assert.NotContains(t, c.Prompt, "Current Requirements")
		}
	}
	assert.Equal(t, 1, prompts, "only the regeneration prompt carries the reviewer feedback")
}

func TestRevisionLimitFailsWorkItem(t *testing.T) {
	env := newTestEnv(t, planner())
	env.configure(t, func(cfg *config.Config) {
		cfg.Orchestrator.MaxRevisionIterations = 1
		cfg.Reviews.Default = []config.ReviewerConfig{{ID: "r1", Required: true}}
	})
	w := env.intake(t, "#11")
	w = env.drive(t, w.ID)
	env.submit(t, w.ID, "r1", domain.ReviewRejectedForRegeneration, "no")
	w = env.drive(t, w.ID)
	require.Equal(t, domain.StatePlanUnderReview, w.State)
	require.Equal(t, 1, w.RevisionCount)

	env.submit(t, w.ID, "r1", domain.ReviewRejectedForRegeneration, "still no")
	w = env.drive(t, w.ID)
	assert.Equal(t, domain.StateFailed, w.State)
	assert.Equal(t, 1, w.RevisionCount)
}

func TestStaleCheckpointSweepCancelsWorkItem(t *testing.T) {
	env := newTestEnv(t, model.NewScripted().Reply(pipeline.AgentAnalysis, `["Which date range?"]`))
	w := env.intake(t, "#12")
	w = env.drive(t, w.ID)
	require.Equal(t, domain.StateAwaitingAnswers, w.State)

	env.now = testNow.Add(29 * 24 * time.Hour)
	res, err := env.Engine.SweepExpiredCheckpoints(env.Ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	env.now = testNow.Add(31 * 24 * time.Hour)
	res, err = env.Engine.SweepExpiredCheckpoints(env.Ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, []string{w.ID}, res.Cancelled)

	cp, err := env.Engine.Checkpoints.Get(env.Ctx, nil, domain.CheckpointKey{
		TenantID: "acme", WorkItemID: w.ID, GraphID: domain.GraphRefinement, CheckpointID: domain.CheckpointAwaitingAnswers,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointExpired, cp.Status)

	stored, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, stored.State)
	assert.Contains(t, env.Tickets.Values("status"), string(domain.StateCancelled))
}

func TestInterruptedPlanningResumesFromCheckpoint(t *testing.T) {
	m := model.NewScripted().
		Reply(pipeline.AgentAnalysis, "[]").
		Reply(pipeline.AgentRequirements, storiesReply).
		Fail(pipeline.AgentInterfaceDesign, "upstream timeout").
		Reply(pipeline.AgentInterfaceDesign, apiReply).
		Reply(pipeline.AgentSchemaDesign, schemaReply).
		Reply(pipeline.AgentTestDesign, testsReply).
		Reply(pipeline.AgentImplementationSteps, stepsReply)
	env := newTestEnv(t, m)
	w := env.intake(t, "#13")
	w = env.processUntil(t, w.ID, domain.StatePlanning)

	res, err := env.Engine.Process(env.Ctx, w.ID)
	require.ErrorIs(t, err, pipeline.ErrModelFailure)
	assert.Equal(t, domain.StatePlanning, res.WorkItem.State)
	assert.Equal(t, 1, res.WorkItem.RetryCount)
	require.NotNil(t, res.WorkItem.NextAttemptAt)
	assert.Equal(t, testNow.Add(time.Minute), *res.WorkItem.NextAttemptAt)
	_, err = env.Engine.Repo.GetPlan(env.Ctx, w.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound, "a failed round writes no plan")

	cp, err := env.Engine.Checkpoints.Active(env.Ctx, nil, w.ID, domain.GraphPlanning)
	require.NoError(t, err)
	assert.Equal(t, pipeline.AgentRequirements, cp.AgentName)

	w, err = env.Engine.ResumeCheckpoint(env.Ctx, w.ID, domain.GraphPlanning, domain.CheckpointPlanningProgress, nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlanPosted, w.State)
	assert.Empty(t, w.LastError)
	assert.Equal(t, 1, m.CallCount(pipeline.AgentRequirements))
	assert.Equal(t, 2, m.CallCount(pipeline.AgentInterfaceDesign))

	_, err = env.Engine.Checkpoints.Active(env.Ctx, nil, w.ID, domain.GraphPlanning)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMissingArtifactHaltsPlanning(t *testing.T) {
	m := model.NewScripted().
		Reply(pipeline.AgentAnalysis, "[]").
		Reply(pipeline.AgentRequirements, "")
	env := newTestEnv(t, m)
	env.configure(t, func(cfg *config.Config) { cfg.Orchestrator.MaxRetries = 0 })
	w := env.intake(t, "#14")
	w = env.processUntil(t, w.ID, domain.StatePlanning)

	res, err := env.Engine.Process(env.Ctx, w.ID)
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, res.WorkItem.State)
	assert.NotEmpty(t, res.WorkItem.LastError)
	assert.Equal(t, 0, m.CallCount(pipeline.AgentInterfaceDesign))
	_, err = env.Engine.Repo.GetPlan(env.Ctx, w.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDuplicateEventIsIgnored(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#15")

	res, err := env.Engine.Advance(env.Ctx, w.ID, engine.Event{ID: "evt-1", Kind: engine.EventStartAnalysis})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.StateAnalyzing, res.WorkItem.State)

	res, err = env.Engine.Advance(env.Ctx, w.ID, engine.Event{ID: "evt-1", Kind: engine.EventStartAnalysis})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, domain.StateAnalyzing, res.WorkItem.State)
	assert.Len(t, env.Publisher.states(w.ID), 1)
}

func TestInvalidTransitionLeavesWorkItemUntouched(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#16")

	_, err := env.Engine.Advance(env.Ctx, w.ID, engine.Event{Kind: engine.EventStartImplementation})
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StateTriggered, invalid.From)

	stored, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTriggered, stored.State)
	assert.Empty(t, env.Publisher.states(w.ID))
}

func TestImplementationRetriesThenFails(t *testing.T) {
	env := newTestEnv(t, planner())
	env.configure(t, func(cfg *config.Config) {
		cfg.Orchestrator.MaxRetries = 1
		cfg.Reviews.Default = []config.ReviewerConfig{{ID: "alice", Required: true}}
	})
	w := env.intake(t, "#17")
	w = env.drive(t, w.ID)
	env.submit(t, w.ID, "alice", domain.ReviewApproved, "")
	w = env.processUntil(t, w.ID, domain.StateImplementing)

	env.VCS.FailNext("Push", errors.New("remote rejected"))
	res, err := env.Engine.Process(env.Ctx, w.ID)
	require.Error(t, err)
	assert.Equal(t, domain.StateImplementationFailed, res.WorkItem.State)
	assert.Equal(t, 1, res.WorkItem.RetryCount)
	assert.Contains(t, res.WorkItem.LastError, "remote rejected")

	res, err = env.Engine.Process(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateImplementing, res.WorkItem.State)

	env.VCS.FailNext("Push", errors.New("remote rejected"))
	res, err = env.Engine.Process(env.Ctx, w.ID)
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, res.WorkItem.State)
	assert.Equal(t, 2, res.WorkItem.RetryCount)
	assert.Empty(t, env.VCS.PRs)
}

func TestReviewRules(t *testing.T) {
	env := newTestEnv(t, planner())
	env.configure(t, withReviewers(
		config.ReviewerConfig{ID: "alice", Required: true, Checklist: "default"},
		config.ReviewerConfig{ID: "bob", Required: true},
	))
	w := env.intake(t, "#18")

	_, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewRequest{WorkItemID: w.ID, ReviewerID: "alice", Status: domain.ReviewApproved})
	require.ErrorIs(t, err, engine.ErrNotUnderReview)

	w = env.drive(t, w.ID)
	require.Equal(t, domain.StatePlanUnderReview, w.State)

	_, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewRequest{WorkItemID: w.ID, ReviewerID: "alice", Status: domain.ReviewApproved})
	require.ErrorIs(t, err, domain.ErrChecklistIncomplete)
	_, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewRequest{WorkItemID: w.ID, ReviewerID: "bob", Status: domain.ReviewRejectedForRefinement})
	require.ErrorIs(t, err, domain.ErrReasonRequired)
	_, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewRequest{WorkItemID: w.ID, ReviewerID: "carol", Status: domain.ReviewApproved})
	require.ErrorIs(t, err, repo.ErrNotFound)

	for _, item := range []string{"requirements-covered", "schema-safe"} {
		_, err := env.Engine.CheckChecklistItem(env.Ctx, w.ID, "alice", item, true, "")
		require.NoError(t, err)
	}
	res := env.submit(t, w.ID, "alice", domain.ReviewApproved, "")
	assert.Equal(t, domain.ReviewPending, res.Outcome.Decision)
	assert.Equal(t, []string{"bob"}, res.Outcome.Blocking)

	_, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewRequest{WorkItemID: w.ID, ReviewerID: "alice", Status: domain.ReviewApproved})
	require.ErrorIs(t, err, domain.ErrReviewNotPending)
	_, err = env.Engine.CheckChecklistItem(env.Ctx, w.ID, "alice", "tests-listed", true, "")
	require.ErrorIs(t, err, domain.ErrReviewNotPending)

	_, err = env.Engine.ResumeCheckpoint(env.Ctx, w.ID, domain.GraphReview, domain.CheckpointAwaitingReview, nil, "")
	require.ErrorIs(t, err, engine.ErrReviewPending)
	_, err = env.Engine.Checkpoints.Active(env.Ctx, nil, w.ID, domain.GraphReview)
	require.NoError(t, err, "a pending outcome leaves the checkpoint active")

	res, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewRequest{
		WorkItemID: w.ID, ReviewerID: "bob", Status: domain.ReviewApproved, EventID: "review-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlanApproved, res.WorkItem.State)

	res, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewRequest{
		WorkItemID: w.ID, ReviewerID: "bob", Status: domain.ReviewApproved, EventID: "review-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestAssignReviewersUsesTemplates(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#19")

	_, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignReviewersRequest{WorkItemID: w.ID})
	require.Error(t, err, "no defaults configured")

	reviews, err := env.Engine.AssignReviewers(env.Ctx, engine.AssignReviewersRequest{
		WorkItemID: w.ID,
		Reviewers:  []config.ReviewerConfig{{ID: "alice", Required: true, Checklist: "default"}, {ID: "bob"}},
	})
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	var alice domain.PlanReview
	for _, rv := range reviews {
		if rv.ReviewerID == "alice" {
			alice = rv
		}
	}
	require.NotNil(t, alice.Checklist)
	assert.Len(t, alice.Checklist.Items, 3)
	assert.False(t, alice.Checklist.AllRequiredItemsChecked())

	reviews, err = env.Engine.AssignReviewers(env.Ctx, engine.AssignReviewersRequest{
		WorkItemID: w.ID,
		Reviewers:  []config.ReviewerConfig{{ID: "alice"}, {ID: "carol"}},
	})
	require.NoError(t, err)
	assert.Len(t, reviews, 3)

	_, err = env.Engine.AssignReviewers(env.Ctx, engine.AssignReviewersRequest{
		WorkItemID: w.ID,
		Reviewers:  []config.ReviewerConfig{{ID: "dave", Checklist: "missing"}},
	})
	assert.Error(t, err)
}

func TestAddCommentParsesMentionsAndAnchor(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#20")

	c, err := env.Engine.AddComment(env.Ctx, engine.AddCommentRequest{
		WorkItemID: w.ID,
		AuthorID:   "alice",
		Body:       "@bob can you check step 2? cc @carol @bob",
		Anchor:     &domain.InlineCommentAnchor{Artifact: domain.ArtifactImplementationSteps, StartLine: 2, EndLine: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, c.Mentions)

	_, err = env.Engine.AddComment(env.Ctx, engine.AddCommentRequest{
		WorkItemID: w.ID, AuthorID: "alice", Body: "x",
		Anchor: &domain.InlineCommentAnchor{StartLine: 4, EndLine: 1},
	})
	assert.Error(t, err)

	comments, err := env.Engine.Repo.ListComments(env.Ctx, w.ID, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, 2, comments[0].Anchor.StartLine)
}

func TestLeaseClaimRelease(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#21")

	_, err := env.Engine.ClaimLease(env.Ctx, w.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	_, err = env.Engine.ClaimLease(env.Ctx, w.ID, "worker-2", time.Minute)
	require.ErrorIs(t, err, engine.ErrLeaseHeld)
	_, err = env.Engine.ClaimLease(env.Ctx, w.ID, "worker-1", time.Minute)
	require.NoError(t, err, "owner may extend")

	env.now = testNow.Add(2 * time.Minute)
	_, err = env.Engine.ClaimLease(env.Ctx, w.ID, "worker-2", time.Minute)
	require.NoError(t, err, "expired lease is taken over")

	require.NoError(t, env.Engine.ReleaseLease(env.Ctx, w.ID, "worker-2"))
	_, err = env.Engine.ClaimLease(env.Ctx, w.ID, "worker-3", time.Minute)
	require.NoError(t, err)
}

func TestProcessRespectsForeignLease(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#24")
	res, err := env.Engine.Process(env.Ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateAnalyzing, res.WorkItem.State)

	_, err = env.Engine.ClaimLease(env.Ctx, w.ID, "worker-a", time.Minute)
	require.NoError(t, err, "Process released its own lease")

	_, err = env.Engine.Process(env.Ctx, w.ID)
	require.ErrorIs(t, err, engine.ErrLeaseHeld)
	_, err = env.Engine.Process(engine.WithLeaseOwner(env.Ctx, "worker-b"), w.ID)
	require.ErrorIs(t, err, engine.ErrLeaseHeld)
	assert.Zero(t, env.Model.CallCount(pipeline.AgentAnalysis))
	got, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnalyzing, got.State)

	res, err = env.Engine.Process(engine.WithLeaseOwner(env.Ctx, "worker-a"), w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnswersReceived, res.WorkItem.State)
	assert.Equal(t, 1, env.Model.CallCount(pipeline.AgentAnalysis))

	env.now = testNow.Add(2 * time.Minute)
	res, err = env.Engine.Process(env.Ctx, w.ID)
	require.NoError(t, err, "an expired lease does not block")
	assert.Equal(t, domain.StatePlanning, res.WorkItem.State)
}

func TestPlanGeneratedEventIsValidated(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#25")
	env.processUntil(t, w.ID, domain.StatePlanning)

	_, err := env.Engine.Advance(env.Ctx, w.ID, engine.Event{
		Kind: engine.EventPlanGenerated,
		Artifacts: map[domain.ArtifactKind]string{
			domain.ArtifactDatabaseSchema:      "DROP DATABASE prod;",
			domain.ArtifactImplementationSteps: "just do it",
		},
	})
	require.ErrorIs(t, err, engine.ErrBadEvent)
	require.ErrorIs(t, err, pipeline.ErrValidation)
	got, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlanning, got.State)
	_, err = env.Engine.Repo.GetPlan(env.Ctx, w.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	res, err := env.Engine.Advance(env.Ctx, w.ID, engine.Event{
		Kind: engine.EventPlanGenerated,
		Artifacts: map[domain.ArtifactKind]string{
			domain.ArtifactDatabaseSchema:      "CREATE TABLE exports (id INTEGER PRIMARY KEY);",
			domain.ArtifactImplementationSteps: "## Step 1: add exports table",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlanPosted, res.WorkItem.State)
}

func TestCancelClosesActiveCheckpoints(t *testing.T) {
	env := newTestEnv(t, model.NewScripted().Reply(pipeline.AgentAnalysis, `["Which date range?"]`))
	w := env.intake(t, "#22")
	w = env.drive(t, w.ID)
	require.Equal(t, domain.StateAwaitingAnswers, w.State)

	res, err := env.Engine.Advance(env.Ctx, w.ID, engine.Event{Kind: engine.EventCancel, Reason: "duplicate ticket", ActorID: "pm"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, res.WorkItem.State)

	cp, err := env.Engine.Checkpoints.Get(env.Ctx, nil, domain.CheckpointKey{
		TenantID: "acme", WorkItemID: w.ID, GraphID: domain.GraphRefinement, CheckpointID: domain.CheckpointAwaitingAnswers,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointDeleted, cp.Status)

	_, err = env.Engine.Advance(env.Ctx, w.ID, engine.Event{Kind: engine.EventStartAnalysis})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRecordErrorBacksOffExponentially(t *testing.T) {
	env := newTestEnv(t, planner())
	w := env.intake(t, "#23")

	w, err := env.Engine.RecordError(env.Ctx, w.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Minute), *w.NextAttemptAt)
	w, err = env.Engine.RecordError(env.Ctx, w.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(2*time.Minute), *w.NextAttemptAt)
	assert.Equal(t, domain.StateTriggered, w.State)

	for i := 0; i < 2; i++ {
		w, err = env.Engine.RecordError(env.Ctx, w.ID, errors.New("boom"))
		require.NoError(t, err)
	}
	assert.Equal(t, 4, w.RetryCount)
	assert.Equal(t, domain.StateFailed, w.State)
	assert.Nil(t, w.NextAttemptAt)
}
