package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/migrate"
	"planline/internal/model"
	"planline/internal/pipeline"
	"planline/internal/ticket"
	"planline/internal/vcs"
	"planline/internal/worker"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func scripted() *model.Scripted {
	return model.NewScripted().
		Reply(pipeline.AgentAnalysis, "[]").
		Reply(pipeline.AgentRequirements, "## User Stories\n- As a shopper I can export my orders as CSV.").
		Reply(pipeline.AgentInterfaceDesign, "## API Design\n### GET /orders/export\nReturns text/csv.").
		Reply(pipeline.AgentSchemaDesign, "```sql\nCREATE TABLE exports (id INTEGER PRIMARY KEY);\n```").
		Reply(pipeline.AgentTestDesign, "## Test Scenarios\n- empty export returns the header").
		Reply(pipeline.AgentImplementationSteps, "# Implementation Steps\n## Step 1: add endpoint")
}

type fixture struct {
	engine engine.Engine
	log    *logging.TestLogger
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	f := &fixture{log: logging.NewTestLogger(), now: testNow}
	e := engine.New(conn).WithClock(func() time.Time { return f.now })
	e.Model = scripted()
	e.VCS = vcs.NewMemory()
	e.Tickets = &ticket.Recorder{}
	e.Log = f.log.Logger
	e.Metrics = metrics.New()
	f.engine = e

	ctx := context.Background()
	_, err = e.CreateTenant(ctx, "acme", "Acme", "", "tester")
	require.NoError(t, err)
	cfg := config.Default("acme")
	cfg.Reviews.Default = []config.ReviewerConfig{{ID: "alice", Required: true}}
	require.NoError(t, e.SetTenantConfig(ctx, "acme", cfg, "tester"))
	return f
}

func (f *fixture) intake(t *testing.T, key string) domain.WorkItem {
	t.Helper()
	w, _, err := f.engine.Intake(context.Background(), engine.IntakeRequest{
		TenantID:    "acme",
		ExternalKey: key,
		Repository:  domain.Repository{Owner: "acme", Name: "shop"},
		Title:       "Export orders",
	})
	require.NoError(t, err)
	return w
}

func TestRunOnceDrivesItemsToReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.intake(t, "#1")
	b := f.intake(t, "#2")

	w := worker.New(f.engine, worker.Config{OwnerID: "w1", Concurrency: 2})
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Claimed)
	assert.Zero(t, stats.Failed)

	for _, id := range []string{a.ID, b.ID} {
		got, err := f.engine.GetWorkItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatePlanUnderReview, got.State, id)
	}

	stats, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed, "items waiting on review are not due")

	_, err = f.engine.ClaimLease(ctx, a.ID, "w2", time.Minute)
	require.NoError(t, err, "the worker released its lease")
}

func TestRunOnceSkipsLeasedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.intake(t, "#3")
	_, err := f.engine.ClaimLease(ctx, item.ID, "someone-else", time.Hour)
	require.NoError(t, err)

	stats, err := worker.New(f.engine, worker.Config{OwnerID: "w1"}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	got, err := f.engine.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTriggered, got.State)
}

func TestRunOnceRespectsBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.Model = model.NewScripted().Fail(pipeline.AgentAnalysis, "rate limited")
	item := f.intake(t, "#4")

	w := worker.New(f.engine, worker.Config{OwnerID: "w1"})
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	f.log.AssertLogged(t, zapcore.WarnLevel, "work item step failed")

	got, err := f.engine.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnalyzing, got.State)
	assert.Equal(t, 1, got.RetryCount)

	stats, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed, "not due before the backoff elapses")

	f.now = testNow.Add(2 * time.Minute)
	stats, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
}

func TestRunOnceSweepsExpiredCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.Model = model.NewScripted().Reply(pipeline.AgentAnalysis, `["Which date range?"]`)
	item := f.intake(t, "#5")

	w := worker.New(f.engine, worker.Config{OwnerID: "w1", SweepEvery: time.Hour})
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	got, err := f.engine.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateAwaitingAnswers, got.State)

	f.now = testNow.Add(31 * 24 * time.Hour)
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	got, err = f.engine.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
}
