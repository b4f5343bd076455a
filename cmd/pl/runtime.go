package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/gh"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/migrate"
	"planline/internal/model"
	"planline/internal/notify"
	"planline/internal/ticket"
	"planline/internal/vcs"
)

// runtime is an opened workspace with an engine wired to the configured
// adapters.
type runtime struct {
	Engine   engine.Engine
	TenantID string
	Config   *config.Config

	conn *sql.DB
	nc   *nats.Conn
	log  *logging.Logger
}

func (r *runtime) Close() {
	if r.nc != nil {
		r.nc.Drain()
	}
	if r.log != nil {
		_ = r.log.Sync()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

func newLogger() (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	})
}

// openRuntime opens the workspace database. With adapters set it also wires
// the model provider, GitHub, git clones and the NATS publisher.
func openRuntime(ctx context.Context, adapters bool) (*runtime, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &runtime{conn: conn, log: log}
	if err := migrate.Migrate(conn); err != nil {
		rt.Close()
		return nil, err
	}

	e := engine.New(conn)
	e.Log = log
	e.Metrics = metrics.New()
	e.Checkpoints.Log = log.Named("checkpoints")
	e.Checkpoints.Metrics = e.Metrics
	if adapters {
		if err := rt.wireAdapters(ctx, &e, workspace); err != nil {
			rt.Close()
			return nil, err
		}
	}
	rt.Engine = e
	return rt, nil
}

func (rt *runtime) wireAdapters(ctx context.Context, e *engine.Engine, workspace string) error {
	provider, err := model.ParseProviderKind(viper.GetString("model-provider"))
	if err != nil {
		return err
	}
	inv, err := model.New(model.Settings{
		Provider:   provider,
		Model:      viper.GetString("model"),
		APIKey:     viper.GetString("model-api-key"),
		BaseURL:    viper.GetString("model-base-url"),
		MaxTokens:  viper.GetInt("model-max-tokens"),
		ScriptPath: viper.GetString("model-script"),
	})
	if err != nil {
		return err
	}
	var limiter *rate.Limiter
	if rps := viper.GetFloat64("model-rps"); rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	e.Model = model.WithRetry(inv, model.RetryConfig{}, limiter, rt.log.Named("model"))

	if token := viper.GetString("github-token"); token != "" {
		client, err := gh.NewClient(ctx, token, viper.GetString("github-url"))
		if err != nil {
			return err
		}
		root := viper.GetString("clone-root")
		if root == "" {
			root = filepath.Join(workspace, ".planline", "repos")
		}
		local, err := vcs.NewGitWorkspace(root, token, viper.GetInt("clone-cache"), viper.GetDuration("clone-ttl"), rt.log.Named("git"))
		if err != nil {
			return err
		}
		e.VCS = vcs.Git{Local: local, Remote: vcs.NewGitHub(client, rt.log.Named("github"))}
		e.Tickets = ticket.NewGitHubIssues(client, rt.log.Named("tickets"))
	}

	if url := viper.GetString("nats-url"); url != "" {
		nc, err := nats.Connect(url,
			nats.Name("planline"),
			nats.Timeout(5*time.Second),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		rt.nc = nc
		e.Publisher = notify.NewNATS(nc)
		rt.log.Info(ctx, "publishing state changes", zap.String("nats_url", url))
	}
	return nil
}

// withRuntime runs fn with the engine and the resolved tenant.
func withRuntime(ctx context.Context, adapters bool, fn func(context.Context, *runtime) error) error {
	rt, err := openRuntime(ctx, adapters)
	if err != nil {
		return err
	}
	defer rt.Close()
	tenantID, cfg, err := app.ResolveTenantAndConfig(ctx, rt.Engine, viper.GetString("tenant"), actorID())
	if err != nil {
		return err
	}
	rt.TenantID, rt.Config = tenantID, cfg
	return fn(logging.WithTenant(ctx, tenantID), rt)
}

// withEngine runs fn without resolving a tenant.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}
