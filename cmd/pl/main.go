package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/model"
	"planline/internal/repo"
	"planline/internal/server"
	"planline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "planline CLI",
	Long: `planline turns tickets into reviewed implementation plans and pull requests.
Core concepts:
- Workspace: the .planline directory holding the database; tenant policies live in the DB and are imported explicitly.
- Tenant: an isolated customer with its own policy, work items and event log.
- Work item: one ticket moving Triggered -> Analyzing -> ... -> PlanUnderReview -> PlanApproved -> Implementing -> PRCreated -> InReview -> Completed (Cancelled and Failed are exits).
- Checkpoints: durable suspend points (awaiting answers, planning progress, awaiting review) resumed exactly once.
- Plan: five artifacts (requirements, interface, schema, tests, implementation steps) versioned on every revision.
- Reviews: required and optional reviewers; any required rejection sends the plan back.
- Worker: claims due work items with a lease and advances them.
- Event log: every change, view with 'pl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("tenant", "", "tenant id (defaults to the only tenant)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console or json)")

	pf.String("model-provider", string(model.ProviderScripted), "model provider ("+strings.Join(model.Providers(), ", ")+")")
	pf.String("model", "", "model name")
	pf.String("model-api-key", "", "model provider API key")
	pf.String("model-base-url", "", "model provider base URL")
	pf.Int("model-max-tokens", 0, "completion token limit")
	pf.String("model-script", "", "YAML file of canned replies for the scripted provider")
	pf.Float64("model-rps", 0, "model calls per second (0 is unlimited)")
	pf.String("github-token", "", "GitHub token for pull requests, issues and clones")
	pf.String("github-url", "", "GitHub API base URL")
	pf.String("clone-root", "", "directory for repository clones")
	pf.Int("clone-cache", 0, "number of clones kept")
	pf.Duration("clone-ttl", 0, "how long a clone is reused before fetching")
	pf.String("nats-url", "", "NATS server for state change notifications")

	for _, name := range []string{
		"workspace", "json", "actor-id", "tenant", "log-level", "log-format",
		"model-provider", "model", "model-api-key", "model-base-url", "model-max-tokens", "model-script", "model-rps",
		"github-token", "github-url", "clone-root", "clone-cache", "clone-ttl", "nats-url",
	} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantListCmd())
	t.AddCommand(tenantCreateCmd())
	t.AddCommand(tenantShowCmd())
	t.AddCommand(tenantConfigCmd())
	t.AddCommand(tenantAPIKeyCmd())
	t.AddCommand(tenantTokenCmd())
	return t
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func tenantCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTenant(ctx, id, name, desc, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show tenant status",
		Long:  "Show the tenant and how many work items sit in each state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				t, err := rt.Engine.Repo.GetTenant(ctx, rt.TenantID)
				if err != nil {
					return err
				}
				counts, err := rt.Engine.Repo.CountWorkItemsByState(ctx, rt.TenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"tenant": t, "work_item_counts": counts})
				}
				fmt.Printf("Tenant: %s (%s)\n", t.ID, t.Status)
				fmt.Println("Work items:")
				for _, s := range domain.AllStates {
					if c := counts[string(s)]; c > 0 {
						fmt.Printf("  %s: %d\n", s, c)
					}
				}
				return nil
			})
		},
	}
}

func tenantConfigCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage tenant policy"}
	c.AddCommand(tenantConfigShowCmd())
	c.AddCommand(tenantConfigImportCmd())
	c.AddCommand(tenantConfigValidateCmd())
	return c
}

func tenantConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show tenant policy stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				return printJSONOrTable(rt.Config)
			})
		},
	}
}

func tenantConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant policy from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				if cfg.Tenant.ID == "" {
					cfg.Tenant.ID = rt.TenantID
				}
				if cfg.Tenant.ID != rt.TenantID {
					return fmt.Errorf("config is for tenant %q, not %q", cfg.Tenant.ID, rt.TenantID)
				}
				if err := rt.Engine.SetTenantConfig(ctx, rt.TenantID, cfg, actorID()); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", config.Path(""), "path to YAML config")
	return cmd
}

func tenantConfigValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a YAML policy without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "tenant": cfg.Tenant.ID})
			}
			fmt.Println("config valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", config.Path(""), "path to YAML config")
	return cmd
}

func tenantAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				key, plain, err := rt.Engine.CreateAPIKey(ctx, rt.TenantID, actorID(), name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "tenant_id": key.TenantID, "key": plain})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func tenantTokenCmd() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for --actor-id with PLANLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := viper.GetString("tenant")
			var roles []string
			if admin {
				roles = append(roles, "admin")
			}
			token, err := server.IssueToken(viper.GetString("jwt-secret"), actorID(), tenantID, roles...)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant access to every tenant")
	return cmd
}

func itemCmd() *cobra.Command {
	c := &cobra.Command{Use: "item", Short: "Manage work items"}
	c.AddCommand(itemIntakeCmd())
	c.AddCommand(itemListCmd())
	c.AddCommand(itemShowCmd())
	c.AddCommand(itemPlanCmd())
	c.AddCommand(itemAdvanceCmd())
	c.AddCommand(itemCancelCmd())
	c.AddCommand(itemProcessCmd())
	return c
}

func itemIntakeCmd() *cobra.Command {
	var req engine.IntakeRequest
	var repoName, contextFile string
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Create a work item from a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, name, ok := strings.Cut(repoName, "/")
			if !ok {
				return fmt.Errorf("--repo must be owner/name")
			}
			req.Repository.Owner, req.Repository.Name = owner, name
			if contextFile != "" {
				data, err := os.ReadFile(contextFile)
				if err != nil {
					return err
				}
				req.RepositoryContext = string(data)
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				req.TenantID = rt.TenantID
				req.ActorID = actorID()
				w, created, err := rt.Engine.Intake(ctx, req)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && !created {
					fmt.Fprintln(os.Stderr, "ticket already tracked")
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&req.ExternalKey, "key", "", "ticket key, e.g. #42")
	cmd.Flags().StringVar(&repoName, "repo", "", "repository owner/name")
	cmd.Flags().StringVar(&req.Repository.BaseBranch, "base", "", "base branch")
	cmd.Flags().StringVar(&req.Repository.CloneURL, "clone-url", "", "clone URL override")
	cmd.Flags().StringVar(&req.Title, "title", "", "ticket title")
	cmd.Flags().StringVar(&req.Description, "description", "", "ticket description")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "file with repository context for the agents")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var states []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				f := repo.WorkItemFilters{TenantID: rt.TenantID, Limit: limit}
				for _, s := range states {
					st, err := domain.ParseState(s)
					if err != nil {
						return err
					}
					f.States = append(f.States, st)
				}
				items, err := rt.Engine.Repo.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Key", "Repository", "State", "Title", "Retries", "Revisions"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.ExternalKey, w.Repository.FullName(), w.State, w.Title, w.RetryCount, w.RevisionCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&states, "state", nil, "state filter (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				w, err := rt.Engine.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func itemPlanCmd() *cobra.Command {
	var versions bool
	cmd := &cobra.Command{
		Use:   "plan <id>",
		Short: "Print the current plan as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				if versions {
					items, err := rt.Engine.Repo.ListPlanVersions(ctx, args[0])
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(items)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Version", "Author", "Reason", "Artifacts", "Created"})
					for _, v := range items {
						tw.AppendRow(table.Row{v.Version, v.Author, v.Reason, len(v.Artifacts.Present()), v.CreatedAt.Format(time.RFC3339)})
					}
					tw.Render()
					return nil
				}
				w, err := rt.Engine.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				p, err := rt.Engine.Repo.GetPlan(ctx, w.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Print(p.Markdown(w.Title))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&versions, "versions", false, "list superseded versions instead")
	return cmd
}

func itemAdvanceCmd() *cobra.Command {
	var ev engine.Event
	var kind string
	var questions, answers, artifacts []string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Apply a lifecycle event",
		Long:  "Apply a lifecycle event. Kinds: " + strings.Join(eventKindNames(), ", "),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := engine.ParseEventKind(kind)
			if err != nil {
				return err
			}
			ev.Kind = k
			ev.ActorID = actorID()
			for _, q := range questions {
				ev.Questions = append(ev.Questions, domain.Question{Text: q})
			}
			if ev.Answers, err = parseAnswers(answers); err != nil {
				return err
			}
			if ev.Artifacts, err = parseArtifacts(artifacts); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				res, err := rt.Engine.Advance(ctx, args[0], ev)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "event kind")
	cmd.Flags().StringVar(&ev.ID, "event-id", "", "idempotency key")
	cmd.Flags().StringVar(&ev.Reason, "reason", "", "reason recorded with the transition")
	cmd.Flags().StringArrayVar(&questions, "question", nil, "clarifying question (repeatable)")
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "answer as question_id=text (repeatable)")
	cmd.Flags().StringArrayVar(&artifacts, "artifact", nil, "artifact as kind=path (repeatable)")
	cmd.Flags().StringVar(&ev.PRURL, "pr-url", "", "pull request URL")
	cmd.Flags().IntVar(&ev.PRNumber, "pr-number", 0, "pull request number")
	cmd.Flags().StringVar(&ev.Summary, "summary", "", "code review summary")
	cmd.Flags().StringVar(&ev.Error, "error", "", "failure message")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func itemCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				res, err := rt.Engine.Advance(ctx, args[0], engine.Event{Kind: engine.EventCancel, Reason: reason, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.WorkItem)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func itemProcessCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "process <id>",
		Short: "Run the actions of a work item until it waits on a human",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *runtime) error {
				var res engine.ProcessResult
				for i := 0; i < steps; i++ {
					var err error
					res, err = rt.Engine.Process(ctx, args[0])
					if err != nil {
						return err
					}
					if !viper.GetBool("json") && res.Action != "" {
						fmt.Fprintf(os.Stderr, "%s -> %s\n", res.Action, res.WorkItem.State)
					}
					if res.Waiting || res.Action == "" || res.WorkItem.State.Terminal() {
						break
					}
				}
				return printJSONOrTable(res.WorkItem)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 25, "maximum actions to run")
	return cmd
}

func reviewCmd() *cobra.Command {
	c := &cobra.Command{Use: "review", Short: "Review plans"}
	c.AddCommand(reviewAssignCmd())
	c.AddCommand(reviewListCmd())
	c.AddCommand(reviewSubmitCmd())
	c.AddCommand(reviewCheckCmd())
	return c
}

func reviewAssignCmd() *cobra.Command {
	var specs []string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign reviewers; without --reviewer the tenant defaults are used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := parseReviewers(specs)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				reviews, err := rt.Engine.AssignReviewers(ctx, engine.AssignReviewersRequest{WorkItemID: args[0], Reviewers: list, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printReviews(reviews)
			})
		},
	}
	cmd.Flags().StringArrayVar(&specs, "reviewer", nil, "reviewer as id[:required][:checklist] (repeatable)")
	return cmd
}

func reviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List reviews and the aggregated outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				outcome, reviews, err := rt.Engine.ReviewOutcome(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"outcome": outcome, "reviews": reviews})
				}
				fmt.Printf("Outcome: %s (%d/%d required approved)\n", outcome.Decision, outcome.ApprovedRequired, outcome.Required)
				return printReviews(reviews)
			})
		},
	}
}

func reviewSubmitCmd() *cobra.Command {
	var req engine.SubmitReviewRequest
	var status string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a review verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseReviewStatus(status)
			if err != nil {
				return err
			}
			req.WorkItemID = args[0]
			req.Status = st
			req.ActorID = actorID()
			if req.ReviewerID == "" {
				req.ReviewerID = req.ActorID
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				res, err := rt.Engine.SubmitReview(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&req.ReviewerID, "reviewer", "", "reviewer id (defaults to --actor-id)")
	cmd.Flags().StringVar(&status, "status", "", "Approved, RejectedForRefinement or RejectedForRegeneration")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "decision or rejection reason")
	cmd.Flags().StringVar(&req.EventID, "event-id", "", "idempotency key")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func reviewCheckCmd() *cobra.Command {
	var reviewer string
	var uncheck bool
	cmd := &cobra.Command{
		Use:   "check <id> <item>",
		Short: "Check a checklist item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewer == "" {
				reviewer = actorID()
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				rv, err := rt.Engine.CheckChecklistItem(ctx, args[0], reviewer, args[1], !uncheck, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id (defaults to --actor-id)")
	cmd.Flags().BoolVar(&uncheck, "uncheck", false, "clear the item instead")
	return cmd
}

func commentCmd() *cobra.Command {
	c := &cobra.Command{Use: "comment", Short: "Discuss plans"}
	c.AddCommand(commentAddCmd())
	c.AddCommand(commentListCmd())
	return c
}

func commentAddCmd() *cobra.Command {
	var body, artifact string
	var line int
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Comment on a plan, optionally anchored to an artifact line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.AddCommentRequest{WorkItemID: args[0], AuthorID: actorID(), Body: body}
			if artifact != "" {
				k, ok := domain.ParseArtifactKind(artifact)
				if !ok {
					return fmt.Errorf("unknown artifact %q", artifact)
				}
				req.Anchor = &domain.InlineCommentAnchor{Artifact: k, StartLine: line, EndLine: line}
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				c, err := rt.Engine.AddComment(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "comment text; @name mentions a user")
	cmd.Flags().StringVar(&artifact, "artifact", "", "artifact the comment is anchored to")
	cmd.Flags().IntVar(&line, "line", 1, "line in the artifact")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func commentListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <id>",
		Short: "List comments on a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				items, err := rt.Engine.Repo.ListComments(ctx, args[0], limit, time.Time{})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Author", "Anchor", "Body", "Created"})
				for _, c := range items {
					anchor := ""
					if c.Anchor != nil {
						anchor = fmt.Sprintf("%s:%d-%d", c.Anchor.Artifact, c.Anchor.StartLine, c.Anchor.EndLine)
					}
					tw.AppendRow(table.Row{c.AuthorID, anchor, c.Body, c.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func checkpointCmd() *cobra.Command {
	c := &cobra.Command{Use: "checkpoint", Short: "Inspect and resume checkpoints"}
	c.AddCommand(checkpointListCmd())
	c.AddCommand(checkpointResumeCmd())
	return c
}

func checkpointListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list [id]",
		Short: "List checkpoints of the tenant or one work item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				f := repo.CheckpointFilters{TenantID: rt.TenantID, Status: domain.CheckpointStatus(status)}
				if len(args) == 1 {
					f.WorkItemID = args[0]
				}
				items, err := rt.Engine.Repo.ListCheckpoints(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work item", "Graph", "Checkpoint", "Status", "Next agent", "Updated"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.WorkItemID, c.GraphID, c.CheckpointID, c.Status, c.NextAgent, c.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Active, Resumed, Expired or Deleted")
	return cmd
}

func checkpointResumeCmd() *cobra.Command {
	var graphID, checkpointID string
	var answers []string
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a suspended graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseAnswers(answers)
			if err != nil {
				return err
			}
			var payload json.RawMessage
			if len(parsed) > 0 {
				if payload, err = json.Marshal(map[string]any{"answers": parsed}); err != nil {
					return err
				}
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *runtime) error {
				w, err := rt.Engine.ResumeCheckpoint(ctx, args[0], graphID, checkpointID, payload, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&graphID, "graph", domain.GraphRefinement, "graph id")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", domain.CheckpointAwaitingAnswers, "checkpoint id")
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "answer as question_id=text (repeatable)")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale checkpoints and cancel abandoned work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				res, err := rt.Engine.SweepExpiredCheckpoints(ctx, rt.TenantID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func workerFlags(cmd *cobra.Command, cfg *worker.Config) {
	cmd.Flags().StringVar(&cfg.OwnerID, "owner", "", "lease owner id (defaults to the host name)")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 4, "work items processed in parallel")
	cmd.Flags().DurationVar(&cfg.Interval, "interval", 5*time.Second, "poll interval")
	cmd.Flags().DurationVar(&cfg.LeaseTTL, "lease-ttl", 10*time.Minute, "lease duration")
	cmd.Flags().DurationVar(&cfg.SweepEvery, "sweep-every", time.Hour, "checkpoint sweep interval")
}

func defaultOwner(cfg *worker.Config) {
	if cfg.OwnerID != "" {
		return
	}
	host, _ := os.Hostname()
	cfg.OwnerID = fmt.Sprintf("%s-%d", host, os.Getpid())
}

func workerCmd() *cobra.Command {
	var cfg worker.Config
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Advance due work items across all tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			defaultOwner(&cfg)
			rt, err := openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			w := worker.New(rt.Engine, cfg)
			if once {
				stats, err := w.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			}
			return w.Run(cmd.Context())
		},
	}
	workerFlags(cmd, &cfg)
	cmd.Flags().BoolVar(&once, "once", false, "run a single poll and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var headerAuth, withWorker bool
	var wcfg worker.Config
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt-secret"),
				AllowHeaderAuth: headerAuth,
				Logger:          rt.log.Named("auth"),
			}
			if authCfg.JWTSecret == "" && !headerAuth {
				return fmt.Errorf("PLANLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				server.NewWebhookDispatcher(rt.Engine).Run(ctx)
				return nil
			})
			if withWorker {
				defaultOwner(&wcfg)
				g.Go(func() error { return worker.New(rt.Engine, wcfg).Run(ctx) })
			}
			g.Go(func() error {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdown)
			})
			g.Go(func() error {
				rt.log.Info(ctx, "serving planline API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("worker", withWorker),
				)
				fmt.Printf("Serving planline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs, metrics at /metrics)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&headerAuth, "allow-header-auth", false, "trust X-Actor-Id headers (local development only)")
	cmd.Flags().BoolVar(&withWorker, "worker", false, "run the worker in the same process")
	workerFlags(cmd, &wcfg)
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				items, err := rt.Engine.Repo.ListEvents(ctx, repo.EventFilters{
					TenantID:   rt.TenantID,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for i := len(items) - 1; i >= 0; i-- {
					evt := items[i]
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func eventKindNames() []string {
	out := make([]string, 0, len(engine.EventKinds))
	for _, k := range engine.EventKinds {
		out = append(out, string(k))
	}
	return out
}

func parseAnswers(in []string) ([]domain.Answer, error) {
	var out []domain.Answer
	for _, a := range in {
		id, text, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("answer %q must be question_id=text", a)
		}
		out = append(out, domain.Answer{QuestionID: strings.TrimSpace(id), Text: text})
	}
	return out, nil
}

func parseArtifacts(in []string) (map[domain.ArtifactKind]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[domain.ArtifactKind]string, len(in))
	for _, a := range in {
		name, path, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("artifact %q must be kind=path", a)
		}
		k, valid := domain.ParseArtifactKind(name)
		if !valid {
			return nil, fmt.Errorf("unknown artifact %q", name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		out[k] = string(data)
	}
	return out, nil
}

func parseReviewers(in []string) ([]config.ReviewerConfig, error) {
	var out []config.ReviewerConfig
	for _, spec := range in {
		parts := strings.Split(spec, ":")
		r := config.ReviewerConfig{ID: strings.TrimSpace(parts[0])}
		if r.ID == "" {
			return nil, fmt.Errorf("reviewer %q has no id", spec)
		}
		for _, p := range parts[1:] {
			switch p {
			case "required":
				r.Required = true
			case "optional", "":
			default:
				r.Checklist = p
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func printReviews(reviews []domain.PlanReview) error {
	if viper.GetBool("json") {
		return printJSON(reviews)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Reviewer", "Required", "Status", "Checklist", "Decision"})
	for _, r := range reviews {
		checklist := ""
		if r.Checklist != nil {
			checklist = fmt.Sprintf("%d open", len(r.Checklist.Unchecked()))
		}
		tw.AppendRow(table.Row{r.ReviewerID, r.IsRequired, r.Status, checklist, r.Decision})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
