package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"planline/internal/checkpoint"
	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/logging"
	"planline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid work item transition Triggered -> Implementing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// New returns an HTTP handler exposing the planline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Engine.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Engine.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", cfg.Engine.Metrics.Handler())

	hcfg := huma.DefaultConfig("planline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenants(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerComments(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logging.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", reqID)
			ctx := logging.WithRequestID(r.Context(), reqID)
			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			log.Debug(ctx, "http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"tenant_id": fe.TenantID})
	}
	var it *domain.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from":    it.From,
			"to":      it.To,
			"allowed": domain.ValidTransitions(it.From),
		})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, domain.ErrChecklistItem):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrLeaseHeld):
		return newAPIError(http.StatusConflict, "lease_conflict", msg, nil)
	case errors.Is(err, checkpoint.ErrCheckpointNotActive), errors.Is(err, checkpoint.ErrActiveCheckpointExists):
		return newAPIError(http.StatusConflict, "checkpoint_conflict", msg, nil)
	case errors.Is(err, engine.ErrNotUnderReview), errors.Is(err, engine.ErrReviewPending), errors.Is(err, domain.ErrReviewNotPending):
		return newAPIError(http.StatusConflict, "review_conflict", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrPlanOnlyDisabled), errors.Is(err, domain.ErrChecklistIncomplete), errors.Is(err, domain.ErrReasonRequired):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case errors.Is(err, engine.ErrBadEvent), errors.Is(err, engine.ErrInvalidInput), errors.Is(err, errBadRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>planline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type tenantPath struct {
	TenantID string `path:"tenant_id"`
}

type workItemPath struct {
	TenantID   string `path:"tenant_id"`
	WorkItemID string `path:"work_item_id"`
}

// workItemFor loads a work item and hides items of other tenants.
func workItemFor(ctx context.Context, e engine.Engine, tenantID, workItemID string) (domain.WorkItem, Principal, error) {
	p, err := authorizeTenant(ctx, tenantID)
	if err != nil {
		return domain.WorkItem{}, Principal{}, err
	}
	w, err := e.GetWorkItem(ctx, workItemID)
	if err != nil {
		return domain.WorkItem{}, Principal{}, err
	}
	if w.TenantID != tenantID {
		return domain.WorkItem{}, Principal{}, fmt.Errorf("work item %s: %w", workItemID, repo.ErrNotFound)
	}
	return w, p, nil
}

type ConfigDocument struct {
	YAML string `json:"yaml" doc:"Tenant policy as YAML"`
}

type APIKeyResponse struct {
	ID     string `json:"id"`
	Key    string `json:"key" doc:"Shown once"`
	Actor  string `json:"actor_id"`
	Tenant string `json:"tenant_id"`
}

func registerTenants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create tenant",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateTenantRequest
	}) (*struct {
		Body domain.Tenant `json:"body"`
	}, error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		if !p.admin() {
			return nil, handleError(ForbiddenError{TenantID: input.Body.ID})
		}
		t, cerr := e.CreateTenant(ctx, input.Body.ID, input.Body.Name, input.Body.Description, p.ActorID)
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return &struct {
			Body domain.Tenant `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}",
		Summary:     "Tenant with work item counts",
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountWorkItemsByState(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"tenant": t, "work_item_counts": counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-config",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Tenant policy",
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body ConfigDocument `json:"body"`
	}, error) {
		if _, err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.TenantConfig(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigDocument `json:"body"`
		}{Body: ConfigDocument{YAML: string(data)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-tenant-config",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Replace tenant policy",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Body     ConfigDocument
	}) (*struct {
		Body ConfigDocument `json:"body"`
	}, error) {
		p, err := authorizeTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, handleError(badRequest("%v", err))
		}
		if cfg.Tenant.ID != input.TenantID {
			return nil, handleError(badRequest("config tenant %q does not match %q", cfg.Tenant.ID, input.TenantID))
		}
		if err := e.SetTenantConfig(ctx, input.TenantID, cfg, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigDocument `json:"body"`
		}{Body: input.Body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/api-keys",
		Summary:       "Create an API key for the calling actor",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Body     struct {
			Name string `json:"name,omitempty"`
		} `required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, err := authorizeTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		key, plain, err := e.CreateAPIKey(ctx, input.TenantID, p.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Key: plain, Actor: key.ActorID, Tenant: key.TenantID}}, nil
	})
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "intake-work-item",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/work-items",
		Summary:     "Create a work item from a ticket; repeated tickets return the existing item",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Body     IntakeRequest
	}) (*struct {
		Status int
		Body   IntakeResponse `json:"body"`
	}, error) {
		p, err := authorizeTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		w, created, err := e.Intake(ctx, engine.IntakeRequest{
			TenantID:          input.TenantID,
			ExternalKey:       input.Body.ExternalKey,
			Repository:        input.Body.Repository,
			Title:             input.Body.Title,
			Description:       input.Body.Description,
			RepositoryContext: input.Body.RepositoryContext,
			ActorID:           p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   IntakeResponse `json:"body"`
		}{Status: status, Body: IntakeResponse{WorkItem: w, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/work-items",
		Summary:     "List work items, newest first",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		State    string `query:"state"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkItems `json:"body"`
	}, error) {
		if _, err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		f := repo.WorkItemFilters{TenantID: input.TenantID}
		if input.State != "" {
			s, err := domain.ParseState(input.State)
			if err != nil {
				return nil, handleError(badRequest("%v", err))
			}
			f.States = []domain.State{s}
		}
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, handleError(badRequest("invalid cursor"))
		}
		f.CursorCreatedAt, f.CursorID = ts, id
		items, err := e.Repo.ListWorkItems(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedWorkItems{Items: []domain.WorkItem{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt.UTC().Format(time.RFC3339), last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedWorkItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}",
		Summary:     "Get work item",
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		w, _, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-work-item",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/events",
		Summary:     "Apply a lifecycle event",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		WorkItemID string `path:"work_item_id"`
		Body       AdvanceRequest
	}) (*struct {
		Body engine.AdvanceResult `json:"body"`
	}, error) {
		_, p, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := input.Body.event(p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Advance(ctx, input.WorkItemID, ev)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AdvanceResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-work-item",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/process",
		Summary:     "Run the action of the current state once",
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body engine.ProcessResult `json:"body"`
	}, error) {
		if _, _, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.Process(ctx, input.WorkItemID)
		if err != nil && res.Action != "error" {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ProcessResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/checkpoints",
		Summary:     "List checkpoints of a work item",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		WorkItemID string `path:"work_item_id"`
		Status     string `query:"status"`
	}) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		if _, _, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCheckpoints(ctx, repo.CheckpointFilters{
			TenantID:   input.TenantID,
			WorkItemID: input.WorkItemID,
			Status:     domain.CheckpointStatus(input.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-checkpoint",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/checkpoints/{graph_id}/{checkpoint_id}/resume",
		Summary:     "Resume a suspended graph",
	}, func(ctx context.Context, input *struct {
		TenantID     string `path:"tenant_id"`
		WorkItemID   string `path:"work_item_id"`
		GraphID      string `path:"graph_id"`
		CheckpointID string `path:"checkpoint_id"`
		Body         ResumeRequest `required:"false"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		_, p, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := e.ResumeCheckpoint(ctx, input.WorkItemID, input.GraphID, input.CheckpointID, input.Body.Payload, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-checkpoints",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/sweep",
		Summary:     "Expire stale checkpoints",
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		if _, err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.SweepExpiredCheckpoints(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-reviewers",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/reviewers",
		Summary:     "Assign reviewers",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		WorkItemID string `path:"work_item_id"`
		Body       AssignReviewersRequest
	}) (*struct {
		Body []domain.PlanReview `json:"body"`
	}, error) {
		_, p, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		list := make([]config.ReviewerConfig, 0, len(input.Body.Reviewers))
		for _, r := range input.Body.Reviewers {
			list = append(list, config.ReviewerConfig{ID: r.ID, Required: r.Required, Checklist: r.Checklist})
		}
		reviews, err := e.AssignReviewers(ctx, engine.AssignReviewersRequest{WorkItemID: input.WorkItemID, Reviewers: list, ActorID: p.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PlanReview `json:"body"`
		}{Body: nonNil(reviews)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/reviews",
		Summary:     "Reviews and the aggregated outcome",
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body ReviewsResponse `json:"body"`
	}, error) {
		if _, _, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		outcome, reviews, err := e.ReviewOutcome(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewsResponse `json:"body"`
		}{Body: ReviewsResponse{Outcome: outcome, Reviews: nonNil(reviews)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-review",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/reviews/{reviewer_id}",
		Summary:     "Submit a review verdict",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		WorkItemID string `path:"work_item_id"`
		ReviewerID string `path:"reviewer_id"`
		Body       SubmitReviewRequest
	}) (*struct {
		Body engine.SubmitReviewResult `json:"body"`
	}, error) {
		_, p, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		status, err := domain.ParseReviewStatus(input.Body.Status)
		if err != nil {
			return nil, handleError(badRequest("%v", err))
		}
		res, err := e.SubmitReview(ctx, engine.SubmitReviewRequest{
			WorkItemID: input.WorkItemID,
			ReviewerID: input.ReviewerID,
			Status:     status,
			Reason:     input.Body.Reason,
			EventID:    input.Body.ID,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SubmitReviewResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-checklist-item",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/reviews/{reviewer_id}/checklist/{item_id}",
		Summary:     "Check or uncheck a checklist item",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		WorkItemID string `path:"work_item_id"`
		ReviewerID string `path:"reviewer_id"`
		ItemID     string `path:"item_id"`
		Body       ChecklistRequest
	}) (*struct {
		Body domain.PlanReview `json:"body"`
	}, error) {
		_, p, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		rv, err := e.CheckChecklistItem(ctx, input.WorkItemID, input.ReviewerID, input.ItemID, input.Body.Checked, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PlanReview `json:"body"`
		}{Body: rv}, nil
	})
}

func registerComments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/work-items/{work_item_id}/comments",
		Summary:       "Comment on the plan",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		WorkItemID string `path:"work_item_id"`
		Body       CommentRequest
	}) (*struct {
		Body domain.ReviewComment `json:"body"`
	}, error) {
		_, p, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.AddComment(ctx, engine.AddCommentRequest{
			WorkItemID: input.WorkItemID,
			AuthorID:   p.ActorID,
			Body:       input.Body.Body,
			Anchor:     input.Body.Anchor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewComment `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/comments",
		Summary:     "List comments, oldest first",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		WorkItemID string `path:"work_item_id"`
		After      string `query:"after" doc:"RFC3339 timestamp"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ReviewComment `json:"body"`
	}, error) {
		if _, _, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		var after time.Time
		if input.After != "" {
			t, err := time.Parse(time.RFC3339, input.After)
			if err != nil {
				return nil, handleError(badRequest("invalid after"))
			}
			after = t
		}
		items, err := e.Repo.ListComments(ctx, input.WorkItemID, normalizeLimit(input.Limit), after)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReviewComment `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/plan",
		Summary:     "Current plan",
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		if _, _, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPlan(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan-markdown",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/plan/markdown",
		Summary:     "Current plan rendered as markdown",
	}, func(ctx context.Context, input *workItemPath) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		w, _, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPlan(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/markdown; charset=utf-8", Body: []byte(p.Markdown(w.Title))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plan-versions",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/work-items/{work_item_id}/plan/versions",
		Summary:     "Snapshots of superseded plan versions",
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body []domain.PlanVersion `json:"body"`
	}, error) {
		if _, _, err := workItemFor(ctx, e, input.TenantID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPlanVersions(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PlanVersion `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/events",
		Summary:     "List recent events, newest first",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		After      string `query:"after" doc:"Return events with a larger id, oldest first"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var items []domain.Event
		var err error
		if input.After != "" {
			after, perr := strconv.ParseInt(input.After, 10, 64)
			if perr != nil {
				return nil, handleError(badRequest("invalid after cursor %q", input.After))
			}
			items, err = e.Repo.EventsAfter(ctx, input.TenantID, after, limit)
		} else {
			items, err = e.Repo.ListEvents(ctx, repo.EventFilters{
				TenantID:   input.TenantID,
				EntityKind: input.EntityKind,
				EntityID:   input.EntityID,
				Limit:      limit,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if input.After != "" && len(items) == limit {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
