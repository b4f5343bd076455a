package planlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal planline HTTP API client bound to one tenant.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

type Repository struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	BaseBranch string `json:"base_branch,omitempty"`
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	ExternalKey   string     `json:"external_key"`
	Repository    Repository `json:"repository"`
	State         string     `json:"state"`
	Title         string     `json:"title"`
	PlanBranch    string     `json:"plan_branch,omitempty"`
	PRURL         string     `json:"pr_url,omitempty"`
	RetryCount    int        `json:"retry_count"`
	RevisionCount int        `json:"revision_count"`
	LastError     string     `json:"last_error,omitempty"`
}

type Question struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

type Answer struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
}

// Event is a lifecycle event sent to a work item.
type Event struct {
	ID        string            `json:"id,omitempty"`
	Kind      string            `json:"kind"`
	Reason    string            `json:"reason,omitempty"`
	Questions []Question        `json:"questions,omitempty"`
	Answers   []Answer          `json:"answers,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

type AdvanceResult struct {
	WorkItem  WorkItem `json:"work_item"`
	Duplicate bool     `json:"duplicate"`
}

type Review struct {
	ReviewerID string `json:"reviewer_id"`
	IsRequired bool   `json:"is_required"`
	Status     string `json:"status"`
}

type Outcome struct {
	Decision string   `json:"decision"`
	Blocking []string `json:"blocking,omitempty"`
}

type ReviewResult struct {
	WorkItem  WorkItem `json:"work_item"`
	Outcome   Outcome  `json:"outcome"`
	Duplicate bool     `json:"duplicate"`
}

// LogEntry is an entry of the tenant event log.
type LogEntry struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []LogEntry `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// Intake creates a work item for a ticket or returns the existing one.
func (c *Client) Intake(ctx context.Context, externalKey string, repo Repository, title, description string) (WorkItem, bool, error) {
	body := map[string]any{
		"external_key": externalKey,
		"repository":   repo,
		"title":        title,
		"description":  description,
	}
	var resp struct {
		WorkItem WorkItem `json:"work_item"`
		Created  bool     `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, c.tenantPath("work-items"), body, &resp)
	return resp.WorkItem, resp.Created, err
}

// WorkItem fetches a work item by id.
func (c *Client) WorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.itemPath(id, ""), nil, &resp)
	return resp, err
}

// Advance applies ev to a work item.
func (c *Client) Advance(ctx context.Context, id string, ev Event) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, c.itemPath(id, "events"), ev, &resp)
	return resp, err
}

// Answer resumes a work item waiting on answers.
func (c *Client) Answer(ctx context.Context, id string, answers []Answer) (WorkItem, error) {
	body := map[string]any{"payload": map[string]any{"answers": answers}}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.itemPath(id, "checkpoints/RefinementGraph/awaiting_answers/resume"), body, &resp)
	return resp, err
}

// Reviews returns the reviews of a work item and their aggregated outcome.
func (c *Client) Reviews(ctx context.Context, id string) (Outcome, []Review, error) {
	var resp struct {
		Outcome Outcome  `json:"outcome"`
		Reviews []Review `json:"reviews"`
	}
	err := c.do(ctx, http.MethodGet, c.itemPath(id, "reviews"), nil, &resp)
	return resp.Outcome, resp.Reviews, err
}

// SubmitReview records the verdict of reviewerID.
func (c *Client) SubmitReview(ctx context.Context, id, reviewerID, status, reason string) (ReviewResult, error) {
	body := map[string]any{"status": status, "reason": reason}
	var resp ReviewResult
	err := c.do(ctx, http.MethodPost, c.itemPath(id, "reviews/"+url.PathEscape(reviewerID)), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]LogEntry, error) {
	page, err := c.EventsAfter(ctx, "", limit)
	return page.Items, err
}

// EventsAfter returns events after cursor, oldest first. An empty cursor
// returns the newest events.
func (c *Client) EventsAfter(ctx context.Context, cursor string, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	endpoint := c.tenantPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	return fmt.Sprintf("v1/tenants/%s/%s", url.PathEscape(c.TenantID), strings.TrimLeft(p, "/"))
}

func (c *Client) itemPath(id, p string) string {
	out := c.tenantPath("work-items/" + url.PathEscape(id))
	if p != "" {
		out += "/" + p
	}
	return out
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
