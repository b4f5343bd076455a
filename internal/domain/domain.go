package domain

import (
	"fmt"
	"strings"
	"time"
)

type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status" enum:"active,suspended"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Repository identifies the code host repository a work item targets.
type Repository struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	BaseBranch string `json:"base_branch,omitempty"`
	CloneURL   string `json:"clone_url,omitempty"`
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

type Question struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`
}

// NumberQuestions drops blank questions and gives every question a unique
// id, numbering q1, q2, ... where one is missing or repeated.
func NumberQuestions(in []Question) []Question {
	out := make([]Question, 0, len(in))
	seen := map[string]bool{}
	for _, q := range in {
		q.Text = strings.TrimSpace(q.Text)
		if q.Text == "" {
			continue
		}
		if q.ID == "" || seen[q.ID] {
			q.ID = fmt.Sprintf("q%d", len(out)+1)
		}
		seen[q.ID] = true
		out = append(out, q)
	}
	return out
}

type Answer struct {
	QuestionID string    `json:"question_id"`
	Text       string    `json:"text"`
	AnsweredBy string    `json:"answered_by,omitempty"`
	AnsweredAt time.Time `json:"answered_at"`
}

type WorkItem struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	ExternalKey   string            `json:"external_key"`
	Repository    Repository        `json:"repository"`
	State         State             `json:"state"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Questions     []Question        `json:"questions"`
	Answers       []Answer          `json:"answers"`
	PlanBranch    string            `json:"plan_branch,omitempty"`
	PlanPath      string            `json:"plan_path,omitempty"`
	PRURL         string            `json:"pr_url,omitempty"`
	PRNumber      int               `json:"pr_number,omitempty"`
	RetryCount    int               `json:"retry_count"`
	LastError     string            `json:"last_error,omitempty"`
	RevisionCount int               `json:"revision_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`

	changes []StateChange
}

// RecordError stores a failure and bumps the retry counter.
func (w *WorkItem) RecordError(msg string, now time.Time) {
	w.RetryCount++
	w.LastError = strings.TrimSpace(msg)
	w.UpdatedAt = now.UTC()
}

// ClearError drops the last recorded failure, keeping the retry count.
func (w *WorkItem) ClearError() {
	w.LastError = ""
	w.NextAttemptAt = nil
}

// SetMeta writes a metadata key, initialising the map on first use.
func (w *WorkItem) SetMeta(key, value string) {
	if w.Metadata == nil {
		w.Metadata = map[string]string{}
	}
	if value == "" {
		delete(w.Metadata, key)
		return
	}
	w.Metadata[key] = value
}

// Meta returns a metadata value or "".
func (w *WorkItem) Meta(key string) string {
	if w.Metadata == nil {
		return ""
	}
	return w.Metadata[key]
}

// UnansweredQuestions returns questions without a matching answer.
func (w *WorkItem) UnansweredQuestions() []Question {
	answered := make(map[string]bool, len(w.Answers))
	for _, a := range w.Answers {
		answered[a.QuestionID] = true
	}
	var out []Question
	for _, q := range w.Questions {
		if !answered[q.ID] {
			out = append(out, q)
		}
	}
	return out
}

type Lease struct {
	WorkItemID string `json:"work_item_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
