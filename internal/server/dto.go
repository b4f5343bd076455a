package server

import (
	"encoding/json"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/review"
)

type CreateTenantRequest struct {
	ID          string `json:"id" minLength:"1"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type IntakeRequest struct {
	ExternalKey       string            `json:"external_key" minLength:"1" example:"#42"`
	Repository        domain.Repository `json:"repository"`
	Title             string            `json:"title" minLength:"1"`
	Description       string            `json:"description,omitempty"`
	RepositoryContext string            `json:"repository_context,omitempty"`
}

type IntakeResponse struct {
	WorkItem domain.WorkItem `json:"work_item"`
	Created  bool            `json:"created"`
}

type QuestionRequest struct {
	ID       string `json:"id,omitempty"`
	Text     string `json:"text" minLength:"1"`
	Category string `json:"category,omitempty"`
}

type AnswerRequest struct {
	QuestionID string `json:"question_id" minLength:"1"`
	Text       string `json:"text"`
}

type AdvanceRequest struct {
	ID         string            `json:"id,omitempty" doc:"Idempotency key; a repeated id is ignored"`
	Kind       string            `json:"kind" minLength:"1" example:"cancel"`
	Reason     string            `json:"reason,omitempty"`
	Questions  []QuestionRequest `json:"questions,omitempty"`
	Answers    []AnswerRequest   `json:"answers,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	PlanBranch string            `json:"plan_branch,omitempty"`
	PlanPath   string            `json:"plan_path,omitempty"`
	PRURL      string            `json:"pr_url,omitempty"`
	PRNumber   int               `json:"pr_number,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (r AdvanceRequest) event(actorID string) (engine.Event, error) {
	kind, err := engine.ParseEventKind(r.Kind)
	if err != nil {
		return engine.Event{}, err
	}
	ev := engine.Event{
		ID:         r.ID,
		Kind:       kind,
		ActorID:    actorID,
		Reason:     r.Reason,
		PlanBranch: r.PlanBranch,
		PlanPath:   r.PlanPath,
		PRURL:      r.PRURL,
		PRNumber:   r.PRNumber,
		Summary:    r.Summary,
		Error:      r.Error,
	}
	for _, q := range r.Questions {
		ev.Questions = append(ev.Questions, domain.Question{ID: q.ID, Text: q.Text, Category: q.Category})
	}
	for _, a := range r.Answers {
		ev.Answers = append(ev.Answers, domain.Answer{QuestionID: a.QuestionID, Text: a.Text})
	}
	if len(r.Artifacts) > 0 {
		ev.Artifacts = make(map[domain.ArtifactKind]string, len(r.Artifacts))
		for name, body := range r.Artifacts {
			k, ok := domain.ParseArtifactKind(name)
			if !ok {
				return engine.Event{}, badRequest("unknown artifact %q", name)
			}
			ev.Artifacts[k] = body
		}
	}
	return ev, nil
}

type ResumeRequest struct {
	Payload json.RawMessage `json:"payload,omitempty" doc:"Checkpoint specific payload, e.g. {\"answers\": [...]}"`
}

type ReviewerRequest struct {
	ID        string `json:"id" minLength:"1"`
	Required  bool   `json:"required"`
	Checklist string `json:"checklist,omitempty"`
}

type AssignReviewersRequest struct {
	Reviewers []ReviewerRequest `json:"reviewers,omitempty" doc:"Empty assigns the tenant defaults"`
}

type SubmitReviewRequest struct {
	ID     string `json:"id,omitempty" doc:"Idempotency key"`
	Status string `json:"status" enum:"Approved,RejectedForRefinement,RejectedForRegeneration"`
	Reason string `json:"reason,omitempty"`
}

type ReviewsResponse struct {
	Outcome review.Outcome      `json:"outcome"`
	Reviews []domain.PlanReview `json:"reviews"`
}

type ChecklistRequest struct {
	Checked bool `json:"checked"`
}

type CommentRequest struct {
	Body   string                      `json:"body" minLength:"1"`
	Anchor *domain.InlineCommentAnchor `json:"anchor,omitempty"`
}

type paginatedWorkItems struct {
	Items      []domain.WorkItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
