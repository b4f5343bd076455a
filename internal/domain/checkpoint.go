package domain

import (
	"encoding/json"
	"time"
)

type CheckpointStatus string

const (
	CheckpointActive  CheckpointStatus = "Active"
	CheckpointResumed CheckpointStatus = "Resumed"
	CheckpointExpired CheckpointStatus = "Expired"
	CheckpointDeleted CheckpointStatus = "Deleted"
)

// Workflow graphs and their suspend points.
const (
	GraphRefinement = "RefinementGraph"
	GraphPlanning   = "PlanningGraph"
	GraphReview     = "ReviewGraph"

	CheckpointAwaitingAnswers  = "awaiting_answers"
	CheckpointPlanningProgress = "planning_progress"
	CheckpointAwaitingReview   = "awaiting_review"
)

// CheckpointKey is the composite identity of a checkpoint.
type CheckpointKey struct {
	TenantID     string `json:"tenant_id"`
	WorkItemID   string `json:"work_item_id"`
	GraphID      string `json:"graph_id"`
	CheckpointID string `json:"checkpoint_id"`
}

type Checkpoint struct {
	CheckpointKey
	State     json.RawMessage  `json:"state"`
	AgentName string           `json:"agent_name,omitempty"`
	NextAgent string           `json:"next_agent,omitempty"`
	Status    CheckpointStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	ResumedAt *time.Time       `json:"resumed_at,omitempty"`
}

// Decode unmarshals the state payload into v.
func (c Checkpoint) Decode(v any) error {
	if len(c.State) == 0 {
		return nil
	}
	return json.Unmarshal(c.State, v)
}
