package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	WorkItemCreated     = "workitem.created"
	WorkItemTransition  = "workitem.transition"
	WorkItemError       = "workitem.error"
	EventDuplicate      = "workitem.event.duplicate"
	PlanUpdated         = "plan.updated"
	ReviewAssigned      = "review.assigned"
	ReviewSubmitted     = "review.submitted"
	ReviewReset         = "review.reset"
	ChecklistChecked    = "review.checklist.checked"
	CommentAdded        = "comment.added"
	CheckpointCreated   = "checkpoint.created"
	CheckpointResumed   = "checkpoint.resumed"
	CheckpointExpired   = "checkpoint.expired"
	LeaseClaimed        = "lease.claimed"
	LeaseReleased       = "lease.released"
	TenantCreated       = "tenant.created"
	TenantConfigUpdated = "tenant.config.updated"
	APIKeyCreated       = "apikey.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(tenantID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
