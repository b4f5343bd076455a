// Package notify broadcasts work item state changes on NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"planline/internal/domain"
)

// StateChanged is published once per committed transition.
type StateChanged struct {
	TenantID    string       `json:"tenant_id"`
	WorkItemID  string       `json:"work_item_id"`
	ExternalKey string       `json:"external_key"`
	From        domain.State `json:"from"`
	To          domain.State `json:"to"`
	Reason      string       `json:"reason,omitempty"`
	At          time.Time    `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, msg StateChanged) error
}

// Subject returns planline.<tenant>.workitem.<state>.
func Subject(prefix, tenantID string, state domain.State) string {
	if prefix == "" {
		prefix = "planline"
	}
	return fmt.Sprintf("%s.%s.workitem.%s", prefix, token(tenantID), strings.ToLower(string(state)))
}

// token keeps a subject segment free of NATS separators and wildcards.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// NATS publishes to a core NATS connection.
type NATS struct {
	Conn   *nats.Conn
	Prefix string
}

func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{Conn: nc, Prefix: "planline"}
}

func (n *NATS) Publish(ctx context.Context, msg StateChanged) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}
	subject := Subject(n.Prefix, msg.TenantID, msg.To)
	if err := n.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Nop drops every message.
type Nop struct{}

func (Nop) Publish(context.Context, StateChanged) error { return nil }
