// Package notify is the fire-and-forget boundary to delivery channels
// (email, SMS, webhooks). The engines only emit abstract events and
// never depend on delivery success.
package notify

import (
	"context"
	"log/slog"
)

type Event struct {
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	ContractID string         `json:"contract_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type Dispatcher interface {
	Notify(ctx context.Context, ev Event)
}

// LogDispatcher is the default: it records the event and drops it.
type LogDispatcher struct{}

func (LogDispatcher) Notify(ctx context.Context, ev Event) {
	slog.InfoContext(ctx, "notify",
		"type", ev.Type,
		"tenant", ev.TenantID,
		"contract", ev.ContractID,
		"workflow", ev.WorkflowID,
		"recipients", len(ev.Recipients))
}

// Discard swallows events entirely. Test helper.
type Discard struct{}

func (Discard) Notify(ctx context.Context, ev Event) {}
