package domain

import "time"

// AuditEvent is one append-only entry of a contract's lifecycle trail.
// Seq is assigned by the store and is strictly increasing per
// contract. Failed transition attempts are recorded too, with
// Failed=true, so rejected operations stay traceable.
type AuditEvent struct {
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	ContractID string         `json:"contract_id"`
	Seq        int64          `json:"seq"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	FromStatus ContractStatus `json:"from_status,omitempty"`
	ToStatus   ContractStatus `json:"to_status,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Failed     bool           `json:"failed,omitempty"`
	At         time.Time      `json:"at"`
}
