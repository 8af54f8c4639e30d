package domain

import (
	"strings"
	"time"
)

type RenewalAction string

const (
	RenewAuto       RenewalAction = "AUTO_RENEW"
	RenewPropose    RenewalAction = "PROPOSE"
	RenewNotifyOnly RenewalAction = "NOTIFY_ONLY"
)

type PricePolicy string

const (
	PriceKeep    PricePolicy = "NONE"
	PricePercent PricePolicy = "PERCENT"
	PriceFixed   PricePolicy = "FIXED"
)

// PriceAdjustment is applied to the source contract value when the
// successor draft is built. Percent is in basis points so 250 = +2.5%;
// Fixed is a delta in minor units.
type PriceAdjustment struct {
	Policy  PricePolicy `json:"policy"`
	Percent int64       `json:"percent,omitempty"`
	Fixed   int64       `json:"fixed,omitempty"`
}

func (a PriceAdjustment) Apply(v Money) Money {
	switch a.Policy {
	case PricePercent:
		v.Amount += v.Amount * a.Percent / 10000
	case PriceFixed:
		v.Amount += a.Fixed
	}
	if v.Amount < 0 {
		v.Amount = 0
	}
	return v
}

// RenewalRule is a tenant-configured policy deciding how an expiring
// contract is renewed. Criteria is an optional boolean expression over
// contract attributes; empty criteria matches on ContractType alone
// (empty type matches any).
type RenewalRule struct {
	RuleID       string          `json:"rule_id"`
	TenantID     string          `json:"tenant_id"`
	ContractType ContractType    `json:"contract_type,omitempty"`
	Criteria     string          `json:"criteria,omitempty"`
	TriggerDays  int             `json:"trigger_days"`
	Action       RenewalAction   `json:"action"`
	Adjustment   PriceAdjustment `json:"adjustment"`
	Active       bool            `json:"active"`
	Priority     int             `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (r *RenewalRule) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if r.TriggerDays <= 0 {
		return &ValidationError{Field: "trigger_days", Reason: "must be positive"}
	}
	switch r.Action {
	case RenewAuto, RenewPropose, RenewNotifyOnly:
	default:
		return &ValidationError{Field: "action", Reason: "unknown renewal action"}
	}
	switch r.Adjustment.Policy {
	case PriceKeep, PricePercent, PriceFixed, "":
	default:
		return &ValidationError{Field: "adjustment", Reason: "unknown price policy"}
	}
	return nil
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "PENDING"
	ProposalAccepted ProposalStatus = "ACCEPTED"
	ProposalRejected ProposalStatus = "REJECTED"
	ProposalExpired  ProposalStatus = "EXPIRED"
)

// RenewalProposal references its source contract by id and owns the
// generated draft until accepted. Cycle identifies the expiration it
// was generated for, so one source contract yields at most one
// proposal per cycle.
type RenewalProposal struct {
	ProposalID       string         `json:"proposal_id"`
	TenantID         string         `json:"tenant_id"`
	SourceContractID string         `json:"source_contract_id"`
	DraftContractID  string         `json:"draft_contract_id,omitempty"`
	RuleID           string         `json:"rule_id"`
	Cycle            string         `json:"cycle"`
	Status           ProposalStatus `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	DecidedBy        string         `json:"decided_by,omitempty"`
}

// RenewalOutcomeKind records what the rule engine did for a (source
// contract, cycle) pair. The row itself is the idempotence marker: a
// repeated evaluation in the same cycle is a no-op.
type RenewalOutcomeKind string

const (
	OutcomeAutoRenewed RenewalOutcomeKind = "AUTO_RENEWED"
	OutcomeProposed    RenewalOutcomeKind = "PROPOSED"
	OutcomeNotified    RenewalOutcomeKind = "NOTIFIED"
)

type RenewalOutcome struct {
	TenantID         string             `json:"tenant_id"`
	SourceContractID string             `json:"source_contract_id"`
	Cycle            string             `json:"cycle"`
	Kind             RenewalOutcomeKind `json:"kind"`
	RefID            string             `json:"ref_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// RenewalCycle derives the cycle key for a contract expiration: the
// end date in ISO form. A renewed successor has a later end date and
// therefore a fresh cycle.
func RenewalCycle(endDate time.Time) string {
	return endDate.UTC().Format("2006-01-02")
}

type RenewalStats struct {
	ByStatus map[ProposalStatus]int `json:"by_status"`
}
