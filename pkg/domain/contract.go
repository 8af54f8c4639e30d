package domain

import (
	"strings"
	"time"
)

type ContractStatus string

const (
	ContractDraft            ContractStatus = "DRAFT"
	ContractPendingSignature ContractStatus = "PENDING_SIGNATURE"
	ContractActive           ContractStatus = "ACTIVE"
	ContractSuspended        ContractStatus = "SUSPENDED"
	ContractTerminated       ContractStatus = "TERMINATED"
	ContractCancelled        ContractStatus = "CANCELLED"
	ContractExpired          ContractStatus = "EXPIRED"
)

type ContractType string

const (
	ContractService       ContractType = "SERVICE"
	ContractLease         ContractType = "LEASE"
	ContractMembership    ContractType = "MEMBERSHIP"
	ContractVirtualOffice ContractType = "VIRTUAL_OFFICE"
)

type PartyRole string

const (
	RoleClient    PartyRole = "CLIENT"
	RoleCompany   PartyRole = "COMPANY"
	RoleGuarantor PartyRole = "GUARANTOR"
	RoleWitness   PartyRole = "WITNESS"
)

type Party struct {
	PartyID  string     `json:"party_id"`
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Role     PartyRole  `json:"role"`
	UserID   string     `json:"user_id,omitempty"`
	ClientID string     `json:"client_id,omitempty"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

type Term struct {
	TermID string `json:"term_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Money is an amount in minor units (cents) with an ISO 4217 currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Contract struct {
	ContractID    string         `json:"contract_id"`
	TenantID      string         `json:"tenant_id"`
	Type          ContractType   `json:"type"`
	Title         string         `json:"title"`
	Body          string         `json:"body"`
	Parties       []Party        `json:"parties"`
	Terms         []Term         `json:"terms"`
	StartDate     time.Time      `json:"start_date"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	AutoRenew     bool           `json:"auto_renew"`
	RenewalMonths int            `json:"renewal_months,omitempty"`
	Value         Money          `json:"value"`
	Status        ContractStatus `json:"status"`
	Metadata      Metadata       `json:"metadata,omitempty"`

	// TerminationEffective is set by a future-dated termination; the
	// expiration sweep performs the actual transition once reached.
	TerminationEffective *time.Time `json:"termination_effective,omitempty"`
	TerminationReason    string     `json:"termination_reason,omitempty"`

	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

var contractEdges = map[ContractStatus][]ContractStatus{
	ContractDraft:            {ContractPendingSignature, ContractActive, ContractCancelled},
	ContractPendingSignature: {ContractActive, ContractCancelled},
	ContractActive:           {ContractSuspended, ContractTerminated, ContractExpired},
	ContractSuspended:        {ContractActive, ContractTerminated, ContractExpired},
}

// CanTransition reports whether the contract state machine permits
// moving from one status to another. Terminal statuses have no edges.
func CanTransition(from, to ContractStatus) bool {
	for _, s := range contractEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s ContractStatus) Terminal() bool {
	return s == ContractTerminated || s == ContractCancelled || s == ContractExpired
}

func validContractType(t ContractType) bool {
	switch t {
	case ContractService, ContractLease, ContractMembership, ContractVirtualOffice:
		return true
	}
	return false
}

// Validate checks the construction invariants: at least two parties,
// exactly one CLIENT and one COMPANY party, and endDate >= startDate
// when an end date is present.
func (c *Contract) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(c.Title) == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if !validContractType(c.Type) {
		return &ValidationError{Field: "type", Reason: "unknown contract type"}
	}
	if len(c.Parties) < 2 {
		return &ValidationError{Field: "parties", Reason: "at least two parties required"}
	}
	clients, companies := 0, 0
	for _, p := range c.Parties {
		if strings.TrimSpace(p.Name) == "" {
			return &ValidationError{Field: "parties", Reason: "party name required"}
		}
		if strings.TrimSpace(p.Email) == "" {
			return &ValidationError{Field: "parties", Reason: "party email required"}
		}
		switch p.Role {
		case RoleClient:
			clients++
		case RoleCompany:
			companies++
		case RoleGuarantor, RoleWitness:
		default:
			return &ValidationError{Field: "parties", Reason: "unknown party role"}
		}
	}
	if clients != 1 {
		return &ValidationError{Field: "parties", Reason: "exactly one CLIENT party required"}
	}
	if companies != 1 {
		return &ValidationError{Field: "parties", Reason: "exactly one COMPANY party required"}
	}
	if c.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "required"}
	}
	if c.EndDate != nil && c.EndDate.Before(c.StartDate) {
		return &ValidationError{Field: "end_date", Reason: "must not precede start_date"}
	}
	if c.AutoRenew && c.RenewalMonths <= 0 {
		return &ValidationError{Field: "renewal_months", Reason: "required when auto_renew is set"}
	}
	if c.Value.Amount < 0 {
		return &ValidationError{Field: "value", Reason: "must not be negative"}
	}
	if c.Value.Currency != "" && len(c.Value.Currency) != 3 {
		return &ValidationError{Field: "value", Reason: "currency must be a 3-letter code"}
	}
	if err := c.Metadata.Validate(); err != nil {
		return err
	}
	return nil
}

type ContractStats struct {
	ByStatus        map[ContractStatus]int `json:"by_status"`
	TotalByCurrency map[string]int64       `json:"total_by_currency"`
}
