// Package store defines the persistence contracts shared by the
// lifecycle, signing and renewal engines. Every status write is a
// conditional update keyed on the expected source status; a writer
// that lost the race gets domain.ErrConcurrentModification. Engines
// re-read before every transition and never cache status across
// operations.
package store

import (
	"context"
	"time"

	"coworkd/pkg/domain"
)

type ContractFilter struct {
	Status domain.ContractStatus
	Type   domain.ContractType
	Limit  int
	Offset int
}

type Contracts interface {
	CreateContract(ctx context.Context, c domain.Contract) error
	GetContract(ctx context.Context, tenantID, contractID string) (domain.Contract, error)
	ListContracts(ctx context.Context, tenantID string, f ContractFilter) ([]domain.Contract, error)

	// UpdateContractDraft replaces mutable fields while the contract
	// is still in DRAFT; fails with ErrConcurrentModification if the
	// stored status has moved on.
	UpdateContractDraft(ctx context.Context, c domain.Contract) error

	// UpdateContractStatus is the conditional transition write. The
	// store stamps activated_at / terminated_at from `at` according
	// to the target status.
	UpdateContractStatus(ctx context.Context, tenantID, contractID string, from, to domain.ContractStatus, at time.Time) error

	// ScheduleTermination records a future-dated termination without
	// changing the current status.
	ScheduleTermination(ctx context.Context, tenantID, contractID string, from domain.ContractStatus, effective time.Time, reason string) error

	// ListExpiring returns non-terminal contracts whose end date (or
	// scheduled termination) falls on or before the given instant.
	ListExpiring(ctx context.Context, tenantID string, before time.Time) ([]domain.Contract, error)

	ContractStats(ctx context.Context, tenantID string) (domain.ContractStats, error)
	ListTenants(ctx context.Context) ([]string, error)

	AppendAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error)
	ListAudit(ctx context.Context, tenantID, contractID string) ([]domain.AuditEvent, error)
}

type Workflows interface {
	CreateWorkflow(ctx context.Context, w domain.SignatureWorkflow) error
	GetWorkflow(ctx context.Context, tenantID, workflowID string) (domain.SignatureWorkflow, error)
	ListWorkflows(ctx context.Context, tenantID, contractID string) ([]domain.SignatureWorkflow, error)

	// ActiveWorkflowForContract returns the one non-terminal workflow
	// bound to the contract, or NotFoundError if none.
	ActiveWorkflowForContract(ctx context.Context, tenantID, contractID string) (domain.SignatureWorkflow, error)

	// LatestWorkflowForContract returns the most recently created
	// workflow bound to the contract, terminal or not.
	LatestWorkflowForContract(ctx context.Context, tenantID, contractID string) (domain.SignatureWorkflow, error)

	UpdateWorkflowStatus(ctx context.Context, tenantID, workflowID string, from, to domain.WorkflowStatus) error
	UpdateWorkflowMeta(ctx context.Context, tenantID, workflowID, title string, expiresAt *time.Time) error

	UpdateSignerStatus(ctx context.Context, tenantID, workflowID, signerID string, from, to domain.SignerStatus, at time.Time) error

	// MarkFieldSigned flips a field to signed; fails with
	// ErrAlreadySigned if another writer got there first.
	MarkFieldSigned(ctx context.Context, tenantID, workflowID, fieldID string, at time.Time) error

	// ListOpenWorkflows returns SENT / IN_PROGRESS workflows with an
	// expiry on or before the given instant.
	ListOpenWorkflows(ctx context.Context, tenantID string, expiresBefore time.Time) ([]domain.SignatureWorkflow, error)

	AppendSignatureEvent(ctx context.Context, ev domain.SignatureEvent) (domain.SignatureEvent, error)
	ListSignatureEvents(ctx context.Context, tenantID, workflowID string) ([]domain.SignatureEvent, error)
	GetSignatureEvent(ctx context.Context, tenantID, workflowID, eventID string) (domain.SignatureEvent, error)
}

type Renewals interface {
	CreateRule(ctx context.Context, r domain.RenewalRule) error
	GetRule(ctx context.Context, tenantID, ruleID string) (domain.RenewalRule, error)
	ListRules(ctx context.Context, tenantID string) ([]domain.RenewalRule, error)
	UpdateRule(ctx context.Context, r domain.RenewalRule) error
	DeleteRule(ctx context.Context, tenantID, ruleID string) error

	CreateProposal(ctx context.Context, p domain.RenewalProposal) error
	GetProposal(ctx context.Context, tenantID, proposalID string) (domain.RenewalProposal, error)
	ListProposals(ctx context.Context, tenantID, sourceContractID string) ([]domain.RenewalProposal, error)
	UpdateProposalStatus(ctx context.Context, tenantID, proposalID string, from, to domain.ProposalStatus, decidedBy string, at time.Time) error

	// RecordOutcome is the idempotence barrier: it fails with
	// ErrConcurrentModification when an outcome already exists for the
	// (source contract, cycle) pair.
	RecordOutcome(ctx context.Context, o domain.RenewalOutcome) error
	GetOutcome(ctx context.Context, tenantID, sourceContractID, cycle string) (domain.RenewalOutcome, error)

	RenewalStats(ctx context.Context, tenantID string) (domain.RenewalStats, error)
}
