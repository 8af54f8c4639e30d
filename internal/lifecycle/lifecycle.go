// Package lifecycle owns the contract state machine. Every transition
// is a conditional status write plus one immutable audit event;
// rejected attempts are audited too.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coworkd/internal/notify"
	"coworkd/internal/render"
	"coworkd/internal/store"
	"coworkd/pkg/domain"
)

// RenewalChecker lets the expiration sweep skip contracts whose
// renewal outcome is still pending. Wired to the renewal engine; nil
// means no pending outcomes.
type RenewalChecker interface {
	PendingProposal(ctx context.Context, tenantID, contractID string) (bool, error)
}

type Manager struct {
	contracts store.Contracts
	workflows store.Workflows
	clock     domain.Clock
	dispatch  notify.Dispatcher
	renderer  render.Renderer
	renewals  RenewalChecker
}

type Option func(*Manager)

func WithRenderer(r render.Renderer) Option { return func(m *Manager) { m.renderer = r } }
func WithRenewalChecker(r RenewalChecker) Option {
	return func(m *Manager) { m.renewals = r }
}

// SetRenewalChecker breaks the construction cycle with the renewal
// engine, which itself needs the manager to mint successor contracts.
func (m *Manager) SetRenewalChecker(r RenewalChecker) { m.renewals = r }

func New(contracts store.Contracts, workflows store.Workflows, clock domain.Clock, dispatch notify.Dispatcher, opts ...Option) *Manager {
	m := &Manager{contracts: contracts, workflows: workflows, clock: clock, dispatch: dispatch}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ContractSpec is the caller-facing input for a new draft. Body may be
// given directly or produced by the template renderer collaborator.
type ContractSpec struct {
	Type           domain.ContractType `json:"type"`
	Title          string              `json:"title"`
	Body           string              `json:"body,omitempty"`
	TemplateID     string              `json:"template_id,omitempty"`
	TemplateValues map[string]string   `json:"template_values,omitempty"`
	Parties        []domain.Party      `json:"parties"`
	Terms          []domain.Term       `json:"terms,omitempty"`
	StartDate      time.Time           `json:"start_date"`
	EndDate        *time.Time          `json:"end_date,omitempty"`
	AutoRenew      bool                `json:"auto_renew"`
	RenewalMonths  int                 `json:"renewal_months,omitempty"`
	Value          domain.Money        `json:"value"`
	Metadata       domain.Metadata     `json:"metadata,omitempty"`
}

func (m *Manager) CreateContract(ctx context.Context, tenantID, actor string, spec ContractSpec) (domain.Contract, error) {
	body := spec.Body
	if spec.TemplateID != "" {
		if m.renderer == nil {
			return domain.Contract{}, &domain.ValidationError{Field: "template_id", Reason: "no template renderer configured"}
		}
		rendered, err := m.renderer.Render(ctx, spec.TemplateID, spec.TemplateValues)
		if err != nil {
			return domain.Contract{}, &domain.ValidationError{Field: "template_id", Reason: err.Error()}
		}
		body = rendered
	}

	now := m.clock.Now()
	c := domain.Contract{
		ContractID:    "ctr_" + uuid.NewString(),
		TenantID:      tenantID,
		Type:          spec.Type,
		Title:         spec.Title,
		Body:          body,
		Parties:       append([]domain.Party(nil), spec.Parties...),
		Terms:         append([]domain.Term(nil), spec.Terms...),
		StartDate:     spec.StartDate,
		EndDate:       spec.EndDate,
		AutoRenew:     spec.AutoRenew,
		RenewalMonths: spec.RenewalMonths,
		Value:         spec.Value,
		Status:        domain.ContractDraft,
		Metadata:      spec.Metadata.Clone(),
		CreatedBy:     actor,
		CreatedAt:     now,
	}
	for i := range c.Parties {
		if c.Parties[i].PartyID == "" {
			c.Parties[i].PartyID = "pty_" + uuid.NewString()
		}
	}
	for i := range c.Terms {
		if c.Terms[i].TermID == "" {
			c.Terms[i].TermID = "trm_" + uuid.NewString()
		}
	}
	if err := c.Validate(); err != nil {
		return domain.Contract{}, err
	}
	if err := m.contracts.CreateContract(ctx, c); err != nil {
		return domain.Contract{}, err
	}
	m.audit(ctx, c.TenantID, c.ContractID, "CREATE", actor, "", domain.ContractDraft, "", false)
	return c, nil
}

func (m *Manager) Get(ctx context.Context, tenantID, contractID string) (domain.Contract, error) {
	return m.contracts.GetContract(ctx, tenantID, contractID)
}

func (m *Manager) List(ctx context.Context, tenantID string, f store.ContractFilter) ([]domain.Contract, error) {
	return m.contracts.ListContracts(ctx, tenantID, f)
}

// UpdateDraft replaces the mutable fields of a contract still in
// DRAFT. Any other status rejects the write.
func (m *Manager) UpdateDraft(ctx context.Context, tenantID, contractID, actor string, spec ContractSpec) (domain.Contract, error) {
	cur, err := m.contracts.GetContract(ctx, tenantID, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if cur.Status != domain.ContractDraft {
		return domain.Contract{}, &domain.InvalidStateError{Kind: "contract", ID: contractID, State: string(cur.Status), Op: "update"}
	}
	cur.Title = spec.Title
	if spec.Body != "" {
		cur.Body = spec.Body
	}
	cur.Parties = append([]domain.Party(nil), spec.Parties...)
	for i := range cur.Parties {
		if cur.Parties[i].PartyID == "" {
			cur.Parties[i].PartyID = "pty_" + uuid.NewString()
		}
	}
	cur.Terms = append([]domain.Term(nil), spec.Terms...)
	cur.StartDate = spec.StartDate
	cur.EndDate = spec.EndDate
	cur.AutoRenew = spec.AutoRenew
	cur.RenewalMonths = spec.RenewalMonths
	cur.Value = spec.Value
	cur.Metadata = spec.Metadata.Clone()
	if err := cur.Validate(); err != nil {
		return domain.Contract{}, err
	}
	if err := m.contracts.UpdateContractDraft(ctx, cur); err != nil {
		return domain.Contract{}, err
	}
	m.audit(ctx, tenantID, contractID, "UPDATE", actor, domain.ContractDraft, domain.ContractDraft, "", false)
	return cur, nil
}

// Activate moves a contract to ACTIVE. From PENDING_SIGNATURE the
// bound workflow must be COMPLETED; from DRAFT there must be no active
// workflow at all (no signature required).
func (m *Manager) Activate(ctx context.Context, tenantID, contractID, actor string) (domain.Contract, error) {
	c, err := m.contracts.GetContract(ctx, tenantID, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	switch c.Status {
	case domain.ContractDraft:
		if _, err := m.workflows.ActiveWorkflowForContract(ctx, tenantID, contractID); err == nil {
			m.audit(ctx, tenantID, contractID, "ACTIVATE", actor, c.Status, domain.ContractActive, "signature workflow still open", true)
			return domain.Contract{}, &domain.InvalidStateError{Kind: "contract", ID: contractID, State: string(c.Status), Op: "activate"}
		}
	case domain.ContractPendingSignature:
		wf, err := m.workflows.LatestWorkflowForContract(ctx, tenantID, contractID)
		if err != nil || wf.Status != domain.WorkflowCompleted {
			m.audit(ctx, tenantID, contractID, "ACTIVATE", actor, c.Status, domain.ContractActive, "signature workflow not completed", true)
			return domain.Contract{}, &domain.InvalidStateError{Kind: "contract", ID: contractID, State: string(c.Status), Op: "activate"}
		}
	default:
		m.audit(ctx, tenantID, contractID, "ACTIVATE", actor, c.Status, domain.ContractActive, "", true)
		return domain.Contract{}, &domain.InvalidStateError{Kind: "contract", ID: contractID, State: string(c.Status), Op: "activate"}
	}
	return m.transition(ctx, tenantID, contractID, actor, "ACTIVATE", c.Status, domain.ContractActive, "")
}

func (m *Manager) Suspend(ctx context.Context, tenantID, contractID, actor, reason string) (domain.Contract, error) {
	return m.guarded(ctx, tenantID, contractID, actor, "SUSPEND", domain.ContractSuspended, reason, domain.ContractActive)
}

func (m *Manager) Reactivate(ctx context.Context, tenantID, contractID, actor string) (domain.Contract, error) {
	return m.guarded(ctx, tenantID, contractID, actor, "REACTIVATE", domain.ContractActive, "", domain.ContractSuspended)
}

// Terminate ends an ACTIVE or SUSPENDED contract. A future effective
// date schedules the termination; the expiration sweep performs the
// transition when the date is reached.
func (m *Manager) Terminate(ctx context.Context, tenantID, contractID, actor, reason string, effective *time.Time) (domain.Contract, error) {
	c, err := m.contracts.GetContract(ctx, tenantID, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if c.Status != domain.ContractActive && c.Status != domain.ContractSuspended {
		m.audit(ctx, tenantID, contractID, "TERMINATE", actor, c.Status, domain.ContractTerminated, reason, true)
		return domain.Contract{}, &domain.InvalidStateError{Kind: "contract", ID: contractID, State: string(c.Status), Op: "terminate"}
	}
	now := m.clock.Now()
	if effective != nil && effective.After(now) {
		if err := m.contracts.ScheduleTermination(ctx, tenantID, contractID, c.Status, *effective, reason); err != nil {
			return domain.Contract{}, err
		}
		m.audit(ctx, tenantID, contractID, "SCHEDULE_TERMINATION", actor, c.Status, c.Status, reason, false)
		m.dispatch.Notify(ctx, notify.Event{Type: "contract.termination_scheduled", TenantID: tenantID, ContractID: contractID})
		return m.contracts.GetContract(ctx, tenantID, contractID)
	}
	return m.transition(ctx, tenantID, contractID, actor, "TERMINATE", c.Status, domain.ContractTerminated, reason)
}

func (m *Manager) Cancel(ctx context.Context, tenantID, contractID, actor, reason string) (domain.Contract, error) {
	return m.guarded(ctx, tenantID, contractID, actor, "CANCEL", domain.ContractCancelled, reason,
		domain.ContractDraft, domain.ContractPendingSignature)
}

// ExpireDue is one expiration sweep pass for a tenant: scheduled
// terminations whose effective date arrived become TERMINATED,
// contracts past their end date become EXPIRED. Contracts with a
// renewal outcome still pending are left alone.
func (m *Manager) ExpireDue(ctx context.Context, tenantID string) (int, error) {
	now := m.clock.Now()
	due, err := m.contracts.ListExpiring(ctx, tenantID, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range due {
		if c.Status != domain.ContractActive && c.Status != domain.ContractSuspended {
			continue
		}
		if c.TerminationEffective != nil && !c.TerminationEffective.After(now) {
			if _, err := m.transition(ctx, tenantID, c.ContractID, "system", "TERMINATE", c.Status, domain.ContractTerminated, c.TerminationReason); err != nil {
				return n, err
			}
			n++
			continue
		}
		if m.renewals != nil {
			pending, err := m.renewals.PendingProposal(ctx, tenantID, c.ContractID)
			if err != nil {
				return n, err
			}
			if pending {
				continue
			}
		}
		if _, err := m.transition(ctx, tenantID, c.ContractID, "system", "EXPIRE", c.Status, domain.ContractExpired, "end date reached"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ListExpiringWithin returns non-terminal contracts whose end date is
// at most `days` away.
func (m *Manager) ListExpiringWithin(ctx context.Context, tenantID string, days int) ([]domain.Contract, error) {
	horizon := m.clock.Now().AddDate(0, 0, days)
	return m.contracts.ListExpiring(ctx, tenantID, horizon)
}

func (m *Manager) Audit(ctx context.Context, tenantID, contractID string) ([]domain.AuditEvent, error) {
	return m.contracts.ListAudit(ctx, tenantID, contractID)
}

func (m *Manager) Stats(ctx context.Context, tenantID string) (domain.ContractStats, error) {
	return m.contracts.ContractStats(ctx, tenantID)
}

// guarded re-reads the contract, requires its status to be one of the
// allowed sources, and performs the transition.
func (m *Manager) guarded(ctx context.Context, tenantID, contractID, actor, action string, to domain.ContractStatus, reason string, allowed ...domain.ContractStatus) (domain.Contract, error) {
	c, err := m.contracts.GetContract(ctx, tenantID, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	ok := false
	for _, s := range allowed {
		if c.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		m.audit(ctx, tenantID, contractID, action, actor, c.Status, to, reason, true)
		return domain.Contract{}, &domain.InvalidStateError{Kind: "contract", ID: contractID, State: string(c.Status), Op: action}
	}
	return m.transition(ctx, tenantID, contractID, actor, action, c.Status, to, reason)
}

func (m *Manager) transition(ctx context.Context, tenantID, contractID, actor, action string, from, to domain.ContractStatus, reason string) (domain.Contract, error) {
	if !domain.CanTransition(from, to) {
		m.audit(ctx, tenantID, contractID, action, actor, from, to, reason, true)
		return domain.Contract{}, &domain.InvalidStateError{Kind: "contract", ID: contractID, State: string(from), Op: action}
	}
	if err := m.contracts.UpdateContractStatus(ctx, tenantID, contractID, from, to, m.clock.Now()); err != nil {
		m.audit(ctx, tenantID, contractID, action, actor, from, to, reason, true)
		return domain.Contract{}, err
	}
	m.audit(ctx, tenantID, contractID, action, actor, from, to, reason, false)
	m.dispatch.Notify(ctx, notify.Event{
		Type:       "contract." + string(to),
		TenantID:   tenantID,
		ContractID: contractID,
		Data:       map[string]any{"from": from, "to": to, "actor": actor},
	})
	return m.contracts.GetContract(ctx, tenantID, contractID)
}

// audit appends to the lifecycle trail. Appends are best-effort on the
// failure path so a broken store cannot mask the original error.
func (m *Manager) audit(ctx context.Context, tenantID, contractID, action, actor string, from, to domain.ContractStatus, reason string, failed bool) {
	_, err := m.contracts.AppendAudit(ctx, domain.AuditEvent{
		EventID:    "aud_" + uuid.NewString(),
		TenantID:   tenantID,
		ContractID: contractID,
		Action:     action,
		Actor:      actor,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		Failed:     failed,
		At:         m.clock.Now(),
	})
	if err != nil {
		slog.WarnContext(ctx, "audit append failed", "contract", contractID, "action", action, "err", err)
	}
}
