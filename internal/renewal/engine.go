// Package renewal watches active contracts approaching their end date
// and regenerates follow-on agreements according to tenant-defined
// rules.
package renewal

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"

	"coworkd/internal/lifecycle"
	"coworkd/internal/notify"
	"coworkd/internal/store"
	"coworkd/pkg/domain"
)

// Lifecycle is the slice of the lifecycle manager the engine drives:
// successor drafts are created and, on the auto-renew path, activated
// through it.
type Lifecycle interface {
	CreateContract(ctx context.Context, tenantID, actor string, spec lifecycle.ContractSpec) (domain.Contract, error)
	Activate(ctx context.Context, tenantID, contractID, actor string) (domain.Contract, error)
}

type Engine struct {
	contracts store.Contracts
	renewals  store.Renewals
	lifecycle Lifecycle
	clock     domain.Clock
	dispatch  notify.Dispatcher
}

func New(contracts store.Contracts, renewals store.Renewals, lc Lifecycle, clock domain.Clock, dispatch notify.Dispatcher) *Engine {
	return &Engine{contracts: contracts, renewals: renewals, lifecycle: lc, clock: clock, dispatch: dispatch}
}

// ---- rule CRUD ----

type RuleSpec struct {
	ContractType domain.ContractType    `json:"contract_type,omitempty"`
	Criteria     string                 `json:"criteria,omitempty"`
	TriggerDays  int                    `json:"trigger_days"`
	Action       domain.RenewalAction   `json:"action"`
	Adjustment   domain.PriceAdjustment `json:"adjustment"`
	Active       bool                   `json:"active"`
	Priority     int                    `json:"priority"`
}

func (e *Engine) CreateRule(ctx context.Context, tenantID string, spec RuleSpec) (domain.RenewalRule, error) {
	r := domain.RenewalRule{
		RuleID:       "rul_" + uuid.NewString(),
		TenantID:     tenantID,
		ContractType: spec.ContractType,
		Criteria:     spec.Criteria,
		TriggerDays:  spec.TriggerDays,
		Action:       spec.Action,
		Adjustment:   spec.Adjustment,
		Active:       spec.Active,
		Priority:     spec.Priority,
		CreatedAt:    e.clock.Now(),
	}
	if err := r.Validate(); err != nil {
		return domain.RenewalRule{}, err
	}
	if r.Criteria != "" {
		if _, err := govaluate.NewEvaluableExpression(r.Criteria); err != nil {
			return domain.RenewalRule{}, &domain.ValidationError{Field: "criteria", Reason: err.Error()}
		}
	}
	if err := e.renewals.CreateRule(ctx, r); err != nil {
		return domain.RenewalRule{}, err
	}
	return r, nil
}

func (e *Engine) GetRule(ctx context.Context, tenantID, ruleID string) (domain.RenewalRule, error) {
	return e.renewals.GetRule(ctx, tenantID, ruleID)
}

func (e *Engine) ListRules(ctx context.Context, tenantID string) ([]domain.RenewalRule, error) {
	return e.renewals.ListRules(ctx, tenantID)
}

func (e *Engine) UpdateRule(ctx context.Context, tenantID, ruleID string, spec RuleSpec) (domain.RenewalRule, error) {
	r, err := e.renewals.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return domain.RenewalRule{}, err
	}
	r.ContractType = spec.ContractType
	r.Criteria = spec.Criteria
	r.TriggerDays = spec.TriggerDays
	r.Action = spec.Action
	r.Adjustment = spec.Adjustment
	r.Active = spec.Active
	r.Priority = spec.Priority
	if err := r.Validate(); err != nil {
		return domain.RenewalRule{}, err
	}
	if r.Criteria != "" {
		if _, err := govaluate.NewEvaluableExpression(r.Criteria); err != nil {
			return domain.RenewalRule{}, &domain.ValidationError{Field: "criteria", Reason: err.Error()}
		}
	}
	if err := e.renewals.UpdateRule(ctx, r); err != nil {
		return domain.RenewalRule{}, err
	}
	return r, nil
}

func (e *Engine) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	return e.renewals.DeleteRule(ctx, tenantID, ruleID)
}

// ---- evaluation ----

// Outcome reports what one evaluation did.
type Outcome struct {
	Matched    bool                      `json:"matched"`
	Skipped    bool                      `json:"skipped"`
	RuleID     string                    `json:"rule_id,omitempty"`
	Kind       domain.RenewalOutcomeKind `json:"kind,omitempty"`
	ProposalID string                    `json:"proposal_id,omitempty"`
	ContractID string                    `json:"contract_id,omitempty"`
}

// EvaluateContract selects the winning rule for the contract and runs
// its action. Repeated evaluations within the same cycle are no-ops:
// the recorded outcome is the idempotence barrier.
func (e *Engine) EvaluateContract(ctx context.Context, tenantID, contractID string) (Outcome, error) {
	c, err := e.contracts.GetContract(ctx, tenantID, contractID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Status != domain.ContractActive || c.EndDate == nil {
		return Outcome{}, nil
	}
	now := e.clock.Now()
	cycle := domain.RenewalCycle(*c.EndDate)
	if _, err := e.renewals.GetOutcome(ctx, tenantID, contractID, cycle); err == nil {
		return Outcome{Skipped: true}, nil
	}

	rule, ok, err := e.matchRule(ctx, tenantID, c, now)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, nil
	}

	switch rule.Action {
	case domain.RenewAuto:
		return e.autoRenew(ctx, tenantID, c, rule, cycle)
	case domain.RenewPropose:
		return e.propose(ctx, tenantID, c, rule, cycle)
	default:
		if err := e.renewals.RecordOutcome(ctx, domain.RenewalOutcome{
			TenantID:         tenantID,
			SourceContractID: c.ContractID,
			Cycle:            cycle,
			Kind:             domain.OutcomeNotified,
			CreatedAt:        now,
		}); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				return Outcome{Skipped: true}, nil
			}
			return Outcome{}, err
		}
		e.dispatch.Notify(ctx, notify.Event{
			Type:       "renewal.expiring",
			TenantID:   tenantID,
			ContractID: c.ContractID,
			Data:       map[string]any{"end_date": c.EndDate, "rule_id": rule.RuleID},
		})
		return Outcome{Matched: true, RuleID: rule.RuleID, Kind: domain.OutcomeNotified}, nil
	}
}

// matchRule picks the highest-priority active rule whose criteria
// match and whose trigger window has been reached. Lower priority
// number wins; ties break by creation order, earliest first.
func (e *Engine) matchRule(ctx context.Context, tenantID string, c domain.Contract, now time.Time) (domain.RenewalRule, bool, error) {
	rules, err := e.renewals.ListRules(ctx, tenantID)
	if err != nil {
		return domain.RenewalRule{}, false, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].RuleID < rules[j].RuleID
	})
	for _, r := range rules {
		if !r.Active {
			continue
		}
		if r.ContractType != "" && r.ContractType != c.Type {
			continue
		}
		trigger := c.EndDate.AddDate(0, 0, -r.TriggerDays)
		if now.Before(trigger) {
			continue
		}
		if r.Criteria != "" {
			ok, err := evalCriteria(r.Criteria, c)
			if err != nil {
				slog.WarnContext(ctx, "renewal criteria evaluation failed", "rule", r.RuleID, "err", err)
				continue
			}
			if !ok {
				continue
			}
		}
		return r, true, nil
	}
	return domain.RenewalRule{}, false, nil
}

// evalCriteria runs the rule expression against contract attributes
// plus metadata keys prefixed "meta_".
func evalCriteria(criteria string, c domain.Contract) (bool, error) {
	expr, err := govaluate.NewEvaluableExpression(criteria)
	if err != nil {
		return false, err
	}
	params := map[string]any{
		"type":      string(c.Type),
		"value":     float64(c.Value.Amount),
		"currency":  c.Value.Currency,
		"autoRenew": c.AutoRenew,
	}
	for k, v := range c.Metadata {
		params["meta_"+k] = v.Value
	}
	res, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, &domain.ValidationError{Field: "criteria", Reason: "expression is not boolean"}
	}
	return b, nil
}

// successorSpec clones the source with shifted dates and adjusted
// price. The successor starts exactly where the source ends.
func successorSpec(c domain.Contract, rule domain.RenewalRule) lifecycle.ContractSpec {
	months := c.RenewalMonths
	if months <= 0 {
		months = 12
	}
	start := *c.EndDate
	end := start.AddDate(0, months, 0)
	parties := make([]domain.Party, len(c.Parties))
	for i, p := range c.Parties {
		p.PartyID = ""
		p.SignedAt = nil
		parties[i] = p
	}
	return lifecycle.ContractSpec{
		Type:          c.Type,
		Title:         renewalTitle(c.Title),
		Body:          c.Body,
		Parties:       parties,
		Terms:         append([]domain.Term(nil), c.Terms...),
		StartDate:     start,
		EndDate:       &end,
		AutoRenew:     c.AutoRenew,
		RenewalMonths: c.RenewalMonths,
		Value:         rule.Adjustment.Apply(c.Value),
		Metadata:      c.Metadata.Clone(),
	}
}

func renewalTitle(title string) string {
	if strings.HasSuffix(title, " (renewal)") {
		return title
	}
	return title + " (renewal)"
}

func (e *Engine) autoRenew(ctx context.Context, tenantID string, c domain.Contract, rule domain.RenewalRule, cycle string) (Outcome, error) {
	if err := e.renewals.RecordOutcome(ctx, domain.RenewalOutcome{
		TenantID:         tenantID,
		SourceContractID: c.ContractID,
		Cycle:            cycle,
		Kind:             domain.OutcomeAutoRenewed,
		CreatedAt:        e.clock.Now(),
	}); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, err
	}
	successor, err := e.lifecycle.CreateContract(ctx, tenantID, "system", successorSpec(c, rule))
	if err != nil {
		return Outcome{}, err
	}
	// No fresh signature is required by policy; the draft activates
	// straight away.
	if _, err := e.lifecycle.Activate(ctx, tenantID, successor.ContractID, "system"); err != nil {
		return Outcome{}, err
	}
	e.dispatch.Notify(ctx, notify.Event{
		Type:       "renewal.auto_renewed",
		TenantID:   tenantID,
		ContractID: successor.ContractID,
		Data:       map[string]any{"source_contract_id": c.ContractID, "rule_id": rule.RuleID},
	})
	return Outcome{Matched: true, RuleID: rule.RuleID, Kind: domain.OutcomeAutoRenewed, ContractID: successor.ContractID}, nil
}

func (e *Engine) propose(ctx context.Context, tenantID string, c domain.Contract, rule domain.RenewalRule, cycle string) (Outcome, error) {
	if err := e.renewals.RecordOutcome(ctx, domain.RenewalOutcome{
		TenantID:         tenantID,
		SourceContractID: c.ContractID,
		Cycle:            cycle,
		Kind:             domain.OutcomeProposed,
		CreatedAt:        e.clock.Now(),
	}); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, err
	}
	draft, err := e.lifecycle.CreateContract(ctx, tenantID, "system", successorSpec(c, rule))
	if err != nil {
		return Outcome{}, err
	}
	p := domain.RenewalProposal{
		ProposalID:       "prp_" + uuid.NewString(),
		TenantID:         tenantID,
		SourceContractID: c.ContractID,
		DraftContractID:  draft.ContractID,
		RuleID:           rule.RuleID,
		Cycle:            cycle,
		Status:           domain.ProposalPending,
		CreatedAt:        e.clock.Now(),
	}
	if err := e.renewals.CreateProposal(ctx, p); err != nil {
		return Outcome{}, err
	}
	e.dispatch.Notify(ctx, notify.Event{
		Type:       "renewal.proposed",
		TenantID:   tenantID,
		ContractID: c.ContractID,
		ProposalID: p.ProposalID,
	})
	return Outcome{Matched: true, RuleID: rule.RuleID, Kind: domain.OutcomeProposed, ProposalID: p.ProposalID, ContractID: draft.ContractID}, nil
}

// ---- proposals ----

type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
)

// ProcessProposal applies a human decision. Accepting activates the
// owned draft, identical to the auto-renew path; rejecting is terminal
// with no side effects on the source contract.
func (e *Engine) ProcessProposal(ctx context.Context, tenantID, proposalID, actor string, decision Decision) (domain.RenewalProposal, error) {
	p, err := e.renewals.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return domain.RenewalProposal{}, err
	}
	if p.Status != domain.ProposalPending {
		return domain.RenewalProposal{}, &domain.InvalidStateError{Kind: "proposal", ID: proposalID, State: string(p.Status), Op: "decide"}
	}
	now := e.clock.Now()
	switch decision {
	case DecisionAccept:
		if err := e.renewals.UpdateProposalStatus(ctx, tenantID, proposalID, domain.ProposalPending, domain.ProposalAccepted, actor, now); err != nil {
			return domain.RenewalProposal{}, err
		}
		if _, err := e.lifecycle.Activate(ctx, tenantID, p.DraftContractID, actor); err != nil {
			return domain.RenewalProposal{}, err
		}
	case DecisionReject:
		if err := e.renewals.UpdateProposalStatus(ctx, tenantID, proposalID, domain.ProposalPending, domain.ProposalRejected, actor, now); err != nil {
			return domain.RenewalProposal{}, err
		}
	default:
		return domain.RenewalProposal{}, &domain.ValidationError{Field: "decision", Reason: "must be ACCEPT or REJECT"}
	}
	e.dispatch.Notify(ctx, notify.Event{
		Type:       "renewal.decided",
		TenantID:   tenantID,
		ProposalID: proposalID,
		Data:       map[string]any{"decision": decision, "actor": actor},
	})
	return e.renewals.GetProposal(ctx, tenantID, proposalID)
}

func (e *Engine) GetProposal(ctx context.Context, tenantID, proposalID string) (domain.RenewalProposal, error) {
	return e.renewals.GetProposal(ctx, tenantID, proposalID)
}

func (e *Engine) ListProposals(ctx context.Context, tenantID, sourceContractID string) ([]domain.RenewalProposal, error) {
	return e.renewals.ListProposals(ctx, tenantID, sourceContractID)
}

func (e *Engine) Stats(ctx context.Context, tenantID string) (domain.RenewalStats, error) {
	return e.renewals.RenewalStats(ctx, tenantID)
}

// PendingProposal implements lifecycle.RenewalChecker: the expiration
// sweep leaves contracts alone while a proposal is still undecided.
func (e *Engine) PendingProposal(ctx context.Context, tenantID, contractID string) (bool, error) {
	props, err := e.renewals.ListProposals(ctx, tenantID, contractID)
	if err != nil {
		return false, err
	}
	for _, p := range props {
		if p.Status == domain.ProposalPending {
			return true, nil
		}
	}
	return false, nil
}

// ExpireProposals expires PENDING proposals whose cycle end date has
// passed without a decision, releasing the source contract's deferred
// expiration.
func (e *Engine) ExpireProposals(ctx context.Context, tenantID string) (int, error) {
	props, err := e.renewals.ListProposals(ctx, tenantID, "")
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	n := 0
	for _, p := range props {
		if p.Status != domain.ProposalPending {
			continue
		}
		end, err := time.Parse("2006-01-02", p.Cycle)
		if err != nil || !now.After(end) {
			continue
		}
		if err := e.renewals.UpdateProposalStatus(ctx, tenantID, p.ProposalID, domain.ProposalPending, domain.ProposalExpired, "system", now); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				continue
			}
			return n, err
		}
		n++
		e.dispatch.Notify(ctx, notify.Event{
			Type:       "renewal.proposal_expired",
			TenantID:   tenantID,
			ContractID: p.SourceContractID,
			ProposalID: p.ProposalID,
		})
	}
	return n, nil
}

// SweepTenant evaluates every contract of the tenant nearing
// expiration. Idempotent per cycle.
func (e *Engine) SweepTenant(ctx context.Context, tenantID string, windowDays int) (int, error) {
	horizon := e.clock.Now().AddDate(0, 0, windowDays)
	near, err := e.contracts.ListExpiring(ctx, tenantID, horizon)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range near {
		out, err := e.EvaluateContract(ctx, tenantID, c.ContractID)
		if err != nil {
			return n, err
		}
		if out.Matched {
			n++
		}
	}
	return n, nil
}
