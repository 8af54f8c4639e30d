// Package memory is the in-process store implementation. It backs the
// engine tests and dev mode with the same conditional-update semantics
// the postgres store enforces with WHERE clauses.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"coworkd/internal/idempotency"
	"coworkd/internal/store"
	"coworkd/pkg/domain"
)

type Store struct {
	mu sync.RWMutex

	contracts map[string]*domain.Contract        // key tenant/id
	audit     map[string][]domain.AuditEvent     // key tenant/contract
	workflows map[string]*domain.SignatureWorkflow
	sigEvents map[string][]domain.SignatureEvent // key tenant/workflow
	rules     map[string]*domain.RenewalRule
	proposals map[string]*domain.RenewalProposal
	outcomes  map[string]domain.RenewalOutcome // key tenant/source/cycle
	idem      map[string]idemRecord            // key tenant/actor/key/endpoint
}

type idemRecord struct {
	status int
	body   map[string]any
}

var (
	_ store.Contracts = (*Store)(nil)
	_ store.Workflows = (*Store)(nil)
	_ store.Renewals  = (*Store)(nil)

	_ idempotency.Store = (*Store)(nil)
)

func New() *Store {
	return &Store{
		contracts: map[string]*domain.Contract{},
		audit:     map[string][]domain.AuditEvent{},
		workflows: map[string]*domain.SignatureWorkflow{},
		sigEvents: map[string][]domain.SignatureEvent{},
		rules:     map[string]*domain.RenewalRule{},
		proposals: map[string]*domain.RenewalProposal{},
		outcomes:  map[string]domain.RenewalOutcome{},
		idem:      map[string]idemRecord{},
	}
}

func idemKey(tenantID, actorID, key, endpoint string) string {
	return tenantID + "/" + actorID + "/" + key + "/" + endpoint
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, actorID, key, endpoint string) (int, map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idem[idemKey(tenantID, actorID, key, endpoint)]
	if !ok {
		return 0, nil, false, nil
	}
	body := make(map[string]any, len(rec.body))
	for k, v := range rec.body {
		body[k] = v
	}
	return rec.status, body, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, tenantID, actorID, key, endpoint string, status int, body map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idem[idemKey(tenantID, actorID, key, endpoint)] = idemRecord{status: status, body: body}
	return nil
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyContract(c *domain.Contract) domain.Contract {
	out := *c
	out.Parties = append([]domain.Party(nil), c.Parties...)
	out.Terms = append([]domain.Term(nil), c.Terms...)
	out.Metadata = c.Metadata.Clone()
	out.EndDate = copyTime(c.EndDate)
	out.ActivatedAt = copyTime(c.ActivatedAt)
	out.TerminatedAt = copyTime(c.TerminatedAt)
	out.TerminationEffective = copyTime(c.TerminationEffective)
	return out
}

func copyWorkflow(w *domain.SignatureWorkflow) domain.SignatureWorkflow {
	out := *w
	out.Signers = append([]domain.Signer(nil), w.Signers...)
	out.Fields = append([]domain.SignatureField(nil), w.Fields...)
	for i := range out.Signers {
		out.Signers[i].SignedAt = copyTime(out.Signers[i].SignedAt)
	}
	for i := range out.Fields {
		out.Fields[i].SignedAt = copyTime(out.Fields[i].SignedAt)
	}
	out.ExpiresAt = copyTime(w.ExpiresAt)
	return out
}

// ---- Contracts ----

func (s *Store) CreateContract(ctx context.Context, c domain.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(c.TenantID, c.ContractID)
	if _, ok := s.contracts[k]; ok {
		return domain.ErrConcurrentModification
	}
	cc := copyContract(&c)
	s.contracts[k] = &cc
	return nil
}

func (s *Store) GetContract(ctx context.Context, tenantID, contractID string) (domain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[key(tenantID, contractID)]
	if !ok {
		return domain.Contract{}, &domain.NotFoundError{Kind: "contract", ID: contractID}
	}
	return copyContract(c), nil
}

func (s *Store) ListContracts(ctx context.Context, tenantID string, f store.ContractFilter) ([]domain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Contract
	for _, c := range s.contracts {
		if c.TenantID != tenantID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		out = append(out, copyContract(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateContractDraft(ctx context.Context, c domain.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.contracts[key(c.TenantID, c.ContractID)]
	if !ok {
		return &domain.NotFoundError{Kind: "contract", ID: c.ContractID}
	}
	if cur.Status != domain.ContractDraft {
		return domain.ErrConcurrentModification
	}
	cur.Title = c.Title
	cur.Body = c.Body
	cur.Parties = append([]domain.Party(nil), c.Parties...)
	cur.Terms = append([]domain.Term(nil), c.Terms...)
	cur.StartDate = c.StartDate
	cur.EndDate = copyTime(c.EndDate)
	cur.AutoRenew = c.AutoRenew
	cur.RenewalMonths = c.RenewalMonths
	cur.Value = c.Value
	cur.Metadata = c.Metadata.Clone()
	return nil
}

func (s *Store) UpdateContractStatus(ctx context.Context, tenantID, contractID string, from, to domain.ContractStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[key(tenantID, contractID)]
	if !ok {
		return &domain.NotFoundError{Kind: "contract", ID: contractID}
	}
	if c.Status != from {
		return domain.ErrConcurrentModification
	}
	c.Status = to
	switch {
	case to == domain.ContractActive && c.ActivatedAt == nil:
		t := at
		c.ActivatedAt = &t
	case to.Terminal():
		t := at
		c.TerminatedAt = &t
	}
	return nil
}

func (s *Store) ScheduleTermination(ctx context.Context, tenantID, contractID string, from domain.ContractStatus, effective time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[key(tenantID, contractID)]
	if !ok {
		return &domain.NotFoundError{Kind: "contract", ID: contractID}
	}
	if c.Status != from {
		return domain.ErrConcurrentModification
	}
	e := effective
	c.TerminationEffective = &e
	c.TerminationReason = reason
	return nil
}

func (s *Store) ListExpiring(ctx context.Context, tenantID string, before time.Time) ([]domain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Contract
	for _, c := range s.contracts {
		if c.TenantID != tenantID || c.Status.Terminal() {
			continue
		}
		due := c.EndDate != nil && !c.EndDate.After(before)
		scheduled := c.TerminationEffective != nil && !c.TerminationEffective.After(before)
		if due || scheduled {
			out = append(out, copyContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

func (s *Store) ContractStats(ctx context.Context, tenantID string) (domain.ContractStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.ContractStats{
		ByStatus:        map[domain.ContractStatus]int{},
		TotalByCurrency: map[string]int64{},
	}
	for _, c := range s.contracts {
		if c.TenantID != tenantID {
			continue
		}
		stats.ByStatus[c.Status]++
		if c.Value.Currency != "" {
			stats.TotalByCurrency[c.Value.Currency] += c.Value.Amount
		}
	}
	return stats, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, c := range s.contracts {
		if !seen[c.TenantID] {
			seen[c.TenantID] = true
			out = append(out, c.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(ev.TenantID, ev.ContractID)
	ev.Seq = int64(len(s.audit[k]) + 1)
	s.audit[k] = append(s.audit[k], ev)
	return ev, nil
}

func (s *Store) ListAudit(ctx context.Context, tenantID, contractID string) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.audit[key(tenantID, contractID)]
	return append([]domain.AuditEvent(nil), evs...), nil
}

// ---- Workflows ----

func (s *Store) CreateWorkflow(ctx context.Context, w domain.SignatureWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(w.TenantID, w.WorkflowID)
	if _, ok := s.workflows[k]; ok {
		return domain.ErrConcurrentModification
	}
	for _, other := range s.workflows {
		if other.TenantID == w.TenantID && other.ContractID == w.ContractID && !other.Status.Terminal() {
			return domain.ErrConcurrentModification
		}
	}
	ww := copyWorkflow(&w)
	s.workflows[k] = &ww
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, tenantID, workflowID string) (domain.SignatureWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[key(tenantID, workflowID)]
	if !ok {
		return domain.SignatureWorkflow{}, &domain.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	return copyWorkflow(w), nil
}

func (s *Store) ListWorkflows(ctx context.Context, tenantID, contractID string) ([]domain.SignatureWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SignatureWorkflow
	for _, w := range s.workflows {
		if w.TenantID != tenantID {
			continue
		}
		if contractID != "" && w.ContractID != contractID {
			continue
		}
		out = append(out, copyWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ActiveWorkflowForContract(ctx context.Context, tenantID, contractID string) (domain.SignatureWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workflows {
		if w.TenantID == tenantID && w.ContractID == contractID && !w.Status.Terminal() {
			return copyWorkflow(w), nil
		}
	}
	return domain.SignatureWorkflow{}, &domain.NotFoundError{Kind: "workflow for contract", ID: contractID}
}

func (s *Store) LatestWorkflowForContract(ctx context.Context, tenantID, contractID string) (domain.SignatureWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.SignatureWorkflow
	for _, w := range s.workflows {
		if w.TenantID != tenantID || w.ContractID != contractID {
			continue
		}
		if latest == nil || w.CreatedAt.After(latest.CreatedAt) {
			latest = w
		}
	}
	if latest == nil {
		return domain.SignatureWorkflow{}, &domain.NotFoundError{Kind: "workflow for contract", ID: contractID}
	}
	return copyWorkflow(latest), nil
}

func (s *Store) UpdateWorkflowStatus(ctx context.Context, tenantID, workflowID string, from, to domain.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[key(tenantID, workflowID)]
	if !ok {
		return &domain.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if w.Status != from {
		return domain.ErrConcurrentModification
	}
	w.Status = to
	return nil
}

func (s *Store) UpdateWorkflowMeta(ctx context.Context, tenantID, workflowID, title string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[key(tenantID, workflowID)]
	if !ok {
		return &domain.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if w.Status.Terminal() {
		return domain.ErrConcurrentModification
	}
	if title != "" {
		w.Title = title
	}
	if expiresAt != nil {
		w.ExpiresAt = copyTime(expiresAt)
	}
	return nil
}

func (s *Store) UpdateSignerStatus(ctx context.Context, tenantID, workflowID, signerID string, from, to domain.SignerStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[key(tenantID, workflowID)]
	if !ok {
		return &domain.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	sg := w.Signer(signerID)
	if sg == nil {
		return &domain.NotFoundError{Kind: "signer", ID: signerID}
	}
	if sg.Status != from {
		return domain.ErrConcurrentModification
	}
	sg.Status = to
	if to == domain.SignerSigned {
		t := at
		sg.SignedAt = &t
	}
	return nil
}

func (s *Store) MarkFieldSigned(ctx context.Context, tenantID, workflowID, fieldID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[key(tenantID, workflowID)]
	if !ok {
		return &domain.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	f := w.Field(fieldID)
	if f == nil {
		return &domain.NotFoundError{Kind: "field", ID: fieldID}
	}
	if f.Signed() {
		return domain.ErrAlreadySigned
	}
	t := at
	f.SignedAt = &t
	return nil
}

func (s *Store) ListOpenWorkflows(ctx context.Context, tenantID string, expiresBefore time.Time) ([]domain.SignatureWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SignatureWorkflow
	for _, w := range s.workflows {
		if w.TenantID != tenantID || w.Status.Terminal() {
			continue
		}
		if w.ExpiresAt != nil && !w.ExpiresAt.After(expiresBefore) {
			out = append(out, copyWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (s *Store) AppendSignatureEvent(ctx context.Context, ev domain.SignatureEvent) (domain.SignatureEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(ev.TenantID, ev.WorkflowID)
	ev.Seq = int64(len(s.sigEvents[k]) + 1)
	s.sigEvents[k] = append(s.sigEvents[k], ev)
	return ev, nil
}

func (s *Store) ListSignatureEvents(ctx context.Context, tenantID, workflowID string) ([]domain.SignatureEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.sigEvents[key(tenantID, workflowID)]
	return append([]domain.SignatureEvent(nil), evs...), nil
}

func (s *Store) GetSignatureEvent(ctx context.Context, tenantID, workflowID, eventID string) (domain.SignatureEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.sigEvents[key(tenantID, workflowID)] {
		if ev.EventID == eventID {
			return ev, nil
		}
	}
	return domain.SignatureEvent{}, &domain.NotFoundError{Kind: "signature event", ID: eventID}
}

// ---- Renewals ----

func (s *Store) CreateRule(ctx context.Context, r domain.RenewalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(r.TenantID, r.RuleID)
	if _, ok := s.rules[k]; ok {
		return domain.ErrConcurrentModification
	}
	rr := r
	s.rules[k] = &rr
	return nil
}

func (s *Store) GetRule(ctx context.Context, tenantID, ruleID string) (domain.RenewalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[key(tenantID, ruleID)]
	if !ok {
		return domain.RenewalRule{}, &domain.NotFoundError{Kind: "renewal rule", ID: ruleID}
	}
	return *r, nil
}

func (s *Store) ListRules(ctx context.Context, tenantID string) ([]domain.RenewalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RenewalRule
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateRule(ctx context.Context, r domain.RenewalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[key(r.TenantID, r.RuleID)]
	if !ok {
		return &domain.NotFoundError{Kind: "renewal rule", ID: r.RuleID}
	}
	r.CreatedAt = cur.CreatedAt
	*cur = r
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, ruleID)
	if _, ok := s.rules[k]; !ok {
		return &domain.NotFoundError{Kind: "renewal rule", ID: ruleID}
	}
	delete(s.rules, k)
	return nil
}

func (s *Store) CreateProposal(ctx context.Context, p domain.RenewalProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(p.TenantID, p.ProposalID)
	if _, ok := s.proposals[k]; ok {
		return domain.ErrConcurrentModification
	}
	pp := p
	s.proposals[k] = &pp
	return nil
}

func (s *Store) GetProposal(ctx context.Context, tenantID, proposalID string) (domain.RenewalProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[key(tenantID, proposalID)]
	if !ok {
		return domain.RenewalProposal{}, &domain.NotFoundError{Kind: "renewal proposal", ID: proposalID}
	}
	return *p, nil
}

func (s *Store) ListProposals(ctx context.Context, tenantID, sourceContractID string) ([]domain.RenewalProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RenewalProposal
	for _, p := range s.proposals {
		if p.TenantID != tenantID {
			continue
		}
		if sourceContractID != "" && p.SourceContractID != sourceContractID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProposalID < out[j].ProposalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateProposalStatus(ctx context.Context, tenantID, proposalID string, from, to domain.ProposalStatus, decidedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[key(tenantID, proposalID)]
	if !ok {
		return &domain.NotFoundError{Kind: "renewal proposal", ID: proposalID}
	}
	if p.Status != from {
		return domain.ErrConcurrentModification
	}
	p.Status = to
	t := at
	p.DecidedAt = &t
	p.DecidedBy = decidedBy
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, o domain.RenewalOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := o.TenantID + "/" + o.SourceContractID + "/" + o.Cycle
	if _, ok := s.outcomes[k]; ok {
		return domain.ErrConcurrentModification
	}
	s.outcomes[k] = o
	return nil
}

func (s *Store) GetOutcome(ctx context.Context, tenantID, sourceContractID, cycle string) (domain.RenewalOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[tenantID+"/"+sourceContractID+"/"+cycle]
	if !ok {
		return domain.RenewalOutcome{}, &domain.NotFoundError{Kind: "renewal outcome", ID: sourceContractID + "@" + cycle}
	}
	return o, nil
}

func (s *Store) RenewalStats(ctx context.Context, tenantID string) (domain.RenewalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.RenewalStats{ByStatus: map[domain.ProposalStatus]int{}}
	for _, p := range s.proposals {
		if p.TenantID == tenantID {
			stats.ByStatus[p.Status]++
		}
	}
	return stats, nil
}
