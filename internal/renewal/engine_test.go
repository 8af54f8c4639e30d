package renewal

import (
	"context"
	"testing"
	"time"

	"coworkd/internal/lifecycle"
	"coworkd/internal/notify"
	"coworkd/internal/store"
	"coworkd/internal/store/memory"
	"coworkd/pkg/domain"
)

// testNow is 20 days before the contract end date used below.
var (
	testNow = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	testEnd = time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T) (*Engine, *lifecycle.Manager, *memory.Store, *domain.FixedClock) {
	t.Helper()
	st := memory.New()
	clock := &domain.FixedClock{T: testNow}
	lc := lifecycle.New(st, st, clock, notify.Discard{})
	e := New(st, st, lc, clock, notify.Discard{})
	lc.SetRenewalChecker(e)
	return e, lc, st, clock
}

func activeContract(t *testing.T, lc *lifecycle.Manager, autoRenew bool) domain.Contract {
	t.Helper()
	ctx := context.Background()
	end := testEnd
	c, err := lc.CreateContract(ctx, "ten_1", "usr_1", lifecycle.ContractSpec{
		Type:  domain.ContractMembership,
		Title: "Flex membership",
		Body:  "terms",
		Parties: []domain.Party{
			{Name: "Acme", Email: "ops@acme.test", Role: domain.RoleCompany},
			{Name: "Jane", Email: "jane@test", Role: domain.RoleClient},
		},
		StartDate:     time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		EndDate:       &end,
		AutoRenew:     autoRenew,
		RenewalMonths: 6,
		Value:         domain.Money{Amount: 50000, Currency: "EUR"},
	})
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	if _, err := lc.Activate(ctx, "ten_1", c.ContractID, "usr_1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return c
}

func TestCreateRuleValidatesCriteria(t *testing.T) {
	e, _, _, _ := newEngine(t)
	ctx := context.Background()

	rule, err := e.CreateRule(ctx, "ten_1", RuleSpec{
		TriggerDays: 30,
		Action:      domain.RenewAuto,
		Criteria:    `value > 10000 && currency == "EUR"`,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rule.RuleID == "" {
		t.Fatalf("expected generated rule id")
	}

	if _, err := e.CreateRule(ctx, "ten_1", RuleSpec{
		TriggerDays: 30,
		Action:      domain.RenewAuto,
		Criteria:    `value >`,
		Active:      true,
	}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for broken expression, got %v", err)
	}
}

func TestAutoRenewCreatesActiveSuccessor(t *testing.T) {
	e, lc, _, _ := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, true)

	if _, err := e.CreateRule(ctx, "ten_1", RuleSpec{
		TriggerDays: 30,
		Action:      domain.RenewAuto,
		Adjustment:  domain.PriceAdjustment{Policy: domain.PricePercent, Percent: 500},
		Active:      true,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	out, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Matched || out.Kind != domain.OutcomeAutoRenewed || out.ContractID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	successor, err := lc.Get(ctx, "ten_1", out.ContractID)
	if err != nil {
		t.Fatalf("successor: %v", err)
	}
	if successor.Status != domain.ContractActive {
		t.Fatalf("expected ACTIVE successor, got %s", successor.Status)
	}
	if !successor.StartDate.Equal(testEnd) {
		t.Fatalf("successor must start at source end, got %v", successor.StartDate)
	}
	wantEnd := testEnd.AddDate(0, 6, 0)
	if successor.EndDate == nil || !successor.EndDate.Equal(wantEnd) {
		t.Fatalf("expected end %v, got %v", wantEnd, successor.EndDate)
	}
	// +5% on 50000
	if successor.Value.Amount != 52500 {
		t.Fatalf("expected adjusted value 52500, got %d", successor.Value.Amount)
	}
	if successor.Title != "Flex membership (renewal)" {
		t.Fatalf("unexpected title %q", successor.Title)
	}
}

func TestEvaluateIdempotentPerCycle(t *testing.T) {
	e, lc, _, _ := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, true)
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewAuto, Active: true})

	first, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if !first.Matched {
		t.Fatalf("expected match, got %+v", first)
	}

	second, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("expected second evaluation skipped, got %+v", second)
	}

	// only one successor exists
	all, _ := lc.List(ctx, "ten_1", store.ContractFilter{})
	if len(all) != 2 {
		t.Fatalf("expected source plus one successor, got %d contracts", len(all))
	}
}

func TestEvaluateOutsideTriggerWindow(t *testing.T) {
	e, lc, _, _ := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, true)
	// 20 days out; rule only fires within 10
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 10, Action: domain.RenewAuto, Active: true})

	out, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Matched || out.Skipped {
		t.Fatalf("expected no match outside window, got %+v", out)
	}
}

func TestRulePriorityTieBreak(t *testing.T) {
	e, lc, _, clock := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, true)

	// created earlier, higher priority number
	low, _ := e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewNotifyOnly, Priority: 5, Active: true})
	clock.T = clock.T.Add(time.Second)
	win, _ := e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewNotifyOnly, Priority: 1, Active: true})
	_ = low

	out, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.RuleID != win.RuleID {
		t.Fatalf("expected priority 1 rule to win, got %s", out.RuleID)
	}
}

func TestRuleCreationOrderTieBreak(t *testing.T) {
	e, lc, _, clock := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, true)

	first, _ := e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewNotifyOnly, Priority: 1, Active: true})
	clock.T = clock.T.Add(time.Second)
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewNotifyOnly, Priority: 1, Active: true})

	out, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.RuleID != first.RuleID {
		t.Fatalf("expected earliest rule to win the tie, got %s", out.RuleID)
	}
}

func TestCriteriaFiltering(t *testing.T) {
	e, lc, _, _ := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, true)

	// criteria that does not match: wrong currency
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{
		TriggerDays: 30, Action: domain.RenewAuto, Active: true, Priority: 1,
		Criteria: `currency == "USD"`,
	})
	// matching criteria at lower priority
	match, _ := e.CreateRule(ctx, "ten_1", RuleSpec{
		TriggerDays: 30, Action: domain.RenewNotifyOnly, Active: true, Priority: 2,
		Criteria: `value >= 50000 && autoRenew == true`,
	})

	out, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.RuleID != match.RuleID {
		t.Fatalf("expected criteria-matching rule, got %+v", out)
	}
}

func TestInactiveAndWrongTypeRulesSkipped(t *testing.T) {
	e, lc, _, _ := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, true)

	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewAuto, Active: false, Priority: 1})
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewAuto, Active: true, Priority: 2, ContractType: domain.ContractLease})

	out, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Matched {
		t.Fatalf("expected no rule to apply, got %+v", out)
	}
}

func TestProposeAndAccept(t *testing.T) {
	e, lc, _, _ := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, false)
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewPropose, Active: true})

	out, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != domain.OutcomeProposed || out.ProposalID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	draft, _ := lc.Get(ctx, "ten_1", out.ContractID)
	if draft.Status != domain.ContractDraft {
		t.Fatalf("expected DRAFT successor pending decision, got %s", draft.Status)
	}

	p, err := e.ProcessProposal(ctx, "ten_1", out.ProposalID, "usr_2", DecisionAccept)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if p.Status != domain.ProposalAccepted || p.DecidedBy != "usr_2" {
		t.Fatalf("unexpected proposal %+v", p)
	}
	accepted, _ := lc.Get(ctx, "ten_1", out.ContractID)
	if accepted.Status != domain.ContractActive {
		t.Fatalf("expected draft activated on accept, got %s", accepted.Status)
	}

	// a decided proposal cannot be decided again
	if _, err := e.ProcessProposal(ctx, "ten_1", out.ProposalID, "usr_2", DecisionReject); !domain.IsInvalidState(err) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestProposeAndReject(t *testing.T) {
	e, lc, _, _ := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, false)
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewPropose, Active: true})

	out, _ := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	p, err := e.ProcessProposal(ctx, "ten_1", out.ProposalID, "usr_2", DecisionReject)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p.Status != domain.ProposalRejected {
		t.Fatalf("expected REJECTED, got %s", p.Status)
	}
	// the draft stays a draft; the source contract is untouched
	draft, _ := lc.Get(ctx, "ten_1", out.ContractID)
	if draft.Status != domain.ContractDraft {
		t.Fatalf("expected draft untouched, got %s", draft.Status)
	}
	src, _ := lc.Get(ctx, "ten_1", c.ContractID)
	if src.Status != domain.ContractActive {
		t.Fatalf("expected source ACTIVE, got %s", src.Status)
	}
}

func TestPendingProposalBlocksExpiry(t *testing.T) {
	e, lc, _, clock := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, false)
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewPropose, Active: true})
	out, _ := e.EvaluateContract(ctx, "ten_1", c.ContractID)

	// past the end date with the proposal still pending
	clock.T = testEnd.AddDate(0, 0, 1)
	n, err := lc.ExpireDue(ctx, "ten_1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected expiry held back, got %d", n)
	}

	// once rejected, the next sweep expires the source
	if _, err := e.ProcessProposal(ctx, "ten_1", out.ProposalID, "usr_2", DecisionReject); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := lc.ExpireDue(ctx, "ten_1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	src, _ := lc.Get(ctx, "ten_1", c.ContractID)
	if src.Status != domain.ContractExpired {
		t.Fatalf("expected EXPIRED after rejection, got %s", src.Status)
	}
}

func TestExpireProposalsReleasesDeferredExpiry(t *testing.T) {
	e, lc, _, clock := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, false)
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewPropose, Active: true})
	out, _ := e.EvaluateContract(ctx, "ten_1", c.ContractID)

	// still inside the cycle: nothing to expire
	n, err := e.ExpireProposals(ctx, "ten_1")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no proposal expired before the cycle end, got %d", n)
	}

	// past the cycle end with no decision taken
	clock.T = testEnd.AddDate(0, 0, 1)
	n, err = e.ExpireProposals(ctx, "ten_1")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one proposal expired, got %d", n)
	}
	p, err := e.GetProposal(ctx, "ten_1", out.ProposalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != domain.ProposalExpired {
		t.Fatalf("expected EXPIRED proposal, got %s", p.Status)
	}
	if pending, _ := e.PendingProposal(ctx, "ten_1", c.ContractID); pending {
		t.Fatalf("expected no pending proposal after expiry")
	}

	// the deferral is released: the source contract now expires
	if _, err := lc.ExpireDue(ctx, "ten_1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	src, _ := lc.Get(ctx, "ten_1", c.ContractID)
	if src.Status != domain.ContractExpired {
		t.Fatalf("expected source EXPIRED, got %s", src.Status)
	}

	// expired is a decided state: a second pass finds nothing
	if n, _ := e.ExpireProposals(ctx, "ten_1"); n != 0 {
		t.Fatalf("expected idempotent pass, got %d", n)
	}
}

func TestNotifyOnlyRecordsOutcome(t *testing.T) {
	e, lc, st, _ := newEngine(t)
	ctx := context.Background()
	c := activeContract(t, lc, false)
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewNotifyOnly, Active: true})

	out, err := e.EvaluateContract(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != domain.OutcomeNotified {
		t.Fatalf("expected NOTIFIED, got %+v", out)
	}
	rec, err := st.GetOutcome(ctx, "ten_1", c.ContractID, domain.RenewalCycle(testEnd))
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if rec.Kind != domain.OutcomeNotified {
		t.Fatalf("unexpected outcome %+v", rec)
	}
}

func TestSweepTenant(t *testing.T) {
	e, lc, _, _ := newEngine(t)
	ctx := context.Background()
	c1 := activeContract(t, lc, true)
	c2 := activeContract(t, lc, true)
	_, _ = e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewAuto, Active: true})

	n, err := e.SweepTenant(ctx, "ten_1", 30)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 renewals, got %d", n)
	}
	// repeat pass renews nothing more
	n, err = e.SweepTenant(ctx, "ten_1", 30)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected idempotent sweep, got %d", n)
	}
	for _, id := range []string{c1.ContractID, c2.ContractID} {
		if pending, _ := e.PendingProposal(ctx, "ten_1", id); pending {
			t.Fatalf("auto renew must not leave proposals pending")
		}
	}
}

func TestRuleUpdateAndDelete(t *testing.T) {
	e, _, _, _ := newEngine(t)
	ctx := context.Background()
	rule, _ := e.CreateRule(ctx, "ten_1", RuleSpec{TriggerDays: 30, Action: domain.RenewAuto, Active: true})

	updated, err := e.UpdateRule(ctx, "ten_1", rule.RuleID, RuleSpec{
		TriggerDays: 60, Action: domain.RenewPropose, Active: false, Priority: 3,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TriggerDays != 60 || updated.Action != domain.RenewPropose || updated.Active {
		t.Fatalf("unexpected rule %+v", updated)
	}

	if err := e.DeleteRule(ctx, "ten_1", rule.RuleID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.GetRule(ctx, "ten_1", rule.RuleID); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
