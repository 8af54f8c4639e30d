package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coworkd/internal/store"
	"coworkd/pkg/domain"
)

func seedContract(t *testing.T, s *Store, id string, status domain.ContractStatus) domain.Contract {
	t.Helper()
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	c := domain.Contract{
		ContractID: id,
		TenantID:   "ten_1",
		Type:       domain.ContractMembership,
		Title:      "Membership " + id,
		Parties: []domain.Party{
			{PartyID: "pty_1", Name: "Acme", Email: "ops@acme.test", Role: domain.RoleCompany},
			{PartyID: "pty_2", Name: "Jane", Email: "jane@test", Role: domain.RoleClient},
		},
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   &end,
		Value:     domain.Money{Amount: 10000, Currency: "EUR"},
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	return c
}

func TestUpdateContractStatusCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedContract(t, s, "ctr_1", domain.ContractDraft)

	now := time.Now().UTC()
	if err := s.UpdateContractStatus(ctx, "ten_1", "ctr_1", domain.ContractDraft, domain.ContractActive, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// second writer assumed DRAFT, loses
	err := s.UpdateContractStatus(ctx, "ten_1", "ctr_1", domain.ContractDraft, domain.ContractCancelled, now)
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	c, err := s.GetContract(ctx, "ten_1", "ctr_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != domain.ContractActive {
		t.Fatalf("expected ACTIVE, got %s", c.Status)
	}
	if c.ActivatedAt == nil {
		t.Fatalf("expected activated_at to be stamped")
	}
}

func TestUpdateContractStatus_NotFound(t *testing.T) {
	s := New()
	err := s.UpdateContractStatus(context.Background(), "ten_1", "ctr_missing", domain.ContractDraft, domain.ContractActive, time.Now())
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetContractReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedContract(t, s, "ctr_1", domain.ContractDraft)
	c, _ := s.GetContract(ctx, "ten_1", "ctr_1")
	c.Title = "mutated"
	c.Parties[0].Name = "mutated"
	again, _ := s.GetContract(ctx, "ten_1", "ctr_1")
	if again.Title == "mutated" || again.Parties[0].Name == "mutated" {
		t.Fatalf("expected stored contract to be isolated from caller mutation")
	}
}

func TestAppendAuditSeq(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedContract(t, s, "ctr_1", domain.ContractDraft)
	seedContract(t, s, "ctr_2", domain.ContractDraft)

	for i := 0; i < 3; i++ {
		ev, err := s.AppendAudit(ctx, domain.AuditEvent{
			EventID: "evt_a", TenantID: "ten_1", ContractID: "ctr_1",
			Action: "CREATE", At: time.Now(),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
		}
	}
	// sequence is per contract
	ev, _ := s.AppendAudit(ctx, domain.AuditEvent{
		EventID: "evt_b", TenantID: "ten_1", ContractID: "ctr_2",
		Action: "CREATE", At: time.Now(),
	})
	if ev.Seq != 1 {
		t.Fatalf("expected independent sequence per contract, got %d", ev.Seq)
	}

	events, err := s.ListAudit(ctx, "ten_1", "ctr_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected ordered seq, got %+v", events)
		}
	}
}

func TestAppendAuditConcurrentSeqUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedContract(t, s, "ctr_1", domain.ContractDraft)

	var wg sync.WaitGroup
	const n = 20
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AppendAudit(ctx, domain.AuditEvent{
				EventID: "evt", TenantID: "ten_1", ContractID: "ctr_1",
				Action: "STATUS_CHANGE", At: time.Now(),
			})
		}()
	}
	wg.Wait()

	events, _ := s.ListAudit(ctx, "ten_1", "ctr_1")
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
	seen := map[int64]bool{}
	for _, ev := range events {
		if seen[ev.Seq] {
			t.Fatalf("duplicate seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
}

func seedWorkflow(t *testing.T, s *Store, id, contractID string) domain.SignatureWorkflow {
	t.Helper()
	w := domain.SignatureWorkflow{
		WorkflowID: id,
		TenantID:   "ten_1",
		ContractID: contractID,
		Status:     domain.WorkflowSent,
		Signers: []domain.Signer{
			{SignerID: "sgn_1", Email: "a@test", Order: 1, Required: true, Status: domain.SignerPending},
		},
		Fields: []domain.SignatureField{
			{FieldID: "fld_1", SignerID: "sgn_1", Required: true},
		},
		RequireAllSigners: true,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	return w
}

func TestCreateWorkflow_SingleOpenPerContract(t *testing.T) {
	s := New()
	seedContract(t, s, "ctr_1", domain.ContractPendingSignature)
	seedWorkflow(t, s, "wfl_1", "ctr_1")

	w2 := domain.SignatureWorkflow{
		WorkflowID: "wfl_2", TenantID: "ten_1", ContractID: "ctr_1",
		Status:  domain.WorkflowSent,
		Signers: []domain.Signer{{SignerID: "sgn_1", Email: "a@test", Required: true, Status: domain.SignerPending}},
	}
	err := s.CreateWorkflow(context.Background(), w2)
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification for second open workflow, got %v", err)
	}

	// terminal workflow frees the slot
	if err := s.UpdateWorkflowStatus(context.Background(), "ten_1", "wfl_1", domain.WorkflowSent, domain.WorkflowCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateWorkflow(context.Background(), w2); err != nil {
		t.Fatalf("expected second workflow after terminal first, got %v", err)
	}
}

func TestMarkFieldSignedOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedContract(t, s, "ctr_1", domain.ContractPendingSignature)
	seedWorkflow(t, s, "wfl_1", "ctr_1")

	if err := s.MarkFieldSigned(ctx, "ten_1", "wfl_1", "fld_1", time.Now()); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	err := s.MarkFieldSigned(ctx, "ten_1", "wfl_1", "fld_1", time.Now())
	if !errors.Is(err, domain.ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
	if err := s.MarkFieldSigned(ctx, "ten_1", "wfl_1", "fld_missing", time.Now()); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkFieldSignedConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedContract(t, s, "ctr_1", domain.ContractPendingSignature)
	seedWorkflow(t, s, "wfl_1", "ctr_1")

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.MarkFieldSigned(ctx, "ten_1", "wfl_1", "fld_1", time.Now())
		}()
	}
	wg.Wait()
	close(errs)

	won, lost := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrAlreadySigned):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != n-1 {
		t.Fatalf("expected exactly one winner, got %d winners %d losers", won, lost)
	}
}

func TestUpdateProposalStatusCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := domain.RenewalProposal{
		ProposalID: "prp_1", TenantID: "ten_1", SourceContractID: "ctr_1",
		Cycle: "2026-12-31", Status: domain.ProposalPending, CreatedAt: time.Now(),
	}
	if err := s.CreateProposal(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateProposalStatus(ctx, "ten_1", "prp_1", domain.ProposalPending, domain.ProposalAccepted, "usr_1", time.Now()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	err := s.UpdateProposalStatus(ctx, "ten_1", "prp_1", domain.ProposalPending, domain.ProposalRejected, "usr_2", time.Now())
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestRecordOutcomeIdempotenceBarrier(t *testing.T) {
	s := New()
	ctx := context.Background()
	o := domain.RenewalOutcome{
		TenantID: "ten_1", SourceContractID: "ctr_1", Cycle: "2026-12-31",
		Kind: domain.OutcomeAutoRenewed, RefID: "ctr_2", CreatedAt: time.Now(),
	}
	if err := s.RecordOutcome(ctx, o); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := s.RecordOutcome(ctx, o); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected barrier on duplicate outcome, got %v", err)
	}
	got, err := s.GetOutcome(ctx, "ten_1", "ctr_1", "2026-12-31")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != domain.OutcomeAutoRenewed || got.RefID != "ctr_2" {
		t.Fatalf("unexpected outcome %+v", got)
	}
}

func TestListExpiring(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedContract(t, s, "ctr_due", domain.ContractActive)
	seedContract(t, s, "ctr_terminal", domain.ContractExpired)

	due, err := s.ListExpiring(ctx, "ten_1", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(due) != 1 || due[0].ContractID != "ctr_due" {
		t.Fatalf("expected only ctr_due, got %+v", due)
	}

	// nothing due well before the end date
	early, _ := s.ListExpiring(ctx, "ten_1", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if len(early) != 0 {
		t.Fatalf("expected nothing due, got %+v", early)
	}
}

func TestListContractsFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedContract(t, s, "ctr_1", domain.ContractDraft)
	seedContract(t, s, "ctr_2", domain.ContractActive)
	seedContract(t, s, "ctr_3", domain.ContractActive)

	active, err := s.ListContracts(ctx, "ten_1", store.ContractFilter{Status: domain.ContractActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}
	limited, _ := s.ListContracts(ctx, "ten_1", store.ContractFilter{Limit: 1, Offset: 1})
	if len(limited) != 1 {
		t.Fatalf("expected 1 with limit/offset, got %d", len(limited))
	}
}
