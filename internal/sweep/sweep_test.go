package sweep

import (
	"context"
	"testing"
	"time"

	"coworkd/internal/lifecycle"
	"coworkd/internal/notify"
	"coworkd/internal/renewal"
	"coworkd/internal/signing"
	"coworkd/internal/store"
	"coworkd/internal/store/memory"
	"coworkd/pkg/domain"
)

var sweepNow = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func newSweeper(t *testing.T) (*Sweeper, *lifecycle.Manager, *renewal.Engine, *memory.Store, *domain.FixedClock) {
	t.Helper()
	st := memory.New()
	clock := &domain.FixedClock{T: sweepNow}
	lc := lifecycle.New(st, st, clock, notify.Discard{})
	sg := signing.New(st, st, clock, notify.Discard{}, lc)
	rn := renewal.New(st, st, lc, clock, notify.Discard{})
	lc.SetRenewalChecker(rn)
	sw := New(st, lc, sg, rn, NewLocalLocker(), clock)
	return sw, lc, rn, st, clock
}

func seedActive(t *testing.T, lc *lifecycle.Manager, tenant, title string, end time.Time, autoRenew bool) domain.Contract {
	t.Helper()
	ctx := context.Background()
	c, err := lc.CreateContract(ctx, tenant, "usr_1", lifecycle.ContractSpec{
		Type:  domain.ContractMembership,
		Title: title,
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
	if _, err := lc.Activate(ctx, tenant, c.ContractID, "usr_1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return c
}

func TestLocalLockerContention(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "ten_1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	if _, ok, err := l.Acquire(ctx, "ten_1", time.Minute); err != nil || ok {
		t.Fatalf("expected contended acquire to fail, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.Acquire(ctx, "ten_2", time.Minute); err != nil || !ok {
		t.Fatalf("expected other tenant to acquire, got ok=%v err=%v", ok, err)
	}

	release()
	if _, ok, err := l.Acquire(ctx, "ten_1", time.Minute); err != nil || !ok {
		t.Fatalf("expected acquire after release, got ok=%v err=%v", ok, err)
	}
}

func TestSweepTenantExpiresAndRenews(t *testing.T) {
	sw, lc, rn, _, _ := newSweeper(t)
	ctx := context.Background()

	overdue := seedActive(t, lc, "ten_1", "Overdue lease", sweepNow.AddDate(0, 0, -1), false)
	renewing := seedActive(t, lc, "ten_1", "Renewing membership", sweepNow.AddDate(0, 0, 20), true)

	if _, err := rn.CreateRule(ctx, "ten_1", renewal.RuleSpec{
		Criteria:    "autoRenew == true",
		TriggerDays: 30,
		Action:      domain.RenewAuto,
		Active:      true,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	if err := sw.SweepTenant(ctx, "ten_1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	c1, err := lc.Get(ctx, "ten_1", overdue.ContractID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c1.Status != domain.ContractExpired {
		t.Fatalf("expected overdue contract EXPIRED, got %s", c1.Status)
	}

	c2, err := lc.Get(ctx, "ten_1", renewing.ContractID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c2.Status != domain.ContractActive {
		t.Fatalf("expected source contract still ACTIVE, got %s", c2.Status)
	}
	all, err := lc.List(ctx, "ten_1", store.ContractFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected successor contract after sweep, got %d contracts", len(all))
	}

	// Second pass is a no-op: expiry already applied, renewal cycle recorded.
	if err := sw.SweepTenant(ctx, "ten_1"); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	all, err = lc.List(ctx, "ten_1", store.ContractFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected sweep to be idempotent, got %d contracts", len(all))
	}
}

func TestSweepRenewsBeforeExpiring(t *testing.T) {
	sw, lc, rn, _, _ := newSweeper(t)
	ctx := context.Background()

	// End date slipped past between sweeper runs: the renewal pass must
	// still see the contract ACTIVE before the expiry pass retires it.
	c := seedActive(t, lc, "ten_1", "Lapsed membership", sweepNow.AddDate(0, 0, -1), true)
	if _, err := rn.CreateRule(ctx, "ten_1", renewal.RuleSpec{
		TriggerDays: 30,
		Action:      domain.RenewAuto,
		Active:      true,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	if err := sw.SweepTenant(ctx, "ten_1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	src, err := lc.Get(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if src.Status != domain.ContractExpired {
		t.Fatalf("expected source EXPIRED, got %s", src.Status)
	}
	all, err := lc.List(ctx, "ten_1", store.ContractFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected a successor alongside the expired source, got %d contracts", len(all))
	}
	for _, got := range all {
		if got.ContractID != c.ContractID && got.Status != domain.ContractActive {
			t.Fatalf("expected ACTIVE successor, got %s", got.Status)
		}
	}
}

func TestSweepExpiresStaleProposal(t *testing.T) {
	sw, lc, rn, _, clock := newSweeper(t)
	ctx := context.Background()

	c := seedActive(t, lc, "ten_1", "Undecided membership", sweepNow.AddDate(0, 0, 20), false)
	if _, err := rn.CreateRule(ctx, "ten_1", renewal.RuleSpec{
		TriggerDays: 30,
		Action:      domain.RenewPropose,
		Active:      true,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	if err := sw.SweepTenant(ctx, "ten_1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if pending, _ := rn.PendingProposal(ctx, "ten_1", c.ContractID); !pending {
		t.Fatalf("expected pending proposal after first sweep")
	}

	// Nobody decides; past the end date the proposal expires and the
	// source contract follows in the same pass.
	clock.T = sweepNow.AddDate(0, 0, 21)
	if err := sw.SweepTenant(ctx, "ten_1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if pending, _ := rn.PendingProposal(ctx, "ten_1", c.ContractID); pending {
		t.Fatalf("expected proposal expired after the cycle passed")
	}
	src, err := lc.Get(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if src.Status != domain.ContractExpired {
		t.Fatalf("expected source EXPIRED, got %s", src.Status)
	}
}

func TestSweepTenantSkipsHeldLease(t *testing.T) {
	sw, lc, _, _, _ := newSweeper(t)
	ctx := context.Background()

	c := seedActive(t, lc, "ten_1", "Overdue lease", sweepNow.AddDate(0, 0, -1), false)

	release, ok, err := sw.locker.Acquire(ctx, "ten_1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lease: ok=%v err=%v", ok, err)
	}
	defer release()

	if err := sw.SweepTenant(ctx, "ten_1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, err := lc.Get(ctx, "ten_1", c.ContractID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.ContractActive {
		t.Fatalf("expected skipped sweep to leave contract ACTIVE, got %s", got.Status)
	}
}

func TestRunOnceSweepsAllTenants(t *testing.T) {
	sw, lc, _, _, _ := newSweeper(t)
	ctx := context.Background()

	a := seedActive(t, lc, "ten_a", "Lease A", sweepNow.AddDate(0, 0, -1), false)
	b := seedActive(t, lc, "ten_b", "Lease B", sweepNow.AddDate(0, 0, -2), false)

	sw.RunOnce(ctx)

	for _, tc := range []struct {
		tenant string
		id     string
	}{{"ten_a", a.ContractID}, {"ten_b", b.ContractID}} {
		got, err := lc.Get(ctx, tc.tenant, tc.id)
		if err != nil {
			t.Fatalf("get %s: %v", tc.tenant, err)
		}
		if got.Status != domain.ContractExpired {
			t.Fatalf("expected %s contract EXPIRED, got %s", tc.tenant, got.Status)
		}
	}
}
