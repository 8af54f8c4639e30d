// Package sweep runs the two periodic jobs: the expiration sweep
// (contracts and workflows) and the renewal evaluation sweep. Each
// tenant's pass runs under a lease so concurrent sweepers never
// generate duplicate proposals.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"coworkd/internal/lifecycle"
	"coworkd/internal/renewal"
	"coworkd/internal/signing"
	"coworkd/internal/store"
	"coworkd/pkg/domain"
)

const retryAttempts = 3

type Sweeper struct {
	contracts store.Contracts
	lifecycle *lifecycle.Manager
	signing   *signing.Engine
	renewal   *renewal.Engine
	locker    TenantLocker
	clock     domain.Clock

	Interval    time.Duration
	LeaseTTL    time.Duration
	RenewalDays int
}

func New(contracts store.Contracts, lc *lifecycle.Manager, sg *signing.Engine, rn *renewal.Engine, locker TenantLocker, clock domain.Clock) *Sweeper {
	return &Sweeper{
		contracts:   contracts,
		lifecycle:   lc,
		signing:     sg,
		renewal:     rn,
		locker:      locker,
		clock:       clock,
		Interval:    time.Minute,
		LeaseTTL:    30 * time.Second,
		RenewalDays: 30,
	}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every tenant. Sweeps are idempotent, so a tenant
// whose lease is held elsewhere is simply skipped this round.
func (s *Sweeper) RunOnce(ctx context.Context) {
	tenants, err := s.contracts.ListTenants(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "sweep tenant listing failed", "err", err)
		return
	}
	for _, tenant := range tenants {
		if err := s.SweepTenant(ctx, tenant); err != nil {
			slog.ErrorContext(ctx, "tenant sweep failed", "tenant", tenant, "err", err)
		}
	}
}

// SweepTenant runs one tenant's pass under its lease.
func (s *Sweeper) SweepTenant(ctx context.Context, tenantID string) error {
	release, ok, err := s.locker.Acquire(ctx, tenantID, s.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer release()

	// Renewal evaluation runs before contract expiry: a contract whose
	// end date slipped past between runs still gets its renewal chance
	// before the expiry pass retires it. Proposals left undecided past
	// their cycle expire first, so they stop deferring that expiry; a
	// proposal created this pass lives until at least the next one.
	if err := withRetry(func() error {
		_, err := s.signing.ExpireDue(ctx, tenantID)
		return err
	}); err != nil {
		return err
	}
	if err := withRetry(func() error {
		_, err := s.renewal.ExpireProposals(ctx, tenantID)
		return err
	}); err != nil {
		return err
	}
	if err := withRetry(func() error {
		_, err := s.renewal.SweepTenant(ctx, tenantID, s.RenewalDays)
		return err
	}); err != nil {
		return err
	}
	return withRetry(func() error {
		_, err := s.lifecycle.ExpireDue(ctx, tenantID)
		return err
	})
}

// withRetry retries only optimistic-lock conflicts: sweeps are
// idempotent, every other error surfaces immediately.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
	}
	return err
}
