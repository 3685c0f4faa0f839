package packets

import (
	"context"
	"log/slog"
	"time"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
)

// Sweeper deletes run artifacts past the retention window. Run records
// survive so support bundles keep their history.
type Sweeper struct {
	tenants *tenants.Store
	runs    *verify.RunStore
	vault   *vault.Vault
	audit   *audit.Logger
	log     *slog.Logger
	now     func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store *tenants.Store, runs *verify.RunStore, v *vault.Vault, auditLog *audit.Logger, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{tenants: store, runs: runs, vault: v, audit: auditLog, log: logger, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep runs one retention pass over every tenant and returns how many runs
// were swept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.tenants.List()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenantID := range ids {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		swept, err := s.sweepTenant(tenantID)
		if err != nil {
			s.log.Error("retention sweep failed", "tenant", tenantID, "err", err)
			continue
		}
		total += swept
	}
	return total, nil
}

func (s *Sweeper) sweepTenant(tenantID string) (int, error) {
	rec, err := s.tenants.Get(tenantID)
	if err != nil {
		return 0, err
	}
	settings, err := s.tenants.GetSettings(tenantID)
	if err != nil {
		return 0, err
	}

	plan := plans.Get(rec.Plan)
	retentionDays := plan.Limits.RetentionDays
	if settings.RetentionDays > 0 {
		retentionDays = settings.RetentionDays
	}
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)

	runs, err := s.runs.List(tenantID)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, run := range runs {
		if !run.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.vault.DeleteArtifacts(run.Token); err != nil {
			s.log.Error("artifact delete failed", "token", run.Token, "err", err)
			continue
		}
		if err := s.vault.IndexDelete(tenantID, run.ZipSha256); err != nil {
			s.log.Error("dedupe index delete failed", "token", run.Token, "err", err)
		}
		swept++
	}
	if swept > 0 {
		_ = s.audit.Record(tenantID, audit.ActionRetentionSweep,
			audit.WithMetadata(map[string]interface{}{
				"sweptRuns": swept, "retentionDays": retentionDays,
			}))
	}
	return swept, nil
}

// Run sweeps on a fixed interval until the context is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && err != context.Canceled {
				s.log.Error("retention pass failed", "err", err)
			}
		}
	}
}
