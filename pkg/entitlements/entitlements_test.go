package entitlements_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/plans"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMeter_QuotaDeniedAtLimit(t *testing.T) {
	dir := t.TempDir()
	log := audit.NewLogger(dir)
	meter := entitlements.NewMeter(dir, log).
		WithClock(fixedClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)))

	for i := 0; i < 3; i++ {
		require.NoError(t, meter.CheckQuota("acme", entitlements.MetricVerifications, plans.PlanFree, 3))
		require.NoError(t, meter.Bump("acme", entitlements.MetricVerifications, plans.PlanFree, 3))
	}

	err := meter.CheckQuota("acme", entitlements.MetricVerifications, plans.PlanFree, 3)
	var qerr *entitlements.QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, int64(3), qerr.Used)
	assert.Contains(t, qerr.UpgradeHint(), "builder")
}

func TestMeter_UnlimitedNeverDenies(t *testing.T) {
	dir := t.TempDir()
	meter := entitlements.NewMeter(dir, audit.NewLogger(dir))
	assert.NoError(t, meter.CheckQuota("acme", entitlements.MetricVerifications, plans.PlanEnterprise, -1))
}

func TestMeter_ThresholdAlertsIdempotent(t *testing.T) {
	dir := t.TempDir()
	log := audit.NewLogger(dir)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	log.WithClock(fixedClock(now))
	meter := entitlements.NewMeter(dir, log).WithClock(fixedClock(now))

	// Limit 10: the 80% alert fires on the 8th bump, 100% on the 10th.
	for i := 0; i < 12; i++ {
		require.NoError(t, meter.Bump("acme", entitlements.MetricVerifications, plans.PlanFree, 10))
	}

	events, err := log.ReadMonth("acme", "2026-03")
	require.NoError(t, err)
	var pcts []int
	for _, ev := range events {
		if ev.Action == audit.ActionThresholdAlert {
			pcts = append(pcts, int(ev.Metadata["pct"].(float64)))
		}
	}
	assert.Equal(t, []int{80, 100}, pcts, "each threshold fires exactly once")
}

func TestMeter_ReleaseFloorsAtZero(t *testing.T) {
	dir := t.TempDir()
	meter := entitlements.NewMeter(dir, audit.NewLogger(dir))

	require.NoError(t, meter.Bump("acme", entitlements.MetricStoredBundles, plans.PlanFree, -1))
	require.NoError(t, meter.Release("acme", entitlements.MetricStoredBundles))
	require.NoError(t, meter.Release("acme", entitlements.MetricStoredBundles))

	u, err := meter.Read("acme", meter.Month())
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.StoredBundles)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	limiter := entitlements.NewRateLimiter(dir)

	clock := now
	limiter.WithClock(func() time.Time { return clock })

	require.NoError(t, limiter.Allow("acme", entitlements.KindUpload, 2))
	clock = clock.Add(10 * time.Minute)
	require.NoError(t, limiter.Allow("acme", entitlements.KindUpload, 2))

	clock = clock.Add(10 * time.Minute)
	err := limiter.Allow("acme", entitlements.KindUpload, 2)
	var rerr *entitlements.RateLimitError
	require.ErrorAs(t, err, &rerr)
	// Oldest hit was 20 minutes ago; it leaves the window in 40 minutes.
	assert.Equal(t, 40*60, rerr.RetryAfterSeconds)

	// Advance past the oldest hit's window; a slot opens.
	clock = now.Add(61 * time.Minute)
	assert.NoError(t, limiter.Allow("acme", entitlements.KindUpload, 2))
}

func TestRateLimiter_ZeroLimitDisabled(t *testing.T) {
	dir := t.TempDir()
	limiter := entitlements.NewRateLimiter(dir)
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Allow("acme", entitlements.KindDecision, 0))
	}
}

func TestRateLimiter_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	first := entitlements.NewRateLimiter(dir).WithClock(fixedClock(now))
	require.NoError(t, first.Allow("acme", entitlements.KindUpload, 1))

	second := entitlements.NewRateLimiter(dir).WithClock(fixedClock(now.Add(time.Minute)))
	err := second.Allow("acme", entitlements.KindUpload, 1)
	var rerr *entitlements.RateLimitError
	assert.True(t, errors.As(err, &rerr))
}
