package verify_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/secrets"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
)

type captureEffects struct {
	mu          sync.Mutex
	events      []string
	buyerNotes  int
	autoDecides int
}

func (c *captureEffects) VerificationEvent(_, _, event string, _ map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEffects) BuyerNotification(_, _ string, _ map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buyerNotes++
}

func (c *captureEffects) AutoDecide(context.Context, *verify.RunRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoDecides++
}

type fixture struct {
	pipeline *verify.Pipeline
	tenants  *tenants.Store
	runs     *verify.RunStore
	vault    *vault.Vault
	effects  *captureEffects
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	box, err := secrets.NewBoxFromHex(strings.Repeat("ef", 32))
	require.NoError(t, err)
	log := audit.NewLogger(dir)
	store := tenants.NewStore(dir, box, log)
	_, _, err = store.Provision("acme", "ops@acme.test", plans.PlanBuilder)
	require.NoError(t, err)

	runs := verify.NewRunStore(dir)
	v := vault.New(dir)
	effects := &captureEffects{}
	pipeline := verify.NewPipeline(verify.PipelineConfig{
		Tenants:  store,
		Runs:     runs,
		Vault:    v,
		Meter:    entitlements.NewMeter(dir, log),
		Limiter:  entitlements.NewRateLimiter(dir),
		Audit:    log,
		Verifier: verify.NewPolicyVerifier(),
		Effects:  effects,
		Box:      box,
	})
	return &fixture{pipeline: pipeline, tenants: store, runs: runs, vault: v, effects: effects}
}

func invoiceBundle(t *testing.T, total string) []byte {
	t.Helper()
	return buildBundle(t, bundleSpec{
		bundleType: verify.BundleInvoice,
		payload:    map[string][]byte{"invoice.json": []byte(`{"total":"` + total + `"}`)},
	})
}

func TestUpload_NewRunThenDedupe(t *testing.T) {
	fx := newFixture(t)
	body := invoiceBundle(t, "12.00")

	first, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{
		TenantID: "acme", Body: body,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^ml_[0-9a-f]{48}$`, first.Token)
	assert.False(t, first.Deduped)
	assert.Equal(t, verify.ModeCompat, first.ModeResolved)
	assert.Equal(t, verify.StatusAmber, first.Status, "compat without roots is amber")
	assert.True(t, first.VerifyOK)

	second, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{
		TenantID: "acme", Body: body,
	})
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.Token, second.Token)

	// Dedupe produced no second verification event.
	assert.Equal(t, []string{"verification.completed"}, fx.effects.events)

	// Artifacts are in place.
	for _, key := range []string{vault.KeyZip, vault.KeyVerify, vault.KeyReceipt, vault.KeyPublic} {
		assert.True(t, fx.vault.Exists(first.Token, key), "missing artifact %s", key)
	}

	// Tenant activated on first verified upload.
	rec, err := fx.tenants.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusActive, rec.Status)
}

func TestUpload_RerunOnSettingsChange(t *testing.T) {
	fx := newFixture(t)
	body := invoiceBundle(t, "12.00")

	first, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{TenantID: "acme", Body: body})
	require.NoError(t, err)
	assert.Equal(t, verify.StatusAmber, first.Status)

	_, err = fx.tenants.PutSettings("acme", []byte(`{"defaultMode": "strict"}`), "admin")
	require.NoError(t, err)

	second, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{TenantID: "acme", Body: body})
	require.NoError(t, err)
	assert.True(t, second.Rerun)
	assert.False(t, second.Deduped)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, verify.ModeStrict, second.ModeResolved)
	assert.Equal(t, verify.StatusRed, second.Status, "strict without roots fails")

	run, err := fx.runs.Get("acme", first.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, run.RerunCount)

	// A third upload with unchanged settings dedupes again.
	third, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{TenantID: "acme", Body: body})
	require.NoError(t, err)
	assert.True(t, third.Deduped)
}

func TestUpload_QuotaBlocksNewRunsButNotDedupes(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.tenants.PutSettings("acme", []byte(`{"maxVerificationsPerMonth": 1}`), "admin")
	require.NoError(t, err)

	first := invoiceBundle(t, "1.00")
	res, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{TenantID: "acme", Body: first})
	require.NoError(t, err)

	_, err = fx.pipeline.Upload(context.Background(), verify.UploadInput{
		TenantID: "acme", Body: invoiceBundle(t, "2.00"),
	})
	var qerr *entitlements.QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, entitlements.MetricVerifications, qerr.Metric)

	again, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{TenantID: "acme", Body: first})
	require.NoError(t, err)
	assert.True(t, again.Deduped)
	assert.Equal(t, res.Token, again.Token)
}

func TestUpload_RunIDSuppressesSecondBuyerNotification(t *testing.T) {
	fx := newFixture(t)

	first, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{
		TenantID: "acme", Body: invoiceBundle(t, "1.00"), RunID: "run-7",
	})
	require.NoError(t, err)
	assert.False(t, first.BuyerNotificationSkipped)

	second, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{
		TenantID: "acme", Body: invoiceBundle(t, "2.00"), RunID: "run-7",
	})
	require.NoError(t, err)
	assert.True(t, second.BuyerNotificationSkipped)
	assert.NotEqual(t, first.Token, second.Token, "distinct bundles get distinct tokens")
	assert.Equal(t, 1, fx.effects.buyerNotes)
	assert.Equal(t, 2, fx.effects.autoDecides, "auto-decision still runs for both")
}

func TestUpload_ExplicitModeWins(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{
		TenantID: "acme", Body: invoiceBundle(t, "1.00"), Mode: verify.ModeStrict,
	})
	require.NoError(t, err)
	assert.Equal(t, verify.ModeStrict, res.ModeResolved)
	assert.False(t, res.VerifyOK)
	assert.Equal(t, verify.StatusRed, res.Status)
}

func TestUpload_VendorPolicyFailOnWarnings(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.tenants.PutSettings("acme",
		[]byte(`{"vendorPolicies": {"v1": {"failOnWarnings": true}}}`), "admin")
	require.NoError(t, err)

	res, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{
		TenantID: "acme", Body: invoiceBundle(t, "1.00"), VendorID: "v1",
	})
	require.NoError(t, err)
	assert.False(t, res.VerifyOK, "compat root warning escalates under failOnWarnings")
	assert.Equal(t, verify.StatusRed, res.Status)

	// Another vendor without the policy is unaffected.
	other, err := fx.pipeline.Upload(context.Background(), verify.UploadInput{
		TenantID: "acme", Body: invoiceBundle(t, "2.00"), VendorID: "v2",
	})
	require.NoError(t, err)
	assert.True(t, other.VerifyOK)
}

func TestResolveMode(t *testing.T) {
	signer := newSigner(t, "root-1")
	roots := mustKeySet(t, signer.keySetJSON(t))
	empty := mustKeySet(t, "")

	tests := []struct {
		name     string
		explicit string
		def      tenants.Mode
		roots    *verify.KeySet
		want     string
	}{
		{"explicit strict wins", verify.ModeStrict, tenants.ModeCompat, empty, verify.ModeStrict},
		{"explicit compat wins", verify.ModeCompat, tenants.ModeStrict, roots, verify.ModeCompat},
		{"tenant default", "", tenants.ModeStrict, empty, verify.ModeStrict},
		{"auto with roots", "", tenants.ModeAuto, roots, verify.ModeStrict},
		{"auto without roots", "", tenants.ModeAuto, empty, verify.ModeCompat},
		{"all empty", "", "", empty, verify.ModeCompat},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, verify.ResolveMode(tc.explicit, tc.def, tc.roots))
		})
	}
}
