package packets_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/packets"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/secrets"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
	"github.com/settld-labs/magic-link/pkg/zipdet"
)

type fixture struct {
	dir     string
	tenants *tenants.Store
	runs    *verify.RunStore
	vault   *vault.Vault
	audit   *audit.Logger
	builder *packets.Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	box, err := secrets.NewBoxFromHex(strings.Repeat("99", 32))
	require.NoError(t, err)
	log := audit.NewLogger(dir)
	store := tenants.NewStore(dir, box, log)
	_, _, err = store.Provision("acme", "", plans.PlanFree)
	require.NoError(t, err)
	runs := verify.NewRunStore(dir)
	v := vault.New(dir)
	return &fixture{
		dir:     dir,
		tenants: store,
		runs:    runs,
		vault:   v,
		audit:   log,
		builder: packets.NewBuilder(dir, store, runs, v, log),
	}
}

func (fx *fixture) addRun(t *testing.T, createdAt time.Time, status string) *verify.RunRecord {
	t.Helper()
	token := vault.IssueToken()
	run := &verify.RunRecord{
		SchemaVersion: "MagicLinkRunRecord.v1",
		Token:         token,
		TenantID:      "acme",
		ZipSha256:     strings.Repeat("a", 64),
		ModeResolved:  "compat",
		Status:        status,
		VerifyOK:      status != verify.StatusRed,
		BundleType:    "InvoiceBundle.v1",
		CreatedAt:     createdAt,
	}
	require.NoError(t, fx.runs.Put(run))
	require.NoError(t, fx.vault.PutMeta(&vault.Meta{Token: token, TenantID: "acme", CreatedAt: createdAt}))
	require.NoError(t, fx.vault.Put(token, vault.KeyZip, []byte("zip-bytes")))
	require.NoError(t, fx.vault.Put(token, vault.KeyVerify, []byte(`{"ok":true}`)))
	return run
}

func TestMonthlyAuditPacket_Deterministic(t *testing.T) {
	fx := newFixture(t)
	inMonth := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	fx.addRun(t, inMonth, verify.StatusGreen)
	fx.addRun(t, inMonth.Add(24*time.Hour), verify.StatusAmber)
	fx.addRun(t, inMonth.AddDate(0, 2, 0), verify.StatusGreen)

	first, err := fx.builder.MonthlyAuditPacket("acme", "2026-07", false)
	require.NoError(t, err)
	second, err := fx.builder.MonthlyAuditPacket("acme", "2026-07", false)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical state yields identical bytes")

	paths, err := zipdet.List(first)
	require.NoError(t, err)
	assert.Equal(t, []string{"index.json", "runs.csv"}, paths)

	indexRaw, err := zipdet.Read(first, "index.json")
	require.NoError(t, err)
	var index struct {
		SchemaVersion string `json:"schemaVersion"`
		RunCount      int    `json:"runCount"`
		Runs          []struct {
			Status string `json:"status"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(indexRaw, &index))
	assert.Equal(t, "MagicLinkMonthlyAuditPacketIndex.v1", index.SchemaVersion)
	assert.Equal(t, 2, index.RunCount, "the run two months later is excluded")

	csvRaw, err := zipdet.Read(first, "runs.csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(csvRaw), "token,zipSha256,status,"))
}

func TestSecurityControlsPacket_ChecksumsMatch(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.audit.Record("acme", audit.ActionVerificationRun))

	packet, err := fx.builder.SecurityControlsPacket("acme")
	require.NoError(t, err)

	paths, err := zipdet.List(packet)
	require.NoError(t, err)
	for _, want := range []string{
		"audit_log.jsonl", "checksums.sha256", "data_inventory.json", "index.json",
		"packet_index.json", "redaction_allowlist.json", "retention_behavior.json",
	} {
		assert.Contains(t, paths, want)
	}

	checksums, err := zipdet.Read(packet, "checksums.sha256")
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(checksums)), "\n") {
		parts := strings.SplitN(line, "  ", 2)
		require.Len(t, parts, 2)
		body, err := zipdet.Read(packet, parts[1])
		require.NoError(t, err)
		sum := sha256.Sum256(body)
		assert.Equal(t, parts[0], hex.EncodeToString(sum[:]), parts[1])
	}

	logRaw, err := zipdet.Read(packet, "audit_log.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(logRaw), audit.ActionVerificationRun)
}

func TestSupportBundle_WindowAndBundles(t *testing.T) {
	fx := newFixture(t)
	inside := fx.addRun(t, time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC), verify.StatusGreen)
	fx.addRun(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), verify.StatusGreen)

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	bundle, err := fx.builder.SupportBundle("acme", from, to, false)
	require.NoError(t, err)
	paths, err := zipdet.List(bundle)
	require.NoError(t, err)
	assert.Contains(t, paths, "settings.json")
	assert.Contains(t, paths, "runs/"+inside.Token+".json")
	assert.Contains(t, paths, "verify/"+inside.Token+".json")
	assert.Len(t, paths, 3, "the June run falls outside the window")

	withBundles, err := fx.builder.SupportBundle("acme", from, to, true)
	require.NoError(t, err)
	raw, err := zipdet.Read(withBundles, "bundles/"+inside.Token+".zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("zip-bytes"), raw)
}

func TestOnboardingPack(t *testing.T) {
	fx := newFixture(t)
	matrix := []byte(`{"rates": {"search": 7}}`)
	sigs := []byte(`[{"keyId": "pm-1", "signatureBase64": "c2ln"}]`)

	pack, err := fx.builder.OnboardingPack("acme", "vendor-9", matrix, sigs)
	require.NoError(t, err)

	keyRaw, err := zipdet.Read(pack, "ingest_key.txt")
	require.NoError(t, err)
	key := strings.TrimSpace(string(keyRaw))
	assert.True(t, strings.HasPrefix(key, "igk_"))
	assert.True(t, fx.tenants.CheckIngestKey("acme", key), "the packed key works immediately")

	metaRaw, err := zipdet.Read(pack, "metadata.json")
	require.NoError(t, err)
	var meta struct {
		SchemaVersion string `json:"schemaVersion"`
		VendorID      string `json:"vendorId"`
	}
	require.NoError(t, json.Unmarshal(metaRaw, &meta))
	assert.Equal(t, "VendorOnboardingPack.v1", meta.SchemaVersion)
	assert.Equal(t, "vendor-9", meta.VendorID)

	matrixRaw, err := zipdet.Read(pack, "pricing/pricing_matrix.json")
	require.NoError(t, err)
	assert.Equal(t, matrix, matrixRaw)
}

func TestSweeper_RespectsRetention(t *testing.T) {
	fx := newFixture(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// The free plan keeps 30 days.
	old := fx.addRun(t, now.AddDate(0, 0, -45), verify.StatusGreen)
	fresh := fx.addRun(t, now.AddDate(0, 0, -5), verify.StatusGreen)

	sweeper := packets.NewSweeper(fx.tenants, fx.runs, fx.vault, fx.audit, nil).
		WithClock(func() time.Time { return now })

	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = fx.vault.Get(old.Token, vault.KeyZip)
	assert.Error(t, err, "old artifacts are gone")
	_, err = fx.runs.Get("acme", old.Token)
	assert.NoError(t, err, "the run record survives")
	_, err = fx.vault.Get(fresh.Token, vault.KeyZip)
	assert.NoError(t, err)

	// A settings override shortens the window.
	_, err = fx.tenants.PutSettings("acme", []byte(`{"retentionDays": 3}`), "")
	require.NoError(t, err)
	swept, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	_, err = fx.vault.Get(fresh.Token, vault.KeyZip)
	assert.Error(t, err)
}

func TestExporter_MarkerIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.addRun(t, time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC), verify.StatusGreen)

	exporter := packets.NewExporter(fx.dir, fx.tenants, fx.runs, fx.audit, nil)

	_, err := exporter.ExportMonth("acme", "2026-07")
	assert.Error(t, err, "no sink configured")

	_, err = fx.tenants.PutSettings("acme", []byte(`{"archiveExportSink": "s3://acme-archive"}`), "")
	require.NoError(t, err)

	marker, err := exporter.ExportMonth("acme", "2026-07")
	require.NoError(t, err)
	assert.Equal(t, 1, marker.RunCount)
	assert.Equal(t, "s3://acme-archive", marker.Sink)

	again, err := exporter.ExportMonth("acme", "2026-07")
	require.NoError(t, err)
	assert.Equal(t, marker.ExportedAt, again.ExportedAt, "re-export returns the stored marker")
}
