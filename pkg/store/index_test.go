package store_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/secrets"
	"github.com/settld-labs/magic-link/pkg/store"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/verify"
)

func openIndex(t *testing.T) *store.Index {
	t.Helper()
	x, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func seedRun(t *testing.T, x *store.Index, token, vendorID, status string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, x.Upsert(context.Background(), &verify.RunRecord{
		Token:        token,
		TenantID:     "acme",
		ZipSha256:    strings.Repeat("e", 64),
		ModeResolved: verify.ModeCompat,
		VerifyOK:     status != verify.StatusRed,
		Status:       status,
		VendorID:     vendorID,
		VendorName:   strings.ToUpper(vendorID),
		CreatedAt:    createdAt,
	}))
}

func TestInbox_FiltersAndOrder(t *testing.T) {
	x := openIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, x, "ml_"+strings.Repeat("1", 48), "v1", verify.StatusGreen, base)
	seedRun(t, x, "ml_"+strings.Repeat("2", 48), "v2", verify.StatusRed, base.Add(time.Hour))
	seedRun(t, x, "ml_"+strings.Repeat("3", 48), "v1", verify.StatusAmber, base.Add(2*time.Hour))

	rows, err := x.Inbox(ctx, "acme", store.InboxFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ml_"+strings.Repeat("3", 48), rows[0].Token, "newest first")

	rows, err = x.Inbox(ctx, "acme", store.InboxFilter{VendorID: "v1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = x.Inbox(ctx, "acme", store.InboxFilter{Status: verify.StatusRed})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "v2", rows[0].VendorID)
	assert.False(t, rows[0].VerifyOK)

	rows, err = x.Inbox(ctx, "other", store.InboxFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows, "tenants are isolated")
}

func TestInbox_DecisionFilter(t *testing.T) {
	x := openIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	approved := "ml_" + strings.Repeat("a", 48)
	pending := "ml_" + strings.Repeat("b", 48)
	seedRun(t, x, approved, "v1", verify.StatusGreen, base)
	seedRun(t, x, pending, "v1", verify.StatusGreen, base.Add(time.Hour))
	require.NoError(t, x.RecordDecision(ctx, approved, "approve", "cfo@acme.test", base.Add(2*time.Hour)))

	rows, err := x.Inbox(ctx, "acme", store.InboxFilter{Decision: "approve"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, approved, rows[0].Token)
	assert.Equal(t, "cfo@acme.test", rows[0].DecisionActor)
	require.NotNil(t, rows[0].DecidedAt)

	rows, err = x.Inbox(ctx, "acme", store.InboxFilter{Decision: "pending"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, pending, rows[0].Token)
}

func TestUpsert_PreservesDecisionOnRerun(t *testing.T) {
	x := openIndex(t)
	ctx := context.Background()
	token := "ml_" + strings.Repeat("c", 48)
	seedRun(t, x, token, "v1", verify.StatusAmber, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, x.RecordDecision(ctx, token, "hold", "cfo@acme.test", time.Now()))

	// A rerun upserts the same token with a new status.
	seedRun(t, x, token, "v1", verify.StatusGreen, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	rows, err := x.Inbox(ctx, "acme", store.InboxFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, verify.StatusGreen, rows[0].Status)
	assert.Equal(t, "hold", rows[0].Decision)
}

func TestSummarizeAndExportCSV(t *testing.T) {
	x := openIndex(t)
	ctx := context.Background()
	july := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	seedRun(t, x, "ml_"+strings.Repeat("1", 48), "v1", verify.StatusGreen, july)
	seedRun(t, x, "ml_"+strings.Repeat("2", 48), "v2", verify.StatusRed, july.Add(time.Hour))
	seedRun(t, x, "ml_"+strings.Repeat("3", 48), "v1", verify.StatusGreen, july.AddDate(0, 1, 0))
	require.NoError(t, x.RecordDecision(ctx, "ml_"+strings.Repeat("1", 48), "approve", "cfo@acme.test", july))

	summary, err := x.Summarize(ctx, "acme", "2026-07")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalRuns)
	assert.Equal(t, 1, summary.ByStatus[verify.StatusGreen])
	assert.Equal(t, 1, summary.ByStatus[verify.StatusRed])
	assert.Equal(t, 1, summary.Approved)
	assert.Equal(t, 1, summary.Undecided)
	assert.Equal(t, 2, summary.VendorCount)

	all, err := x.Summarize(ctx, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalRuns)

	csvBytes, err := x.ExportCSV(ctx, "acme", "2026-07")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvBytes)), "\n")
	require.Len(t, lines, 3, "header plus the two July runs")
	assert.True(t, strings.HasPrefix(lines[0], "token,vendorId,"))
	assert.Contains(t, lines[1], "ml_"+strings.Repeat("2", 48), "newest first")
}

func TestRehydrate_FromRunRecordFiles(t *testing.T) {
	dir := t.TempDir()
	box, err := secrets.NewBoxFromHex(strings.Repeat("77", 32))
	require.NoError(t, err)
	log := audit.NewLogger(dir)
	tenantStore := tenants.NewStore(dir, box, log)
	_, _, err = tenantStore.Provision("acme", "", plans.PlanFree)
	require.NoError(t, err)

	runs := verify.NewRunStore(dir)
	require.NoError(t, runs.Put(&verify.RunRecord{
		Token:     "ml_" + strings.Repeat("d", 48),
		TenantID:  "acme",
		ZipSha256: strings.Repeat("e", 64),
		Status:    verify.StatusGreen,
		VerifyOK:  true,
		CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}))

	x := openIndex(t)
	require.NoError(t, x.Rehydrate(context.Background(), tenantStore, runs, nil))

	rows, err := x.Inbox(context.Background(), "acme", store.InboxFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ml_"+strings.Repeat("d", 48), rows[0].Token)
}

func TestTrustGraph_SnapshotAndDiff(t *testing.T) {
	x := openIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, x, "ml_"+strings.Repeat("1", 48), "v1", verify.StatusGreen, base)
	seedRun(t, x, "ml_"+strings.Repeat("2", 48), "", verify.StatusGreen, base)

	graph, err := x.TrustGraph(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, graph.Vendors, 1, "runs without a vendor are excluded")
	assert.Equal(t, "MagicLinkTrustGraph.v1", graph.SchemaVersion)
	assert.Equal(t, 1, graph.Vendors[0].Green)

	before, _, err := x.SnapshotTrustGraph(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(before.SnapshotID, "tg_"))

	seedRun(t, x, "ml_"+strings.Repeat("3", 48), "v1", verify.StatusRed, base.Add(time.Hour))
	seedRun(t, x, "ml_"+strings.Repeat("4", 48), "v9", verify.StatusGreen, base.Add(time.Hour))
	after, _, err := x.SnapshotTrustGraph(ctx, "acme")
	require.NoError(t, err)

	diff, err := x.DiffSnapshots(ctx, "acme", before.SnapshotID, after.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, []string{"v9"}, diff.Added)
	assert.Empty(t, diff.Removed)
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, "v1", diff.Changed[0].VendorID)
	assert.Equal(t, 1, diff.Changed[0].Runs)
	assert.Equal(t, 1, diff.Changed[0].Red)

	current, err := x.DiffSnapshots(ctx, "acme", after.SnapshotID, "current")
	require.NoError(t, err)
	assert.Empty(t, current.Added)
	assert.Empty(t, current.Changed)

	snapshots, err := x.Snapshots(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, snapshots, 2)

	_, err = x.DiffSnapshots(ctx, "acme", "tg_missing", after.SnapshotID)
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
}
