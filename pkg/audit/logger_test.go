package audit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
}

func TestRecord_AppendsToMonthBucket(t *testing.T) {
	logger := audit.NewLogger(t.TempDir()).WithClock(fixedClock)

	require.NoError(t, logger.Record("tenant_a", audit.ActionSettingsPut,
		audit.WithActor("ops@tenant-a.example"),
		audit.WithMetadata(map[string]interface{}{"keys": []string{"webhooks"}}),
	))
	require.NoError(t, logger.Record("tenant_a", audit.ActionTokenRevoked,
		audit.WithToken("ml_"+repeat48("a")),
	))

	events, err := logger.ReadMonth("tenant_a", "2026-03")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionSettingsPut, events[0].Action)
	assert.Equal(t, "ops@tenant-a.example", events[0].Actor)
	assert.Equal(t, audit.ActionTokenRevoked, events[1].Action)
	assert.NotEmpty(t, events[0].ID)
}

func TestRecord_TenantsIsolated(t *testing.T) {
	logger := audit.NewLogger(t.TempDir()).WithClock(fixedClock)
	require.NoError(t, logger.Record("tenant_a", audit.ActionPlanChanged))
	require.NoError(t, logger.Record("tenant_b", audit.ActionPlanChanged))

	a, err := logger.ReadMonth("tenant_a", "2026-03")
	require.NoError(t, err)
	b, err := logger.ReadMonth("tenant_b", "2026-03")
	require.NoError(t, err)
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
	assert.Equal(t, "tenant_a", a[0].TenantID)
}

func TestReadMonth_MissingBucketIsEmpty(t *testing.T) {
	logger := audit.NewLogger(t.TempDir())
	events, err := logger.ReadMonth("tenant_a", "1999-01")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadAll_SpansMonths(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logger := audit.NewLogger(t.TempDir()).WithClock(func() time.Time { return clock })

	require.NoError(t, logger.Record("tenant_a", audit.ActionVerificationRun))
	clock = clock.AddDate(0, 1, 0)
	require.NoError(t, logger.Record("tenant_a", audit.ActionVerificationRun))

	events, err := logger.ReadAll("tenant_a")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func repeat48(s string) string {
	out := ""
	for i := 0; i < 48; i++ {
		out += s
	}
	return out
}
