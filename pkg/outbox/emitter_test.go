package outbox_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/config"
	"github.com/settld-labs/magic-link/pkg/outbox"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/secrets"
	"github.com/settld-labs/magic-link/pkg/tenants"
)

func newEmitter(t *testing.T, relayURL string) (*outbox.Emitter, *outbox.Queue, *tenants.Store, string) {
	t.Helper()
	dir := t.TempDir()
	box, err := secrets.NewBoxFromHex(strings.Repeat("ef", 32))
	require.NoError(t, err)
	log := audit.NewLogger(dir)
	store := tenants.NewStore(dir, box, log)
	_, _, err = store.Provision("acme", "", plans.PlanGrowth)
	require.NoError(t, err)

	q := outbox.NewQueue(outbox.QueueConfig{
		DataDir:     dir,
		Box:         box,
		Audit:       log,
		WebhookMode: config.DeliveryRecord,
		Backoff:     time.Second,
		MaxAttempts: 3,
	})
	emitter, err := outbox.NewEmitter(outbox.EmitterConfig{
		Queue:                   q,
		Tenants:                 store,
		DefaultEventRelayURL:    relayURL,
		DefaultEventRelaySecret: "relaysec",
	})
	require.NoError(t, err)
	return emitter, q, store, dir
}

func TestEmitter_FanOutToSubscribedWebhooks(t *testing.T) {
	emitter, q, store, _ := newEmitter(t, "https://relay.settld.test/events")
	_, err := store.PutSettings("acme", []byte(`{
		"webhooks": [
			{"url": "https://hooks.acme.test/a", "events": ["verification.completed"], "secret": "s1", "enabled": true},
			{"url": "https://hooks.slack.com/services/T0/B0/x", "events": ["decision.approved"], "secret": "s2", "enabled": true},
			{"url": "https://hooks.acme.test/off", "events": ["verification.completed"], "enabled": false}
		]
	}`), "")
	require.NoError(t, err)

	token := "ml_" + strings.Repeat("1", 48)
	emitter.VerificationEvent("acme", token, "verification.completed", map[string]interface{}{"status": "green"})

	entries, err := q.List(outbox.StatePending, "")
	require.NoError(t, err)
	// Subscribed webhook plus the default relay; disabled and unsubscribed
	// hooks are skipped.
	require.Len(t, entries, 2)
	var urls []string
	for _, e := range entries {
		urls = append(urls, e.URL)
		assert.Equal(t, "verification.completed", e.Event)
		assert.JSONEq(t, `{"event":"verification.completed","tenantId":"acme","data":{"status":"green"}}`, string(e.Body))
	}
	assert.Contains(t, urls, "https://hooks.acme.test/a")
	assert.Contains(t, urls, "https://relay.settld.test/events")

	// The same event for the same token coalesces.
	emitter.VerificationEvent("acme", token, "verification.completed", map[string]interface{}{"status": "green"})
	entries, err = q.List(outbox.StatePending, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Decision events route to the slack hook.
	emitter.DecisionEvent("acme", token, "decision.approved", map[string]interface{}{"decision": "approve"})
	slack, err := q.List(outbox.StatePending, outbox.ProviderSlack)
	require.NoError(t, err)
	require.Len(t, slack, 1)
	assert.Equal(t, "https://hooks.slack.com/services/T0/B0/x", slack[0].URL)
}

func TestEmitter_BuyerNotificationEmailMode(t *testing.T) {
	emitter, q, store, dir := newEmitter(t, "")
	_, err := store.PutSettings("acme", []byte(`{
		"buyerNotifications": {"enabled": true, "deliveryMode": "email", "emails": ["buyer@acme.test"]}
	}`), "")
	require.NoError(t, err)

	token := "ml_" + strings.Repeat("2", 48)
	emitter.BuyerNotification("acme", token, map[string]interface{}{"token": token})

	delivered, _, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	rows, err := os.ReadDir(filepath.Join(dir, "buyer-notification-outbox"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	raw, err := os.ReadFile(filepath.Join(dir, "buyer-notification-outbox", rows[0].Name()))
	require.NoError(t, err)
	var row struct {
		Emails []string `json:"emails"`
		Event  string   `json:"event"`
	}
	require.NoError(t, json.Unmarshal(raw, &row))
	assert.Equal(t, []string{"buyer@acme.test"}, row.Emails)
	assert.Equal(t, "verification.ready", row.Event)
}

func TestEmitter_PaymentTriggerDisabledChannel(t *testing.T) {
	emitter, q, _, _ := newEmitter(t, "")

	emitter.PaymentTrigger("acme", "ml_"+strings.Repeat("3", 48), "pt_x", nil)

	entries, err := q.List(outbox.StatePending, "")
	require.NoError(t, err)
	assert.Empty(t, entries, "disabled channel enqueues nothing")
}

func TestEmitter_RefreshEntry(t *testing.T) {
	emitter, _, store, _ := newEmitter(t, "")
	_, err := store.PutSettings("acme", []byte(`{
		"webhooks": [{"url": "https://hooks.acme.test/v2", "events": ["verification.completed"], "secret": "s-new", "enabled": true}]
	}`), "")
	require.NoError(t, err)

	entry := &outbox.Entry{
		TenantID:       "acme",
		Provider:       outbox.ProviderWebhook,
		Event:          "verification.completed",
		URL:            "https://hooks.acme.test/old",
		IdempotencyKey: "k",
	}
	require.NoError(t, emitter.RefreshEntry(entry))
	assert.Equal(t, "https://hooks.acme.test/v2", entry.URL)
	assert.True(t, secrets.IsSealed(entry.EncryptedSecret))

	entry.Event = "decision.held"
	assert.Error(t, emitter.RefreshEntry(entry), "no hook subscribes to the event")

	trigger := &outbox.Entry{TenantID: "acme", Provider: outbox.ProviderPaymentTrigger}
	assert.Error(t, emitter.RefreshEntry(trigger), "channel not enabled")
}
