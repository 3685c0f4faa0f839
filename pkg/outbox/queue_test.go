package outbox_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/config"
	"github.com/settld-labs/magic-link/pkg/outbox"
	"github.com/settld-labs/magic-link/pkg/secrets"
)

func newQueue(t *testing.T, mode config.DeliveryMode, maxAttempts int) (*outbox.Queue, string, *secrets.Box) {
	t.Helper()
	dir := t.TempDir()
	box, err := secrets.NewBoxFromHex(strings.Repeat("cd", 32))
	require.NoError(t, err)
	q := outbox.NewQueue(outbox.QueueConfig{
		DataDir:     dir,
		Box:         box,
		Audit:       audit.NewLogger(dir),
		WebhookMode: mode,
		Backoff:     time.Second,
		MaxAttempts: maxAttempts,
	})
	return q, dir, box
}

func pendingEntry(t *testing.T, q *outbox.Queue, box *secrets.Box, url, event, key string) *outbox.Entry {
	t.Helper()
	sealed, err := box.Seal("whsec_test")
	require.NoError(t, err)
	entry := &outbox.Entry{
		TenantID:        "acme",
		Token:           "ml_" + strings.Repeat("0", 48),
		Provider:        outbox.ProviderWebhook,
		Event:           event,
		URL:             url,
		EncryptedSecret: sealed,
		Body:            json.RawMessage(`{"event":"` + event + `"}`),
		IdempotencyKey:  key,
	}
	require.NoError(t, q.Enqueue(entry))
	return entry
}

func TestEnqueue_CoalescesOnIdempotencyKey(t *testing.T) {
	q, _, box := newQueue(t, config.DeliveryRecord, 3)

	pendingEntry(t, q, box, "https://hooks.acme.test/a", "verification.completed", "k1")
	pendingEntry(t, q, box, "https://hooks.acme.test/a", "verification.completed", "k1")
	pendingEntry(t, q, box, "https://hooks.acme.test/a", "verification.completed", "k2")

	entries, err := q.List(outbox.StatePending, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestEnqueue_CoalescesAgainstDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	q, _, box := newQueue(t, config.DeliveryWebhook, 1)
	pendingEntry(t, q, box, srv.URL, "verification.completed", "k1")

	_, dead, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dead)

	// Re-emitting the same event must not spawn a second live entry next to
	// the parked one; replay is the only way back.
	pendingEntry(t, q, box, srv.URL, "verification.completed", "k1")

	pending, err := q.List(outbox.StatePending, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	deadEntries, err := q.List(outbox.StateDeadLetter, "")
	require.NoError(t, err)
	assert.Len(t, deadEntries, 1)
}

func TestRunOnce_RecordMode(t *testing.T) {
	q, dir, box := newQueue(t, config.DeliveryRecord, 3)
	pendingEntry(t, q, box, "https://hooks.acme.test/a", "verification.completed", "k1")

	delivered, dead, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dead)

	rows, err := os.ReadDir(filepath.Join(dir, "webhooks", "record"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	raw, err := os.ReadFile(filepath.Join(dir, "webhooks", "record", rows[0].Name()))
	require.NoError(t, err)
	var row struct {
		Event     string `json:"event"`
		Signature string `json:"signature"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(raw, &row))
	assert.Equal(t, "verification.completed", row.Event)
	assert.True(t, strings.HasPrefix(row.Signature, "v1="))

	entries, err := q.List(outbox.StatePending, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunOnce_SignedHTTPDelivery(t *testing.T) {
	var gotEvent, gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("x-settld-event")
		gotSig = r.Header.Get("x-settld-signature")
		gotTS = r.Header.Get("x-settld-timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, _, box := newQueue(t, config.DeliveryWebhook, 3)
	pendingEntry(t, q, box, srv.URL, "decision.approved", "k1")

	delivered, _, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	assert.Equal(t, "decision.approved", gotEvent)
	require.NoError(t, outbox.VerifyInbound(gotBody, gotTS, gotSig, "whsec_test", time.Now()))
}

func TestRetryBackoffThenDeadLetter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	q, dir, box := newQueue(t, config.DeliveryWebhook, 2)
	now := time.Now()
	q.WithClock(func() time.Time { return now })
	pendingEntry(t, q, box, srv.URL, "verification.completed", "k1")
	pendingEntry(t, q, box, srv.URL, "verification.completed", "k2")

	_, dead, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, dead)

	// Not due yet.
	_, dead, err = q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, dead)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	now = now.Add(time.Minute)
	_, dead, err = q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dead)

	entries, err := q.List(outbox.StateDeadLetter, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[0].AttemptCount)
	assert.Contains(t, entries[0].LastError, "502")

	// One alert marker per provider per month, even with two dead letters.
	markers, err := os.ReadDir(filepath.Join(dir, "webhook_retry", "alerts"))
	require.NoError(t, err)
	assert.Len(t, markers, 1)
}

func TestReplay(t *testing.T) {
	var status int32 = http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	q, _, box := newQueue(t, config.DeliveryWebhook, 1)
	entry := pendingEntry(t, q, box, srv.URL, "verification.completed", "k1")

	_, dead, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dead)

	_, err = q.Replay(entry.Token, "k1", outbox.ProviderSlack, outbox.ReplayOptions{})
	assert.ErrorIs(t, err, outbox.ErrProviderMismatch)

	_, err = q.Replay(entry.Token, "missing", outbox.ProviderWebhook, outbox.ReplayOptions{})
	assert.ErrorIs(t, err, outbox.ErrEntryNotFound)

	atomic.StoreInt32(&status, http.StatusOK)
	replayed, err := q.Replay(entry.Token, "k1", outbox.ProviderWebhook, outbox.ReplayOptions{ResetAttempts: true})
	require.NoError(t, err)
	assert.Equal(t, 0, replayed.AttemptCount)

	delivered, _, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	deadEntries, err := q.List(outbox.StateDeadLetter, "")
	require.NoError(t, err)
	assert.Empty(t, deadEntries)
}

func TestReplayLatest(t *testing.T) {
	q, _, box := newQueue(t, config.DeliveryWebhook, 1)
	now := time.Now()
	q.WithClock(func() time.Time { return now })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pendingEntry(t, q, box, srv.URL, "verification.completed", "k1")
	now = now.Add(time.Second)
	later := pendingEntry(t, q, box, srv.URL, "verification.completed", "k2")

	_, dead, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, dead)

	replayed, err := q.ReplayLatest("acme", outbox.ProviderWebhook, outbox.ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, later.IdempotencyKey, replayed.IdempotencyKey)

	_, err = q.ReplayLatest("nobody", outbox.ProviderWebhook, outbox.ReplayOptions{})
	assert.ErrorIs(t, err, outbox.ErrEntryNotFound)
}

func TestVerifyInbound(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event":"x"}`)
	now := time.Now()
	ts := now.Unix()

	sign := func(at int64) string {
		return outbox.Sign(secret, intToStr(at), body)
	}

	cases := []struct {
		name string
		body []byte
		ts   string
		sig  string
		code string
	}{
		{"empty body", nil, intToStr(ts), sign(ts), outbox.CodeRawBodyRequired},
		{"missing signature", body, intToStr(ts), "", outbox.CodeSignatureHeaderBad},
		{"bad scheme", body, intToStr(ts), "v2=abc", outbox.CodeSignatureHeaderBad},
		{"bad timestamp", body, "yesterday", sign(ts), outbox.CodeSignatureHeaderBad},
		{"stale timestamp", body, intToStr(ts - 600), sign(ts - 600), outbox.CodeTimestampOutOfBounds},
		{"wrong secret", body, intToStr(ts), outbox.Sign("other", intToStr(ts), body), outbox.CodeSignatureNoMatch},
		{"tampered body", body, intToStr(ts), outbox.Sign(secret, intToStr(ts), []byte(`{}`)), outbox.CodeSignatureNoMatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := outbox.VerifyInbound(tc.body, tc.ts, tc.sig, secret, now)
			var ierr *outbox.InboundError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, tc.code, ierr.Code)
		})
	}

	require.NoError(t, outbox.VerifyInbound(body, intToStr(ts), sign(ts), secret, now))
}

func intToStr(v int64) string {
	return strconv.FormatInt(v, 10)
}
