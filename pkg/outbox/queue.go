package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/config"
	"github.com/settld-labs/magic-link/pkg/secrets"
)

var (
	// ErrEntryNotFound means no pending or dead-letter entry matched.
	ErrEntryNotFound = errors.New("outbox: entry not found")
	// ErrProviderMismatch means the caller named a different provider than
	// the entry carries.
	ErrProviderMismatch = errors.New("outbox: provider mismatch")
)

const backoffExponentCap = 6

// Queue is the file-backed delivery queue. Entries live under
// webhook_retry/pending and move to webhook_retry/dead-letter when the
// attempt budget is spent.
type Queue struct {
	dataDir string
	box     *secrets.Box
	audit   *audit.Logger
	log     *slog.Logger
	client  *http.Client
	now     func() time.Time

	webhookMode        config.DeliveryMode
	paymentTriggerMode config.DeliveryMode
	backoff            time.Duration
	maxAttempts        int
	alertURL           string
	alertSecret        string

	// refresh re-resolves an entry's destination from current tenant
	// settings. Wired by the API layer; nil disables useCurrentSettings.
	refresh func(*Entry) error
}

// QueueConfig wires a Queue.
type QueueConfig struct {
	DataDir string
	Box     *secrets.Box
	Audit   *audit.Logger
	Logger  *slog.Logger

	WebhookMode        config.DeliveryMode
	PaymentTriggerMode config.DeliveryMode
	Timeout            time.Duration
	Backoff            time.Duration
	MaxAttempts        int

	DeadLetterAlertURL    string
	DeadLetterAlertSecret string

	RefreshSettings func(*Entry) error
}

// NewQueue constructs a Queue.
func NewQueue(cfg QueueConfig) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	webhookMode := cfg.WebhookMode
	if webhookMode == "" {
		webhookMode = config.DeliveryWebhook
	}
	triggerMode := cfg.PaymentTriggerMode
	if triggerMode == "" {
		triggerMode = webhookMode
	}
	return &Queue{
		dataDir:            cfg.DataDir,
		box:                cfg.Box,
		audit:              cfg.Audit,
		log:                logger,
		client:             &http.Client{Timeout: timeout},
		now:                time.Now,
		webhookMode:        webhookMode,
		paymentTriggerMode: triggerMode,
		backoff:            backoff,
		maxAttempts:        maxAttempts,
		alertURL:           cfg.DeadLetterAlertURL,
		alertSecret:        cfg.DeadLetterAlertSecret,
		refresh:            cfg.RefreshSettings,
	}
}

// WithClock overrides the clock, for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) pendingDir() string { return filepath.Join(q.dataDir, "webhook_retry", "pending") }
func (q *Queue) deadDir() string    { return filepath.Join(q.dataDir, "webhook_retry", "dead-letter") }
func (q *Queue) alertsDir() string  { return filepath.Join(q.dataDir, "webhook_retry", "alerts") }
func (q *Queue) recordDir() string  { return filepath.Join(q.dataDir, "webhooks", "record") }

func (q *Queue) emailDir(provider string) string {
	switch provider {
	case ProviderPaymentTrigger:
		return filepath.Join(q.dataDir, "payment-trigger-outbox")
	default:
		return filepath.Join(q.dataDir, "buyer-notification-outbox")
	}
}

// SealSecret seals a plaintext signing secret for storage on an Entry.
func (q *Queue) SealSecret(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	if secrets.IsSealed(plain) {
		return plain, nil
	}
	return q.box.Seal(plain)
}

func entryFileName(e *Entry) string {
	return fmt.Sprintf("%s_%s_%s.json", sanitize(e.TenantID), sanitize(e.Token), sanitize(e.IdempotencyKey))
}

func sanitize(s string) string {
	if s == "" {
		return "-"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Enqueue persists a new pending entry. An entry with the same (tenant,
// token, idempotency key) already pending or dead-lettered coalesces: the
// call is a no-op, and a dead-lettered entry stays parked until an operator
// resurrects it through Replay.
func (q *Queue) Enqueue(e *Entry) error {
	if e.IdempotencyKey == "" {
		return fmt.Errorf("outbox: entry needs an idempotency key")
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	now := q.now().UTC()
	e.State = StatePending
	e.AttemptCount = 0
	e.CreatedAt = now
	e.NextAttemptAt = now

	name := entryFileName(e)
	for _, dir := range []string{q.pendingDir(), q.deadDir()} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return nil
		}
	}
	return writeEntry(filepath.Join(q.pendingDir(), name), e)
}

func writeEntry(path string, e *Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readEntry(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("outbox: corrupt entry %s: %w", filepath.Base(path), err)
	}
	return &e, nil
}

// RunOnce drains due pending entries one pass: deliver, reschedule, or
// dead-letter. It returns how many entries were delivered and dead-lettered.
func (q *Queue) RunOnce(ctx context.Context) (delivered, deadLettered int, err error) {
	names, err := listJSON(q.pendingDir())
	if err != nil {
		return 0, 0, err
	}
	now := q.now().UTC()
	for _, name := range names {
		path := filepath.Join(q.pendingDir(), name)
		entry, err := readEntry(path)
		if err != nil {
			q.log.Error("outbox entry unreadable", "file", name, "err", err)
			continue
		}
		if entry.NextAttemptAt.After(now) {
			continue
		}

		// Claim by rename; a concurrent worker losing the race skips.
		claim := path + ".claim"
		if err := os.Rename(path, claim); err != nil {
			continue
		}

		if derr := q.deliver(ctx, entry); derr != nil {
			entry.AttemptCount++
			entry.LastError = derr.Error()
			if entry.AttemptCount >= q.maxAttempts {
				entry.State = StateDeadLetter
				if err := writeEntry(filepath.Join(q.deadDir(), name), entry); err != nil {
					q.log.Error("outbox dead-letter write failed", "file", name, "err", err)
					_ = os.Rename(claim, path)
					continue
				}
				_ = os.Remove(claim)
				deadLettered++
				q.emitDeadLetterAlert(ctx, entry)
				continue
			}
			exp := entry.AttemptCount
			if exp > backoffExponentCap {
				exp = backoffExponentCap
			}
			entry.NextAttemptAt = q.now().UTC().Add(q.backoff * (1 << exp))
			if err := writeEntry(path, entry); err != nil {
				q.log.Error("outbox reschedule failed", "file", name, "err", err)
			}
			_ = os.Remove(claim)
			continue
		}

		entry.State = StateDelivered
		entry.LastError = ""
		_ = os.Remove(claim)
		delivered++
	}
	return delivered, deadLettered, nil
}

// Run delivers on a fixed interval until the context is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := q.RunOnce(ctx); err != nil {
				q.log.Error("outbox pass failed", "err", err)
			}
		}
	}
}

// emitDeadLetterAlert notifies the operator alert hook at most once per
// provider per month.
func (q *Queue) emitDeadLetterAlert(ctx context.Context, entry *Entry) {
	month := q.now().UTC().Format("2006-01")
	marker := filepath.Join(q.alertsDir(), fmt.Sprintf("%s_%s.json", sanitize(entry.Provider), month))
	if _, err := os.Stat(marker); err == nil {
		return
	}
	if err := os.MkdirAll(q.alertsDir(), 0o755); err != nil {
		q.log.Error("outbox alert marker dir failed", "err", err)
		return
	}
	body, _ := json.Marshal(map[string]interface{}{
		"event":    "outbox.dead_letter",
		"provider": entry.Provider,
		"tenantId": entry.TenantID,
		"token":    entry.Token,
		"month":    month,
	})
	if err := os.WriteFile(marker, body, 0o644); err != nil {
		q.log.Error("outbox alert marker write failed", "err", err)
		return
	}

	if q.alertURL != "" {
		alert := &Entry{
			TenantID: entry.TenantID,
			Provider: entry.Provider,
			Event:    "outbox.dead_letter",
			URL:      q.alertURL,
			Body:     body,
		}
		if q.alertSecret != "" {
			sealed, err := q.SealSecret(q.alertSecret)
			if err == nil {
				alert.EncryptedSecret = sealed
			}
		}
		if err := q.post(ctx, alert); err != nil {
			q.log.Error("dead-letter alert post failed", "provider", entry.Provider, "err", err)
		}
	}

	_ = q.audit.Record(entry.TenantID, audit.ActionDeadLetterAlert,
		audit.WithToken(entry.Token),
		audit.WithMetadata(map[string]interface{}{
			"provider": entry.Provider, "month": month,
		}))
}

// ReplayOptions tune a replay.
type ReplayOptions struct {
	// ResetAttempts zeroes the attempt counter so the full budget applies.
	ResetAttempts bool
	// UseCurrentSettings re-resolves the destination URL and secret from the
	// tenant's current settings before requeueing.
	UseCurrentSettings bool
}

// Replay moves a pending or dead-letter entry back to the front of the
// pending queue. The provider must match the stored entry.
func (q *Queue) Replay(token, idempotencyKey, provider string, opts ReplayOptions) (*Entry, error) {
	entry, path, dead, err := q.find(token, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if provider != "" && provider != entry.Provider {
		return nil, fmt.Errorf("%w: entry is %s", ErrProviderMismatch, entry.Provider)
	}
	return q.requeue(entry, path, dead, opts)
}

// ReplayLatest replays the most recent dead-letter entry for a tenant and
// provider.
func (q *Queue) ReplayLatest(tenantID, provider string, opts ReplayOptions) (*Entry, error) {
	entries, err := q.List(StateDeadLetter, provider)
	if err != nil {
		return nil, err
	}
	var latest *Entry
	for _, e := range entries {
		if e.TenantID != tenantID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrEntryNotFound
	}
	path := filepath.Join(q.deadDir(), entryFileName(latest))
	return q.requeue(latest, path, true, opts)
}

func (q *Queue) requeue(entry *Entry, path string, dead bool, opts ReplayOptions) (*Entry, error) {
	if opts.ResetAttempts {
		entry.AttemptCount = 0
	}
	if opts.UseCurrentSettings {
		if q.refresh == nil {
			return nil, fmt.Errorf("outbox: settings refresh is not configured")
		}
		if err := q.refresh(entry); err != nil {
			return nil, err
		}
	}
	entry.State = StatePending
	entry.LastError = ""
	entry.NextAttemptAt = q.now().UTC()

	target := filepath.Join(q.pendingDir(), entryFileName(entry))
	if err := writeEntry(target, entry); err != nil {
		return nil, err
	}
	if dead {
		_ = os.Remove(path)
	}
	_ = q.audit.Record(entry.TenantID, audit.ActionOutboxReplay,
		audit.WithToken(entry.Token),
		audit.WithMetadata(map[string]interface{}{
			"provider":       entry.Provider,
			"idempotencyKey": entry.IdempotencyKey,
			"fromDeadLetter": dead,
		}))
	return entry, nil
}

func (q *Queue) find(token, idempotencyKey string) (*Entry, string, bool, error) {
	for _, loc := range []struct {
		dir  string
		dead bool
	}{{q.pendingDir(), false}, {q.deadDir(), true}} {
		names, err := listJSON(loc.dir)
		if err != nil {
			return nil, "", false, err
		}
		suffix := fmt.Sprintf("_%s_%s.json", sanitize(token), sanitize(idempotencyKey))
		for _, name := range names {
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			path := filepath.Join(loc.dir, name)
			entry, err := readEntry(path)
			if err != nil {
				return nil, "", false, err
			}
			return entry, path, loc.dead, nil
		}
	}
	return nil, "", false, ErrEntryNotFound
}

// List returns entries in a state, optionally filtered by provider, newest
// first.
func (q *Queue) List(state, provider string) ([]*Entry, error) {
	var dirs []string
	switch state {
	case StatePending, "":
		dirs = append(dirs, q.pendingDir())
	}
	if state == StateDeadLetter || state == "" {
		dirs = append(dirs, q.deadDir())
	}
	var out []*Entry
	for _, dir := range dirs {
		names, err := listJSON(dir)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			entry, err := readEntry(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if provider != "" && entry.Provider != provider {
				continue
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
