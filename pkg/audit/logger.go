// Package audit records tenant-scoped audit events as month-bucketed JSONL
// files under dataDir/audit/<tenantId>/<yyyy-mm>.jsonl. The trail survives
// retention GC and feeds the security-controls packet.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names recorded by the control plane. Kept as constants so tests and
// the packets exporter reference the same strings.
const (
	ActionSettingsPut       = "TENANT_SETTINGS_PUT"
	ActionThresholdAlert    = "BILLING_USAGE_THRESHOLD_ALERT_EMITTED"
	ActionDecisionRecorded  = "SETTLEMENT_DECISION_RECORDED"
	ActionTokenRevoked      = "MAGIC_LINK_TOKEN_REVOKED"
	ActionPlanChanged       = "TENANT_PLAN_CHANGED"
	ActionDeadLetterAlert   = "OUTBOX_DEAD_LETTER_ALERT_EMITTED"
	ActionRetentionSweep    = "RETENTION_SWEEP_COMPLETED"
	ActionArchiveExported   = "ARCHIVE_EXPORT_MARKER_WRITTEN"
	ActionBillingWebhook    = "BILLING_WEBHOOK_PROCESSED"
	ActionRuntimeBootstrap  = "RUNTIME_BOOTSTRAP_ISSUED"
	ActionFirstPaidCall     = "FIRST_PAID_CALL_COMPLETED"
	ActionVerificationRun   = "VERIFICATION_RUN_RECORDED"
	ActionOutboxReplay      = "OUTBOX_ENTRY_REPLAYED"
	ActionOnboardingPack    = "VENDOR_ONBOARDING_PACK_ISSUED"
	ActionTenantProvisioned = "TENANT_PROVISIONED"
)

// Event is one audit row.
type Event struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenantId"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger appends audit rows. Writes are serialized per process; rows for
// distinct tenants land in distinct files.
type Logger struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewLogger creates a Logger rooted at dataDir/audit.
func NewLogger(dataDir string) *Logger {
	return &Logger{dir: filepath.Join(dataDir, "audit"), now: time.Now}
}

// WithClock overrides the clock, for tests.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Record appends one event to the tenant's current month bucket.
func (l *Logger) Record(tenantID, action string, opts ...Option) error {
	ev := Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Action:    action,
		Timestamp: l.now().UTC(),
	}
	for _, opt := range opts {
		opt(&ev)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Join(l.dir, tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("audit: mkdir: %w", err)
	}
	path := filepath.Join(dir, ev.Timestamp.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Option customizes an event before it is written.
type Option func(*Event)

// WithActor records who performed the action.
func WithActor(actor string) Option {
	return func(e *Event) { e.Actor = actor }
}

// WithToken links the event to a verification run.
func WithToken(token string) Option {
	return func(e *Event) { e.Token = token }
}

// WithMetadata attaches free-form detail.
func WithMetadata(md map[string]interface{}) Option {
	return func(e *Event) { e.Metadata = md }
}

// ReadMonth returns all events for a tenant in a yyyy-mm bucket, oldest first.
func (l *Logger) ReadMonth(tenantID, month string) ([]Event, error) {
	path := filepath.Join(l.dir, tenantID, month+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("audit: corrupt row in %s: %w", path, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadAll returns every event for a tenant across all month buckets.
func (l *Logger) ReadAll(tenantID string) ([]Event, error) {
	dir := filepath.Join(l.dir, tenantID)
	names, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []Event
	for _, entry := range names {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		month := entry.Name()[:len(entry.Name())-len(".jsonl")]
		batch, err := l.ReadMonth(tenantID, month)
		if err != nil {
			return nil, err
		}
		events = append(events, batch...)
	}
	return events, nil
}
