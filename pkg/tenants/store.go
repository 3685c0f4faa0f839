package tenants

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/canonicalize"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/secrets"
)

var (
	// ErrNotFound is returned for unknown tenants.
	ErrNotFound = errors.New("tenants: tenant not found")
	// ErrTenantExists is returned when provisioning an existing tenant id.
	ErrTenantExists = errors.New("tenants: tenant already exists")
	// ErrUnknownKey is returned when a settings patch carries an unrecognized key.
	ErrUnknownKey = errors.New("tenants: unrecognized settings key")
	// ErrIntegrationLimit is returned when a patch would exceed maxIntegrations.
	ErrIntegrationLimit = errors.New("tenants: integration limit exceeded")
)

// Store is the file-backed tenant store. Writes are serialized per tenant;
// readers may be concurrent.
type Store struct {
	dir   string
	box   *secrets.Box
	audit *audit.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at dataDir/tenants.
func NewStore(dataDir string, box *secrets.Box, auditLog *audit.Logger) *Store {
	return &Store{
		dir:   filepath.Join(dataDir, "tenants"),
		box:   box,
		audit: auditLog,
		locks: map[string]*sync.Mutex{},
	}
}

func (s *Store) lock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[tenantID] = l
	}
	return l
}

// Provision creates a new tenant with a fresh API key. The plaintext key is
// returned exactly once.
func (s *Store) Provision(tenantID, contactEmail string, plan plans.PlanID) (*Record, string, error) {
	l := s.lock(tenantID)
	l.Lock()
	defer l.Unlock()

	if _, err := s.readRecord(tenantID); err == nil {
		return nil, "", ErrTenantExists
	}
	if !plans.Valid(plan) {
		return nil, "", fmt.Errorf("tenants: unknown plan %q", plan)
	}

	apiKey := "mlk_" + randomHex(24)
	rec := &Record{
		TenantID:     tenantID,
		Plan:         plan,
		ContactEmail: contactEmail,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
		APIKeyHash:   HashKey(apiKey),
	}
	if err := s.writeRecord(rec); err != nil {
		return nil, "", err
	}
	_ = s.audit.Record(tenantID, audit.ActionTenantProvisioned,
		audit.WithMetadata(map[string]interface{}{"plan": plan}))
	return rec, apiKey, nil
}

// Get returns the tenant record.
func (s *Store) Get(tenantID string) (*Record, error) {
	return s.readRecord(tenantID)
}

// Update applies fn to the record under the tenant lock.
func (s *Store) Update(tenantID string, fn func(*Record) error) (*Record, error) {
	l := s.lock(tenantID)
	l.Lock()
	defer l.Unlock()

	rec, err := s.readRecord(tenantID)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetPlan moves the tenant to a new plan and records the change.
func (s *Store) SetPlan(tenantID string, plan plans.PlanID, actor string) (*Record, error) {
	if !plans.Valid(plan) {
		return nil, fmt.Errorf("tenants: unknown plan %q", plan)
	}
	rec, err := s.Update(tenantID, func(r *Record) error {
		r.Plan = plan
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = s.audit.Record(tenantID, audit.ActionPlanChanged,
		audit.WithActor(actor),
		audit.WithMetadata(map[string]interface{}{"plan": plan}))
	return rec, nil
}

// MarkActive advances pending tenants on first successful verified upload.
func (s *Store) MarkActive(tenantID string) error {
	_, err := s.Update(tenantID, func(r *Record) error {
		if r.Status == StatusPending {
			r.Status = StatusActive
		}
		return nil
	})
	return err
}

// IssueIngestKey mints an igk_ key for vendor ingest, returned once.
func (s *Store) IssueIngestKey(tenantID string) (string, error) {
	key := "igk_" + randomHex(24)
	_, err := s.Update(tenantID, func(r *Record) error {
		r.IngestKeyHashes = append(r.IngestKeyHashes, HashKey(key))
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// CheckIngestKey reports whether key is a live ingest key for the tenant.
func (s *Store) CheckIngestKey(tenantID, key string) bool {
	rec, err := s.readRecord(tenantID)
	if err != nil {
		return false
	}
	want := HashKey(key)
	for _, h := range rec.IngestKeyHashes {
		if h == want {
			return true
		}
	}
	return false
}

// FindByAPIKey resolves a tenant by its API key hash. Linear scan over the
// tenants directory; the directory is small and the result is cacheable by
// the caller.
func (s *Store) FindByAPIKey(apiKey string) (*Record, error) {
	want := HashKey(apiKey)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.readRecord(e.Name())
		if err != nil {
			continue
		}
		if rec.APIKeyHash == want {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// List returns all tenant ids.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// GetSettings returns the tenant settings, or defaults when missing.
func (s *Store) GetSettings(tenantID string) (*Settings, error) {
	raw, err := os.ReadFile(s.settingsPath(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("tenants: corrupt settings for %s: %w", tenantID, err)
	}
	return &settings, nil
}

// PutSettings validates patchJSON, merges it into the current settings,
// re-seals secret fields, enforces the integration entitlement, persists, and
// returns the merged (still sealed) settings.
func (s *Store) PutSettings(tenantID string, patchJSON []byte, actor string) (*Settings, error) {
	l := s.lock(tenantID)
	l.Lock()
	defer l.Unlock()

	rec, err := s.readRecord(tenantID)
	if err != nil {
		return nil, err
	}

	if err := ValidatePatch(patchJSON); err != nil {
		return nil, err
	}

	current, err := s.GetSettings(tenantID)
	if err != nil {
		return nil, err
	}

	merged, touched, err := mergePatch(current, patchJSON)
	if err != nil {
		return nil, err
	}

	plan := plans.Get(rec.Plan)
	if plan != nil && !plans.IsUnlimited(int64(plan.Limits.MaxIntegrations)) &&
		len(merged.Webhooks) > plan.Limits.MaxIntegrations {
		return nil, fmt.Errorf("%w: webhooks %d > %d", ErrIntegrationLimit,
			len(merged.Webhooks), plan.Limits.MaxIntegrations)
	}

	if err := s.sealSecrets(merged); err != nil {
		return nil, err
	}

	if err := s.writeSettings(tenantID, merged); err != nil {
		return nil, err
	}
	_ = s.audit.Record(tenantID, audit.ActionSettingsPut,
		audit.WithActor(actor),
		audit.WithMetadata(map[string]interface{}{"keys": touched}))
	return merged, nil
}

// UnsealSecret decrypts a stored webhook secret for delivery signing.
func (s *Store) UnsealSecret(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !secrets.IsSealed(sealed) {
		return sealed, nil
	}
	return s.box.Unseal(sealed)
}

// VerificationSettingsHash returns the canonical hash over the settings
// fields that affect verification outcomes.
func (s *Store) VerificationSettingsHash(settings *Settings) (string, error) {
	return canonicalize.Hash(VerificationHash{
		DefaultMode:              settings.DefaultMode,
		GovernanceTrustRootsJSON: settings.GovernanceTrustRootsJSON,
		PricingSignerKeysJSON:    settings.PricingSignerKeysJSON,
		VendorPolicies:           settings.VendorPolicies,
	})
}

func (s *Store) sealSecrets(settings *Settings) error {
	for i := range settings.Webhooks {
		if settings.Webhooks[i].Secret != "" {
			sealed, err := s.box.Seal(settings.Webhooks[i].Secret)
			if err != nil {
				return err
			}
			settings.Webhooks[i].Secret = sealed
		}
	}
	for _, ch := range []*Channel{settings.BuyerNotifications, settings.PaymentTriggers} {
		if ch != nil && ch.WebhookSecret != "" {
			sealed, err := s.box.Seal(ch.WebhookSecret)
			if err != nil {
				return err
			}
			ch.WebhookSecret = sealed
		}
	}
	if signer := settings.SettlementDecisionSigner; signer != nil && signer.PrivateKeyPEM != "" {
		sealed, err := s.box.Seal(signer.PrivateKeyPEM)
		if err != nil {
			return err
		}
		signer.PrivateKeyPEM = sealed
	}
	return nil
}

func defaultSettings() *Settings {
	return &Settings{DefaultMode: ModeAuto}
}

func (s *Store) recordPath(tenantID string) string {
	return filepath.Join(s.dir, tenantID, "tenant.json")
}

func (s *Store) settingsPath(tenantID string) string {
	return filepath.Join(s.dir, tenantID, "settings.json")
}

func (s *Store) readRecord(tenantID string) (*Record, error) {
	raw, err := os.ReadFile(s.recordPath(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("tenants: corrupt record for %s: %w", tenantID, err)
	}
	return &rec, nil
}

func (s *Store) writeRecord(rec *Record) error {
	return writeFileAtomic(s.recordPath(rec.TenantID), rec)
}

func (s *Store) writeSettings(tenantID string, settings *Settings) error {
	return writeFileAtomic(s.settingsPath(tenantID), settings)
}

// writeFileAtomic publishes v as JSON via temp file + rename.
func writeFileAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// HashKey returns the sha256 hex of an API or ingest key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("tenants: csprng unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
