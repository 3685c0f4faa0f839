package decision

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/hotp"

	"github.com/settld-labs/magic-link/pkg/secrets"
)

// otpValidity is how long an issued code stays usable.
const otpValidity = 10 * time.Minute

// OTPStore issues and validates single-use 6-digit codes. Issued codes land
// in the decision OTP outbox for the configured delivery channel; validation
// state (sealed HOTP secret, used flag) lives in a sibling state directory.
type OTPStore struct {
	outboxDir string
	stateDir  string
	box       *secrets.Box
	now       func() time.Time

	mu sync.Mutex
}

// NewOTPStore creates an OTPStore rooted at dataDir.
func NewOTPStore(dataDir string, box *secrets.Box) *OTPStore {
	return &OTPStore{
		outboxDir: filepath.Join(dataDir, "decision-otp-outbox"),
		stateDir:  filepath.Join(dataDir, "decision-otp-state"),
		box:       box,
		now:       time.Now,
	}
}

// NewBuyerOTPStore creates the store for buyer-session login codes. Rows are
// keyed by (tenantId, email) instead of (token, email).
func NewBuyerOTPStore(dataDir string, box *secrets.Box) *OTPStore {
	return &OTPStore{
		outboxDir: filepath.Join(dataDir, "buyer-otp-outbox"),
		stateDir:  filepath.Join(dataDir, "buyer-otp-state"),
		box:       box,
		now:       time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *OTPStore) WithClock(now func() time.Time) *OTPStore {
	s.now = now
	return s
}

type otpState struct {
	SealedSecret string    `json:"sealedSecret"`
	CreatedAt    time.Time `json:"createdAt"`
	Used         bool      `json:"used"`
}

type otpOutboxRow struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

// Issue mints a code for (token, email), replacing any previous one, and
// writes the delivery row to the outbox.
func (s *OTPStore) Issue(token, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("decision: csprng unavailable: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)

	code, err := hotp.GenerateCode(secret, 0)
	if err != nil {
		return err
	}

	sealed, err := s.box.Seal(secret)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := writeJSON(s.statePath(token, email), &otpState{
		SealedSecret: sealed,
		CreatedAt:    now,
	}); err != nil {
		return err
	}

	outboxPath := filepath.Join(s.outboxDir,
		fmt.Sprintf("%s_%s_%d.json", token, sanitizeEmail(email), now.UnixNano()))
	return writeJSON(outboxPath, &otpOutboxRow{
		Token:     token,
		Email:     email,
		Code:      code,
		CreatedAt: now,
	})
}

// Validate consumes a code. Codes are single use and expire after ten
// minutes; any failure returns ErrOTPInvalid.
func (s *OTPStore) Validate(token, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.statePath(token, email))
	if err != nil {
		return ErrOTPInvalid
	}
	var state otpState
	if err := json.Unmarshal(raw, &state); err != nil {
		return ErrOTPInvalid
	}
	if state.Used || s.now().UTC().Sub(state.CreatedAt) > otpValidity {
		return ErrOTPInvalid
	}

	secret, err := s.box.Unseal(state.SealedSecret)
	if err != nil {
		return ErrOTPInvalid
	}
	if !hotp.Validate(code, 0, secret) {
		return ErrOTPInvalid
	}

	state.Used = true
	if err := writeJSON(s.statePath(token, email), &state); err != nil {
		return err
	}
	return nil
}

func (s *OTPStore) statePath(token, email string) string {
	return filepath.Join(s.stateDir, token+"_"+sanitizeEmail(email)+".json")
}

func sanitizeEmail(email string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(email)
}

func writeJSON(path string, v interface{}) error {
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
