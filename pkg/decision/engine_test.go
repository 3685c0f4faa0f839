package decision_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/decision"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/secrets"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
)

type captureEffects struct {
	mu       sync.Mutex
	events   []string
	triggers []string
}

func (c *captureEffects) DecisionEvent(_, _, event string, _ map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEffects) PaymentTrigger(_, _, key string, _ map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, key)
}

type fixture struct {
	dir     string
	engine  *decision.Engine
	tenants *tenants.Store
	runs    *verify.RunStore
	otp     *decision.OTPStore
	effects *captureEffects
	signer  *decision.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	box, err := secrets.NewBoxFromHex(strings.Repeat("12", 32))
	require.NoError(t, err)
	log := audit.NewLogger(dir)
	store := tenants.NewStore(dir, box, log)
	_, _, err = store.Provision("acme", "", plans.PlanGrowth)
	require.NoError(t, err)

	runs := verify.NewRunStore(dir)
	otp := decision.NewOTPStore(dir, box)
	signer, err := decision.LoadOrCreateFallbackSigner(dir)
	require.NoError(t, err)
	effects := &captureEffects{}

	engine := decision.NewEngine(decision.EngineConfig{
		DataDir:  dir,
		Tenants:  store,
		Runs:     runs,
		OTP:      otp,
		Audit:    log,
		Effects:  effects,
		Fallback: signer,
	})
	return &fixture{dir: dir, engine: engine, tenants: store, runs: runs, otp: otp, effects: effects, signer: signer}
}

func (fx *fixture) addRun(t *testing.T, status, vendorID string) string {
	t.Helper()
	token := vault.IssueToken()
	require.NoError(t, fx.runs.Put(&verify.RunRecord{
		SchemaVersion: "MagicLinkRunRecord.v1",
		Token:         token,
		TenantID:      "acme",
		Status:        status,
		VerifyOK:      status != verify.StatusRed,
		VendorID:      vendorID,
		CreatedAt:     time.Now().UTC(),
	}))
	return token
}

func (fx *fixture) otpCode(t *testing.T, token, email string) string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(fx.dir, "decision-otp-outbox"))
	require.NoError(t, err)
	for _, entry := range entries {
		raw, err := os.ReadFile(filepath.Join(fx.dir, "decision-otp-outbox", entry.Name()))
		require.NoError(t, err)
		var row struct {
			Token string `json:"token"`
			Email string `json:"email"`
			Code  string `json:"code"`
		}
		require.NoError(t, json.Unmarshal(raw, &row))
		if row.Token == token && row.Email == email {
			return row.Code
		}
	}
	t.Fatalf("no otp outbox row for %s/%s", token, email)
	return ""
}

func TestRecord_UnauthenticatedApproveAndLock(t *testing.T) {
	fx := newFixture(t)
	token := fx.addRun(t, verify.StatusGreen, "")

	report, err := fx.engine.Record(context.Background(), decision.Request{
		Token:    token,
		Decision: decision.Approve,
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "SettlementDecisionReport.v1", report.SchemaVersion)
	assert.Equal(t, decision.AuthUnauthenticated, report.Actor.Auth.Method)
	assert.Equal(t, fx.signer.KeyID, report.SignerKeyID)
	assert.NotEmpty(t, report.SignatureBase64)

	ok, err := decision.VerifyReport(report, func(keyID string, preImage, sig []byte) bool {
		require.Equal(t, fx.signer.KeyID, keyID)
		return ed25519.Verify(fx.signer.Priv.Public().(ed25519.PublicKey), preImage, sig)
	})
	require.NoError(t, err)
	assert.True(t, ok, "signature must verify over the unsigned canonical report")

	_, err = fx.engine.Record(context.Background(), decision.Request{
		Token:    token,
		Decision: decision.Hold,
		Email:    "other@example.com",
	})
	assert.ErrorIs(t, err, decision.ErrAlreadyRecorded)

	assert.Equal(t, []string{"decision.approved"}, fx.effects.events)
}

func TestRecord_OTPFlow(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.tenants.PutSettings("acme",
		[]byte(`{"decisionAuthEmailDomains": ["example.com"]}`), "")
	require.NoError(t, err)
	token := fx.addRun(t, verify.StatusGreen, "")

	// No session, no code.
	_, err = fx.engine.Record(context.Background(), decision.Request{
		Token: token, Decision: decision.Approve, Email: "buyer@example.com",
	})
	assert.ErrorIs(t, err, decision.ErrOTPRequired)

	// Wrong domain never authenticates.
	_, err = fx.engine.Record(context.Background(), decision.Request{
		Token: token, Decision: decision.Approve, Email: "buyer@evil.test", OTPCode: "123456",
	})
	assert.ErrorIs(t, err, decision.ErrOTPRequired)

	require.NoError(t, fx.otp.Issue(token, "buyer@example.com"))
	code := fx.otpCode(t, token, "buyer@example.com")

	report, err := fx.engine.Record(context.Background(), decision.Request{
		Token: token, Decision: decision.Approve, Email: "buyer@example.com", OTPCode: code,
	})
	require.NoError(t, err)
	assert.Equal(t, decision.AuthEmailOTP, report.Actor.Auth.Method)
}

func TestRecord_SessionOutranksOTP(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.tenants.PutSettings("acme",
		[]byte(`{"decisionAuthEmailDomains": ["example.com"]}`), "")
	require.NoError(t, err)
	token := fx.addRun(t, verify.StatusGreen, "")

	report, err := fx.engine.Record(context.Background(), decision.Request{
		Token:        token,
		Decision:     decision.Approve,
		Email:        "body@example.com",
		OTPCode:      "000000",
		SessionEmail: "session@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, decision.AuthBuyerSession, report.Actor.Auth.Method)
	assert.Equal(t, "session@example.com", report.Actor.Email)
}

func TestOTP_SingleUseAndExpiry(t *testing.T) {
	fx := newFixture(t)
	token := fx.addRun(t, verify.StatusGreen, "")

	require.NoError(t, fx.otp.Issue(token, "buyer@example.com"))
	code := fx.otpCode(t, token, "buyer@example.com")

	require.NoError(t, fx.otp.Validate(token, "buyer@example.com", code))
	assert.ErrorIs(t, fx.otp.Validate(token, "buyer@example.com", code), decision.ErrOTPInvalid)

	// Expired code.
	fx.otp.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	require.NoError(t, fx.otp.Issue(token, "late@example.com"))
	fx.otp.WithClock(time.Now)
	late := fx.otpCode(t, token, "late@example.com")
	assert.ErrorIs(t, fx.otp.Validate(token, "late@example.com", late), decision.ErrOTPInvalid)
}

func TestRecord_PolicyChecks(t *testing.T) {
	fx := newFixture(t)

	red := fx.addRun(t, verify.StatusRed, "")
	_, err := fx.engine.Record(context.Background(), decision.Request{
		Token: red, Decision: decision.Approve, Email: "b@example.com",
	})
	assert.ErrorIs(t, err, decision.ErrApproveForbidden)

	// Hold on red is fine.
	_, err = fx.engine.Record(context.Background(), decision.Request{
		Token: red, Decision: decision.Hold, Email: "b@example.com",
	})
	require.NoError(t, err)

	// Amber with amber approvals disabled for the vendor.
	_, err = fx.tenants.PutSettings("acme",
		[]byte(`{"vendorPolicies": {"v1": {"allowAmberApprovals": false}}}`), "")
	require.NoError(t, err)
	amber := fx.addRun(t, verify.StatusAmber, "v1")
	_, err = fx.engine.Record(context.Background(), decision.Request{
		Token: amber, Decision: decision.Approve, Email: "b@example.com",
	})
	assert.ErrorIs(t, err, decision.ErrApproveForbidden)

	// Amber for a vendor without the policy defaults to allowed.
	amber2 := fx.addRun(t, verify.StatusAmber, "v2")
	_, err = fx.engine.Record(context.Background(), decision.Request{
		Token: amber2, Decision: decision.Approve, Email: "b@example.com",
	})
	require.NoError(t, err)
}

func TestRecord_RejectsUnknownDecision(t *testing.T) {
	fx := newFixture(t)
	token := fx.addRun(t, verify.StatusGreen, "")
	_, err := fx.engine.Record(context.Background(), decision.Request{
		Token: token, Decision: "maybe", Email: "b@example.com",
	})
	assert.ErrorIs(t, err, decision.ErrBadDecision)
}

func TestAutoDecide(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.tenants.PutSettings("acme", []byte(`{
		"autoDecision": {"enabled": true, "approveOnGreen": true, "holdOnRed": true, "actorEmail": "bot@acme.test"},
		"paymentTriggers": {"enabled": true, "deliveryMode": "record"}
	}`), "")
	require.NoError(t, err)

	green := fx.addRun(t, verify.StatusGreen, "")
	run, err := fx.runs.Get("acme", green)
	require.NoError(t, err)
	fx.engine.AutoDecide(context.Background(), run)

	report, err := fx.engine.Get(green)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, decision.Approve, report.Decision)
	assert.Equal(t, decision.AuthSystemAuto, report.Actor.Auth.Method)
	assert.Equal(t, "bot@acme.test", report.Actor.Email)
	assert.Contains(t, fx.effects.triggers, "pt_"+green)

	// Amber is not configured; nothing happens.
	amber := fx.addRun(t, verify.StatusAmber, "")
	amberRun, err := fx.runs.Get("acme", amber)
	require.NoError(t, err)
	fx.engine.AutoDecide(context.Background(), amberRun)
	report, err = fx.engine.Get(amber)
	require.NoError(t, err)
	assert.Nil(t, report)

	// Red holds.
	red := fx.addRun(t, verify.StatusRed, "")
	redRun, err := fx.runs.Get("acme", red)
	require.NoError(t, err)
	fx.engine.AutoDecide(context.Background(), redRun)
	report, err = fx.engine.Get(red)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, decision.Hold, report.Decision)
}
