package decision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/canonicalize"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/verify"
)

// SideEffects receives decision fan-out. The outbox engine implements it.
type SideEffects interface {
	DecisionEvent(tenantID, token, event string, payload map[string]interface{})
	PaymentTrigger(tenantID, token, idempotencyKey string, payload map[string]interface{})
}

// NopSideEffects discards all fan-out. Used in tests.
type NopSideEffects struct{}

func (NopSideEffects) DecisionEvent(string, string, string, map[string]interface{})   {}
func (NopSideEffects) PaymentTrigger(string, string, string, map[string]interface{}) {}

// Engine records settlement decisions with a per-token lock.
type Engine struct {
	dir      string
	tenants  *tenants.Store
	runs     *verify.RunStore
	otp      *OTPStore
	audit    *audit.Logger
	effects  SideEffects
	fallback *Signer
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	DataDir  string
	Tenants  *tenants.Store
	Runs     *verify.RunStore
	OTP      *OTPStore
	Audit    *audit.Logger
	Effects  SideEffects
	Fallback *Signer
	Logger   *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	effects := cfg.Effects
	if effects == nil {
		effects = NopSideEffects{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dir:      filepath.Join(cfg.DataDir, "decisions"),
		tenants:  cfg.Tenants,
		runs:     cfg.Runs,
		otp:      cfg.OTP,
		audit:    cfg.Audit,
		effects:  effects,
		fallback: cfg.Fallback,
		log:      logger,
		now:      time.Now,
		locks:    map[string]*sync.Mutex{},
	}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) lock(token string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[token]
	if !ok {
		l = &sync.Mutex{}
		e.locks[token] = l
	}
	return l
}

// Get returns the recorded decision for a token, if any.
func (e *Engine) Get(token string) (*Report, error) {
	raw, err := os.ReadFile(e.path(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decision: corrupt report for %s: %w", token, err)
	}
	return &report, nil
}

// Record evaluates auth and policy, signs, persists, and fans out one
// decision. A second call for the same token fails with ErrAlreadyRecorded.
func (e *Engine) Record(_ context.Context, req Request) (*Report, error) {
	if req.Decision != Approve && req.Decision != Hold {
		return nil, ErrBadDecision
	}

	l := e.lock(req.Token)
	l.Lock()
	defer l.Unlock()

	if existing, err := e.Get(req.Token); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyRecorded
	}

	run, err := e.runs.Find(req.Token)
	if err != nil {
		return nil, err
	}
	settings, err := e.tenants.GetSettings(run.TenantID)
	if err != nil {
		return nil, err
	}

	actor, err := e.authenticate(req, settings)
	if err != nil {
		return nil, err
	}

	check := e.policyCheck(req, run, settings)
	if !check.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrApproveForbidden, check.Reason)
	}

	report := &Report{
		SchemaVersion: "SettlementDecisionReport.v1",
		Token:         req.Token,
		TenantID:      run.TenantID,
		Decision:      req.Decision,
		Actor:         actor,
		Note:          req.Note,
		CreatedAt:     e.now().UTC(),
		PolicyCheck:   check,
	}

	signer, err := e.signerFor(settings)
	if err != nil {
		return nil, err
	}
	report.SignerKeyID = signer.KeyID

	preImage, err := canonicalize.Canonical(report)
	if err != nil {
		return nil, err
	}
	report.SignatureBase64 = signer.Sign(preImage)

	if err := e.write(report); err != nil {
		return nil, err
	}

	_ = e.audit.Record(run.TenantID, audit.ActionDecisionRecorded,
		audit.WithActor(actor.Email),
		audit.WithToken(req.Token),
		audit.WithMetadata(map[string]interface{}{
			"decision": req.Decision, "authMethod": actor.Auth.Method,
		}))

	event := "decision.held"
	if req.Decision == Approve {
		event = "decision.approved"
	}
	payload := map[string]interface{}{
		"token":       req.Token,
		"decision":    req.Decision,
		"actorEmail":  actor.Email,
		"signerKeyId": report.SignerKeyID,
		"status":      run.Status,
	}
	e.effects.DecisionEvent(run.TenantID, req.Token, event, payload)

	if req.Decision == Approve && settings.PaymentTriggers != nil && settings.PaymentTriggers.Enabled {
		e.effects.PaymentTrigger(run.TenantID, req.Token, "pt_"+req.Token, map[string]interface{}{
			"event": "payment.approval_ready",
			"token": req.Token,
		})
	}
	return report, nil
}

// VerifyReport checks a stored report's signature against a public key set.
// Offline verifiers perform the same computation.
func VerifyReport(report *Report, verifyFn func(keyID string, preImage, sig []byte) bool) (bool, error) {
	unsigned := *report
	sigB64 := unsigned.SignatureBase64
	unsigned.SignatureBase64 = ""
	preImage, err := canonicalize.Canonical(&unsigned)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, err
	}
	return verifyFn(report.SignerKeyID, preImage, sig), nil
}

// AutoDecide applies the tenant's auto-decision policy to a fresh run. The
// per-token lock makes it a no-op when a decision already exists.
func (e *Engine) AutoDecide(ctx context.Context, run *verify.RunRecord) {
	settings, err := e.tenants.GetSettings(run.TenantID)
	if err != nil {
		e.log.Error("auto-decision settings read failed", "tenant", run.TenantID, "err", err)
		return
	}
	auto := settings.AutoDecision
	if auto == nil || !auto.Enabled {
		return
	}
	if len(auto.TemplateIDs) > 0 && !contains(auto.TemplateIDs, run.TemplateID) {
		return
	}

	var decided string
	switch run.Status {
	case verify.StatusGreen:
		if auto.ApproveOnGreen {
			decided = Approve
		}
	case verify.StatusAmber:
		if auto.ApproveOnAmber {
			decided = Approve
		}
	case verify.StatusRed:
		if auto.HoldOnRed {
			decided = Hold
		}
	}
	if decided == "" {
		return
	}

	_, err = e.Record(ctx, Request{
		Token:    run.Token,
		Decision: decided,
		Email:    auto.ActorEmail,
		System:   true,
	})
	if err != nil && err != ErrAlreadyRecorded {
		e.log.Error("auto-decision failed", "token", run.Token, "err", err)
	}
}

// authenticate resolves the actor per the tenant's decision auth settings.
// A valid buyer session outranks a submitted OTP.
func (e *Engine) authenticate(req Request, settings *tenants.Settings) (Actor, error) {
	var actor Actor
	actor.Name = req.Name
	actor.Email = req.Email

	if req.System {
		actor.Auth.Method = AuthSystemAuto
		return actor, nil
	}

	domains := settings.DecisionAuthEmailDomains
	if len(domains) == 0 {
		actor.Auth.Method = AuthUnauthenticated
		return actor, nil
	}

	if req.SessionEmail != "" && domainAllowed(req.SessionEmail, domains) {
		actor.Email = req.SessionEmail
		actor.Auth.Method = AuthBuyerSession
		return actor, nil
	}

	if req.Email != "" && domainAllowed(req.Email, domains) && req.OTPCode != "" {
		if err := e.otp.Validate(req.Token, req.Email, req.OTPCode); err != nil {
			return Actor{}, err
		}
		actor.Auth.Method = AuthEmailOTP
		return actor, nil
	}

	return Actor{}, ErrOTPRequired
}

func (e *Engine) policyCheck(req Request, run *verify.RunRecord, settings *tenants.Settings) PolicyCheck {
	if req.Decision == Hold {
		return PolicyCheck{Allowed: true}
	}
	switch run.Status {
	case verify.StatusRed:
		if !req.System {
			return PolicyCheck{Allowed: false, Reason: "approve on red is forbidden"}
		}
		return PolicyCheck{Allowed: false, Reason: "auto-decision cannot approve red"}
	case verify.StatusAmber:
		policy, _ := settings.PolicyFor(run.VendorID)
		if !policy.AmberApprovalsAllowed() {
			return PolicyCheck{Allowed: false, Reason: "vendor policy disallows amber approvals"}
		}
	}
	return PolicyCheck{Allowed: true}
}

func (e *Engine) signerFor(settings *tenants.Settings) (*Signer, error) {
	configured := settings.SettlementDecisionSigner
	if configured == nil || configured.PrivateKeyPEM == "" {
		return e.fallback, nil
	}
	pemText, err := e.tenants.UnsealSecret(configured.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	return ParseSignerPEM(configured.KeyID, pemText)
}

func (e *Engine) path(token string) string {
	return filepath.Join(e.dir, token+".json")
}

func (e *Engine) write(report *Report) error {
	path := e.path(report.Token)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func domainAllowed(email string, domains []string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range domains {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
