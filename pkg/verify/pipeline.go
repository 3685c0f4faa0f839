package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/canonicalize"
	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/secrets"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
)

// SideEffects receives the pipeline's post-run fan-out. The outbox engine
// and the decision engine implement it; failures are logged, never fatal to
// the upload.
type SideEffects interface {
	VerificationEvent(tenantID, token, event string, payload map[string]interface{})
	BuyerNotification(tenantID, token string, payload map[string]interface{})
	AutoDecide(ctx context.Context, rec *RunRecord)
}

// NopSideEffects discards all fan-out. Used in tests.
type NopSideEffects struct{}

func (NopSideEffects) VerificationEvent(string, string, string, map[string]interface{}) {}
func (NopSideEffects) BuyerNotification(string, string, map[string]interface{})         {}
func (NopSideEffects) AutoDecide(context.Context, *RunRecord)                           {}

// Pipeline runs uploads end to end: dedupe, mode resolution, verification,
// persistence, and side-effect fan-out.
type Pipeline struct {
	tenants  *tenants.Store
	runs     *RunStore
	vault    *vault.Vault
	meter    *entitlements.Meter
	limiter  *entitlements.RateLimiter
	audit    *audit.Logger
	verifier Verifier
	effects  SideEffects
	box      *secrets.Box
	log      *slog.Logger

	// Deployment-wide trusted keys, overridable per tenant.
	defaultRootsJSON   string
	defaultPricingJSON string

	now func() time.Time
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Tenants            *tenants.Store
	Runs               *RunStore
	Vault              *vault.Vault
	Meter              *entitlements.Meter
	Limiter            *entitlements.RateLimiter
	Audit              *audit.Logger
	Verifier           Verifier
	Effects            SideEffects
	Box                *secrets.Box
	Logger             *slog.Logger
	DefaultRootsJSON   string
	DefaultPricingJSON string
}

// NewPipeline constructs a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	effects := cfg.Effects
	if effects == nil {
		effects = NopSideEffects{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		tenants:            cfg.Tenants,
		runs:               cfg.Runs,
		vault:              cfg.Vault,
		meter:              cfg.Meter,
		limiter:            cfg.Limiter,
		audit:              cfg.Audit,
		verifier:           cfg.Verifier,
		effects:            effects,
		box:                cfg.Box,
		log:                logger,
		defaultRootsJSON:   cfg.DefaultRootsJSON,
		defaultPricingJSON: cfg.DefaultPricingJSON,
		now:                time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// ResolveMode applies the precedence explicit > tenant default > auto, and
// collapses auto to strict when trusted roots are configured, else compat.
func ResolveMode(explicit string, tenantDefault tenants.Mode, roots *KeySet) string {
	mode := explicit
	if mode == "" || mode == ModeAuto {
		mode = string(tenantDefault)
	}
	if mode == "" || mode == ModeAuto {
		if roots.Empty() {
			return ModeCompat
		}
		return ModeStrict
	}
	return mode
}

// Upload runs one upload through the pipeline.
func (p *Pipeline) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	rec, err := p.tenants.Get(in.TenantID)
	if err != nil {
		return nil, err
	}
	settings, err := p.tenants.GetSettings(in.TenantID)
	if err != nil {
		return nil, err
	}

	zipSha := canonicalize.HashBytes(in.Body)
	settingsHash, err := p.tenants.VerificationSettingsHash(settings)
	if err != nil {
		return nil, err
	}

	// Dedupe and rerun bypass quota and rate limits.
	if entry, err := p.vault.IndexLookup(in.TenantID, zipSha); err == nil {
		if entry.SettingsHash == settingsHash {
			return p.dedupe(in.TenantID, entry.Token)
		}
		return p.rerun(ctx, in, settings, entry, zipSha, settingsHash)
	} else if !errors.Is(err, vault.ErrNotFound) {
		return nil, err
	}

	if err := p.checkLimits(in.TenantID, rec.Plan, settings); err != nil {
		return nil, err
	}
	return p.newRun(ctx, in, rec, settings, zipSha, settingsHash)
}

func (p *Pipeline) checkLimits(tenantID string, plan plans.PlanID, settings *tenants.Settings) error {
	uploadLimit := entitlements.DefaultHourlyLimits[entitlements.KindUpload]
	if settings.RateLimits != nil && settings.RateLimits.UploadsPerHour > 0 {
		uploadLimit = settings.RateLimits.UploadsPerHour
	}
	if err := p.limiter.Allow(tenantID, entitlements.KindUpload, uploadLimit); err != nil {
		return err
	}

	catalog := plans.Get(plan)
	if catalog == nil {
		return fmt.Errorf("verify: tenant %s has unknown plan %q", tenantID, plan)
	}
	verifLimit := catalog.Limits.MaxVerificationsPerMonth
	if settings.MaxVerificationsPerMonth != nil {
		verifLimit = *settings.MaxVerificationsPerMonth
	}
	if err := p.meter.CheckQuota(tenantID, entitlements.MetricVerifications, plan, verifLimit); err != nil {
		return err
	}

	bundleLimit := catalog.Limits.MaxStoredBundles
	if settings.MaxStoredBundles != nil {
		bundleLimit = *settings.MaxStoredBundles
	}
	return p.meter.CheckQuota(tenantID, entitlements.MetricStoredBundles, plan, bundleLimit)
}

func (p *Pipeline) dedupe(tenantID, token string) (*UploadResult, error) {
	run, err := p.runs.Get(tenantID, token)
	if err != nil {
		return nil, err
	}
	return &UploadResult{
		Token:        token,
		Deduped:      true,
		ModeResolved: run.ModeResolved,
		Status:       run.Status,
		VerifyOK:     run.VerifyOK,
	}, nil
}

// rerun re-verifies a known bundle under the tenant's current settings,
// keeping the original token. Usage is not bumped.
func (p *Pipeline) rerun(ctx context.Context, in UploadInput, settings *tenants.Settings,
	entry *vault.IndexEntry, zipSha, settingsHash string) (*UploadResult, error) {

	run, err := p.runs.Get(in.TenantID, entry.Token)
	if err != nil {
		return nil, err
	}

	out, mode, err := p.verifyBundle(ctx, in, settings, run.VendorID)
	if err != nil {
		return nil, err
	}

	run.ModeResolved = mode
	run.VerifyOK = out.OK
	run.Status = deriveStatus(out)
	run.SettingsHash = settingsHash
	run.RerunCount++
	run.VerifiedAt = p.now().UTC()

	if err := p.persistArtifacts(run, in.Body, out); err != nil {
		return nil, err
	}
	if err := p.runs.Put(run); err != nil {
		return nil, err
	}
	if err := p.vault.IndexPut(in.TenantID, zipSha, &vault.IndexEntry{
		Token:        run.Token,
		SettingsHash: settingsHash,
		CreatedAt:    entry.CreatedAt,
	}); err != nil {
		return nil, err
	}

	_ = p.audit.Record(in.TenantID, audit.ActionVerificationRun,
		audit.WithToken(run.Token),
		audit.WithMetadata(map[string]interface{}{"rerun": true, "status": run.Status}))
	p.emitEvents(ctx, run, out, false)

	return &UploadResult{
		Token:        run.Token,
		Rerun:        true,
		ModeResolved: mode,
		Status:       run.Status,
		VerifyOK:     out.OK,
	}, nil
}

func (p *Pipeline) newRun(ctx context.Context, in UploadInput, rec *tenants.Record,
	settings *tenants.Settings, zipSha, settingsHash string) (*UploadResult, error) {

	out, mode, err := p.verifyBundle(ctx, in, settings, in.VendorID)
	if err != nil {
		return nil, err
	}

	token := vault.IssueToken()
	now := p.now().UTC()

	run := &RunRecord{
		SchemaVersion: "MagicLinkRunRecord.v1",
		Token:         token,
		TenantID:      in.TenantID,
		ZipSha256:     zipSha,
		ModeResolved:  mode,
		VerifyOK:      out.OK,
		Status:        deriveStatus(out),
		BundleType:    out.BundleType,
		VendorID:      in.VendorID,
		VendorName:    in.VendorName,
		ContractID:    in.ContractID,
		RunID:         in.RunID,
		TemplateID:    in.TemplateID,
		CreatedAt:     now,
		VerifiedAt:    now,
		SettingsHash:  settingsHash,
	}
	if in.TemplateConfig != "" {
		var cfg interface{}
		if err := canonicalize.DecodeBase64URLJSON(in.TemplateConfig, &cfg); err != nil {
			return nil, fmt.Errorf("verify: templateConfig is not base64url JSON: %w", err)
		}
		hash, err := canonicalize.Hash(cfg)
		if err != nil {
			return nil, err
		}
		run.TemplateConfigHash = hash
	}

	if err := p.vault.PutMeta(&vault.Meta{
		Token:              token,
		TenantID:           in.TenantID,
		CreatedAt:          now,
		TemplateID:         in.TemplateID,
		TemplateConfigHash: run.TemplateConfigHash,
	}); err != nil {
		return nil, err
	}
	if err := p.persistArtifacts(run, in.Body, out); err != nil {
		return nil, err
	}
	if err := p.runs.Put(run); err != nil {
		return nil, err
	}
	if err := p.vault.IndexPut(in.TenantID, zipSha, &vault.IndexEntry{
		Token:        token,
		SettingsHash: settingsHash,
		CreatedAt:    now,
	}); err != nil {
		return nil, err
	}

	verifLimit := plans.Get(rec.Plan).Limits.MaxVerificationsPerMonth
	if settings.MaxVerificationsPerMonth != nil {
		verifLimit = *settings.MaxVerificationsPerMonth
	}
	if err := p.meter.Bump(in.TenantID, entitlements.MetricVerifications, rec.Plan, verifLimit); err != nil {
		p.log.Error("usage bump failed", "tenant", in.TenantID, "err", err)
	}
	if err := p.meter.Bump(in.TenantID, entitlements.MetricStoredBundles, rec.Plan, -1); err != nil {
		p.log.Error("bundle count bump failed", "tenant", in.TenantID, "err", err)
	}

	if out.OK {
		if err := p.tenants.MarkActive(in.TenantID); err != nil {
			p.log.Error("tenant activation failed", "tenant", in.TenantID, "err", err)
		}
	}

	notificationSkipped := false
	if in.RunID != "" {
		first, err := p.runs.ClaimRunID(in.TenantID, in.RunID, zipSha, token)
		if err != nil {
			return nil, err
		}
		notificationSkipped = !first
	}

	_ = p.audit.Record(in.TenantID, audit.ActionVerificationRun,
		audit.WithToken(token),
		audit.WithMetadata(map[string]interface{}{
			"status": run.Status, "mode": mode, "zipSha256": zipSha,
		}))
	p.emitEvents(ctx, run, out, !notificationSkipped)

	return &UploadResult{
		Token:                    token,
		ModeResolved:             mode,
		Status:                   run.Status,
		VerifyOK:                 out.OK,
		BuyerNotificationSkipped: notificationSkipped,
	}, nil
}

func (p *Pipeline) verifyBundle(ctx context.Context, in UploadInput,
	settings *tenants.Settings, vendorID string) (*CliOutput, string, error) {

	roots, err := ResolveRoots(settings.GovernanceTrustRootsJSON, p.defaultRootsJSON)
	if err != nil {
		return nil, "", err
	}
	pricing, err := ResolveRoots(settings.PricingSignerKeysJSON, p.defaultPricingJSON)
	if err != nil {
		return nil, "", err
	}

	mode := ResolveMode(in.Mode, settings.DefaultMode, roots)
	if policy, ok := settings.PolicyFor(vendorID); ok && policy.RequiredMode != "" && policy.RequiredMode != tenants.ModeAuto {
		mode = string(policy.RequiredMode)
	}

	out, err := p.verifier.Verify(ctx, in.Body, Input{Mode: mode, Roots: roots, PricingKeys: pricing})
	if err != nil {
		return nil, "", err
	}

	applyVendorPolicy(out, settings, vendorID)
	out.OK = len(out.Errors) == 0
	return out, mode, nil
}

// applyVendorPolicy layers tenant vendor policy onto the verifier output.
func applyVendorPolicy(out *CliOutput, settings *tenants.Settings, vendorID string) {
	policy, ok := settings.PolicyFor(vendorID)
	if !ok {
		return
	}
	if policy.FailOnWarnings && len(out.Warnings) > 0 {
		out.Errors = append(out.Errors, Issue{Code: ErrFailOnWarnings,
			Message: fmt.Sprintf("vendor policy fails runs with warnings (%d present)", len(out.Warnings))})
	}
	if len(policy.RequiredPricingMatrixSignerKeyIDs) > 0 {
		allowed := map[string]bool{}
		for _, id := range policy.RequiredPricingMatrixSignerKeyIDs {
			allowed[id] = true
		}
		for _, id := range out.PricingSignerKeyIDs {
			if !allowed[id] {
				out.Errors = append(out.Errors, Issue{Code: ErrPricingSignerNotAllowed,
					Message: fmt.Sprintf("pricing matrix signer %s is not allowed by vendor policy", id)})
			}
		}
	}
}

// deriveStatus maps verifier output to the run traffic light.
func deriveStatus(out *CliOutput) string {
	if !out.OK {
		return StatusRed
	}
	for _, w := range out.Warnings {
		if trustAnchorWarnings[w.Code] {
			return StatusAmber
		}
	}
	return StatusGreen
}

// persistArtifacts writes the zip, verify output, receipt, and public render
// model. PDF and audit packet are rendered lazily on first GET.
func (p *Pipeline) persistArtifacts(run *RunRecord, body []byte, out *CliOutput) error {
	if err := p.vault.Put(run.Token, vault.KeyZip, body); err != nil {
		return err
	}

	verifyJSON, err := canonicalize.Canonical(out)
	if err != nil {
		return err
	}
	if err := p.vault.Put(run.Token, vault.KeyVerify, verifyJSON); err != nil {
		return err
	}

	receipt := map[string]interface{}{
		"schemaVersion": "VerificationReport.v1",
		"token":         run.Token,
		"tenantId":      run.TenantID,
		"zipSha256":     run.ZipSha256,
		"modeResolved":  run.ModeResolved,
		"ok":            run.VerifyOK,
		"status":        run.Status,
		"bundleType":    run.BundleType,
		"createdAt":     run.CreatedAt.Format(time.RFC3339),
		"verifiedAt":    run.VerifiedAt.Format(time.RFC3339),
		"summary":       out.Summary,
		"errors":        out.Errors,
		"warnings":      out.Warnings,
	}
	sealed, err := canonicalize.SealArtifact(receipt)
	if err != nil {
		return err
	}
	if err := p.vault.Put(run.Token, vault.KeyReceipt, sealed); err != nil {
		return err
	}

	public := map[string]interface{}{
		"status":       run.Status,
		"modeResolved": run.ModeResolved,
		"verifyOk":     run.VerifyOK,
		"vendorName":   run.VendorName,
		"bundleType":   run.BundleType,
		"createdAt":    run.CreatedAt.Format(time.RFC3339),
	}
	publicJSON, err := json.MarshalIndent(public, "", "  ")
	if err != nil {
		return err
	}
	if err := p.vault.Put(run.Token, vault.KeyPublic, publicJSON); err != nil {
		return err
	}

	summary, err := p.vault.BuildPublicSummary(p.box, "", run.Token)
	if err != nil {
		return err
	}
	run.SummaryHash = summary.SummaryHash
	return nil
}

func (p *Pipeline) emitEvents(ctx context.Context, run *RunRecord, out *CliOutput, notifyBuyer bool) {
	event := "verification.completed"
	if !out.OK {
		event = "verification.failed"
	}
	payload := map[string]interface{}{
		"token":        run.Token,
		"status":       run.Status,
		"modeResolved": run.ModeResolved,
		"verifyOk":     run.VerifyOK,
		"zipSha256":    run.ZipSha256,
	}
	p.effects.VerificationEvent(run.TenantID, run.Token, event, payload)
	if notifyBuyer {
		p.effects.BuyerNotification(run.TenantID, run.Token, payload)
	}
	p.effects.AutoDecide(ctx, run)
}
