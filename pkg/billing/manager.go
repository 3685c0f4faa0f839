// Package billing connects tenants to Stripe: checkout and portal sessions,
// the webhook-driven plan lifecycle, and monthly invoice drafts computed
// from metered usage. Without a Stripe key the manager runs in record mode
// and writes deterministic rows instead of calling out.
package billing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/stripe/stripe-go/v81"
	portalsession "github.com/stripe/stripe-go/v81/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/tenants"
)

// Manager owns the billing integration for all tenants.
type Manager struct {
	tenants *tenants.Store
	meter   *entitlements.Meter
	audit   *audit.Logger
	log     *slog.Logger
	dataDir string
	now     func() time.Time

	secretKey     string
	webhookSecret string
	priceIDs      map[plans.PlanID]string
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	DataDir string
	Tenants *tenants.Store
	Meter   *entitlements.Meter
	Audit   *audit.Logger
	Logger  *slog.Logger

	StripeSecretKey     string
	StripeWebhookSecret string
	// PriceIDs maps plans to Stripe price ids for checkout.
	PriceIDs map[plans.PlanID]string
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StripeSecretKey != "" {
		stripe.Key = cfg.StripeSecretKey
	}
	return &Manager{
		tenants:       cfg.Tenants,
		meter:         cfg.Meter,
		audit:         cfg.Audit,
		log:           logger,
		dataDir:       cfg.DataDir,
		now:           time.Now,
		secretKey:     cfg.StripeSecretKey,
		webhookSecret: cfg.StripeWebhookSecret,
		priceIDs:      cfg.PriceIDs,
	}
}

// Configured reports whether live Stripe calls are possible.
func (m *Manager) Configured() bool { return m.secretKey != "" }

// CheckoutSession identifies a started checkout.
type CheckoutSession struct {
	SessionID   string       `json:"sessionId"`
	CheckoutURL string       `json:"checkoutUrl"`
	Plan        plans.PlanID `json:"plan"`
}

// Checkout creates a subscription checkout session for a plan change.
func (m *Manager) Checkout(tenantID string, plan plans.PlanID, successURL, cancelURL string) (*CheckoutSession, error) {
	p := plans.Get(plan)
	if p == nil {
		return nil, fmt.Errorf("billing: unknown plan %q", plan)
	}
	if p.SubscriptionCents < 0 {
		return nil, fmt.Errorf("billing: plan %s requires a sales contract", plan)
	}
	if _, err := m.tenants.Get(tenantID); err != nil {
		return nil, err
	}

	if !m.Configured() {
		url := fmt.Sprintf("record://checkout/%s/%s", tenantID, plan)
		if err := m.recordRow("checkout", tenantID, map[string]interface{}{
			"plan": plan, "successUrl": successURL, "cancelUrl": cancelURL, "url": url,
		}); err != nil {
			return nil, err
		}
		return &CheckoutSession{SessionID: "cs_record_" + tenantID, CheckoutURL: url, Plan: plan}, nil
	}

	priceID, ok := m.priceIDs[plan]
	if !ok {
		return nil, fmt.Errorf("billing: no price configured for plan %s", plan)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(tenantID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
	}
	params.AddMetadata("plan", string(plan))
	params.AddMetadata("tenantId", tenantID)
	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("billing: checkout session: %w", err)
	}
	return &CheckoutSession{SessionID: sess.ID, CheckoutURL: sess.URL, Plan: plan}, nil
}

// Portal creates a customer portal session URL for an already-subscribed
// tenant.
func (m *Manager) Portal(tenantID, returnURL string) (string, error) {
	rec, err := m.tenants.Get(tenantID)
	if err != nil {
		return "", err
	}

	if !m.Configured() {
		url := fmt.Sprintf("record://portal/%s", tenantID)
		if err := m.recordRow("portal", tenantID, map[string]interface{}{
			"returnUrl": returnURL, "url": url,
		}); err != nil {
			return "", err
		}
		return url, nil
	}

	if rec.StripeCustomerID == "" {
		return "", fmt.Errorf("billing: tenant %s has no billing customer", tenantID)
	}
	sess, err := portalsession.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(rec.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("billing: portal session: %w", err)
	}
	return sess.URL, nil
}

// State is the tenant-facing billing snapshot.
type State struct {
	TenantID          string         `json:"tenantId"`
	Plan              plans.PlanID   `json:"plan"`
	PlanName          string         `json:"planName"`
	Status            tenants.Status `json:"status"`
	SubscriptionCents int64          `json:"subscriptionCents"`
	StripeCustomerID  string         `json:"stripeCustomerId,omitempty"`
}

// State returns the tenant's current billing snapshot.
func (m *Manager) State(tenantID string) (*State, error) {
	rec, err := m.tenants.Get(tenantID)
	if err != nil {
		return nil, err
	}
	p := plans.Get(rec.Plan)
	if p == nil {
		return nil, fmt.Errorf("billing: tenant %s carries unknown plan %q", tenantID, rec.Plan)
	}
	return &State{
		TenantID:          rec.TenantID,
		Plan:              rec.Plan,
		PlanName:          p.Name,
		Status:            rec.Status,
		SubscriptionCents: p.SubscriptionCents,
		StripeCustomerID:  rec.StripeCustomerID,
	}, nil
}

// UsageSummary reports a month's metered usage against the plan limits.
type UsageSummary struct {
	TenantID      string       `json:"tenantId"`
	Month         string       `json:"month"`
	Plan          plans.PlanID `json:"plan"`
	Verifications int64        `json:"verifications"`
	StoredBundles int64        `json:"storedBundles"`
	// VerificationsLimit is -1 when unlimited.
	VerificationsLimit int64 `json:"verificationsLimit"`
	PercentUsed        int   `json:"percentUsed"`
}

// UsageSummary reads the month's usage for a tenant.
func (m *Manager) UsageSummary(tenantID, month string) (*UsageSummary, error) {
	rec, err := m.tenants.Get(tenantID)
	if err != nil {
		return nil, err
	}
	p := plans.Get(rec.Plan)
	if p == nil {
		return nil, fmt.Errorf("billing: tenant %s carries unknown plan %q", tenantID, rec.Plan)
	}
	if month == "" {
		month = m.meter.Month()
	}
	usage, err := m.meter.Read(tenantID, month)
	if err != nil {
		return nil, err
	}
	summary := &UsageSummary{
		TenantID:           tenantID,
		Month:              month,
		Plan:               rec.Plan,
		Verifications:      usage.Verifications,
		StoredBundles:      usage.StoredBundles,
		VerificationsLimit: p.Limits.MaxVerificationsPerMonth,
	}
	if !plans.IsUnlimited(p.Limits.MaxVerificationsPerMonth) && p.Limits.MaxVerificationsPerMonth > 0 {
		summary.PercentUsed = int(usage.Verifications * 100 / p.Limits.MaxVerificationsPerMonth)
	}
	return summary, nil
}

func (m *Manager) recordRow(kind, tenantID string, row map[string]interface{}) error {
	row["kind"] = kind
	row["tenantId"] = tenantID
	row["createdAt"] = m.now().UTC().Format(time.RFC3339)
	raw, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(m.dataDir, "billing", "record")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%d.json", kind, tenantID, m.now().UTC().UnixNano())
	return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}
