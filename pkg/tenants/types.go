// Package tenants stores tenant records and settings. Settings are a flat
// record of recognized optional fields merged through an explicit, validating
// merge; secret fields are sealed at rest and never leave redaction.
package tenants

import (
	"time"

	"github.com/settld-labs/magic-link/pkg/plans"
)

// Status is the tenant lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Record is the tenant identity row, kept separate from settings.
type Record struct {
	TenantID     string       `json:"tenantId"`
	Plan         plans.PlanID `json:"plan"`
	ContactEmail string       `json:"contactEmail,omitempty"`
	BillingEmail string       `json:"billingEmail,omitempty"`
	Status       Status       `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	// APIKeyHash is the sha256 hex of the tenant API key.
	APIKeyHash string `json:"apiKeyHash,omitempty"`
	// IngestKeyHashes are sha256 hexes of issued igk_ ingest keys.
	IngestKeyHashes []string `json:"ingestKeyHashes,omitempty"`
	// StripeCustomerID links the tenant to the billing provider.
	StripeCustomerID string `json:"stripeCustomerId,omitempty"`
}

// Mode is a verification mode.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeStrict Mode = "strict"
	ModeCompat Mode = "compat"
)

// Webhook is one outbound webhook subscription.
type Webhook struct {
	URL string `json:"url"`
	// Events is a subset of {verification.completed, verification.failed,
	// decision.approved, decision.held}.
	Events []string `json:"events"`
	// Secret is sealed (enc:v1) at rest and redacted on output.
	Secret  string `json:"secret,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Channel configures buyer notifications or payment triggers.
type Channel struct {
	Enabled      bool     `json:"enabled"`
	Emails       []string `json:"emails,omitempty"`
	DeliveryMode string   `json:"deliveryMode,omitempty"` // record|email|webhook
	WebhookURL   string   `json:"webhookUrl,omitempty"`
	// WebhookSecret is sealed at rest.
	WebhookSecret string `json:"webhookSecret,omitempty"`
}

// DecisionSigner binds the tenant's settlement decision key.
type DecisionSigner struct {
	KeyID string `json:"keyId"`
	// PrivateKeyPEM is the Ed25519 private key, sealed at rest.
	PrivateKeyPEM string `json:"privateKeyPem,omitempty"`
}

// AutoDecision configures the system decision actor.
type AutoDecision struct {
	Enabled        bool     `json:"enabled"`
	ApproveOnGreen bool     `json:"approveOnGreen"`
	ApproveOnAmber bool     `json:"approveOnAmber"`
	HoldOnRed      bool     `json:"holdOnRed"`
	TemplateIDs    []string `json:"templateIds,omitempty"`
	ActorEmail     string   `json:"actorEmail,omitempty"`
}

// VendorPolicy constrains runs for one vendor.
type VendorPolicy struct {
	RequiredMode Mode `json:"requiredMode,omitempty"`
	// AllowAmberApprovals defaults to true when absent.
	AllowAmberApprovals *bool `json:"allowAmberApprovals,omitempty"`
	FailOnWarnings      bool  `json:"failOnWarnings,omitempty"`
	// RequiredPricingMatrixSignerKeyIDs, when non-empty, restricts which
	// pricing-matrix signers the bundle may carry.
	RequiredPricingMatrixSignerKeyIDs []string `json:"requiredPricingMatrixSignerKeyIds,omitempty"`
}

// RateLimits are per-tenant sliding hourly windows.
type RateLimits struct {
	UploadsPerHour           int `json:"uploadsPerHour,omitempty"`
	VerificationViewsPerHour int `json:"verificationViewsPerHour,omitempty"`
	DecisionsPerHour         int `json:"decisionsPerHour,omitempty"`
	ConformanceRunsPerHour   int `json:"conformanceRunsPerHour,omitempty"`
}

// Settings is the one-per-tenant settings record.
type Settings struct {
	DefaultMode              Mode                    `json:"defaultMode,omitempty"`
	GovernanceTrustRootsJSON string                  `json:"governanceTrustRootsJson,omitempty"`
	PricingSignerKeysJSON    string                  `json:"pricingSignerKeysJson,omitempty"`
	Webhooks                 []Webhook               `json:"webhooks,omitempty"`
	BuyerNotifications       *Channel                `json:"buyerNotifications,omitempty"`
	PaymentTriggers          *Channel                `json:"paymentTriggers,omitempty"`
	SettlementDecisionSigner *DecisionSigner         `json:"settlementDecisionSigner,omitempty"`
	DecisionAuthEmailDomains []string                `json:"decisionAuthEmailDomains,omitempty"`
	BuyerAuthEmailDomains    []string                `json:"buyerAuthEmailDomains,omitempty"`
	BuyerUserRoles           map[string]string       `json:"buyerUserRoles,omitempty"` // email -> viewer|approver|admin
	AutoDecision             *AutoDecision           `json:"autoDecision,omitempty"`
	VendorPolicies           map[string]VendorPolicy `json:"vendorPolicies,omitempty"`
	RetentionDays            int                     `json:"retentionDays,omitempty"`
	RateLimits               *RateLimits             `json:"rateLimits,omitempty"`
	MaxVerificationsPerMonth *int64                  `json:"maxVerificationsPerMonth,omitempty"`
	MaxStoredBundles         *int64                  `json:"maxStoredBundles,omitempty"`
	ArchiveExportSink        string                  `json:"archiveExportSink,omitempty"`
}

// PolicyFor returns the vendor policy for a vendor id, if configured.
func (s *Settings) PolicyFor(vendorID string) (VendorPolicy, bool) {
	if vendorID == "" || s.VendorPolicies == nil {
		return VendorPolicy{}, false
	}
	p, ok := s.VendorPolicies[vendorID]
	return p, ok
}

// AmberApprovalsAllowed reports whether approve-on-amber is permitted under
// the vendor policy; absent policy or field defaults to allowed.
func (p VendorPolicy) AmberApprovalsAllowed() bool {
	return p.AllowAmberApprovals == nil || *p.AllowAmberApprovals
}

// VerificationHash covers the settings fields that affect verification
// outcomes. When it changes, a re-upload of a known bundle becomes a rerun.
type VerificationHash struct {
	DefaultMode              Mode                    `json:"defaultMode"`
	GovernanceTrustRootsJSON string                  `json:"governanceTrustRootsJson"`
	PricingSignerKeysJSON    string                  `json:"pricingSignerKeysJson"`
	VendorPolicies           map[string]VendorPolicy `json:"vendorPolicies"`
}
