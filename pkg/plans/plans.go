// Package plans defines the product plan catalog for the magic-link control
// plane. Plans map to entitlement limits and pricing.
package plans

// PlanID identifies a product plan.
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanBuilder    PlanID = "builder"
	PlanGrowth     PlanID = "growth"
	PlanScale      PlanID = "scale"
	PlanEnterprise PlanID = "enterprise"
)

// Limits defines resource limits for a plan.
type Limits struct {
	MaxVerificationsPerMonth int64 // -1 = unlimited
	MaxStoredBundles         int64 // -1 = unlimited
	MaxIntegrations          int   // webhooks + connected apps; -1 = unlimited
	MaxPolicyVersions        int   // -1 = unlimited
	RetentionDays            int   // how long run artifacts are kept
}

// Plan represents a product plan with limits and pricing.
type Plan struct {
	ID          PlanID
	Name        string
	Description string
	Limits      Limits
	// SubscriptionCents is the monthly subscription price; -1 = custom.
	SubscriptionCents int64
	// PerVerificationTenthCents is the metered overage price in tenths of a
	// cent per verification beyond the included quota (0.7 cents == 7).
	PerVerificationTenthCents int64
}

// All available plans
var (
	Free = Plan{
		ID:          PlanFree,
		Name:        "Free",
		Description: "Evaluation and low-volume vendors",
		Limits: Limits{
			MaxVerificationsPerMonth: 100,
			MaxStoredBundles:         -1,
			MaxIntegrations:          5,
			MaxPolicyVersions:        10,
			RetentionDays:            30,
		},
		SubscriptionCents:         0,
		PerVerificationTenthCents: 0,
	}

	Builder = Plan{
		ID:          PlanBuilder,
		Name:        "Builder",
		Description: "Small teams wiring their first settlement flows",
		Limits: Limits{
			MaxVerificationsPerMonth: 1_000,
			MaxStoredBundles:         -1,
			MaxIntegrations:          10,
			MaxPolicyVersions:        50,
			RetentionDays:            90,
		},
		SubscriptionCents:         9_900,
		PerVerificationTenthCents: 20,
	}

	Growth = Plan{
		ID:          PlanGrowth,
		Name:        "Growth",
		Description: "Production workloads with buyer decisioning",
		Limits: Limits{
			MaxVerificationsPerMonth: 100_000,
			MaxStoredBundles:         -1,
			MaxIntegrations:          25,
			MaxPolicyVersions:        200,
			RetentionDays:            365,
		},
		SubscriptionCents:         59_900,
		PerVerificationTenthCents: 7,
	}

	Scale = Plan{
		ID:          PlanScale,
		Name:        "Scale",
		Description: "High-volume multi-vendor settlement",
		Limits: Limits{
			MaxVerificationsPerMonth: 500_000,
			MaxStoredBundles:         -1,
			MaxIntegrations:          100,
			MaxPolicyVersions:        1_000,
			RetentionDays:            730,
		},
		SubscriptionCents:         199_900,
		PerVerificationTenthCents: 5,
	}

	Enterprise = Plan{
		ID:          PlanEnterprise,
		Name:        "Enterprise",
		Description: "Custom contracts, unlimited usage",
		Limits: Limits{
			MaxVerificationsPerMonth: -1,
			MaxStoredBundles:         -1,
			MaxIntegrations:          -1,
			MaxPolicyVersions:        -1,
			RetentionDays:            -1,
		},
		SubscriptionCents:         -1, // custom
		PerVerificationTenthCents: -1,
	}

	// AllPlans contains all available plans.
	AllPlans = map[PlanID]Plan{
		PlanFree:       Free,
		PlanBuilder:    Builder,
		PlanGrowth:     Growth,
		PlanScale:      Scale,
		PlanEnterprise: Enterprise,
	}

	// upgradeOrder is the suggestion ladder used in entitlement denials.
	upgradeOrder = []PlanID{PlanBuilder, PlanGrowth, PlanScale, PlanEnterprise}
)

// Get returns a plan by ID, or nil if not found.
func Get(id PlanID) *Plan {
	plan, ok := AllPlans[id]
	if !ok {
		return nil
	}
	return &plan
}

// Valid reports whether id names a known plan.
func Valid(id PlanID) bool {
	_, ok := AllPlans[id]
	return ok
}

// IsUnlimited checks if a limit is unlimited (-1).
func IsUnlimited(limit int64) bool {
	return limit < 0
}

// SuggestedUpgrades returns the plans above the given plan, in order.
func SuggestedUpgrades(id PlanID) []PlanID {
	if id == PlanFree {
		return append([]PlanID{}, upgradeOrder...)
	}
	for i, candidate := range upgradeOrder {
		if candidate == id {
			return append([]PlanID{}, upgradeOrder[i+1:]...)
		}
	}
	return nil
}
