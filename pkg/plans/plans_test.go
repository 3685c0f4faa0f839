package plans_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/settld-labs/magic-link/pkg/plans"
)

func TestPlans_Get(t *testing.T) {
	tests := []struct {
		id       plans.PlanID
		expected string
	}{
		{plans.PlanFree, "Free"},
		{plans.PlanBuilder, "Builder"},
		{plans.PlanGrowth, "Growth"},
		{plans.PlanScale, "Scale"},
		{plans.PlanEnterprise, "Enterprise"},
	}

	for _, tt := range tests {
		plan := plans.Get(tt.id)
		assert.NotNil(t, plan)
		assert.Equal(t, tt.expected, plan.Name)
	}
}

func TestPlans_GetUnknown(t *testing.T) {
	assert.Nil(t, plans.Get("unknown-plan"))
	assert.False(t, plans.Valid("unknown-plan"))
}

func TestPlans_FreeLimits(t *testing.T) {
	plan := plans.Free
	assert.Equal(t, int64(100), plan.Limits.MaxVerificationsPerMonth)
	assert.True(t, plans.IsUnlimited(plan.Limits.MaxStoredBundles))
	assert.Equal(t, 5, plan.Limits.MaxIntegrations)
	assert.Equal(t, 10, plan.Limits.MaxPolicyVersions)
	assert.Equal(t, int64(0), plan.SubscriptionCents)
	assert.Equal(t, int64(0), plan.PerVerificationTenthCents)
}

func TestPlans_BuilderSubscription(t *testing.T) {
	assert.Equal(t, int64(9_900), plans.Builder.SubscriptionCents)
}

func TestPlans_GrowthLimits(t *testing.T) {
	plan := plans.Growth
	assert.Equal(t, int64(100_000), plan.Limits.MaxVerificationsPerMonth)
	assert.Equal(t, int64(59_900), plan.SubscriptionCents)
	// 0.7 cents per verification
	assert.Equal(t, int64(7), plan.PerVerificationTenthCents)
}

func TestPlans_EnterpriseUnlimited(t *testing.T) {
	plan := plans.Enterprise
	assert.True(t, plans.IsUnlimited(plan.Limits.MaxVerificationsPerMonth))
	assert.True(t, plans.IsUnlimited(int64(plan.Limits.MaxIntegrations)))
	assert.Equal(t, int64(-1), plan.SubscriptionCents)
}

func TestPlans_SuggestedUpgrades(t *testing.T) {
	assert.Equal(t,
		[]plans.PlanID{plans.PlanBuilder, plans.PlanGrowth, plans.PlanScale, plans.PlanEnterprise},
		plans.SuggestedUpgrades(plans.PlanFree))
	assert.Equal(t,
		[]plans.PlanID{plans.PlanScale, plans.PlanEnterprise},
		plans.SuggestedUpgrades(plans.PlanGrowth))
	assert.Empty(t, plans.SuggestedUpgrades(plans.PlanEnterprise))
}
