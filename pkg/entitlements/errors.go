// Package entitlements enforces plan quotas and per-tenant rate limits.
// Monthly usage counters live under dataDir/usage and sliding-window rate
// buckets under dataDir/ratelimit; both are plain JSON files so that support
// can inspect and correct them in place.
package entitlements

import (
	"fmt"

	"github.com/settld-labs/magic-link/pkg/plans"
)

// QuotaError reports a hard monthly quota denial.
type QuotaError struct {
	Metric string
	Used   int64
	Limit  int64
	Plan   plans.PlanID
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("entitlements: %s quota exceeded (%d/%d on plan %s)",
		e.Metric, e.Used, e.Limit, e.Plan)
}

// UpgradeHint names the next plans that raise the exhausted limit.
func (e *QuotaError) UpgradeHint() string {
	ups := plans.SuggestedUpgrades(e.Plan)
	if len(ups) == 0 {
		return ""
	}
	return fmt.Sprintf("upgrade to %s to raise the %s limit", ups[0], e.Metric)
}

// LimitError reports a structural entitlement denial (not a counter), such as
// too many webhook integrations for the plan.
type LimitError struct {
	Resource string
	Want     int
	Limit    int
	Plan     plans.PlanID
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("entitlements: %s limit exceeded (%d > %d on plan %s)",
		e.Resource, e.Want, e.Limit, e.Plan)
}

// UpgradeHint names the next plan up.
func (e *LimitError) UpgradeHint() string {
	ups := plans.SuggestedUpgrades(e.Plan)
	if len(ups) == 0 {
		return ""
	}
	return fmt.Sprintf("upgrade to %s to raise the %s limit", ups[0], e.Resource)
}

// RateLimitError reports a sliding-window rate denial.
type RateLimitError struct {
	Kind              string
	Limit             int
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("entitlements: %s rate limit of %d/hour hit, retry in %ds",
		e.Kind, e.Limit, e.RetryAfterSeconds)
}
