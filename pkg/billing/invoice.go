package billing

import (
	"fmt"

	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/plans"
)

// InvoiceLine is one invoice draft line item.
type InvoiceLine struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	// UnitTenthCents keeps metered precision; AmountCents is rounded down.
	UnitTenthCents int64 `json:"unitTenthCents"`
	AmountCents    int64 `json:"amountCents"`
}

// Invoice is a month's draft invoice: the flat subscription plus metered
// overage beyond the plan's included verifications.
type Invoice struct {
	SchemaVersion string        `json:"schemaVersion"`
	TenantID      string        `json:"tenantId"`
	Month         string        `json:"month"`
	Plan          plans.PlanID  `json:"plan"`
	Lines         []InvoiceLine `json:"lines"`
	TotalCents    int64         `json:"totalCents"`
	Currency      string        `json:"currency"`
}

// InvoiceDraft computes the draft invoice for a tenant and month from
// metered usage.
func (m *Manager) InvoiceDraft(tenantID, month string) (*Invoice, error) {
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
	return Draft(tenantID, month, p, usage), nil
}

// Draft builds the invoice from a plan and usage snapshot.
func Draft(tenantID, month string, p *plans.Plan, usage *entitlements.Usage) *Invoice {
	inv := &Invoice{
		SchemaVersion: "MagicLinkInvoiceDraft.v1",
		TenantID:      tenantID,
		Month:         month,
		Plan:          p.ID,
		Currency:      "usd",
	}
	subscription := p.SubscriptionCents
	if subscription < 0 {
		subscription = 0
	}
	inv.Lines = append(inv.Lines, InvoiceLine{
		Description: fmt.Sprintf("%s plan subscription", p.Name),
		Quantity:    1,
		AmountCents: subscription,
	})

	included := p.Limits.MaxVerificationsPerMonth
	if !plans.IsUnlimited(included) && p.PerVerificationTenthCents > 0 && usage.Verifications > included {
		overage := usage.Verifications - included
		amount := overage * p.PerVerificationTenthCents / 10
		inv.Lines = append(inv.Lines, InvoiceLine{
			Description:    fmt.Sprintf("verification overage beyond %d included", included),
			Quantity:       overage,
			UnitTenthCents: p.PerVerificationTenthCents,
			AmountCents:    amount,
		})
	}

	for _, line := range inv.Lines {
		inv.TotalCents += line.AmountCents
	}
	return inv
}
