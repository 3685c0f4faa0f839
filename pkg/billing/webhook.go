package billing

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/tenants"
)

// HandleWebhook verifies and applies one Stripe event. Unhandled event types
// are acknowledged without effect.
func (m *Manager) HandleWebhook(payload []byte, sigHeader string) (string, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, m.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", fmt.Errorf("billing: webhook signature: %w", err)
	}

	eventType := string(event.Type)
	var tenantID string
	switch eventType {
	case "checkout.session.completed":
		tenantID, err = m.applyCheckoutCompleted(event.Data.Raw)
	case "customer.subscription.deleted":
		tenantID, err = m.applySubscriptionDeleted(event.Data.Raw)
	case "invoice.payment_failed":
		tenantID, err = m.applyPaymentFailed(event.Data.Raw)
	default:
		m.log.Debug("ignoring billing event", "type", eventType)
		return eventType, nil
	}
	if err != nil {
		return eventType, err
	}

	_ = m.audit.Record(tenantID, audit.ActionBillingWebhook,
		audit.WithMetadata(map[string]interface{}{
			"eventType": eventType, "eventId": event.ID,
		}))
	return eventType, nil
}

// applyCheckoutCompleted activates the purchased plan and links the Stripe
// customer.
func (m *Manager) applyCheckoutCompleted(raw json.RawMessage) (string, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return "", fmt.Errorf("billing: checkout session payload: %w", err)
	}
	tenantID := sess.ClientReferenceID
	if tenantID == "" {
		tenantID = sess.Metadata["tenantId"]
	}
	if tenantID == "" {
		return "", fmt.Errorf("billing: checkout session carries no tenant reference")
	}
	plan := plans.PlanID(sess.Metadata["plan"])
	if !plans.Valid(plan) {
		return tenantID, fmt.Errorf("billing: checkout session names unknown plan %q", plan)
	}

	if sess.Customer != nil && sess.Customer.ID != "" {
		customerID := sess.Customer.ID
		if _, err := m.tenants.Update(tenantID, func(rec *tenants.Record) error {
			rec.StripeCustomerID = customerID
			return nil
		}); err != nil {
			return tenantID, err
		}
	}
	if _, err := m.tenants.SetPlan(tenantID, plan, "stripe"); err != nil {
		return tenantID, err
	}
	if err := m.tenants.MarkActive(tenantID); err != nil {
		return tenantID, err
	}
	m.log.Info("plan activated via checkout", "tenant", tenantID, "plan", plan)
	return tenantID, nil
}

// applySubscriptionDeleted drops the tenant back to the free plan.
func (m *Manager) applySubscriptionDeleted(raw json.RawMessage) (string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return "", fmt.Errorf("billing: subscription payload: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", fmt.Errorf("billing: subscription carries no customer")
	}
	tenantID, err := m.findByCustomer(sub.Customer.ID)
	if err != nil {
		return "", err
	}
	if _, err := m.tenants.SetPlan(tenantID, plans.PlanFree, "stripe"); err != nil {
		return tenantID, err
	}
	m.log.Info("subscription ended, plan reset", "tenant", tenantID)
	return tenantID, nil
}

// applyPaymentFailed suspends the tenant until the invoice clears.
func (m *Manager) applyPaymentFailed(raw json.RawMessage) (string, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return "", fmt.Errorf("billing: invoice payload: %w", err)
	}
	if inv.Customer == nil || inv.Customer.ID == "" {
		return "", fmt.Errorf("billing: invoice carries no customer")
	}
	tenantID, err := m.findByCustomer(inv.Customer.ID)
	if err != nil {
		return "", err
	}
	if _, err := m.tenants.Update(tenantID, func(rec *tenants.Record) error {
		rec.Status = tenants.StatusSuspended
		return nil
	}); err != nil {
		return tenantID, err
	}
	m.log.Warn("tenant suspended on payment failure", "tenant", tenantID)
	return tenantID, nil
}

func (m *Manager) findByCustomer(customerID string) (string, error) {
	ids, err := m.tenants.List()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		rec, err := m.tenants.Get(id)
		if err != nil {
			continue
		}
		if rec.StripeCustomerID == customerID {
			return id, nil
		}
	}
	return "", fmt.Errorf("billing: no tenant for customer %s", customerID)
}
