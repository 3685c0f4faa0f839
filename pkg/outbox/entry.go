// Package outbox is the durable delivery queue shared by webhooks, buyer
// notifications, and payment triggers. Entries are JSON files claimed by
// rename, signed with per-destination HMAC secrets, retried with exponential
// backoff, and dead-lettered after the attempt budget.
package outbox

import (
	"encoding/json"
	"time"
)

// Providers tag entries with their delivery family.
const (
	ProviderWebhook           = "webhook"
	ProviderSlack             = "slack"
	ProviderZapier            = "zapier"
	ProviderBuyerNotification = "buyer_notification"
	ProviderPaymentTrigger    = "payment_trigger"
)

// Entry states.
const (
	StatePending    = "pending"
	StateInFlight   = "in_flight"
	StateDelivered  = "delivered"
	StateDeadLetter = "dead_letter"
)

// Entry is one queued delivery.
type Entry struct {
	EntryID  string `json:"entryId"`
	TenantID string `json:"tenantId"`
	Token    string `json:"token,omitempty"`
	Provider string `json:"provider"`
	Event    string `json:"event"`
	URL      string `json:"url,omitempty"`
	// EncryptedSecret is the sealed HMAC secret for outbound signing.
	EncryptedSecret string `json:"encryptedSecret,omitempty"`
	// Body is the canonical JSON payload; the signature covers these exact
	// bytes.
	Body json.RawMessage `json:"bodyCanonical"`
	// DeliveryMode overrides the queue default for this entry
	// (record|webhook|email). Empty means the provider default.
	DeliveryMode   string            `json:"deliveryMode,omitempty"`
	Emails         []string          `json:"emails,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
	AttemptCount   int               `json:"attemptCount"`
	NextAttemptAt  time.Time         `json:"nextAttemptAt"`
	State          string            `json:"state"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}
