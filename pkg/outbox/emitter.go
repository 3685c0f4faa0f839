package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/settld-labs/magic-link/pkg/canonicalize"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/verify"
)

// AutoDecider applies the tenant's auto-decision policy to a fresh run.
// The decision engine implements it.
type AutoDecider interface {
	AutoDecide(ctx context.Context, rec *verify.RunRecord)
}

// Emitter fans verification and decision side effects out to the queue.
// It satisfies the side-effect interfaces of both the upload pipeline and
// the decision engine.
type Emitter struct {
	queue   *Queue
	tenants *tenants.Store
	auto    AutoDecider
	log     *slog.Logger

	relayURL          string
	relaySecretSealed string
}

// EmitterConfig wires an Emitter.
type EmitterConfig struct {
	Queue   *Queue
	Tenants *tenants.Store
	Auto    AutoDecider
	Logger  *slog.Logger

	// DefaultEventRelayURL receives every event in addition to tenant
	// webhooks, when configured.
	DefaultEventRelayURL    string
	DefaultEventRelaySecret string
}

// NewEmitter constructs an Emitter.
func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		queue:    cfg.Queue,
		tenants:  cfg.Tenants,
		auto:     cfg.Auto,
		log:      logger,
		relayURL: cfg.DefaultEventRelayURL,
	}
	if cfg.DefaultEventRelaySecret != "" {
		sealed, err := cfg.Queue.SealSecret(cfg.DefaultEventRelaySecret)
		if err != nil {
			return nil, err
		}
		e.relaySecretSealed = sealed
	}
	return e, nil
}

// SetAutoDecider breaks the construction cycle with the decision engine.
func (e *Emitter) SetAutoDecider(auto AutoDecider) { e.auto = auto }

// VerificationEvent enqueues a delivery per subscribed tenant webhook plus
// the default relay.
func (e *Emitter) VerificationEvent(tenantID, token, event string, payload map[string]interface{}) {
	e.fanOut(tenantID, token, event, payload)
}

// DecisionEvent mirrors VerificationEvent for decision.* events.
func (e *Emitter) DecisionEvent(tenantID, token, event string, payload map[string]interface{}) {
	e.fanOut(tenantID, token, event, payload)
}

func (e *Emitter) fanOut(tenantID, token, event string, payload map[string]interface{}) {
	body, err := canonicalize.Canonical(map[string]interface{}{
		"event":    event,
		"tenantId": tenantID,
		"data":     payload,
	})
	if err != nil {
		e.log.Error("event body canonicalization failed", "event", event, "err", err)
		return
	}

	settings, err := e.tenants.GetSettings(tenantID)
	if err != nil {
		e.log.Error("event fan-out settings read failed", "tenant", tenantID, "err", err)
		return
	}
	for _, wh := range settings.Webhooks {
		if !wh.Enabled || !containsString(wh.Events, event) {
			continue
		}
		entry := &Entry{
			TenantID:        tenantID,
			Token:           token,
			Provider:        providerForURL(wh.URL),
			Event:           event,
			URL:             wh.URL,
			EncryptedSecret: wh.Secret,
			Body:            body,
			IdempotencyKey:  event + "_" + shortHash(wh.URL),
		}
		if err := e.queue.Enqueue(entry); err != nil {
			e.log.Error("webhook enqueue failed", "tenant", tenantID, "event", event, "err", err)
		}
	}

	if e.relayURL != "" {
		entry := &Entry{
			TenantID:        tenantID,
			Token:           token,
			Provider:        ProviderWebhook,
			Event:           event,
			URL:             e.relayURL,
			EncryptedSecret: e.relaySecretSealed,
			Body:            body,
			IdempotencyKey:  event + "_relay",
		}
		if err := e.queue.Enqueue(entry); err != nil {
			e.log.Error("relay enqueue failed", "tenant", tenantID, "event", event, "err", err)
		}
	}
}

// BuyerNotification enqueues the buyer channel delivery for a fresh run.
func (e *Emitter) BuyerNotification(tenantID, token string, payload map[string]interface{}) {
	settings, err := e.tenants.GetSettings(tenantID)
	if err != nil {
		e.log.Error("buyer notification settings read failed", "tenant", tenantID, "err", err)
		return
	}
	e.channelDelivery(tenantID, token, ProviderBuyerNotification,
		"verification.ready", "buyer_notification", settings.BuyerNotifications, payload)
}

// PaymentTrigger enqueues the payment channel delivery for an approval.
func (e *Emitter) PaymentTrigger(tenantID, token, idempotencyKey string, payload map[string]interface{}) {
	settings, err := e.tenants.GetSettings(tenantID)
	if err != nil {
		e.log.Error("payment trigger settings read failed", "tenant", tenantID, "err", err)
		return
	}
	e.channelDelivery(tenantID, token, ProviderPaymentTrigger,
		"payment.approval_ready", idempotencyKey, settings.PaymentTriggers, payload)
}

func (e *Emitter) channelDelivery(tenantID, token, provider, event, key string,
	channel *tenants.Channel, payload map[string]interface{}) {

	if channel == nil || !channel.Enabled {
		return
	}
	body, err := canonicalize.Canonical(map[string]interface{}{
		"event":    event,
		"tenantId": tenantID,
		"data":     payload,
	})
	if err != nil {
		e.log.Error("channel body canonicalization failed", "provider", provider, "err", err)
		return
	}
	entry := &Entry{
		TenantID:        tenantID,
		Token:           token,
		Provider:        provider,
		Event:           event,
		URL:             channel.WebhookURL,
		EncryptedSecret: channel.WebhookSecret,
		Body:            body,
		DeliveryMode:    channel.DeliveryMode,
		Emails:          channel.Emails,
		IdempotencyKey:  key,
	}
	if err := e.queue.Enqueue(entry); err != nil {
		e.log.Error("channel enqueue failed", "tenant", tenantID, "provider", provider, "err", err)
	}
}

// AutoDecide delegates to the decision engine when wired.
func (e *Emitter) AutoDecide(ctx context.Context, rec *verify.RunRecord) {
	if e.auto != nil {
		e.auto.AutoDecide(ctx, rec)
	}
}

// RefreshEntry re-resolves an entry's destination from the tenant's current
// settings. The queue calls it for useCurrentSettings replays.
func (e *Emitter) RefreshEntry(entry *Entry) error {
	settings, err := e.tenants.GetSettings(entry.TenantID)
	if err != nil {
		return err
	}
	switch entry.Provider {
	case ProviderBuyerNotification:
		return refreshChannel(entry, settings.BuyerNotifications)
	case ProviderPaymentTrigger:
		return refreshChannel(entry, settings.PaymentTriggers)
	default:
		for _, wh := range settings.Webhooks {
			if !wh.Enabled || !containsString(wh.Events, entry.Event) {
				continue
			}
			entry.URL = wh.URL
			entry.EncryptedSecret = wh.Secret
			entry.Provider = providerForURL(wh.URL)
			return nil
		}
		return fmt.Errorf("outbox: no enabled webhook subscribes to %s", entry.Event)
	}
}

func refreshChannel(entry *Entry, channel *tenants.Channel) error {
	if channel == nil || !channel.Enabled {
		return fmt.Errorf("outbox: channel %s is not enabled", entry.Provider)
	}
	entry.URL = channel.WebhookURL
	entry.EncryptedSecret = channel.WebhookSecret
	entry.DeliveryMode = channel.DeliveryMode
	entry.Emails = channel.Emails
	return nil
}

func providerForURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ProviderWebhook
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, "slack.com"):
		return ProviderSlack
	case strings.HasSuffix(host, "zapier.com"):
		return ProviderZapier
	default:
		return ProviderWebhook
	}
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
