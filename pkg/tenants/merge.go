package tenants

import (
	"encoding/json"
	"fmt"
	"sort"
)

// mergePatch applies a validated patch over current settings. Each top-level
// key in the patch replaces the corresponding field wholesale; keys absent
// from the patch are untouched. Secret fields submitted empty keep their
// stored (sealed) value so that a round-tripped redacted view never wipes a
// secret.
func mergePatch(current *Settings, patchJSON []byte) (*Settings, []string, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(patchJSON, &patch); err != nil {
		return nil, nil, fmt.Errorf("tenants: settings patch: %w", err)
	}

	merged := current.clone()

	for key, raw := range patch {
		var err error
		switch key {
		case "defaultMode":
			err = json.Unmarshal(raw, &merged.DefaultMode)
		case "governanceTrustRootsJson":
			err = json.Unmarshal(raw, &merged.GovernanceTrustRootsJSON)
		case "pricingSignerKeysJson":
			err = json.Unmarshal(raw, &merged.PricingSignerKeysJSON)
		case "webhooks":
			var hooks []Webhook
			if err = json.Unmarshal(raw, &hooks); err == nil {
				carryWebhookSecrets(hooks, current.Webhooks)
				merged.Webhooks = hooks
			}
		case "buyerNotifications":
			var ch *Channel
			if err = json.Unmarshal(raw, &ch); err == nil {
				carryChannelSecret(ch, current.BuyerNotifications)
				merged.BuyerNotifications = ch
			}
		case "paymentTriggers":
			var ch *Channel
			if err = json.Unmarshal(raw, &ch); err == nil {
				carryChannelSecret(ch, current.PaymentTriggers)
				merged.PaymentTriggers = ch
			}
		case "settlementDecisionSigner":
			var signer *DecisionSigner
			if err = json.Unmarshal(raw, &signer); err == nil {
				if signer != nil && keepStored(signer.PrivateKeyPEM) {
					signer.PrivateKeyPEM = ""
					if current.SettlementDecisionSigner != nil &&
						current.SettlementDecisionSigner.KeyID == signer.KeyID {
						signer.PrivateKeyPEM = current.SettlementDecisionSigner.PrivateKeyPEM
					}
				}
				merged.SettlementDecisionSigner = signer
			}
		case "decisionAuthEmailDomains":
			err = json.Unmarshal(raw, &merged.DecisionAuthEmailDomains)
		case "buyerAuthEmailDomains":
			err = json.Unmarshal(raw, &merged.BuyerAuthEmailDomains)
		case "buyerUserRoles":
			err = json.Unmarshal(raw, &merged.BuyerUserRoles)
		case "autoDecision":
			err = json.Unmarshal(raw, &merged.AutoDecision)
		case "vendorPolicies":
			err = json.Unmarshal(raw, &merged.VendorPolicies)
		case "retentionDays":
			err = json.Unmarshal(raw, &merged.RetentionDays)
		case "rateLimits":
			err = json.Unmarshal(raw, &merged.RateLimits)
		case "maxVerificationsPerMonth":
			err = json.Unmarshal(raw, &merged.MaxVerificationsPerMonth)
		case "maxStoredBundles":
			err = json.Unmarshal(raw, &merged.MaxStoredBundles)
		case "archiveExportSink":
			err = json.Unmarshal(raw, &merged.ArchiveExportSink)
		default:
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("tenants: settings key %s: %w", key, err)
		}
	}

	touched := make([]string, 0, len(patch))
	for key := range patch {
		touched = append(touched, key)
	}
	sort.Strings(touched)
	return merged, touched, nil
}

// keepStored reports whether a submitted secret value means "keep the stored
// one". Empty and the redaction mask both do, so redacted views round-trip.
func keepStored(v string) bool {
	return v == "" || v == RedactedSecret
}

// carryWebhookSecrets keeps the stored secret for any incoming webhook whose
// secret is absent or redacted and whose URL matches an existing subscription.
func carryWebhookSecrets(incoming, existing []Webhook) {
	byURL := make(map[string]string, len(existing))
	for _, hook := range existing {
		byURL[hook.URL] = hook.Secret
	}
	for i := range incoming {
		if keepStored(incoming[i].Secret) {
			incoming[i].Secret = byURL[incoming[i].URL]
		}
	}
}

func carryChannelSecret(incoming, existing *Channel) {
	if incoming == nil {
		return
	}
	if keepStored(incoming.WebhookSecret) {
		incoming.WebhookSecret = ""
		if existing != nil && incoming.WebhookURL == existing.WebhookURL {
			incoming.WebhookSecret = existing.WebhookSecret
		}
	}
}

// clone deep-copies settings through JSON. Settings are small and writes are
// rare, so the round trip is acceptable.
func (s *Settings) clone() *Settings {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tenants: settings not marshalable: %v", err))
	}
	var out Settings
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("tenants: settings clone: %v", err))
	}
	return &out
}
