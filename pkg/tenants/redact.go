package tenants

// RedactedSecret is the legacy mask older clients echo back on PutSettings.
// keepStored treats it, like an absent value, as keep-existing.
const RedactedSecret = "********"

// Redacted returns a copy of the settings with every secret field cleared,
// so the serialized view omits the key. PutSettings treats absent secrets as
// keep-existing, so a round-tripped redacted view is safe to submit back.
func Redacted(s *Settings) *Settings {
	out := s.clone()
	for i := range out.Webhooks {
		out.Webhooks[i].Secret = ""
	}
	for _, ch := range []*Channel{out.BuyerNotifications, out.PaymentTriggers} {
		if ch != nil {
			ch.WebhookSecret = ""
		}
	}
	if out.SettlementDecisionSigner != nil {
		out.SettlementDecisionSigner.PrivateKeyPEM = ""
	}
	return out
}
