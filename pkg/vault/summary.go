package vault

import (
	"encoding/json"
	"fmt"

	"github.com/settld-labs/magic-link/pkg/canonicalize"
	"github.com/settld-labs/magic-link/pkg/secrets"
)

// publicAllowlist names the render-model fields that may appear in the
// public receipt summary. Everything else in public.json stays private.
var publicAllowlist = []string{
	"status",
	"modeResolved",
	"verifyOk",
	"vendorName",
	"bundleType",
	"createdAt",
	"decision",
}

// PublicSummary is the MagicLinkPublicReceiptSummary.v1 envelope.
type PublicSummary struct {
	SchemaVersion string                 `json:"schemaVersion"`
	Token         string                 `json:"token"`
	Summary       map[string]interface{} `json:"summary"`
	SummaryHash   string                 `json:"summaryHash"`
	SignatureHex  string                 `json:"signatureHex"`
	BadgeURL      string                 `json:"badgeUrl"`
}

// BuildPublicSummary reads the token's render model, redacts it to the
// allowlist, hashes the canonical redacted summary, and signs the hash with
// the deployment summary key. The badge URL binds the hash so a cached badge
// cannot be served for a different receipt.
func (v *Vault) BuildPublicSummary(box *secrets.Box, publicBaseURL, token string) (*PublicSummary, error) {
	raw, err := v.Get(token, KeyPublic)
	if err != nil {
		return nil, err
	}
	var renderModel map[string]interface{}
	if err := json.Unmarshal(raw, &renderModel); err != nil {
		return nil, fmt.Errorf("vault: corrupt public artifact for %s: %w", token, err)
	}

	summary := make(map[string]interface{}, len(publicAllowlist))
	for _, field := range publicAllowlist {
		if val, ok := renderModel[field]; ok {
			summary[field] = val
		}
	}

	hash, err := canonicalize.Hash(summary)
	if err != nil {
		return nil, err
	}
	return &PublicSummary{
		SchemaVersion: "MagicLinkPublicReceiptSummary.v1",
		Token:         token,
		Summary:       summary,
		SummaryHash:   hash,
		SignatureHex:  box.SignSummary(hash),
		BadgeURL: fmt.Sprintf("%s/v1/public/receipts/%s/badge.svg?receiptHash=%s",
			publicBaseURL, token, hash),
	}, nil
}
