package verify

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// TrustedKey is one governance root or pricing signer key.
type TrustedKey struct {
	KeyID           string `json:"keyId"`
	PublicKeyBase64 string `json:"publicKeyBase64"`
}

// Public decodes the Ed25519 public key.
func (k TrustedKey) Public() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(k.PublicKeyBase64)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(k.PublicKeyBase64)
	}
	if err != nil {
		return nil, fmt.Errorf("verify: key %s: bad public key encoding: %w", k.KeyID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify: key %s: public key is %d bytes, want %d",
			k.KeyID, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// KeySet is a parsed trust-root or pricing-signer configuration.
type KeySet struct {
	keys map[string]TrustedKey
}

// Empty reports whether no keys are configured.
func (s *KeySet) Empty() bool {
	return s == nil || len(s.keys) == 0
}

// Lookup returns the key with the given id.
func (s *KeySet) Lookup(keyID string) (TrustedKey, bool) {
	if s == nil {
		return TrustedKey{}, false
	}
	k, ok := s.keys[keyID]
	return k, ok
}

// ParseKeySet parses a trusted-keys JSON document. Accepted shapes are a bare
// array of key objects or an envelope `{"keys": [...]}`; both appear in
// deployment configs. Empty or whitespace input yields an empty set.
func ParseKeySet(raw string) (*KeySet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &KeySet{}, nil
	}

	var list []TrustedKey
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		var envelope struct {
			Keys []TrustedKey `json:"keys"`
		}
		if err2 := json.Unmarshal([]byte(raw), &envelope); err2 != nil {
			return nil, fmt.Errorf("verify: trusted keys JSON: %w", err)
		}
		list = envelope.Keys
	}

	set := &KeySet{keys: make(map[string]TrustedKey, len(list))}
	for _, k := range list {
		if k.KeyID == "" {
			return nil, fmt.Errorf("verify: trusted key with empty keyId")
		}
		set.keys[k.KeyID] = k
	}
	return set, nil
}

// ResolveRoots layers tenant-configured governance roots over the deployment
// default. Tenant settings win when present.
func ResolveRoots(tenantJSON, deploymentJSON string) (*KeySet, error) {
	if strings.TrimSpace(tenantJSON) != "" {
		return ParseKeySet(tenantJSON)
	}
	return ParseKeySet(deploymentJSON)
}
