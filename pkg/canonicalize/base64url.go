package canonicalize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodeBase64URLJSON encodes v as unpadded base64url of its canonical JSON
// form. Used for header envelopes (agent passports, template configs,
// provider quotes).
func EncodeBase64URLJSON(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeBase64URLJSON decodes an unpadded base64url JSON envelope into out.
func DecodeBase64URLJSON(s string, out interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("canonicalize: base64url decode failed: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("canonicalize: envelope unmarshal failed: %w", err)
	}
	return nil
}

// DecodeBase64URL decodes an unpadded base64url string to raw bytes.
// Padded input is tolerated for interop with lenient encoders.
func DecodeBase64URL(s string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
