package decision

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Signer is an Ed25519 decision-signing key.
type Signer struct {
	KeyID string
	Priv  ed25519.PrivateKey
}

// Sign returns the base64 signature over the pre-image.
func (s *Signer) Sign(preImage []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.Priv, preImage))
}

// ParseSignerPEM parses a PKCS#8 Ed25519 private key PEM into a Signer.
func ParseSignerPEM(keyID, pemText string) (*Signer, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("decision: signer %s: no PEM block", keyID)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("decision: signer %s: %w", keyID, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("decision: signer %s is not an Ed25519 key", keyID)
	}
	return &Signer{KeyID: keyID, Priv: priv}, nil
}

// MarshalSignerPEM renders a Signer back to PKCS#8 PEM. Used by tests and
// the onboarding pack builder.
func MarshalSignerPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

type fallbackSignerFile struct {
	KeyID            string `json:"keyId"`
	PrivateKeyBase64 string `json:"privateKeyBase64"`
}

// LoadOrCreateFallbackSigner returns the deployment-wide signer used when a
// tenant has not configured one, creating and persisting it on first use.
func LoadOrCreateFallbackSigner(dataDir string) (*Signer, error) {
	path := filepath.Join(dataDir, "keys", "decision_signer.json")
	raw, err := os.ReadFile(path)
	if err == nil {
		var file fallbackSignerFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("decision: corrupt fallback signer: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(file.PrivateKeyBase64)
		if err != nil || len(key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("decision: corrupt fallback signer key material")
		}
		return &Signer{KeyID: file.KeyID, Priv: ed25519.PrivateKey(key)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	seed := make([]byte, 4)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	signer := &Signer{KeyID: "mlk-default-" + hex.EncodeToString(seed), Priv: priv}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(fallbackSignerFile{
		KeyID:            signer.KeyID,
		PrivateKeyBase64: base64.StdEncoding.EncodeToString(priv),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, err
	}
	return signer, nil
}
