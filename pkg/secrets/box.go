// Package secrets seals tenant secret material at rest. Sealed values are
// encoded as enc:v1:<base64url-nonce>:<base64url-ciphertext> using
// AES-256-GCM under a subkey derived from the process-wide master key.
// Plaintext secrets never appear in API responses; see Redact.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "enc:v1:"

var (
	// ErrMasterKeySize is returned when the configured master key is not 32 bytes.
	ErrMasterKeySize = errors.New("secrets: master key must be 32 bytes")
	// ErrNotSealed is returned when unsealing a value without the enc:v1 prefix.
	ErrNotSealed = errors.New("secrets: value is not sealed")
	// ErrCiphertext is returned when a sealed value fails to authenticate.
	ErrCiphertext = errors.New("secrets: ciphertext rejected")
)

// Box holds the derived subkeys for one deployment.
type Box struct {
	sealKey    []byte
	summaryKey []byte
	sessionKey []byte
}

// NewBox derives the sealing and summary-signature subkeys from the 32-byte
// master key (MAGIC_LINK_SETTINGS_KEY_HEX).
func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) != 32 {
		return nil, ErrMasterKeySize
	}
	sealKey, err := derive(masterKey, "settld/magic-link/settings-seal/v1")
	if err != nil {
		return nil, err
	}
	summaryKey, err := derive(masterKey, "settld/magic-link/public-summary/v1")
	if err != nil {
		return nil, err
	}
	sessionKey, err := derive(masterKey, "settld/magic-link/buyer-session/v1")
	if err != nil {
		return nil, err
	}
	return &Box{sealKey: sealKey, summaryKey: summaryKey, sessionKey: sessionKey}, nil
}

// NewBoxFromHex derives a Box from a 64-char hex master key.
func NewBoxFromHex(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("secrets: master key hex: %w", err)
	}
	return NewBox(key)
}

func derive(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secrets: hkdf: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext into the enc:v1 wire form. Sealing an already
// sealed value is a no-op so settings merges are idempotent.
func (b *Box) Seal(plaintext string) (string, error) {
	if IsSealed(plaintext) {
		return plaintext, nil
	}
	block, err := aes.NewCipher(b.sealKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return sealedPrefix +
		base64.RawURLEncoding.EncodeToString(nonce) + ":" +
		base64.RawURLEncoding.EncodeToString(ct), nil
}

// Unseal decrypts an enc:v1 value back to plaintext.
func (b *Box) Unseal(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	parts := strings.SplitN(strings.TrimPrefix(sealed, sealedPrefix), ":", 2)
	if len(parts) != 2 {
		return "", ErrCiphertext
	}
	nonce, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrCiphertext
	}
	ct, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrCiphertext
	}
	block, err := aes.NewCipher(b.sealKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", ErrCiphertext
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrCiphertext
	}
	return string(pt), nil
}

// IsSealed reports whether a value carries the enc:v1 prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

// SignSummary computes the HMAC-SHA-256 hex signature over a public receipt
// summary hash using the per-deployment summary key.
func (b *Box) SignSummary(summaryHash string) string {
	mac := hmac.New(sha256.New, b.summaryKey)
	mac.Write([]byte(summaryHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// SessionKey returns the subkey used to sign buyer-session tokens.
func (b *Box) SessionKey() []byte {
	return b.sessionKey
}

// VerifySummary checks a summary signature in constant time.
func (b *Box) VerifySummary(summaryHash, signatureHex string) bool {
	want := b.SignSummary(summaryHash)
	return hmac.Equal([]byte(want), []byte(signatureHex))
}
