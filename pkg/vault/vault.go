// Package vault issues magic-link tokens and stores token-addressed run
// artifacts on disk. Tokens are 192-bit CSPRNG values; artifacts live in
// per-kind directories keyed by token so retention can sweep them
// independently of the run record.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Artifact keys accepted by Put and Get.
const (
	KeyZip       = "zip"
	KeyVerify    = "verify"
	KeyReceipt   = "receipt"
	KeyPDF       = "pdf"
	KeyAudit     = "audit"
	KeyClosePack = "closepack"
	KeyPublic    = "public"
	KeyBundle    = "bundle"
)

var (
	// ErrNotFound is returned when a token or artifact does not exist.
	ErrNotFound = errors.New("vault: not found")
	// ErrRevoked is returned for any access to a revoked token.
	ErrRevoked = errors.New("vault: token revoked")
	// ErrBadKey is returned for an unrecognized artifact key.
	ErrBadKey = errors.New("vault: unknown artifact key")
)

// TokenPattern matches issued tokens.
var TokenPattern = regexp.MustCompile(`^ml_[0-9a-f]{48}$`)

// artifactPaths maps artifact keys to directory and file extension.
var artifactPaths = map[string]struct {
	dir string
	ext string
}{
	KeyZip:       {"zips", ".zip"},
	KeyVerify:    {"verify", ".json"},
	KeyReceipt:   {"receipts", ".json"},
	KeyPDF:       {"pdf", ".pdf"},
	KeyAudit:     {"audit-packets", ".zip"},
	KeyClosePack: {"closepacks", ".zip"},
	KeyPublic:    {"public", ".json"},
	KeyBundle:    {"bundles", ".zip"},
}

// IssueToken mints a fresh ml_ token with 192 bits of CSPRNG entropy.
func IssueToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("vault: csprng unavailable: %v", err))
	}
	return "ml_" + hex.EncodeToString(buf)
}

// Meta is the per-token sidecar record.
type Meta struct {
	Token              string    `json:"token"`
	TenantID           string    `json:"tenantId"`
	CreatedAt          time.Time `json:"createdAt"`
	TemplateID         string    `json:"templateId,omitempty"`
	TemplateConfigHash string    `json:"templateConfigHash,omitempty"`
	RevokedAt          time.Time `json:"revokedAt,omitempty"`
}

// IndexEntry is one row of the (tenantId, zipSha256) dedupe index.
type IndexEntry struct {
	Token string `json:"token"`
	// SettingsHash is the verification-affecting settings hash at run time.
	// A different hash on re-upload triggers a rerun instead of a dedupe.
	SettingsHash string    `json:"settingsHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Vault stores token artifacts, metadata, revocations, and the dedupe index.
type Vault struct {
	dir string
	mu  sync.Mutex
}

// New creates a Vault rooted at dataDir.
func New(dataDir string) *Vault {
	return &Vault{dir: dataDir}
}

// Put writes one artifact. The token must already have metadata unless the
// caller is writing it as part of run creation.
func (v *Vault) Put(token, key string, data []byte) error {
	path, err := v.artifactPath(token, key)
	if err != nil {
		return err
	}
	if v.revoked(token) {
		return ErrRevoked
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get reads one artifact. Revoked tokens return ErrRevoked regardless of
// whether the artifact bytes still exist.
func (v *Vault) Get(token, key string) ([]byte, error) {
	path, err := v.artifactPath(token, key)
	if err != nil {
		return nil, err
	}
	if v.revoked(token) {
		return nil, ErrRevoked
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether an artifact is present without reading it.
func (v *Vault) Exists(token, key string) bool {
	path, err := v.artifactPath(token, key)
	if err != nil {
		return false
	}
	if v.revoked(token) {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// PutMeta writes the token sidecar.
func (v *Vault) PutMeta(meta *Meta) error {
	if !TokenPattern.MatchString(meta.Token) {
		return fmt.Errorf("vault: malformed token %q", meta.Token)
	}
	return writeJSON(v.metaPath(meta.Token), meta)
}

// GetMeta reads the token sidecar.
func (v *Vault) GetMeta(token string) (*Meta, error) {
	raw, err := os.ReadFile(v.metaPath(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("vault: corrupt meta for %s: %w", token, err)
	}
	return &meta, nil
}

// Revoke marks the token inaccessible. Subsequent reads return ErrRevoked.
// Revoking an unknown token is an error; revoking twice is not.
func (v *Vault) Revoke(token string, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	meta, err := v.GetMeta(token)
	if err != nil {
		return err
	}
	if !meta.RevokedAt.IsZero() {
		return nil
	}
	meta.RevokedAt = now.UTC()
	return writeJSON(v.metaPath(token), meta)
}

func (v *Vault) revoked(token string) bool {
	meta, err := v.GetMeta(token)
	if err != nil {
		return false
	}
	return !meta.RevokedAt.IsZero()
}

// IndexLookup returns the dedupe entry for (tenantId, zipSha256), if any.
func (v *Vault) IndexLookup(tenantID, zipSha256 string) (*IndexEntry, error) {
	raw, err := os.ReadFile(v.indexPath(tenantID, zipSha256))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry IndexEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("vault: corrupt index entry %s/%s: %w", tenantID, zipSha256, err)
	}
	return &entry, nil
}

// IndexPut records or updates the dedupe entry for (tenantId, zipSha256).
func (v *Vault) IndexPut(tenantID, zipSha256 string, entry *IndexEntry) error {
	return writeJSON(v.indexPath(tenantID, zipSha256), entry)
}

// IndexDelete removes a dedupe entry during retention GC.
func (v *Vault) IndexDelete(tenantID, zipSha256 string) error {
	err := os.Remove(v.indexPath(tenantID, zipSha256))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteArtifacts removes all artifact bytes for a token, keeping meta so
// revocation state survives. Used by the retention sweeper.
func (v *Vault) DeleteArtifacts(token string) error {
	for key := range artifactPaths {
		path, err := v.artifactPath(token, key)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (v *Vault) artifactPath(token, key string) (string, error) {
	if !TokenPattern.MatchString(token) {
		return "", fmt.Errorf("%w: malformed token", ErrNotFound)
	}
	loc, ok := artifactPaths[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return filepath.Join(v.dir, loc.dir, token+loc.ext), nil
}

func (v *Vault) metaPath(token string) string {
	return filepath.Join(v.dir, "meta", token+".json")
}

func (v *Vault) indexPath(tenantID, zipSha256 string) string {
	return filepath.Join(v.dir, "index", tenantID, zipSha256+".json")
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
