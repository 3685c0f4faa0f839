package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrRunNotFound is returned for unknown tokens.
var ErrRunNotFound = errors.New("verify: run not found")

// RunStore persists run records under runs/<tenantId>/<token>.json. Records
// survive retention GC so history endpoints keep working after artifact
// bytes are swept.
type RunStore struct {
	dir string
}

// NewRunStore creates a RunStore rooted at dataDir/runs.
func NewRunStore(dataDir string) *RunStore {
	return &RunStore{dir: filepath.Join(dataDir, "runs")}
}

// Put writes a run record.
func (s *RunStore) Put(rec *RunRecord) error {
	path := filepath.Join(s.dir, rec.TenantID, rec.Token+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get reads a run record by tenant and token.
func (s *RunStore) Get(tenantID, token string) (*RunRecord, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, tenantID, token+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	var rec RunRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("verify: corrupt run record %s: %w", token, err)
	}
	return &rec, nil
}

// Find locates a run record by token alone, scanning tenant directories.
// Used by token-addressed routes that carry no tenant context.
func (s *RunStore) Find(token string) (*RunRecord, error) {
	tenantDirs, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	for _, entry := range tenantDirs {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Get(entry.Name(), token)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	}
	return nil, ErrRunNotFound
}

// List returns all run records for a tenant, unordered.
func (s *RunStore) List(tenantID string) ([]*RunRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []*RunRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Get(tenantID, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// runIDEntry tracks the first bundle seen for a (tenantId, runId) so later
// uploads with the same runId suppress their buyer notification.
type runIDEntry struct {
	ZipSha256 string `json:"zipSha256"`
	Token     string `json:"token"`
}

func (s *RunStore) runIDPath(tenantID, runID string) string {
	return filepath.Join(s.dir, tenantID, "runids", runID+".json")
}

// ClaimRunID records the first (zipSha256, token) for a runId. It returns
// true when this call was the first claim, false when the runId was already
// claimed for a different bundle.
func (s *RunStore) ClaimRunID(tenantID, runID, zipSha256, token string) (bool, error) {
	path := s.runIDPath(tenantID, runID)
	raw, err := os.ReadFile(path)
	if err == nil {
		var entry runIDEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return false, fmt.Errorf("verify: corrupt runId entry %s: %w", runID, err)
		}
		return entry.ZipSha256 == zipSha256, nil
	}
	if !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	entry, err := json.Marshal(runIDEntry{ZipSha256: zipSha256, Token: token})
	if err != nil {
		return false, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, entry, 0o644); err != nil {
		return false, err
	}
	return true, os.Rename(tmp, path)
}
