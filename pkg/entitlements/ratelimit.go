package entitlements

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Rate-limited operation kinds. Limits come from tenant settings; the
// defaults below apply when a tenant has not configured one.
const (
	KindUpload           = "uploads"
	KindVerificationView = "verificationViews"
	KindDecision         = "decisions"
	KindConformanceRun   = "conformanceRuns"
)

// DefaultHourlyLimits apply when tenant settings leave a kind unset.
var DefaultHourlyLimits = map[string]int{
	KindUpload:           120,
	KindVerificationView: 1200,
	KindDecision:         240,
	KindConformanceRun:   60,
}

const rateWindow = time.Hour

// RateLimiter enforces per-tenant sliding one-hour windows. Hit timestamps
// are persisted per (tenant, kind) so limits survive restarts.
type RateLimiter struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// NewRateLimiter creates a RateLimiter rooted at dataDir/ratelimit.
func NewRateLimiter(dataDir string) *RateLimiter {
	return &RateLimiter{dir: filepath.Join(dataDir, "ratelimit"), now: time.Now}
}

// WithClock overrides the clock, for tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// Allow records a hit for (tenant, kind) if the window has headroom. On
// denial it returns a RateLimitError whose RetryAfterSeconds is the ceiling
// of the time until the oldest in-window hit ages out.
func (r *RateLimiter) Allow(tenantID, kind string, limit int) error {
	if limit <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	hits, err := r.read(tenantID, kind)
	if err != nil {
		return err
	}

	cutoff := now.Add(-rateWindow)
	live := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= limit {
		oldest := live[0]
		retry := int(math.Ceil(oldest.Add(rateWindow).Sub(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
		// Persist the pruned window even on denial.
		if err := r.write(tenantID, kind, live); err != nil {
			return err
		}
		return &RateLimitError{Kind: kind, Limit: limit, RetryAfterSeconds: retry}
	}

	live = append(live, now)
	return r.write(tenantID, kind, live)
}

func (r *RateLimiter) path(tenantID, kind string) string {
	return filepath.Join(r.dir, tenantID, kind+".json")
}

func (r *RateLimiter) read(tenantID, kind string) ([]time.Time, error) {
	raw, err := os.ReadFile(r.path(tenantID, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var hits []time.Time
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, fmt.Errorf("entitlements: corrupt rate bucket %s/%s: %w", tenantID, kind, err)
	}
	return hits, nil
}

func (r *RateLimiter) write(tenantID, kind string, hits []time.Time) error {
	path := r.path(tenantID, kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(hits)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
