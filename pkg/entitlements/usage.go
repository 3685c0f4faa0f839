package entitlements

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/plans"
)

// Usage metrics tracked per tenant per month.
const (
	MetricVerifications = "verifications"
	MetricStoredBundles = "storedBundles"
)

// alertThresholds are the usage percentages that emit a threshold alert.
// Each fires at most once per (tenant, month, metric, pct).
var alertThresholds = []int{80, 100}

// Usage is one tenant's counters for one month.
type Usage struct {
	Verifications int64 `json:"verifications"`
	StoredBundles int64 `json:"storedBundles"`
	// AlertsEmitted maps metric -> threshold percentages already alerted, so
	// alerts stay idempotent across restarts.
	AlertsEmitted map[string][]int `json:"alertsEmitted,omitempty"`
}

func (u *Usage) metric(name string) int64 {
	switch name {
	case MetricVerifications:
		return u.Verifications
	case MetricStoredBundles:
		return u.StoredBundles
	}
	return 0
}

func (u *Usage) alerted(metric string, pct int) bool {
	for _, p := range u.AlertsEmitted[metric] {
		if p == pct {
			return true
		}
	}
	return false
}

// Meter maintains monthly usage counters and emits threshold alerts.
type Meter struct {
	dir   string
	audit *audit.Logger
	now   func() time.Time

	mu sync.Mutex
}

// NewMeter creates a Meter rooted at dataDir/usage.
func NewMeter(dataDir string, auditLog *audit.Logger) *Meter {
	return &Meter{dir: filepath.Join(dataDir, "usage"), audit: auditLog, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (m *Meter) WithClock(now func() time.Time) *Meter {
	m.now = now
	return m
}

// Month returns the current yyyy-mm bucket.
func (m *Meter) Month() string {
	return m.now().UTC().Format("2006-01")
}

// Read returns the usage for a tenant and month, zero-valued when absent.
func (m *Meter) Read(tenantID, month string) (*Usage, error) {
	raw, err := os.ReadFile(m.path(tenantID, month))
	if err != nil {
		if os.IsNotExist(err) {
			return &Usage{}, nil
		}
		return nil, err
	}
	var u Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("entitlements: corrupt usage file for %s/%s: %w", tenantID, month, err)
	}
	return &u, nil
}

// CheckQuota returns a QuotaError when the metric has no headroom this month.
// It does not increment; callers check before doing the work and Bump after.
func (m *Meter) CheckQuota(tenantID, metric string, plan plans.PlanID, limit int64) error {
	if plans.IsUnlimited(limit) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.Read(tenantID, m.Month())
	if err != nil {
		return err
	}
	used := u.metric(metric)
	if used >= limit {
		return &QuotaError{Metric: metric, Used: used, Limit: limit, Plan: plan}
	}
	return nil
}

// Bump increments a metric and emits any newly crossed threshold alerts.
// Alerts are recorded in the usage file before the audit row is written, so
// a crash between the two loses the alert rather than duplicating it.
func (m *Meter) Bump(tenantID, metric string, plan plans.PlanID, limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	month := m.Month()
	u, err := m.Read(tenantID, month)
	if err != nil {
		return err
	}
	switch metric {
	case MetricVerifications:
		u.Verifications++
	case MetricStoredBundles:
		u.StoredBundles++
	default:
		return fmt.Errorf("entitlements: unknown metric %q", metric)
	}

	var fired []int
	if !plans.IsUnlimited(limit) && limit > 0 {
		pct := u.metric(metric) * 100 / limit
		for _, threshold := range alertThresholds {
			if pct >= int64(threshold) && !u.alerted(metric, threshold) {
				if u.AlertsEmitted == nil {
					u.AlertsEmitted = map[string][]int{}
				}
				u.AlertsEmitted[metric] = append(u.AlertsEmitted[metric], threshold)
				fired = append(fired, threshold)
			}
		}
	}

	if err := m.write(tenantID, month, u); err != nil {
		return err
	}
	for _, threshold := range fired {
		_ = m.audit.Record(tenantID, audit.ActionThresholdAlert,
			audit.WithMetadata(map[string]interface{}{
				"metric": metric,
				"month":  month,
				"pct":    threshold,
				"used":   u.metric(metric),
				"limit":  limit,
			}))
	}
	return nil
}

// Release decrements a gauge-like metric (stored bundles on delete). Floors
// at zero.
func (m *Meter) Release(tenantID, metric string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	month := m.Month()
	u, err := m.Read(tenantID, month)
	if err != nil {
		return err
	}
	switch metric {
	case MetricStoredBundles:
		if u.StoredBundles > 0 {
			u.StoredBundles--
		}
	default:
		return fmt.Errorf("entitlements: metric %q is not releasable", metric)
	}
	return m.write(tenantID, month, u)
}

func (m *Meter) path(tenantID, month string) string {
	return filepath.Join(m.dir, tenantID, month+".json")
}

func (m *Meter) write(tenantID, month string, u *Usage) error {
	path := m.path(tenantID, month)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
