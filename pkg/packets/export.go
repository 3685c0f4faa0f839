package packets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/verify"
)

// ExportMarker records one completed archive export to a tenant's sink.
type ExportMarker struct {
	TenantID   string    `json:"tenantId"`
	Month      string    `json:"month"`
	Sink       string    `json:"sink"`
	RunCount   int       `json:"runCount"`
	ExportedAt time.Time `json:"exportedAt"`
}

// Exporter writes monthly archive export markers for tenants with a
// configured sink. The marker is the contract: external movers watch the
// exports tree and ship the referenced artifacts.
type Exporter struct {
	dataDir string
	tenants *tenants.Store
	runs    *verify.RunStore
	audit   *audit.Logger
	log     *slog.Logger
	now     func() time.Time
}

// NewExporter constructs an Exporter.
func NewExporter(dataDir string, store *tenants.Store, runs *verify.RunStore, auditLog *audit.Logger, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{dataDir: dataDir, tenants: store, runs: runs, audit: auditLog, log: logger, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// ExportMonth writes the marker for one tenant and month. Re-exports are
// no-ops; the existing marker is returned.
func (e *Exporter) ExportMonth(tenantID, month string) (*ExportMarker, error) {
	settings, err := e.tenants.GetSettings(tenantID)
	if err != nil {
		return nil, err
	}
	if settings.ArchiveExportSink == "" {
		return nil, fmt.Errorf("packets: tenant %s has no archive export sink", tenantID)
	}

	path := e.markerPath(tenantID, month)
	if raw, err := os.ReadFile(path); err == nil {
		var marker ExportMarker
		if err := json.Unmarshal(raw, &marker); err != nil {
			return nil, fmt.Errorf("packets: corrupt export marker %s/%s: %w", tenantID, month, err)
		}
		return &marker, nil
	}

	runs, err := e.runs.List(tenantID)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, run := range runs {
		if run.CreatedAt.UTC().Format("2006-01") == month {
			count++
		}
	}

	marker := &ExportMarker{
		TenantID:   tenantID,
		Month:      month,
		Sink:       settings.ArchiveExportSink,
		RunCount:   count,
		ExportedAt: e.now().UTC(),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, err
	}
	_ = e.audit.Record(tenantID, audit.ActionArchiveExported,
		audit.WithMetadata(map[string]interface{}{"month": month, "runCount": count}))
	return marker, nil
}

// ExportPrevious runs the previous month's export for every tenant with a
// sink configured.
func (e *Exporter) ExportPrevious(ctx context.Context) error {
	month := e.now().UTC().AddDate(0, -1, 0).Format("2006-01")
	ids, err := e.tenants.List()
	if err != nil {
		return err
	}
	for _, tenantID := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		settings, err := e.tenants.GetSettings(tenantID)
		if err != nil || settings.ArchiveExportSink == "" {
			continue
		}
		if _, err := e.ExportMonth(tenantID, month); err != nil {
			e.log.Error("archive export failed", "tenant", tenantID, "month", month, "err", err)
		}
	}
	return nil
}

// Run exports on a fixed interval until the context is done.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExportPrevious(ctx); err != nil && err != context.Canceled {
				e.log.Error("archive export pass failed", "err", err)
			}
		}
	}
}

func (e *Exporter) markerPath(tenantID, month string) string {
	return filepath.Join(e.dataDir, "exports", "archive_export", tenantID, month+".json")
}
