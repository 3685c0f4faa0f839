// Package store keeps a sqlite index over run records and decisions for the
// inbox, analytics, and export queries. The filesystem stays the source of
// truth; the index is rebuilt from the run record files on startup.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/settld-labs/magic-link/pkg/decision"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/verify"

	_ "modernc.org/sqlite"
)

// Index is the queryable run index.
type Index struct {
	db *sql.DB
}

// Open opens (or creates) the index database at path and runs migrations.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)
	x := &Index{db: db}
	if err := x.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return x, nil
}

// Close closes the underlying database.
func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS runs (
        token TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        zip_sha256 TEXT NOT NULL,
        mode_resolved TEXT,
        verify_ok INTEGER NOT NULL DEFAULT 0,
        status TEXT,
        bundle_type TEXT,
        vendor_id TEXT,
        vendor_name TEXT,
        contract_id TEXT,
        run_id TEXT,
        rerun_count INTEGER NOT NULL DEFAULT 0,
        created_at DATETIME,
        decision TEXT,
        decision_actor TEXT,
        decided_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_runs_tenant_created ON runs (tenant_id, created_at);
    CREATE INDEX IF NOT EXISTS idx_runs_tenant_vendor ON runs (tenant_id, vendor_id);
    CREATE TABLE IF NOT EXISTS trust_graph_snapshots (
        snapshot_id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        created_at DATETIME,
        graph JSON
    );`
	_, err := x.db.ExecContext(context.Background(), query)
	return err
}

// Upsert writes one run into the index, preserving any decision columns
// already recorded for the token.
func (x *Index) Upsert(ctx context.Context, run *verify.RunRecord) error {
	query := `INSERT INTO runs (
        token, tenant_id, zip_sha256, mode_resolved, verify_ok, status, bundle_type,
        vendor_id, vendor_name, contract_id, run_id, rerun_count, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(token) DO UPDATE SET
        mode_resolved = excluded.mode_resolved,
        verify_ok = excluded.verify_ok,
        status = excluded.status,
        bundle_type = excluded.bundle_type,
        vendor_id = excluded.vendor_id,
        vendor_name = excluded.vendor_name,
        contract_id = excluded.contract_id,
        run_id = excluded.run_id,
        rerun_count = excluded.rerun_count`

	verifyOK := 0
	if run.VerifyOK {
		verifyOK = 1
	}
	_, err := x.db.ExecContext(ctx, query,
		run.Token, run.TenantID, run.ZipSha256, run.ModeResolved, verifyOK, run.Status,
		run.BundleType, run.VendorID, run.VendorName, run.ContractID, run.RunID,
		run.RerunCount, run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: upsert run %s: %w", run.Token, err)
	}
	return nil
}

// RecordDecision attaches a decision to an indexed run.
func (x *Index) RecordDecision(ctx context.Context, token, outcome, actorEmail string, decidedAt time.Time) error {
	_, err := x.db.ExecContext(ctx,
		`UPDATE runs SET decision = ?, decision_actor = ?, decided_at = ? WHERE token = ?`,
		outcome, actorEmail, decidedAt.UTC().Format(time.RFC3339Nano), token,
	)
	return err
}

// Rehydrate rebuilds the index from the run record files and decision
// reports. Called once on startup; the index never outlives its files.
func (x *Index) Rehydrate(ctx context.Context, store *tenants.Store, runs *verify.RunStore, decisions *decision.Engine) error {
	ids, err := store.List()
	if err != nil {
		return err
	}
	for _, tenantID := range ids {
		records, err := runs.List(tenantID)
		if err != nil {
			return err
		}
		for _, run := range records {
			if err := x.Upsert(ctx, run); err != nil {
				return err
			}
			if decisions == nil {
				continue
			}
			report, err := decisions.Get(run.Token)
			if err != nil {
				return err
			}
			if report != nil {
				if err := x.RecordDecision(ctx, run.Token, report.Decision, report.Actor.Email, report.CreatedAt); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// InboxRow is one run as the buyer inbox presents it.
type InboxRow struct {
	Token         string     `json:"token"`
	VendorID      string     `json:"vendorId,omitempty"`
	VendorName    string     `json:"vendorName,omitempty"`
	Status        string     `json:"status"`
	ModeResolved  string     `json:"modeResolved"`
	VerifyOK      bool       `json:"verifyOk"`
	BundleType    string     `json:"bundleType,omitempty"`
	Decision      string     `json:"decision,omitempty"`
	DecisionActor string     `json:"decisionActor,omitempty"`
	DecidedAt     *time.Time `json:"decidedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// InboxFilter narrows the inbox listing. Zero values match everything.
type InboxFilter struct {
	VendorID string
	Status   string
	Decision string // approve, hold, or "pending" for undecided runs
	Limit    int
	Offset   int
}

// Inbox lists a tenant's runs newest-first with optional filters.
func (x *Index) Inbox(ctx context.Context, tenantID string, filter InboxFilter) ([]InboxRow, error) {
	query := `SELECT token, vendor_id, vendor_name, status, mode_resolved, verify_ok,
        bundle_type, decision, decision_actor, decided_at, created_at
        FROM runs WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.VendorID != "" {
		query += ` AND vendor_id = ?`
		args = append(args, filter.VendorID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	switch filter.Decision {
	case "":
	case "pending":
		query += ` AND decision IS NULL`
	default:
		query += ` AND decision = ?`
		args = append(args, filter.Decision)
	}
	query += ` ORDER BY created_at DESC`
	// Limit 0 defaults to a page; a negative limit means everything
	// (sqlite treats LIMIT -1 as unbounded).
	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []InboxRow
	for rows.Next() {
		row, err := scanInboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanInboxRow(rows *sql.Rows) (InboxRow, error) {
	var (
		row        InboxRow
		vendorID   sql.NullString
		vendorName sql.NullString
		bundleType sql.NullString
		verifyOK   int
		outcome    sql.NullString
		actor      sql.NullString
		decidedAt  sql.NullString
		createdAt  string
	)
	err := rows.Scan(&row.Token, &vendorID, &vendorName, &row.Status, &row.ModeResolved,
		&verifyOK, &bundleType, &outcome, &actor, &decidedAt, &createdAt)
	if err != nil {
		return row, err
	}
	row.VendorID = vendorID.String
	row.VendorName = vendorName.String
	row.BundleType = bundleType.String
	row.VerifyOK = verifyOK != 0
	row.Decision = outcome.String
	row.DecisionActor = actor.String
	if decidedAt.Valid && decidedAt.String != "" {
		t := parseTime(decidedAt.String)
		row.DecidedAt = &t
	}
	row.CreatedAt = parseTime(createdAt)
	return row, nil
}

// Analytics is the per-tenant summary the dashboard renders.
type Analytics struct {
	TenantID    string         `json:"tenantId"`
	Month       string         `json:"month,omitempty"`
	TotalRuns   int            `json:"totalRuns"`
	ByStatus    map[string]int `json:"byStatus"`
	ByMode      map[string]int `json:"byMode"`
	Approved    int            `json:"approved"`
	Held        int            `json:"held"`
	Undecided   int            `json:"undecided"`
	VendorCount int            `json:"vendorCount"`
	RerunRuns   int            `json:"rerunRuns"`
}

// Summarize computes analytics for a tenant; month ("2006-01") is optional.
func (x *Index) Summarize(ctx context.Context, tenantID, month string) (*Analytics, error) {
	where := `tenant_id = ?`
	args := []any{tenantID}
	if month != "" {
		where += ` AND strftime('%Y-%m', created_at) = ?`
		args = append(args, month)
	}

	out := &Analytics{
		TenantID: tenantID,
		Month:    month,
		ByStatus: map[string]int{},
		ByMode:   map[string]int{},
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT status, mode_resolved, COUNT(*) FROM runs WHERE `+where+` GROUP BY status, mode_resolved`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status, mode string
		var n int
		if err := rows.Scan(&status, &mode, &n); err != nil {
			return nil, err
		}
		out.ByStatus[status] += n
		out.ByMode[mode] += n
		out.TotalRuns += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := x.db.QueryRowContext(ctx, `SELECT
        COUNT(CASE WHEN decision = ? THEN 1 END),
        COUNT(CASE WHEN decision = ? THEN 1 END),
        COUNT(CASE WHEN decision IS NULL THEN 1 END),
        COUNT(DISTINCT CASE WHEN vendor_id != '' THEN vendor_id END),
        COUNT(CASE WHEN rerun_count > 0 THEN 1 END)
        FROM runs WHERE `+where,
		append([]any{decision.Approve, decision.Hold}, args...)...)
	if err := row.Scan(&out.Approved, &out.Held, &out.Undecided, &out.VendorCount, &out.RerunRuns); err != nil {
		return nil, err
	}
	return out, nil
}

// ExportCSV renders a tenant's runs as CSV, newest-first; month is optional.
func (x *Index) ExportCSV(ctx context.Context, tenantID, month string) ([]byte, error) {
	rows, err := x.Inbox(ctx, tenantID, InboxFilter{Limit: -1})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"token", "vendorId", "vendorName", "status", "modeResolved", "verifyOk", "bundleType", "decision", "decisionActor", "createdAt"})
	for _, row := range rows {
		if month != "" && row.CreatedAt.UTC().Format("2006-01") != month {
			continue
		}
		_ = w.Write([]string{
			row.Token, row.VendorID, row.VendorName, row.Status, row.ModeResolved,
			strconv.FormatBool(row.VerifyOK), row.BundleType, row.Decision,
			row.DecisionActor, row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
