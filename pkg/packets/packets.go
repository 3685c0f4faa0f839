// Package packets assembles the compliance and onboarding exports: monthly
// audit packets, security-controls packets, support bundles, and vendor
// onboarding packs. Every packet is a deterministic ZIP so identical state
// yields identical bytes.
package packets

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
	"github.com/settld-labs/magic-link/pkg/zipdet"
)

// Builder assembles packets from stored runs, settings, and audit logs.
type Builder struct {
	dataDir string
	tenants *tenants.Store
	runs    *verify.RunStore
	vault   *vault.Vault
	audit   *audit.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(dataDir string, store *tenants.Store, runs *verify.RunStore, v *vault.Vault, auditLog *audit.Logger) *Builder {
	return &Builder{dataDir: dataDir, tenants: store, runs: runs, vault: v, audit: auditLog}
}

// auditPacketRow is one run in the monthly index.
type auditPacketRow struct {
	Token        string    `json:"token"`
	ZipSha256    string    `json:"zipSha256"`
	Status       string    `json:"status"`
	ModeResolved string    `json:"modeResolved"`
	BundleType   string    `json:"bundleType,omitempty"`
	VendorName   string    `json:"vendorName,omitempty"`
	RerunCount   int       `json:"rerunCount,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MonthlyAuditPacket builds the month's run index as a deterministic ZIP:
// index.json, runs.csv, and optionally the webhook delivery record snapshot.
func (b *Builder) MonthlyAuditPacket(tenantID, month string, includeWebhookRecords bool) ([]byte, error) {
	runs, err := b.runsInMonth(tenantID, month)
	if err != nil {
		return nil, err
	}

	rows := make([]auditPacketRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, auditPacketRow{
			Token:        run.Token,
			ZipSha256:    run.ZipSha256,
			Status:       run.Status,
			ModeResolved: run.ModeResolved,
			BundleType:   run.BundleType,
			VendorName:   run.VendorName,
			RerunCount:   run.RerunCount,
			CreatedAt:    run.CreatedAt.UTC(),
		})
	}

	index, err := json.MarshalIndent(map[string]interface{}{
		"schemaVersion": "MagicLinkMonthlyAuditPacketIndex.v1",
		"tenantId":      tenantID,
		"month":         month,
		"runCount":      len(rows),
		"runs":          rows,
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	var csvBuf bytes.Buffer
	w := csv.NewWriter(&csvBuf)
	_ = w.Write([]string{"token", "zipSha256", "status", "modeResolved", "bundleType", "vendorName", "rerunCount", "createdAt"})
	for _, row := range rows {
		_ = w.Write([]string{
			row.Token, row.ZipSha256, row.Status, row.ModeResolved, row.BundleType,
			row.VendorName, fmt.Sprintf("%d", row.RerunCount), row.CreatedAt.Format(time.RFC3339),
		})
	}
	w.Flush()

	entries := []zipdet.Entry{
		{Path: "index.json", Body: index},
		{Path: "runs.csv", Body: csvBuf.Bytes()},
	}
	if includeWebhookRecords {
		records, err := b.webhookRecords(tenantID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, records...)
	}
	return zipdet.Build(entries)
}

// redactionAllowlist mirrors the public receipt summary fields; everything
// else is redacted from public surfaces.
var redactionAllowlist = []string{
	"bundleType", "createdAt", "decision", "modeResolved", "status", "vendorName", "verifyOk",
}

// SecurityControlsPacket exports the tenant's audit trail plus the control
// descriptions auditors ask for, with a checksum manifest over every file.
func (b *Builder) SecurityControlsPacket(tenantID string) ([]byte, error) {
	rec, err := b.tenants.Get(tenantID)
	if err != nil {
		return nil, err
	}
	settings, err := b.tenants.GetSettings(tenantID)
	if err != nil {
		return nil, err
	}

	events, err := b.audit.ReadAll(tenantID)
	if err != nil {
		return nil, err
	}
	var logBuf bytes.Buffer
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		logBuf.Write(line)
		logBuf.WriteByte('\n')
	}

	allowlist, _ := json.MarshalIndent(map[string]interface{}{
		"publicSummaryFields": redactionAllowlist,
		"secretFieldBehavior": "omitted from every exported view",
	}, "", "  ")

	plan := plans.Get(rec.Plan)
	retentionDays := plan.Limits.RetentionDays
	if settings.RetentionDays > 0 {
		retentionDays = settings.RetentionDays
	}
	retention, _ := json.MarshalIndent(map[string]interface{}{
		"retentionDays": retentionDays,
		"behavior":      "run artifacts are deleted after the retention window; run records survive for support",
	}, "", "  ")

	inventory, _ := json.MarshalIndent([]map[string]string{
		{"category": "uploaded bundles", "location": "zips/", "contains": "vendor invoice and close-pack archives"},
		{"category": "verification outputs", "location": "verify/", "contains": "verifier findings per run"},
		{"category": "sealed receipts", "location": "receipts/", "contains": "HMAC-sealed verification reports"},
		{"category": "decisions", "location": "decisions/", "contains": "signed settlement decision reports"},
		{"category": "tenant settings", "location": "tenants/", "contains": "configuration with sealed secrets"},
		{"category": "audit trail", "location": "audit/", "contains": "month-bucketed JSONL event log"},
	}, "", "  ")

	index, _ := json.MarshalIndent(map[string]interface{}{
		"schemaVersion": "MagicLinkSecurityControlsPacket.v1",
		"tenantId":      tenantID,
		"plan":          rec.Plan,
	}, "", "  ")

	files := map[string][]byte{
		"index.json":               index,
		"audit_log.jsonl":          logBuf.Bytes(),
		"redaction_allowlist.json": allowlist,
		"retention_behavior.json":  retention,
		"data_inventory.json":      inventory,
	}

	// packet_index and checksums cover every other file.
	type fileRef struct {
		Path   string `json:"path"`
		Sha256 string `json:"sha256"`
	}
	var refs []fileRef
	for path, body := range files {
		sum := sha256.Sum256(body)
		refs = append(refs, fileRef{Path: path, Sha256: hex.EncodeToString(sum[:])})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	packetIndex, _ := json.MarshalIndent(map[string]interface{}{"files": refs}, "", "  ")

	var checksums bytes.Buffer
	for _, ref := range refs {
		fmt.Fprintf(&checksums, "%s  %s\n", ref.Sha256, ref.Path)
	}

	entries := make([]zipdet.Entry, 0, len(files)+2)
	for path, body := range files {
		entries = append(entries, zipdet.Entry{Path: path, Body: body})
	}
	entries = append(entries,
		zipdet.Entry{Path: "packet_index.json", Body: packetIndex},
		zipdet.Entry{Path: "checksums.sha256", Body: checksums.Bytes()},
	)
	return zipdet.Build(entries)
}

// SupportBundle collects redacted settings, run records, and verify outputs
// inside a time window; includeBundles adds the raw uploaded ZIPs.
func (b *Builder) SupportBundle(tenantID string, from, to time.Time, includeBundles bool) ([]byte, error) {
	settings, err := b.tenants.GetSettings(tenantID)
	if err != nil {
		return nil, err
	}
	redacted, err := json.MarshalIndent(tenants.Redacted(settings), "", "  ")
	if err != nil {
		return nil, err
	}
	entries := []zipdet.Entry{{Path: "settings.json", Body: redacted}}

	runs, err := b.runs.List(tenantID)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.CreatedAt.Before(from) || run.CreatedAt.After(to) {
			continue
		}
		rec, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return nil, err
		}
		entries = append(entries, zipdet.Entry{Path: "runs/" + run.Token + ".json", Body: rec})

		if out, err := b.vault.Get(run.Token, vault.KeyVerify); err == nil {
			entries = append(entries, zipdet.Entry{Path: "verify/" + run.Token + ".json", Body: out})
		}
		if includeBundles {
			if zip, err := b.vault.Get(run.Token, vault.KeyZip); err == nil {
				entries = append(entries, zipdet.Entry{Path: "bundles/" + run.Token + ".zip", Body: zip})
			}
		}
	}
	return zipdet.Build(entries)
}

// OnboardingPack issues an immediately usable ingest key and wraps it with
// vendor metadata and the optional pricing matrix.
func (b *Builder) OnboardingPack(tenantID, vendorID string, pricingMatrix, pricingSignatures []byte) ([]byte, error) {
	ingestKey, err := b.tenants.IssueIngestKey(tenantID)
	if err != nil {
		return nil, err
	}
	metadata, err := json.MarshalIndent(map[string]interface{}{
		"schemaVersion": "VendorOnboardingPack.v1",
		"tenantId":      tenantID,
		"vendorId":      vendorID,
		"ingestHeader":  "x-api-key",
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	entries := []zipdet.Entry{
		{Path: "ingest_key.txt", Body: []byte(ingestKey + "\n")},
		{Path: "metadata.json", Body: metadata},
	}
	if len(pricingMatrix) > 0 {
		entries = append(entries, zipdet.Entry{Path: "pricing/pricing_matrix.json", Body: pricingMatrix})
		if len(pricingSignatures) > 0 {
			entries = append(entries, zipdet.Entry{Path: "pricing/pricing_matrix_signatures.json", Body: pricingSignatures})
		}
	}

	packet, err := zipdet.Build(entries)
	if err != nil {
		return nil, err
	}
	_ = b.audit.Record(tenantID, audit.ActionOnboardingPack,
		audit.WithMetadata(map[string]interface{}{"vendorId": vendorID}))
	return packet, nil
}

func (b *Builder) runsInMonth(tenantID, month string) ([]*verify.RunRecord, error) {
	all, err := b.runs.List(tenantID)
	if err != nil {
		return nil, err
	}
	var out []*verify.RunRecord
	for _, run := range all {
		if run.CreatedAt.UTC().Format("2006-01") == month {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (b *Builder) webhookRecords(tenantID string) ([]zipdet.Entry, error) {
	dir := filepath.Join(b.dataDir, "webhooks", "record")
	rows, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []zipdet.Entry
	for _, row := range rows {
		if row.IsDir() || !strings.HasPrefix(row.Name(), tenantID+"_") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, row.Name()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, zipdet.Entry{Path: "webhooks/" + row.Name(), Body: body})
	}
	return entries, nil
}
