package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSnapshotNotFound is returned when a diff references an unknown snapshot.
var ErrSnapshotNotFound = errors.New("store: trust graph snapshot not found")

// VendorNode is one vendor's standing in the trust graph.
type VendorNode struct {
	VendorID   string    `json:"vendorId"`
	VendorName string    `json:"vendorName,omitempty"`
	Runs       int       `json:"runs"`
	Green      int       `json:"green"`
	Amber      int       `json:"amber"`
	Red        int       `json:"red"`
	Approved   int       `json:"approved"`
	Held       int       `json:"held"`
	LastRunAt  time.Time `json:"lastRunAt"`
}

// Graph is the MagicLinkTrustGraph.v1 document.
type Graph struct {
	SchemaVersion string       `json:"schemaVersion"`
	TenantID      string       `json:"tenantId"`
	GeneratedAt   time.Time    `json:"generatedAt"`
	Vendors       []VendorNode `json:"vendors"`
}

// TrustGraph computes the current graph from the run index. Runs without a
// vendorId are excluded.
func (x *Index) TrustGraph(ctx context.Context, tenantID string) (*Graph, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT vendor_id, MAX(vendor_name), COUNT(*),
        COUNT(CASE WHEN status = 'green' THEN 1 END),
        COUNT(CASE WHEN status = 'amber' THEN 1 END),
        COUNT(CASE WHEN status = 'red' THEN 1 END),
        COUNT(CASE WHEN decision = 'approve' THEN 1 END),
        COUNT(CASE WHEN decision = 'hold' THEN 1 END),
        MAX(created_at)
        FROM runs WHERE tenant_id = ? AND vendor_id != ''
        GROUP BY vendor_id ORDER BY vendor_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	graph := &Graph{
		SchemaVersion: "MagicLinkTrustGraph.v1",
		TenantID:      tenantID,
		GeneratedAt:   time.Now().UTC(),
		Vendors:       []VendorNode{},
	}
	for rows.Next() {
		var node VendorNode
		var name sql.NullString
		var last string
		if err := rows.Scan(&node.VendorID, &name, &node.Runs, &node.Green, &node.Amber,
			&node.Red, &node.Approved, &node.Held, &last); err != nil {
			return nil, err
		}
		node.VendorName = name.String
		node.LastRunAt = parseTime(last)
		graph.Vendors = append(graph.Vendors, node)
	}
	return graph, rows.Err()
}

// SnapshotInfo identifies one stored trust graph snapshot.
type SnapshotInfo struct {
	SnapshotID string    `json:"snapshotId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SnapshotTrustGraph computes and stores the current graph.
func (x *Index) SnapshotTrustGraph(ctx context.Context, tenantID string) (*SnapshotInfo, *Graph, error) {
	graph, err := x.TrustGraph(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(graph)
	if err != nil {
		return nil, nil, err
	}
	info := &SnapshotInfo{
		SnapshotID: "tg_" + uuid.NewString(),
		CreatedAt:  graph.GeneratedAt,
	}
	_, err = x.db.ExecContext(ctx,
		`INSERT INTO trust_graph_snapshots (snapshot_id, tenant_id, created_at, graph) VALUES (?, ?, ?, ?)`,
		info.SnapshotID, tenantID, info.CreatedAt.Format(time.RFC3339Nano), string(raw))
	if err != nil {
		return nil, nil, err
	}
	return info, graph, nil
}

// Snapshots lists a tenant's snapshots newest-first.
func (x *Index) Snapshots(ctx context.Context, tenantID string) ([]SnapshotInfo, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT snapshot_id, created_at FROM trust_graph_snapshots WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var created string
		if err := rows.Scan(&info.SnapshotID, &created); err != nil {
			return nil, err
		}
		info.CreatedAt = parseTime(created)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (x *Index) snapshotGraph(ctx context.Context, tenantID, snapshotID string) (*Graph, error) {
	var raw string
	err := x.db.QueryRowContext(ctx,
		`SELECT graph FROM trust_graph_snapshots WHERE tenant_id = ? AND snapshot_id = ?`,
		tenantID, snapshotID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	if err != nil {
		return nil, err
	}
	var graph Graph
	if err := json.Unmarshal([]byte(raw), &graph); err != nil {
		return nil, fmt.Errorf("store: corrupt snapshot %s: %w", snapshotID, err)
	}
	return &graph, nil
}

// VendorDelta is one vendor's movement between two snapshots.
type VendorDelta struct {
	VendorID string `json:"vendorId"`
	Runs     int    `json:"runs"`
	Green    int    `json:"green"`
	Amber    int    `json:"amber"`
	Red      int    `json:"red"`
	Approved int    `json:"approved"`
	Held     int    `json:"held"`
}

// GraphDiff describes what changed between two snapshots.
type GraphDiff struct {
	From    string        `json:"from"`
	To      string        `json:"to"`
	Added   []string      `json:"addedVendors"`
	Removed []string      `json:"removedVendors"`
	Changed []VendorDelta `json:"changedVendors"`
}

// DiffSnapshots compares two stored snapshots. The "to" snapshot may be the
// literal "current" to diff against the live graph.
func (x *Index) DiffSnapshots(ctx context.Context, tenantID, fromID, toID string) (*GraphDiff, error) {
	from, err := x.snapshotGraph(ctx, tenantID, fromID)
	if err != nil {
		return nil, err
	}
	var to *Graph
	if toID == "current" {
		to, err = x.TrustGraph(ctx, tenantID)
	} else {
		to, err = x.snapshotGraph(ctx, tenantID, toID)
	}
	if err != nil {
		return nil, err
	}

	fromByID := map[string]VendorNode{}
	for _, node := range from.Vendors {
		fromByID[node.VendorID] = node
	}

	diff := &GraphDiff{From: fromID, To: toID, Added: []string{}, Removed: []string{}, Changed: []VendorDelta{}}
	seen := map[string]bool{}
	for _, node := range to.Vendors {
		seen[node.VendorID] = true
		prev, ok := fromByID[node.VendorID]
		if !ok {
			diff.Added = append(diff.Added, node.VendorID)
			continue
		}
		delta := VendorDelta{
			VendorID: node.VendorID,
			Runs:     node.Runs - prev.Runs,
			Green:    node.Green - prev.Green,
			Amber:    node.Amber - prev.Amber,
			Red:      node.Red - prev.Red,
			Approved: node.Approved - prev.Approved,
			Held:     node.Held - prev.Held,
		}
		if delta != (VendorDelta{VendorID: node.VendorID}) {
			diff.Changed = append(diff.Changed, delta)
		}
	}
	for _, node := range from.Vendors {
		if !seen[node.VendorID] {
			diff.Removed = append(diff.Removed, node.VendorID)
		}
	}
	return diff, nil
}
