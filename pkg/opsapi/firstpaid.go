package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/magic-link/pkg/audit"
)

// FirstPaidCallResult records one end-to-end demo attempt. Replaying a
// completed attempt id returns the stored result unchanged.
type FirstPaidCallResult struct {
	SchemaVersion      string    `json:"schemaVersion"`
	AttemptID          string    `json:"attemptId"`
	TenantID           string    `json:"tenantId"`
	PayerID            string    `json:"payerId,omitempty"`
	PayeeID            string    `json:"payeeId,omitempty"`
	RFQID              string    `json:"rfqId,omitempty"`
	BidID              string    `json:"bidId,omitempty"`
	RunID              string    `json:"runId,omitempty"`
	ChainHash          string    `json:"chainHash,omitempty"`
	VerificationStatus string    `json:"verificationStatus,omitempty"`
	SettlementStatus   string    `json:"settlementStatus,omitempty"`
	Credited           bool      `json:"credited,omitempty"`
	Completed          bool      `json:"completed"`
	StartedAt          time.Time `json:"startedAt"`
	CompletedAt        time.Time `json:"completedAt,omitempty"`
}

// Harness drives the first paid call: register payer and payee, fund the
// payer, run RFQ/bid/accept, append the chained RUN_COMPLETED event, and
// poll until the run is green and released.
type Harness struct {
	client       *Client
	audit        *audit.Logger
	dir          string
	log          *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
	deadline     time.Duration
}

// HarnessConfig wires a Harness.
type HarnessConfig struct {
	Client       *Client
	Audit        *audit.Logger
	DataDir      string
	Logger       *slog.Logger
	PollInterval time.Duration
	Deadline     time.Duration
}

// NewHarness constructs a Harness.
func NewHarness(cfg HarnessConfig) *Harness {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	return &Harness{
		client:       cfg.Client,
		audit:        cfg.Audit,
		dir:          filepath.Join(cfg.DataDir, "ops", "first-paid-call"),
		log:          logger,
		now:          time.Now,
		pollInterval: interval,
		deadline:     deadline,
	}
}

// Run executes one attempt. A replayAttemptID resumes or returns the stored
// attempt; every ops API write carries an attempt-scoped idempotency key, so
// repeated runs are safe.
func (h *Harness) Run(ctx context.Context, tenantID, replayAttemptID string) (*FirstPaidCallResult, error) {
	attemptID := replayAttemptID
	if attemptID == "" {
		attemptID = "fpc_" + uuid.NewString()
	}
	result, err := h.load(attemptID)
	if err != nil {
		return nil, err
	}
	if result != nil && result.Completed {
		return result, nil
	}
	if result == nil {
		result = &FirstPaidCallResult{
			SchemaVersion: "FirstPaidCallAttempt.v1",
			AttemptID:     attemptID,
			TenantID:      tenantID,
			StartedAt:     h.now().UTC(),
		}
	}

	step := func(name string, run func() error) error {
		if err := run(); err != nil {
			return fmt.Errorf("first paid call %s: %w", name, err)
		}
		return nil
	}

	if result.PayerID == "" {
		var agent struct {
			AgentID string `json:"agentId"`
		}
		if err := step("register payer", func() error {
			return h.client.Post(ctx, "/v1/agents", map[string]string{"role": "payer", "name": "demo-payer"},
				attemptID+"_payer", &agent)
		}); err != nil {
			return result, err
		}
		result.PayerID = agent.AgentID
		if err := h.save(result); err != nil {
			return result, err
		}
	}

	if result.PayeeID == "" {
		var agent struct {
			AgentID string `json:"agentId"`
		}
		if err := step("register payee", func() error {
			return h.client.Post(ctx, "/v1/agents", map[string]string{"role": "payee", "name": "demo-payee"},
				attemptID+"_payee", &agent)
		}); err != nil {
			return result, err
		}
		result.PayeeID = agent.AgentID
		if err := h.save(result); err != nil {
			return result, err
		}
	}

	// The credit step gates on its own marker so a replay after a failed
	// credit POST retries it instead of skipping past a never-funded payer.
	if !result.Credited {
		if err := step("credit payer", func() error {
			return h.client.Post(ctx, "/v1/wallets/"+result.PayerID+"/credit",
				map[string]interface{}{"amountCents": 500}, attemptID+"_credit", nil)
		}); err != nil {
			return result, err
		}
		result.Credited = true
		if err := h.save(result); err != nil {
			return result, err
		}
	}

	if result.RunID == "" {
		var rfq struct {
			RFQID string `json:"rfqId"`
		}
		if err := step("create rfq", func() error {
			return h.client.Post(ctx, "/v1/rfqs", map[string]interface{}{
				"payerId": result.PayerID, "title": "first paid call",
			}, attemptID+"_rfq", &rfq)
		}); err != nil {
			return result, err
		}
		result.RFQID = rfq.RFQID

		var bid struct {
			BidID string `json:"bidId"`
		}
		if err := step("submit bid", func() error {
			return h.client.Post(ctx, "/v1/rfqs/"+result.RFQID+"/bids", map[string]interface{}{
				"payeeId": result.PayeeID, "amountCents": 100,
			}, attemptID+"_bid", &bid)
		}); err != nil {
			return result, err
		}
		result.BidID = bid.BidID

		var accepted struct {
			RunID string `json:"runId"`
		}
		if err := step("accept bid", func() error {
			return h.client.Post(ctx, "/v1/bids/"+result.BidID+"/accept", nil, attemptID+"_accept", &accepted)
		}); err != nil {
			return result, err
		}
		result.RunID = accepted.RunID
		if err := h.save(result); err != nil {
			return result, err
		}
	}

	if result.ChainHash == "" {
		hash, err := h.client.AppendEvent(ctx, "runs/"+result.RunID, map[string]interface{}{
			"type":      "RUN_COMPLETED",
			"runId":     result.RunID,
			"attemptId": attemptID,
		}, attemptID+"_run_completed")
		if err != nil {
			return result, fmt.Errorf("first paid call append: %w", err)
		}
		result.ChainHash = hash
		if err := h.save(result); err != nil {
			return result, err
		}
	}

	if err := h.pollSettlement(ctx, result); err != nil {
		return result, err
	}

	result.Completed = true
	result.CompletedAt = h.now().UTC()
	if err := h.save(result); err != nil {
		return result, err
	}
	_ = h.audit.Record(tenantID, audit.ActionFirstPaidCall,
		audit.WithMetadata(map[string]interface{}{
			"attemptId": attemptID, "runId": result.RunID,
		}))
	return result, nil
}

func (h *Harness) pollSettlement(ctx context.Context, result *FirstPaidCallResult) error {
	deadline := h.now().Add(h.deadline)
	for {
		var status struct {
			VerificationStatus string `json:"verificationStatus"`
			SettlementStatus   string `json:"settlementStatus"`
		}
		if err := h.client.Get(ctx, "/v1/runs/"+result.RunID+"/status", &status); err != nil {
			return err
		}
		result.VerificationStatus = status.VerificationStatus
		result.SettlementStatus = status.SettlementStatus
		if status.VerificationStatus == "green" && status.SettlementStatus == "released" {
			return nil
		}
		if h.now().After(deadline) {
			return fmt.Errorf("first paid call: run %s not settled before deadline (verification=%s settlement=%s)",
				result.RunID, status.VerificationStatus, status.SettlementStatus)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.pollInterval):
		}
	}
}

func (h *Harness) path(attemptID string) string {
	return filepath.Join(h.dir, attemptID+".json")
}

func (h *Harness) load(attemptID string) (*FirstPaidCallResult, error) {
	raw, err := os.ReadFile(h.path(attemptID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var result FirstPaidCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("opsapi: corrupt attempt %s: %w", attemptID, err)
	}
	return &result, nil
}

func (h *Harness) save(result *FirstPaidCallResult) error {
	path := h.path(result.AttemptID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// History lists a tenant's stored attempts, most recent first.
func (h *Harness) History(tenantID string) ([]*FirstPaidCallResult, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*FirstPaidCallResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		result, err := h.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil || result == nil {
			continue
		}
		if result.TenantID == tenantID {
			out = append(out, result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
