package opsapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/opsapi"
)

// mockOps is a minimal ops API double.
type mockOps struct {
	chainHash    atomic.Value // string, "" = empty stream
	forceChain   string       // when set, event posts 409 unless header matches
	pollsToGreen int32
	failCredits  int32 // credit POSTs to fail with 502 before succeeding
	credits      int32
	requests     int32
}

func (m *mockOps) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-settld-protocol", "1.1")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&m.requests, 1)
		if r.Method == http.MethodPost {
			assert.Equal(t, "acme", r.Header.Get("x-proxy-tenant-id"))
			assert.Equal(t, "opskey", r.Header.Get("x-proxy-api-key"))
			assert.NotEmpty(t, r.Header.Get("x-settld-protocol"))
			assert.NotEmpty(t, r.Header.Get("x-idempotency-key"))
		}
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/head"):
			var hash interface{}
			if v, _ := m.chainHash.Load().(string); v != "" {
				hash = v
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"chainHash": hash})
		case strings.HasSuffix(path, "/events"):
			expected := r.Header.Get("x-proxy-expected-prev-chain-hash")
			current, _ := m.chainHash.Load().(string)
			want := current
			if want == "" {
				want = "null"
			}
			if m.forceChain != "" {
				want = m.forceChain
			}
			if expected != want {
				writeJSON(w, http.StatusConflict, map[string]interface{}{
					"ok": false, "code": "PREV_CHAIN_HASH_MISMATCH", "message": "stale chain head",
				})
				return
			}
			next := "hash_" + expected
			m.chainHash.Store(next)
			writeJSON(w, http.StatusOK, map[string]interface{}{"chainHash": next})
		case strings.HasSuffix(path, "/keys"):
			writeJSON(w, http.StatusOK, map[string]string{"apiKey": "tk_issued"})
		case path == "/v1/agents":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			writeJSON(w, http.StatusOK, map[string]string{"agentId": "ag_" + body["role"]})
		case strings.HasSuffix(path, "/credit"):
			if atomic.AddInt32(&m.failCredits, -1) >= 0 {
				writeJSON(w, http.StatusBadGateway, map[string]interface{}{
					"ok": false, "code": "UPSTREAM_DOWN", "message": "wallet service unavailable",
				})
				return
			}
			atomic.AddInt32(&m.credits, 1)
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		case path == "/v1/rfqs":
			writeJSON(w, http.StatusOK, map[string]string{"rfqId": "rfq_1"})
		case strings.HasSuffix(path, "/bids"):
			writeJSON(w, http.StatusOK, map[string]string{"bidId": "bid_1"})
		case strings.HasSuffix(path, "/accept"):
			writeJSON(w, http.StatusOK, map[string]string{"runId": "run_1"})
		case strings.HasSuffix(path, "/status"):
			if atomic.AddInt32(&m.pollsToGreen, -1) > 0 {
				writeJSON(w, http.StatusOK, map[string]string{
					"verificationStatus": "processing", "settlementStatus": "pending",
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{
				"verificationStatus": "green", "settlementStatus": "released",
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "code": "NOT_FOUND"})
		}
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T, baseURL string) *opsapi.Client {
	t.Helper()
	return opsapi.NewClient(opsapi.ClientConfig{
		BaseURL:  baseURL,
		TenantID: "acme",
		APIKey:   "opskey",
	})
}

func TestDiscoverProtocol(t *testing.T) {
	mock := &mockOps{}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()

	client := newClient(t, srv.URL)
	protocol, err := client.DiscoverProtocol(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.1", protocol)
}

func TestAppendEvent_ChainFlow(t *testing.T) {
	mock := &mockOps{}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()
	client := newClient(t, srv.URL)

	// Empty stream appends with expected "null".
	hash, err := client.AppendEvent(context.Background(), "runs/run_1",
		map[string]string{"type": "RUN_COMPLETED"}, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hash_null", hash)

	// The second append carries the observed head.
	hash, err = client.AppendEvent(context.Background(), "runs/run_1",
		map[string]string{"type": "RUN_ANNOTATED"}, "k2")
	require.NoError(t, err)
	assert.Equal(t, "hash_hash_null", hash)
}

func TestAppendEvent_SurfacesChainMismatch(t *testing.T) {
	mock := &mockOps{forceChain: "someone-else-wrote"}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()
	client := newClient(t, srv.URL)

	_, err := client.AppendEvent(context.Background(), "runs/run_1",
		map[string]string{"type": "RUN_COMPLETED"}, "k1")
	require.Error(t, err)
	assert.True(t, opsapi.IsChainMismatch(err))
	assert.Contains(t, err.Error(), "PREV_CHAIN_HASH_MISMATCH")
}

func TestBootstrap(t *testing.T) {
	mock := &mockOps{}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	b := opsapi.NewBootstrapper(newClient(t, srv.URL), audit.NewLogger(dir),
		"https://links.settld.test", "https://tools.settld.test")

	result, err := b.Bootstrap(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "1.1", result.Protocol)
	assert.Equal(t, "acme", result.Env["SETTLD_TENANT_ID"])
	assert.Equal(t, "tk_issued", result.Env["SETTLD_API_KEY"])
	assert.Equal(t, "https://links.settld.test", result.Env["SETTLD_BASE_URL"])
	assert.Equal(t, "https://tools.settld.test", result.Env["SETTLD_PAID_TOOLS_BASE_URL"])

	var snippet struct {
		MCPServers map[string]struct {
			Command string            `json:"command"`
			Env     map[string]string `json:"env"`
		} `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(result.MCPConfig, &snippet))
	assert.Equal(t, "settld-mcp", snippet.MCPServers["settld"].Command)
}

func TestBootstrap_DownstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	b := opsapi.NewBootstrapper(newClient(t, srv.URL), audit.NewLogger(t.TempDir()), "https://x", "")
	_, err := b.Bootstrap(context.Background(), "acme")
	assert.ErrorIs(t, err, opsapi.ErrBootstrapDown)
}

func TestFirstPaidCall_RunAndReplay(t *testing.T) {
	mock := &mockOps{pollsToGreen: 3}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	harness := opsapi.NewHarness(opsapi.HarnessConfig{
		Client:       newClient(t, srv.URL),
		Audit:        audit.NewLogger(dir),
		DataDir:      dir,
		PollInterval: time.Millisecond,
		Deadline:     5 * time.Second,
	})

	result, err := harness.Run(context.Background(), "acme", "")
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, "ag_payer", result.PayerID)
	assert.Equal(t, "ag_payee", result.PayeeID)
	assert.Equal(t, "run_1", result.RunID)
	assert.Equal(t, "hash_null", result.ChainHash)
	assert.Equal(t, "green", result.VerificationStatus)
	assert.Equal(t, "released", result.SettlementStatus)

	// Replaying a completed attempt returns the stored result without
	// touching the ops API again.
	before := atomic.LoadInt32(&mock.requests)
	replayed, err := harness.Run(context.Background(), "acme", result.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, replayed.RunID)
	assert.Equal(t, before, atomic.LoadInt32(&mock.requests))
}

func TestFirstPaidCall_ReplayRetriesFailedCredit(t *testing.T) {
	mock := &mockOps{pollsToGreen: 1, failCredits: 1}
	srv := httptest.NewServer(mock.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	harness := opsapi.NewHarness(opsapi.HarnessConfig{
		Client:       newClient(t, srv.URL),
		Audit:        audit.NewLogger(dir),
		DataDir:      dir,
		PollInterval: time.Millisecond,
		Deadline:     5 * time.Second,
	})

	result, err := harness.Run(context.Background(), "acme", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credit payer")
	assert.Equal(t, "ag_payee", result.PayeeID)
	assert.False(t, result.Credited)

	// The replay resumes at the credit step; the payer ends up funded.
	replayed, err := harness.Run(context.Background(), "acme", result.AttemptID)
	require.NoError(t, err)
	assert.True(t, replayed.Credited)
	assert.True(t, replayed.Completed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&mock.credits))
}
