package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/opsapi"
	"github.com/settld-labs/magic-link/pkg/outbox"
	"github.com/settld-labs/magic-link/pkg/store"
)

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	var tenantID string
	if claims := s.buyerSession(r); claims != nil {
		tenantID = claims.TenantID
	} else if rec, err := s.authTenant(r, ""); err == nil {
		tenantID = rec.TenantID
	} else {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "buyer session or API key required")
		return
	}

	q := r.URL.Query()
	filter := store.InboxFilter{
		VendorID: q.Get("vendorId"),
		Status:   q.Get("status"),
		Decision: q.Get("decision"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	rows, err := s.index.Inbox(r.Context(), tenantID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID, "runs": rows,
	})
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	data, err := s.index.ExportCSV(r.Context(), tenantID, r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="runs.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		month = s.meter.Month()
	}
	analytics, err := s.index.Summarize(r.Context(), tenantID, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *Server) handleTrustGraph(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	graph, err := s.index.TrustGraph(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *Server) handleTrustGraphSnapshots(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	infos, err := s.index.Snapshots(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": infos})
}

func (s *Server) handleTrustGraphSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	info, graph, err := s.index.SnapshotTrustGraph(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"snapshot": info, "graph": graph,
	})
}

func (s *Server) handleTrustGraphDiff(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	from := r.URL.Query().Get("from")
	if from == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "from snapshot id is required")
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		to = "current"
	}
	diff, err := s.index.DiffSnapshots(r.Context(), tenantID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleAuditPacket(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		month = s.meter.Month()
	}
	includeWebhooks := r.URL.Query().Get("includeWebhookRecords") == "true"
	archive, err := s.builder.MonthlyAuditPacket(tenantID, month, includeWebhooks)
	if err != nil {
		writeError(w, err)
		return
	}
	serveZip(w, "audit-packet-"+month+".zip", archive)
}

func (s *Server) handleSecurityControlsPacket(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	archive, err := s.builder.SecurityControlsPacket(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	serveZip(w, "security-controls-packet.zip", archive)
}

func (s *Server) handleSupportBundle(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "from must be RFC3339")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "to must be RFC3339")
			return
		}
		to = t
	}
	archive, err := s.builder.SupportBundle(tenantID, from, to, q.Get("includeBundles") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	serveZip(w, "support-bundle.zip", archive)
}

func (s *Server) handleOnboardingPack(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	var body struct {
		VendorID          string          `json:"vendorId"`
		PricingMatrix     json.RawMessage `json:"pricingMatrix"`
		PricingSignatures json.RawMessage `json:"pricingSignatures"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.VendorID == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "vendorId is required")
		return
	}
	archive, err := s.builder.OnboardingPack(tenantID, body.VendorID, body.PricingMatrix, body.PricingSignatures)
	if err != nil {
		writeError(w, err)
		return
	}
	serveZip(w, "vendor-onboarding-pack.zip", archive)
}

func (s *Server) handleArchiveExport(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		month = s.meter.Month()
	}
	marker, err := s.exporter.ExportMonth(tenantID, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marker)
}

func (s *Server) handleRetentionRunOnce(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return
	}
	swept, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "swept": swept})
}

func (s *Server) handleArchiveExportRunOnce(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return
	}
	if err := s.exporter.ExportPrevious(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// queueState maps the wire state names to the stored ones.
func queueState(v string) string {
	switch v {
	case "", "pending":
		return outbox.StatePending
	case "dead-letter", "dead_letter":
		return outbox.StateDeadLetter
	default:
		return v
	}
}

func (s *Server) retriesList(pinnedProvider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["id"]
		if _, err := s.authTenant(r, tenantID); err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
			return
		}
		provider := pinnedProvider
		if provider == "" {
			provider = r.URL.Query().Get("provider")
		}
		entries, err := s.queue.List(queueState(r.URL.Query().Get("state")), provider)
		if err != nil {
			writeError(w, err)
			return
		}
		scoped := entries[:0]
		for _, entry := range entries {
			if entry.TenantID == tenantID {
				scoped = append(scoped, entry)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tenantId": tenantID, "entries": scoped,
		})
	}
}

func (s *Server) retriesRunOnce() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["id"]
		if _, err := s.authTenant(r, tenantID); err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
			return
		}
		delivered, deadLettered, err := s.queue.RunOnce(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "delivered": delivered, "deadLettered": deadLettered,
		})
	}
}

type replayBody struct {
	IdempotencyKey     string `json:"idempotencyKey"`
	Provider           string `json:"provider"`
	ResetAttempts      bool   `json:"resetAttempts"`
	UseCurrentSettings bool   `json:"useCurrentSettings"`
}

func (s *Server) retriesReplay(pinnedProvider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["id"]
		if _, err := s.authTenant(r, tenantID); err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
			return
		}
		var body replayBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IdempotencyKey == "" {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "idempotencyKey is required")
			return
		}
		provider := pinnedProvider
		if provider == "" {
			provider = body.Provider
		}
		if provider == "" {
			provider = r.URL.Query().Get("provider")
		}
		entry, err := s.queue.Replay(mux.Vars(r)["token"], body.IdempotencyKey, provider, outbox.ReplayOptions{
			ResetAttempts:      body.ResetAttempts,
			UseCurrentSettings: body.UseCurrentSettings,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if entry.TenantID != tenantID {
			writeErrorCode(w, http.StatusNotFound, "RUN_NOT_FOUND", "no such outbox entry for this tenant")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "entry": entry})
	}
}

func (s *Server) retriesReplayLatest(pinnedProvider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["id"]
		if _, err := s.authTenant(r, tenantID); err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
			return
		}
		var body replayBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		provider := pinnedProvider
		if provider == "" {
			provider = body.Provider
		}
		if provider == "" {
			provider = r.URL.Query().Get("provider")
		}
		entry, err := s.queue.ReplayLatest(tenantID, provider, outbox.ReplayOptions{
			ResetAttempts:      body.ResetAttempts,
			UseCurrentSettings: body.UseCurrentSettings,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "entry": entry})
	}
}

func (s *Server) handleRuntimeBootstrap(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	if s.bootstrapper == nil {
		writeError(w, opsapi.ErrBootstrapDown)
		return
	}
	result, err := s.bootstrapper.Bootstrap(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSmokeTest(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	if s.ops == nil {
		writeError(w, opsapi.ErrBootstrapDown)
		return
	}
	protocol, err := s.ops.DiscoverProtocol(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "protocol": protocol,
	})
}

func (s *Server) handleWalletBootstrap(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	var body struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}
	if !strings.EqualFold(body.Provider, "circle") {
		writeErrorCode(w, http.StatusBadRequest, "UNSUPPORTED_WALLET_PROVIDER",
			"wallet provider "+body.Provider+" is not supported")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"provider":  "circle",
		"walletRef": "wallet_record_" + tenantID,
	})
}

func (s *Server) handleFirstPaidCall(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	if s.harness == nil {
		writeError(w, opsapi.ErrBootstrapDown)
		return
	}
	var body struct {
		ReplayAttemptID string `json:"replayAttemptId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	result, err := s.harness.Run(r.Context(), tenantID, body.ReplayAttemptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFirstPaidCallHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	if s.harness == nil {
		writeError(w, opsapi.ErrBootstrapDown)
		return
	}
	attempts, err := s.harness.History(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID, "attempts": attempts,
	})
}

// handleConformanceMatrix reports which integration surfaces are configured
// for the tenant. Rows are config checks, not live probes.
func (s *Server) handleConformanceMatrix(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	settings, err := s.tenants.GetSettings(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := entitlements.DefaultHourlyLimits[entitlements.KindConformanceRun]
	if settings.RateLimits != nil && settings.RateLimits.ConformanceRunsPerHour > 0 {
		limit = settings.RateLimits.ConformanceRunsPerHour
	}
	if err := s.limiter.Allow(tenantID, entitlements.KindConformanceRun, limit); err != nil {
		writeError(w, err)
		return
	}

	type row struct {
		Check  string `json:"check"`
		OK     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	}
	enabledWebhooks := 0
	for _, hook := range settings.Webhooks {
		if hook.Enabled {
			enabledWebhooks++
		}
	}
	rows := []row{
		{Check: "trusted_governance_roots", OK: settings.GovernanceTrustRootsJSON != "" || s.cfg.TrustedGovernanceRootKeysJSON != ""},
		{Check: "pricing_signer_keys", OK: settings.PricingSignerKeysJSON != "" || s.cfg.TrustedPricingSignerKeysJSON != ""},
		{Check: "webhooks", OK: enabledWebhooks > 0, Detail: strconv.Itoa(enabledWebhooks) + " enabled"},
		{Check: "buyer_notifications", OK: settings.BuyerNotifications != nil && settings.BuyerNotifications.Enabled},
		{Check: "payment_triggers", OK: settings.PaymentTriggers != nil && settings.PaymentTriggers.Enabled},
		{Check: "decision_signer", OK: settings.SettlementDecisionSigner != nil},
		{Check: "auto_decision", OK: settings.AutoDecision != nil && settings.AutoDecision.Enabled},
		{Check: "billing", OK: s.billing.Configured()},
		{Check: "ops_api", OK: s.ops != nil && s.cfg.SettldAPIBaseURL != ""},
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID, "rows": rows,
	})
}

func serveZip(w http.ResponseWriter, filename string, archive []byte) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
