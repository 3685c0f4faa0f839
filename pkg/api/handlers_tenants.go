package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/settld-labs/magic-link/pkg/billing"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/tenants"
)

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) && !s.cfg.PublicSignupEnabled {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "tenant provisioning requires the admin key")
		return
	}
	var body struct {
		TenantID     string `json:"tenantId"`
		ContactEmail string `json:"contactEmail"`
		Plan         string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}
	if body.TenantID == "" {
		writeErrorCode(w, http.StatusBadRequest, "TENANT_REQUIRED", "tenantId is required")
		return
	}
	plan := plans.PlanID(body.Plan)
	if body.Plan == "" {
		plan = plans.PlanFree
	}
	if plans.Get(plan) == nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "unknown plan "+body.Plan)
		return
	}

	rec, apiKey, err := s.tenants.Provision(body.TenantID, body.ContactEmail, plan)
	if err != nil {
		writeError(w, err)
		return
	}
	base := s.cfg.PublicBaseURL
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tenantId":            rec.TenantID,
		"plan":                rec.Plan,
		"apiKey":              apiKey,
		"onboardingUrl":       base + "/v1/tenants/" + rec.TenantID + "/onboarding/runtime-bootstrap",
		"runtimeBootstrapUrl": base + "/v1/tenants/" + rec.TenantID + "/onboarding/runtime-bootstrap",
		"integrationsUrl":     base + "/v1/tenants/" + rec.TenantID + "/settings",
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, tenants.Redacted(settings))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	rec, err := s.authTenant(r, tenantID)
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	patch, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(patch) {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}
	actor := rec.TenantID
	if s.isAdmin(r) {
		actor = "admin"
	}
	merged, err := s.tenants.PutSettings(tenantID, patch, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants.Redacted(merged))
}

func (s *Server) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	rec, err := s.authTenant(r, tenantID)
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	p := plans.Get(rec.Plan)
	if p == nil {
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "tenant carries unknown plan")
		return
	}
	usage, err := s.meter.Read(tenantID, s.meter.Month())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID,
		"plan":     p.ID,
		"planName": p.Name,
		"limits":   p.Limits,
		"usage":    usage,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		month = s.meter.Month()
	}
	usage, err := s.meter.Read(tenantID, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID, "month": month, "usage": usage,
	})
}

func (s *Server) handleSetPlan(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if !s.isAdmin(r) {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "plan changes require the admin key")
		return
	}
	var body struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}
	plan := plans.PlanID(body.Plan)
	if plans.Get(plan) == nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "unknown plan "+body.Plan)
		return
	}
	rec, err := s.tenants.SetPlan(tenantID, plan, "admin")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": rec.TenantID, "plan": rec.Plan,
	})
}

func (s *Server) handleBillingUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		month = s.meter.Month()
	}
	summary, err := s.billing.UsageSummary(tenantID, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBillingState(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	state, err := s.billing.State(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	var body struct {
		Plan       string `json:"plan"`
		SuccessURL string `json:"successUrl"`
		CancelURL  string `json:"cancelUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}
	plan := plans.PlanID(body.Plan)
	if plans.Get(plan) == nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "unknown plan "+body.Plan)
		return
	}
	sess, err := s.billing.Checkout(tenantID, plan, body.SuccessURL, body.CancelURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	var body struct {
		ReturnURL string `json:"returnUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}
	url, err := s.billing.Portal(tenantID, body.ReturnURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"portalUrl": url})
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if _, err := s.authTenant(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		month = s.meter.Month()
	}
	inv, err := s.billing.InvoiceDraft(tenantID, month)
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "pdf") {
		w.Header().Set("Content-Type", "application/pdf")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(billing.RenderInvoicePDF(inv))
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(payload) == 0 {
		writeErrorCode(w, http.StatusBadRequest, "SETTLD_WEBHOOK_RAW_BODY_REQUIRED", "raw request body is required")
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		writeErrorCode(w, http.StatusBadRequest, "SETTLD_WEBHOOK_SIGNATURE_HEADER_INVALID", "Stripe-Signature header is required")
		return
	}
	eventType, err := s.billing.HandleWebhook(payload, sig)
	if err != nil {
		if eventType == "" {
			writeErrorCode(w, http.StatusUnauthorized, "SETTLD_WEBHOOK_SIGNATURE_NO_MATCH", err.Error())
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "eventType": eventType})
}
