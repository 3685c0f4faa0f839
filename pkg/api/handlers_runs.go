package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/billing"
	"github.com/settld-labs/magic-link/pkg/decision"
	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
	"github.com/settld-labs/magic-link/pkg/zipdet"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var tenantID string
	if s.isAdmin(r) {
		tenantID = r.Header.Get("x-tenant-id")
		if tenantID == "" {
			writeErrorCode(w, http.StatusBadRequest, "TENANT_REQUIRED", "admin uploads must carry x-tenant-id")
			return
		}
	} else {
		rec, err := s.authTenant(r, "")
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
			return
		}
		tenantID = rec.TenantID
	}
	s.doUpload(w, r, tenantID)
}

func (s *Server) handleAdminUpload(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if !s.isAdmin(r) {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return
	}
	s.doUpload(w, r, tenantID)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if err := s.authIngest(r, tenantID); err != nil {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid ingest key")
		return
	}
	s.doUpload(w, r, tenantID)
}

func (s *Server) doUpload(w http.ResponseWriter, r *http.Request, tenantID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "upload body unreadable or too large")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.VerifyTimeout)
	defer cancel()

	q := r.URL.Query()
	result, err := s.pipeline.Upload(ctx, verify.UploadInput{
		TenantID:       tenantID,
		Body:           body,
		Mode:           q.Get("mode"),
		VendorID:       q.Get("vendorId"),
		VendorName:     q.Get("vendorName"),
		ContractID:     q.Get("contractId"),
		RunID:          q.Get("runId"),
		TemplateID:     q.Get("templateId"),
		TemplateConfig: q.Get("templateConfig"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if run, err := s.runs.Get(tenantID, result.Token); err == nil {
		if err := s.index.Upsert(r.Context(), run); err != nil {
			s.log.Error("index upsert failed", "token", result.Token, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// tokenRun resolves a path token to its run record and applies the
// verification-view rate limit.
func (s *Server) tokenRun(r *http.Request) (*verify.RunRecord, error) {
	token := mux.Vars(r)["token"]
	if !vault.TokenPattern.MatchString(token) {
		return nil, vault.ErrNotFound
	}
	run, err := s.runs.Find(token)
	if err != nil {
		if meta, metaErr := s.vault.GetMeta(token); metaErr == nil && !meta.RevokedAt.IsZero() {
			return nil, vault.ErrRevoked
		}
		return nil, err
	}

	settings, err := s.tenants.GetSettings(run.TenantID)
	if err != nil {
		return nil, err
	}
	limit := entitlements.DefaultHourlyLimits[entitlements.KindVerificationView]
	if settings.RateLimits != nil && settings.RateLimits.VerificationViewsPerHour > 0 {
		limit = settings.RateLimits.VerificationViewsPerHour
	}
	if err := s.limiter.Allow(run.TenantID, entitlements.KindVerificationView, limit); err != nil {
		return nil, err
	}
	return run, nil
}

// artifact serves one stored artifact verbatim.
func (s *Server) artifact(key, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.tokenRun(r)
		if err != nil {
			writeError(w, err)
			return
		}
		data, err := s.vault.Get(run.Token, key)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (s *Server) handleRenderModel(w http.ResponseWriter, r *http.Request) {
	run, err := s.tokenRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := s.vault.Get(run.Token, vault.KeyPublic)
	if err != nil {
		writeError(w, err)
		return
	}
	var model map[string]interface{}
	if err := json.Unmarshal(raw, &model); err != nil {
		writeError(w, err)
		return
	}
	if name, ok := model["vendorName"].(string); ok {
		model["vendorName"] = html.EscapeString(name)
	}
	model["token"] = run.Token
	model["verifyJsonUrl"] = "/r/" + run.Token + "/verify.json"
	model["receiptJsonUrl"] = "/r/" + run.Token + "/receipt.json"
	writeJSON(w, http.StatusOK, model)
}

// handleSummaryPDF renders the receipt PDF on first request and caches it in
// the vault.
func (s *Server) handleSummaryPDF(w http.ResponseWriter, r *http.Request) {
	run, err := s.tokenRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.vault.Get(run.Token, vault.KeyPDF)
	if errors.Is(err, vault.ErrNotFound) {
		data = billing.TextPDF(summaryPDFLines(run))
		if putErr := s.vault.Put(run.Token, vault.KeyPDF, data); putErr != nil {
			writeError(w, putErr)
			return
		}
	} else if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func summaryPDFLines(run *verify.RunRecord) []string {
	lines := []string{
		"Verification Receipt",
		"",
		"Token: " + run.Token,
		"Status: " + run.Status,
		"Mode: " + run.ModeResolved,
		fmt.Sprintf("Verified OK: %t", run.VerifyOK),
		"Created: " + run.CreatedAt.Format(time.RFC3339),
	}
	if run.VendorName != "" {
		lines = append(lines, "Vendor: "+run.VendorName)
	}
	if run.ContractID != "" {
		lines = append(lines, "Contract: "+run.ContractID)
	}
	return lines
}

// handleTokenAuditPacket assembles the per-token audit packet on first
// request: the receipt, the verifier output, and the decision report when one
// exists.
func (s *Server) handleTokenAuditPacket(w http.ResponseWriter, r *http.Request) {
	run, err := s.tokenRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.vault.Get(run.Token, vault.KeyAudit)
	if errors.Is(err, vault.ErrNotFound) {
		data, err = s.buildAuditPacket(run)
		if err != nil {
			writeError(w, err)
			return
		}
		if putErr := s.vault.Put(run.Token, vault.KeyAudit, data); putErr != nil {
			writeError(w, putErr)
			return
		}
	} else if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) buildAuditPacket(run *verify.RunRecord) ([]byte, error) {
	receipt, err := s.vault.Get(run.Token, vault.KeyReceipt)
	if err != nil {
		return nil, err
	}
	verifyJSON, err := s.vault.Get(run.Token, vault.KeyVerify)
	if err != nil {
		return nil, err
	}
	entries := []zipdet.Entry{
		{Path: "receipt.json", Body: receipt},
		{Path: "verify.json", Body: verifyJSON},
	}
	if report, err := s.engine.Get(run.Token); err == nil && report != nil {
		raw, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, err
		}
		entries = append(entries, zipdet.Entry{Path: "settlement_decision_report.json", Body: raw})
	}
	return zipdet.Build(entries)
}

func (s *Server) handleClosePack(w http.ResponseWriter, r *http.Request) {
	run, err := s.tokenRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if run.BundleType != verify.BundleClosePack {
		writeErrorCode(w, http.StatusNotFound, "TOKEN_NOT_FOUND", "run carries no close pack")
		return
	}
	data, err := s.vault.Get(run.Token, vault.KeyZip)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDecisionReport(w http.ResponseWriter, r *http.Request) {
	run, err := s.tokenRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.engine.Get(run.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	if report == nil {
		writeErrorCode(w, http.StatusNotFound, "RUN_NOT_FOUND", "no decision recorded for this token")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDecisionOTPRequest(w http.ResponseWriter, r *http.Request) {
	run, err := s.tokenRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "email is required")
		return
	}
	settings, err := s.tenants.GetSettings(run.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(settings.DecisionAuthEmailDomains) > 0 &&
		!emailDomainAllowed(body.Email, settings.DecisionAuthEmailDomains) {
		writeErrorCode(w, http.StatusForbidden, "FORBIDDEN", "email domain is not allowed for decisions")
		return
	}
	if err := s.otp.Issue(run.Token, body.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	run, err := s.tokenRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Decision string `json:"decision"`
		Name     string `json:"name"`
		Email    string `json:"email"`
		Note     string `json:"note"`
		OTPCode  string `json:"otpCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}

	settings, err := s.tenants.GetSettings(run.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := entitlements.DefaultHourlyLimits[entitlements.KindDecision]
	if settings.RateLimits != nil && settings.RateLimits.DecisionsPerHour > 0 {
		limit = settings.RateLimits.DecisionsPerHour
	}
	if err := s.limiter.Allow(run.TenantID, entitlements.KindDecision, limit); err != nil {
		writeError(w, err)
		return
	}

	// A valid buyer session outranks any OTP material in the body.
	sessionEmail := ""
	if claims := s.buyerSession(r); claims != nil && claims.TenantID == run.TenantID {
		sessionEmail = claims.Email
	}

	report, err := s.engine.Record(r.Context(), decision.Request{
		Token:        run.Token,
		Decision:     body.Decision,
		Name:         body.Name,
		Email:        body.Email,
		Note:         body.Note,
		OTPCode:      body.OTPCode,
		SessionEmail: sessionEmail,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.index.RecordDecision(r.Context(), run.Token, report.Decision, report.Actor.Email, report.CreatedAt); err != nil {
		s.log.Error("index decision update failed", "token", run.Token, "err", err)
	}

	resp := map[string]interface{}{
		"ok":             true,
		"decisionReport": report,
	}
	if run.BundleType == verify.BundleClosePack {
		resp["closePackZipUrl"] = "/r/" + run.Token + "/closepack.zip"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "token is required")
		return
	}
	meta, err := s.vault.GetMeta(body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.isAdmin(r) {
		rec, err := s.authTenant(r, "")
		if err != nil || rec.TenantID != meta.TenantID {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "token belongs to a different tenant")
			return
		}
	}
	if err := s.vault.Revoke(body.Token, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	_ = s.audit.Record(meta.TenantID, audit.ActionTokenRevoked, audit.WithToken(body.Token))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "token": body.Token})
}

func (s *Server) handlePublicReceipt(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	summary, err := s.vault.BuildPublicSummary(s.box, s.cfg.PublicBaseURL, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	summary, err := s.vault.BuildPublicSummary(s.box, s.cfg.PublicBaseURL, token)
	if err != nil {
		writeError(w, err)
		return
	}
	if want := r.URL.Query().Get("receiptHash"); want != "" && want != summary.SummaryHash {
		writeErrorCode(w, http.StatusConflict, "RECEIPT_HASH_MISMATCH", "receiptHash does not match the current receipt")
		return
	}
	status, _ := summary.Summary["status"].(string)
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(badgeSVG(status))
}

// badgeSVG renders the status badge. Unknown statuses render grey.
func badgeSVG(status string) []byte {
	color := "#9e9e9e"
	switch status {
	case verify.StatusGreen:
		color = "#2e7d32"
	case verify.StatusAmber:
		color = "#f9a825"
	case verify.StatusRed:
		color = "#c62828"
	}
	label := status
	if label == "" {
		label = "unknown"
	}
	return []byte(fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="120" height="20" role="img" aria-label="settld: %s">`+
			`<rect width="52" height="20" fill="#555"/>`+
			`<rect x="52" width="68" height="20" fill="%s"/>`+
			`<g fill="#fff" font-family="Verdana,sans-serif" font-size="11">`+
			`<text x="26" y="14" text-anchor="middle">settld</text>`+
			`<text x="86" y="14" text-anchor="middle">%s</text>`+
			`</g></svg>`, html.EscapeString(label), color, html.EscapeString(label)))
}

func (s *Server) handleBuyerOTPRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string `json:"tenantId"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TenantID == "" || body.Email == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "tenantId and email are required")
		return
	}
	settings, err := s.tenants.GetSettings(body.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !emailDomainAllowed(body.Email, settings.BuyerAuthEmailDomains) {
		writeErrorCode(w, http.StatusForbidden, "FORBIDDEN", "email domain is not allowed for buyer login")
		return
	}
	if err := s.buyerOTP.Issue(body.TenantID, body.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleBuyerLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string `json:"tenantId"`
		Email    string `json:"email"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TenantID == "" || body.Email == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", "tenantId, email, and code are required")
		return
	}
	if err := s.buyerOTP.Validate(body.TenantID, body.Email, body.Code); err != nil {
		writeError(w, err)
		return
	}
	if err := s.issueBuyerSession(w, body.TenantID, body.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "tenantId": body.TenantID, "email": body.Email,
	})
}
