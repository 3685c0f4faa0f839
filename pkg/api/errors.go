// Package api is the HTTP boundary: routing, authentication, request
// limits, and the translation between package errors and the wire envelope.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/settld-labs/magic-link/pkg/decision"
	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/opsapi"
	"github.com/settld-labs/magic-link/pkg/outbox"
	"github.com/settld-labs/magic-link/pkg/plans"
	"github.com/settld-labs/magic-link/pkg/store"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
)

// errorBody is the wire shape of every failure response.
type errorBody struct {
	OK          bool        `json:"ok"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Detail      interface{} `json:"detail,omitempty"`
	UpgradeHint interface{} `json:"upgradeHint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &errorBody{Code: code, Message: message})
}

// writeError classifies a package error into the status/code table and
// writes the envelope. Unrecognized errors become a 500.
func writeError(w http.ResponseWriter, err error) {
	var quota *entitlements.QuotaError
	if errors.As(err, &quota) {
		writeJSON(w, http.StatusTooManyRequests, &errorBody{
			Code:    "QUOTA_EXCEEDED",
			Message: quota.Error(),
			Detail: map[string]interface{}{
				"metric": quota.Metric, "limit": quota.Limit, "used": quota.Used,
			},
			UpgradeHint: upgradeHint(quota.Plan),
		})
		return
	}
	var rate *entitlements.RateLimitError
	if errors.As(err, &rate) {
		w.Header().Set("Retry-After", strconv.Itoa(rate.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, &errorBody{
			Code:    "RATE_LIMITED",
			Message: rate.Error(),
			Detail: map[string]interface{}{
				"kind": rate.Kind, "limit": rate.Limit, "retryAfterSeconds": rate.RetryAfterSeconds,
			},
		})
		return
	}
	var limit *entitlements.LimitError
	if errors.As(err, &limit) {
		writeJSON(w, http.StatusForbidden, &errorBody{
			Code:    "ENTITLEMENT_LIMIT_EXCEEDED",
			Message: limit.Error(),
			Detail: map[string]interface{}{
				"feature": limit.Resource, "limit": limit.Limit, "used": limit.Want,
			},
			UpgradeHint: upgradeHint(limit.Plan),
		})
		return
	}

	var inbound *outbox.InboundError
	if errors.As(err, &inbound) {
		status := http.StatusBadRequest
		if inbound.Unauthorized {
			status = http.StatusUnauthorized
		}
		writeErrorCode(w, status, inbound.Code, inbound.Error())
		return
	}

	var upstream *opsapi.APIError
	if errors.As(err, &upstream) {
		writeErrorCode(w, upstream.Status, upstream.Code, upstream.Message)
		return
	}

	switch {
	case errors.Is(err, decision.ErrAlreadyRecorded):
		writeErrorCode(w, http.StatusConflict, "DECISION_ALREADY_RECORDED", err.Error())
	case errors.Is(err, decision.ErrOTPRequired):
		writeErrorCode(w, http.StatusBadRequest, "OTP_REQUIRED", err.Error())
	case errors.Is(err, decision.ErrOTPInvalid):
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, decision.ErrApproveForbidden):
		writeErrorCode(w, http.StatusBadRequest, "APPROVE_FORBIDDEN", err.Error())
	case errors.Is(err, decision.ErrBadDecision):
		writeErrorCode(w, http.StatusBadRequest, "INVALID_DECISION", err.Error())
	case errors.Is(err, vault.ErrRevoked):
		writeErrorCode(w, http.StatusGone, "REVOKED", err.Error())
	case errors.Is(err, vault.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "TOKEN_NOT_FOUND", err.Error())
	case errors.Is(err, verify.ErrRunNotFound):
		writeErrorCode(w, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
	case errors.Is(err, tenants.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
	case errors.Is(err, tenants.ErrTenantExists):
		writeErrorCode(w, http.StatusConflict, "TENANT_EXISTS", err.Error())
	case errors.Is(err, tenants.ErrUnknownKey):
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
	case errors.Is(err, tenants.ErrIntegrationLimit):
		writeErrorCode(w, http.StatusForbidden, "ENTITLEMENT_LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, outbox.ErrProviderMismatch):
		writeErrorCode(w, http.StatusConflict, "PROVIDER_MISMATCH", err.Error())
	case errors.Is(err, outbox.ErrEntryNotFound):
		writeErrorCode(w, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrSnapshotNotFound):
		writeErrorCode(w, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
	case errors.Is(err, opsapi.ErrBootstrapDown):
		writeErrorCode(w, http.StatusBadGateway, "BOOTSTRAP_DOWN", err.Error())
	default:
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func upgradeHint(plan plans.PlanID) interface{} {
	ups := plans.SuggestedUpgrades(plan)
	if len(ups) == 0 {
		return nil
	}
	return map[string]interface{}{"suggestedPlans": ups}
}
