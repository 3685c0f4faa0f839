package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/settld-labs/magic-link/pkg/audit"
	"github.com/settld-labs/magic-link/pkg/billing"
	"github.com/settld-labs/magic-link/pkg/config"
	"github.com/settld-labs/magic-link/pkg/decision"
	"github.com/settld-labs/magic-link/pkg/entitlements"
	"github.com/settld-labs/magic-link/pkg/opsapi"
	"github.com/settld-labs/magic-link/pkg/outbox"
	"github.com/settld-labs/magic-link/pkg/packets"
	"github.com/settld-labs/magic-link/pkg/secrets"
	"github.com/settld-labs/magic-link/pkg/store"
	"github.com/settld-labs/magic-link/pkg/tenants"
	"github.com/settld-labs/magic-link/pkg/vault"
	"github.com/settld-labs/magic-link/pkg/verify"
)

// protocolHeader advertises the wire protocol on /healthz so clients can
// discover it the same way the ops client does.
const protocolHeader = "x-settld-protocol"

// Server owns the HTTP surface.
type Server struct {
	cfg           *config.Config
	log           *slog.Logger
	adminKey      string
	sessionSecret []byte

	box      *secrets.Box
	audit    *audit.Logger
	tenants  *tenants.Store
	meter    *entitlements.Meter
	limiter  *entitlements.RateLimiter
	vault    *vault.Vault
	runs     *verify.RunStore
	pipeline *verify.Pipeline
	engine   *decision.Engine
	otp      *decision.OTPStore
	buyerOTP *decision.OTPStore
	queue    *outbox.Queue
	emitter  *outbox.Emitter
	billing  *billing.Manager
	index    *store.Index
	builder  *packets.Builder
	sweeper  *packets.Sweeper
	exporter *packets.Exporter

	bootstrapper *opsapi.Bootstrapper
	harness      *opsapi.Harness
	ops          *opsapi.Client

	ipLimit *ipLimiter
}

// ServerConfig wires a Server. Every field is required unless noted.
type ServerConfig struct {
	Config *config.Config
	Logger *slog.Logger

	Box      *secrets.Box
	Audit    *audit.Logger
	Tenants  *tenants.Store
	Meter    *entitlements.Meter
	Limiter  *entitlements.RateLimiter
	Vault    *vault.Vault
	Runs     *verify.RunStore
	Pipeline *verify.Pipeline
	Engine   *decision.Engine
	OTP      *decision.OTPStore
	BuyerOTP *decision.OTPStore
	Queue    *outbox.Queue
	Emitter  *outbox.Emitter
	Billing  *billing.Manager
	Index    *store.Index
	Builder  *packets.Builder
	Sweeper  *packets.Sweeper
	Exporter *packets.Exporter

	// Ops wiring is optional; onboarding routes 502 without it.
	Bootstrapper *opsapi.Bootstrapper
	Harness      *opsapi.Harness
	Ops          *opsapi.Client
}

// NewServer constructs a Server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:           cfg.Config,
		log:           logger,
		adminKey:      cfg.Config.AdminAPIKey,
		sessionSecret: cfg.Box.SessionKey(),
		box:           cfg.Box,
		audit:         cfg.Audit,
		tenants:       cfg.Tenants,
		meter:         cfg.Meter,
		limiter:       cfg.Limiter,
		vault:         cfg.Vault,
		runs:          cfg.Runs,
		pipeline:      cfg.Pipeline,
		engine:        cfg.Engine,
		otp:           cfg.OTP,
		buyerOTP:      cfg.BuyerOTP,
		queue:         cfg.Queue,
		emitter:       cfg.Emitter,
		billing:       cfg.Billing,
		index:         cfg.Index,
		builder:       cfg.Builder,
		sweeper:       cfg.Sweeper,
		exporter:      cfg.Exporter,
		bootstrapper:  cfg.Bootstrapper,
		harness:       cfg.Harness,
		ops:           cfg.Ops,
	}
	perMinute := cfg.Config.RateLimitUploadsPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	s.ipLimit = newIPLimiter(perMinute, logger)
	return s
}

// Handler builds the router with the full route table and middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(requestID)
	r.Use(s.observe)
	r.Use(s.ipLimit.middleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	// Tenant lifecycle and settings.
	v1.HandleFunc("/tenants", s.handleCreateTenant).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/settings", s.handleGetSettings).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/settings", s.handlePutSettings).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{id}/entitlements", s.handleEntitlements).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/usage", s.handleUsage).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/plan", s.handleSetPlan).Methods(http.MethodPost)

	// Billing.
	v1.HandleFunc("/tenants/{id}/billing/usage", s.handleBillingUsage).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/billing/state", s.handleBillingState).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/billing/checkout", s.handleCheckout).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/billing/portal", s.handlePortal).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/billing-invoice", s.handleInvoice).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/billing/invoice-draft", s.handleInvoice).Methods(http.MethodGet)
	v1.HandleFunc("/billing/stripe/webhook", s.handleStripeWebhook).Methods(http.MethodPost)

	// Upload and ingest.
	v1.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/upload", s.handleAdminUpload).Methods(http.MethodPost)
	v1.HandleFunc("/ingest/{id}", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/revoke", s.handleRevoke).Methods(http.MethodPost)

	// Public receipts.
	v1.HandleFunc("/public/receipts/{token}", s.handlePublicReceipt).Methods(http.MethodGet)
	v1.HandleFunc("/public/receipts/{token}/badge.svg", s.handleBadge).Methods(http.MethodGet)

	// Buyer session login.
	v1.HandleFunc("/buyer-session/otp/request", s.handleBuyerOTPRequest).Methods(http.MethodPost)
	v1.HandleFunc("/buyer-session", s.handleBuyerLogin).Methods(http.MethodPost)

	// Inbox, analytics, exports.
	v1.HandleFunc("/inbox", s.handleInbox).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/export.csv", s.handleExportCSV).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/analytics", s.handleAnalytics).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/trust-graph", s.handleTrustGraph).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/trust-graph/snapshots", s.handleTrustGraphSnapshots).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/trust-graph/snapshots", s.handleTrustGraphSnapshot).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/trust-graph/diff", s.handleTrustGraphDiff).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/audit-packet", s.handleAuditPacket).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/security-controls-packet", s.handleSecurityControlsPacket).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/support-bundle", s.handleSupportBundle).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/vendor-onboarding-pack", s.handleOnboardingPack).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/archive-export", s.handleArchiveExport).Methods(http.MethodPost)
	v1.HandleFunc("/admin/retention/run-once", s.handleRetentionRunOnce).Methods(http.MethodPost)
	v1.HandleFunc("/admin/archive-export/run-once", s.handleArchiveExportRunOnce).Methods(http.MethodPost)

	// Outbox operator surface; payment-trigger routes pin the provider.
	v1.HandleFunc("/tenants/{id}/webhook-retries", s.retriesList("")).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/webhook-retries/run-once", s.retriesRunOnce()).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/webhook-retries/{token}/replay", s.retriesReplay("")).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/webhook-retries/replay-latest", s.retriesReplayLatest("")).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/payment-trigger-retries", s.retriesList(outbox.ProviderPaymentTrigger)).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/payment-trigger-retries/run-once", s.retriesRunOnce()).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/payment-trigger-retries/{token}/replay", s.retriesReplay(outbox.ProviderPaymentTrigger)).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/payment-trigger-retries/replay-latest", s.retriesReplayLatest(outbox.ProviderPaymentTrigger)).Methods(http.MethodPost)

	// Runtime onboarding.
	v1.HandleFunc("/tenants/{id}/onboarding/runtime-bootstrap", s.handleRuntimeBootstrap).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/onboarding/runtime-bootstrap/smoke-test", s.handleSmokeTest).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/onboarding/wallet-bootstrap", s.handleWalletBootstrap).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/onboarding/first-paid-call", s.handleFirstPaidCall).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{id}/onboarding/first-paid-call/history", s.handleFirstPaidCallHistory).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{id}/onboarding/conformance-matrix", s.handleConformanceMatrix).Methods(http.MethodPost)

	// Token-addressed receipt surface.
	tok := r.PathPrefix("/r/{token}").Subrouter()
	tok.HandleFunc("", s.handleRenderModel).Methods(http.MethodGet)
	tok.HandleFunc("/verify.json", s.artifact(vault.KeyVerify, "application/json; charset=utf-8")).Methods(http.MethodGet)
	tok.HandleFunc("/receipt.json", s.artifact(vault.KeyReceipt, "application/json; charset=utf-8")).Methods(http.MethodGet)
	tok.HandleFunc("/bundle.zip", s.artifact(vault.KeyZip, "application/zip")).Methods(http.MethodGet)
	tok.HandleFunc("/summary.pdf", s.handleSummaryPDF).Methods(http.MethodGet)
	tok.HandleFunc("/audit-packet.zip", s.handleTokenAuditPacket).Methods(http.MethodGet)
	tok.HandleFunc("/closepack.zip", s.handleClosePack).Methods(http.MethodGet)
	tok.HandleFunc("/settlement_decision_report.json", s.handleDecisionReport).Methods(http.MethodGet)
	tok.HandleFunc("/otp/request", s.handleDecisionOTPRequest).Methods(http.MethodPost)
	tok.HandleFunc("/decision", s.handleDecision).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(protocolHeader, s.cfg.SettldProtocol)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
