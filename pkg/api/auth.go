package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/settld-labs/magic-link/pkg/tenants"
)

const buyerSessionCookie = "buyer_session"

// buyerSessionTTL bounds how long a login survives without re-verification.
const buyerSessionTTL = 12 * time.Hour

var errUnauthorized = errors.New("api: unauthorized")

// sessionClaims are the buyer-session JWT claims.
type sessionClaims struct {
	TenantID string `json:"tenantId"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// apiKeyFrom extracts the caller's key from x-api-key or a Bearer header.
func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// isAdmin reports whether the request carries the deployment admin key.
func (s *Server) isAdmin(r *http.Request) bool {
	return s.adminKey != "" && apiKeyFrom(r) == s.adminKey
}

// authTenant resolves the calling tenant from its API key. When tenantID is
// non-empty the key must belong to that tenant; the admin key always passes.
func (s *Server) authTenant(r *http.Request, tenantID string) (*tenants.Record, error) {
	if s.isAdmin(r) && tenantID != "" {
		return s.tenants.Get(tenantID)
	}
	key := apiKeyFrom(r)
	if key == "" {
		return nil, errUnauthorized
	}
	rec, err := s.tenants.FindByAPIKey(key)
	if err != nil {
		return nil, errUnauthorized
	}
	if tenantID != "" && rec.TenantID != tenantID {
		return nil, errUnauthorized
	}
	return rec, nil
}

// authIngest validates an igk_ ingest key for the tenant.
func (s *Server) authIngest(r *http.Request, tenantID string) error {
	key := apiKeyFrom(r)
	if !strings.HasPrefix(key, "igk_") || !s.tenants.CheckIngestKey(tenantID, key) {
		return errUnauthorized
	}
	return nil
}

// issueBuyerSession mints the session cookie after OTP login.
func (s *Server) issueBuyerSession(w http.ResponseWriter, tenantID, email string) error {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &sessionClaims{
		TenantID: tenantID,
		Email:    email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(buyerSessionTTL)),
		},
	})
	signed, err := token.SignedString(s.sessionSecret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     buyerSessionCookie,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  now.Add(buyerSessionTTL),
	})
	return nil
}

// buyerSession returns the verified session claims, or nil when the cookie is
// absent or invalid. Domain policy is enforced by the caller.
func (s *Server) buyerSession(r *http.Request) *sessionClaims {
	cookie, err := r.Cookie(buyerSessionCookie)
	if err != nil {
		return nil
	}
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(cookie.Value, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("api: unexpected signing method %v", t.Method.Alg())
		}
		return s.sessionSecret, nil
	})
	if err != nil || !token.Valid {
		return nil
	}
	return &claims
}

// emailDomainAllowed checks an email against a domain allowlist. An empty
// list denies everyone; the policy must be opted into.
func emailDomainAllowed(email string, domains []string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, allowed := range domains {
		if strings.ToLower(allowed) == domain {
			return true
		}
	}
	return false
}
