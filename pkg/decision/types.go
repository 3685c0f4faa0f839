// Package decision records buyer settlement decisions. A token accepts at
// most one decision; the report is Ed25519-signed over its canonical
// pre-image and the lock is permanent.
package decision

import (
	"errors"
	"time"
)

// Decision values.
const (
	Approve = "approve"
	Hold    = "hold"
)

// Actor authentication methods, in precedence order.
const (
	AuthUnauthenticated = "unauthenticated"
	AuthEmailOTP        = "email_otp"
	AuthBuyerSession    = "buyer_session"
	AuthSystemAuto      = "system_auto_decision"
)

var (
	// ErrAlreadyRecorded is returned on a second decision for a token.
	ErrAlreadyRecorded = errors.New("decision: decision already recorded")
	// ErrApproveForbidden is returned when policy blocks an approval.
	ErrApproveForbidden = errors.New("decision: approve forbidden by policy")
	// ErrOTPRequired is returned when the tenant requires authenticated
	// decisions and the request carries neither session nor valid OTP.
	ErrOTPRequired = errors.New("decision: otp required")
	// ErrOTPInvalid is returned for a wrong, expired, or reused code.
	ErrOTPInvalid = errors.New("decision: otp invalid")
	// ErrBadDecision is returned for a decision other than approve/hold.
	ErrBadDecision = errors.New("decision: decision must be approve or hold")
)

// Actor identifies who decided.
type Actor struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Auth  struct {
		Method string `json:"method"`
	} `json:"auth"`
}

// PolicyCheck is the recorded outcome of the policy evaluation.
type PolicyCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Report is the SettlementDecisionReport.v1 document. SignatureBase64 covers
// the canonical form of the report with the signature field absent.
type Report struct {
	SchemaVersion   string      `json:"schemaVersion"`
	Token           string      `json:"token"`
	TenantID        string      `json:"tenantId"`
	Decision        string      `json:"decision"`
	Actor           Actor       `json:"actor"`
	Note            string      `json:"note,omitempty"`
	SignerKeyID     string      `json:"signerKeyId"`
	SignatureBase64 string      `json:"signature,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	PolicyCheck     PolicyCheck `json:"policyCheck"`
}

// Request is one decision attempt after HTTP parsing.
type Request struct {
	Token    string
	Decision string
	Name     string
	Email    string
	Note     string
	// OTPCode is the 6-digit code from the decision OTP outbox, if supplied.
	OTPCode string
	// SessionEmail is the verified buyer-session email, empty when absent.
	SessionEmail string
	// System marks auto-decisions; they bypass OTP but honor the lock.
	System bool
}
