package outbox

import (
	"crypto/hmac"
	"strconv"
	"strings"
	"time"
)

// InboundTolerance is how far an inbound timestamp may drift from now.
const InboundTolerance = 300 * time.Second

// InboundError carries the rejection code for an inbound signed request.
type InboundError struct {
	Code string
	// Unauthorized selects 401 over 400 at the HTTP layer.
	Unauthorized bool
}

func (e *InboundError) Error() string { return e.Code }

// Inbound verification rejection codes.
const (
	CodeRawBodyRequired      = "SETTLD_WEBHOOK_RAW_BODY_REQUIRED"
	CodeSignatureHeaderBad   = "SETTLD_WEBHOOK_SIGNATURE_HEADER_INVALID"
	CodeTimestampOutOfBounds = "SETTLD_WEBHOOK_TIMESTAMP_OUTSIDE_TOLERANCE"
	CodeSignatureNoMatch     = "SETTLD_WEBHOOK_SIGNATURE_NO_MATCH"
)

// VerifyInbound checks an inbound request's timestamp and v1 signature
// against the raw body bytes exactly as received.
func VerifyInbound(body []byte, tsHeader, sigHeader, secret string, now time.Time) error {
	if len(body) == 0 {
		return &InboundError{Code: CodeRawBodyRequired}
	}
	if tsHeader == "" || sigHeader == "" || !strings.HasPrefix(sigHeader, "v1=") {
		return &InboundError{Code: CodeSignatureHeaderBad}
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return &InboundError{Code: CodeSignatureHeaderBad}
	}
	drift := now.UTC().Sub(time.Unix(ts, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > InboundTolerance {
		return &InboundError{Code: CodeTimestampOutOfBounds, Unauthorized: true}
	}
	want := Sign(secret, tsHeader, body)
	if !hmac.Equal([]byte(want), []byte(sigHeader)) {
		return &InboundError{Code: CodeSignatureNoMatch, Unauthorized: true}
	}
	return nil
}
