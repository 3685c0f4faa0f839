// Package x402 transparently pays HTTP 402 challenges issued by paid tool
// gateways: it attaches the agent passport, parses the challenge headers,
// and replays the request with the gate id attached.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge headers.
const (
	HeaderGateID          = "x-settld-gate-id"
	HeaderAgentPassport   = "x-settld-agent-passport"
	HeaderPaymentRequired = "x-payment-required"
	HeaderProviderQuote   = "x-settld-provider-quote"
	HeaderQuoteSignature  = "x-settld-provider-quote-signature"
)

// ErrBodyNotReplayable means the request body was consumed by the first
// attempt and cannot be rebuilt for the gated replay.
var ErrBodyNotReplayable = errors.New("SETTLD_AUTOPAY_BODY_NOT_REPLAYABLE")

// Challenge is one parsed 402 response.
type Challenge struct {
	GateID string `json:"gateId"`

	SpendAuthorizationMode string `json:"spendAuthorizationMode,omitempty"`
	RequestBindingMode     string `json:"requestBindingMode,omitempty"`
	RequestBindingSha256   string `json:"requestBindingSha256,omitempty"`
	QuoteRequired          bool   `json:"quoteRequired,omitempty"`
	QuoteID                string `json:"quoteId,omitempty"`
	ProviderID             string `json:"providerId,omitempty"`
	ToolID                 string `json:"toolId,omitempty"`
	PolicyRef              string `json:"policyRef,omitempty"`
	PolicyVersion          string `json:"policyVersion,omitempty"`
	PolicyHash             string `json:"policyHash,omitempty"`
	PolicyFingerprint      string `json:"policyFingerprint,omitempty"`
	SponsorRef             string `json:"sponsorRef,omitempty"`
	SponsorWalletRef       string `json:"sponsorWalletRef,omitempty"`

	ProviderQuote          json.RawMessage `json:"providerQuote,omitempty"`
	ProviderQuoteSignature string          `json:"providerQuoteSignature,omitempty"`
}

// Client wraps an http.Client with autopay behavior.
type Client struct {
	inner       *http.Client
	gateHeader  string
	maxAttempts int
	// passportB64 is the pre-encoded agent passport, attached to every
	// request when configured.
	passportB64 string
	// challenges receives every parsed challenge without blocking the
	// request path; a full channel drops.
	challenges chan Challenge
}

// Config wires a Client.
type Config struct {
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// GateHeader defaults to x-settld-gate-id.
	GateHeader string
	// MaxAttempts bounds total requests, default 2 (one challenge, one
	// replay).
	MaxAttempts int
	// AgentPassportB64 is the base64url canonical-JSON passport. Use
	// canonicalize.EncodeBase64URLJSON to build it.
	AgentPassportB64 string
	// ChallengeBuffer sizes the challenge notification channel; 0 disables
	// it.
	ChallengeBuffer int
}

// New constructs a Client.
func New(cfg Config) *Client {
	inner := cfg.HTTPClient
	if inner == nil {
		inner = http.DefaultClient
	}
	gateHeader := cfg.GateHeader
	if gateHeader == "" {
		gateHeader = HeaderGateID
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	c := &Client{
		inner:       inner,
		gateHeader:  gateHeader,
		maxAttempts: maxAttempts,
		passportB64: cfg.AgentPassportB64,
	}
	if cfg.ChallengeBuffer > 0 {
		c.challenges = make(chan Challenge, cfg.ChallengeBuffer)
	}
	return c
}

// Challenges exposes the parsed challenges seen by this client, or nil when
// unbuffered.
func (c *Client) Challenges() <-chan Challenge { return c.challenges }

// Do performs the request, paying at most maxAttempts-1 challenges, and
// returns the last response (402 or otherwise).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.passportB64 != "" && req.Header.Get(HeaderAgentPassport) == "" {
		req.Header.Set(HeaderAgentPassport, c.passportB64)
	}

	var resp *http.Response
	for attempt := 1; ; attempt++ {
		var err error
		resp, err = c.inner.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusPaymentRequired || attempt >= c.maxAttempts {
			return resp, nil
		}

		challenge := parseChallenge(resp)
		resp.Body.Close()
		if c.challenges != nil {
			select {
			case c.challenges <- challenge:
			default:
			}
		}

		req, err = c.rebuild(req, challenge.GateID)
		if err != nil {
			return nil, err
		}
	}
}

// rebuild clones the request for the gated replay. A consumed body without
// GetBody cannot be replayed.
func (c *Client) rebuild(req *http.Request, gateID string) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.Body != nil {
		if req.GetBody == nil {
			return nil, fmt.Errorf("%w: request body is a one-shot stream", ErrBodyNotReplayable)
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBodyNotReplayable, err)
		}
		next.Body = body
	}
	next.Header.Set(c.gateHeader, gateID)
	return next, nil
}

func parseChallenge(resp *http.Response) Challenge {
	challenge := Challenge{GateID: resp.Header.Get(HeaderGateID)}
	if raw := resp.Header.Get(HeaderPaymentRequired); raw != "" {
		parsePaymentRequired(raw, &challenge)
	}
	if quote := resp.Header.Get(HeaderProviderQuote); quote != "" {
		challenge.ProviderQuote = decodeBase64URL(quote)
	}
	challenge.ProviderQuoteSignature = resp.Header.Get(HeaderQuoteSignature)
	return challenge
}

func decodeBase64URL(s string) json.RawMessage {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		if padded, perr := base64.URLEncoding.DecodeString(s); perr == nil {
			return padded
		}
		return nil
	}
	return raw
}

// parsePaymentRequired accepts both the k=v;-delimited form and inline JSON.
func parsePaymentRequired(raw string, challenge *Challenge) {
	fields := map[string]string{}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]interface{}
		if json.Unmarshal([]byte(trimmed), &obj) != nil {
			return
		}
		for k, v := range obj {
			switch tv := v.(type) {
			case string:
				fields[k] = tv
			case bool:
				fields[k] = fmt.Sprintf("%t", tv)
			case float64:
				fields[k] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", tv), "0"), ".")
			}
		}
	} else {
		for _, pair := range strings.Split(trimmed, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				continue
			}
			fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	challenge.SpendAuthorizationMode = fields["spendAuthorizationMode"]
	challenge.RequestBindingMode = fields["requestBindingMode"]
	if v := fields["requestBindingSha256"]; len(v) == 64 {
		challenge.RequestBindingSha256 = v
	}
	challenge.QuoteRequired = fields["quoteRequired"] == "true"
	challenge.QuoteID = fields["quoteId"]
	challenge.ProviderID = fields["providerId"]
	challenge.ToolID = fields["toolId"]
	challenge.PolicyRef = fields["policyRef"]
	challenge.PolicyVersion = fields["policyVersion"]
	if v := fields["policyHash"]; len(v) == 64 {
		challenge.PolicyHash = v
	}
	challenge.PolicyFingerprint = fields["policyFingerprint"]
	challenge.SponsorRef = fields["sponsorRef"]
	challenge.SponsorWalletRef = fields["sponsorWalletRef"]
}
