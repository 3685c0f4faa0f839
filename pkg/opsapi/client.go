// Package opsapi couples the control plane to the external Settld ops API:
// a header-disciplined HTTP client with chained event appends, the runtime
// bootstrap that derives MCP environment blocks, and the first-paid-call
// demo harness.
package opsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Write headers required by the ops API.
const (
	HeaderTenantID          = "x-proxy-tenant-id"
	HeaderAPIKey            = "x-proxy-api-key"
	HeaderProtocol          = "x-settld-protocol"
	HeaderIdempotencyKey    = "x-idempotency-key"
	HeaderExpectedPrevChain = "x-proxy-expected-prev-chain-hash"
)

// ErrBootstrapDown means the ops API is unreachable or unhealthy.
var ErrBootstrapDown = errors.New("BOOTSTRAP_DOWN")

// APIError is a structured ops API failure.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ops api %d %s: %s", e.Status, e.Code, e.Message)
}

// IsChainMismatch reports whether err is the chained-write conflict. The
// code is surfaced verbatim to callers.
func IsChainMismatch(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "PREV_CHAIN_HASH_MISMATCH"
}

// Client talks to the ops API for one tenant.
type Client struct {
	baseURL  string
	tenantID string
	apiKey   string
	protocol string
	http     *http.Client
	log      *slog.Logger
}

// ClientConfig wires a Client.
type ClientConfig struct {
	BaseURL  string
	TenantID string
	APIKey   string
	// Protocol is the default before /healthz discovery.
	Protocol string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "1.0"
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		tenantID: cfg.TenantID,
		apiKey:   cfg.APIKey,
		protocol: protocol,
		http:     &http.Client{Timeout: timeout},
		log:      logger,
	}
}

// DiscoverProtocol reads the protocol version advertised by /healthz and
// pins it for subsequent writes.
func (c *Client) DiscoverProtocol(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBootstrapDown, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: healthz responded %d", ErrBootstrapDown, resp.StatusCode)
	}
	if v := resp.Header.Get(HeaderProtocol); v != "" {
		c.protocol = v
	}
	return c.protocol, nil
}

// Get performs a read and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, "", nil, out)
}

// Post performs a write with an idempotency key and decodes the response.
func (c *Client) Post(ctx context.Context, path string, body interface{}, idempotencyKey string, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, idempotencyKey, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{},
	idempotencyKey string, headers map[string]string, out interface{}) error {

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set(HeaderTenantID, c.tenantID)
	req.Header.Set(HeaderAPIKey, c.apiKey)
	req.Header.Set(HeaderProtocol, c.protocol)
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrapDown, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &envelope) == nil && envelope.Code != "" {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		} else {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// ChainHead returns the latest chain hash of an event stream, or "" when the
// stream is empty.
func (c *Client) ChainHead(ctx context.Context, stream string) (string, error) {
	var head struct {
		ChainHash *string `json:"chainHash"`
	}
	if err := c.Get(ctx, "/v1/streams/"+stream+"/head", &head); err != nil {
		return "", err
	}
	if head.ChainHash == nil {
		return "", nil
	}
	return *head.ChainHash, nil
}

// AppendEvent appends one chained event: read the head, then write with the
// expected previous hash. A concurrent writer surfaces
// 409 PREV_CHAIN_HASH_MISMATCH unchanged.
func (c *Client) AppendEvent(ctx context.Context, stream string, event interface{}, idempotencyKey string) (string, error) {
	prev, err := c.ChainHead(ctx, stream)
	if err != nil {
		return "", err
	}
	expected := prev
	if expected == "" {
		expected = "null"
	}
	var result struct {
		ChainHash string `json:"chainHash"`
	}
	err = c.do(ctx, http.MethodPost, "/v1/streams/"+stream+"/events", event, idempotencyKey,
		map[string]string{HeaderExpectedPrevChain: expected}, &result)
	if err != nil {
		return "", err
	}
	return result.ChainHash, nil
}
