package opsapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/settld-labs/magic-link/pkg/audit"
)

// BootstrapResult is the runtime coupling handed to an agent runtime.
type BootstrapResult struct {
	TenantID string `json:"tenantId"`
	// Env is the MCP environment block.
	Env map[string]string `json:"env"`
	// MCPConfig is a ready-to-paste config snippet.
	MCPConfig json.RawMessage `json:"mcpConfig"`
	Protocol  string          `json:"protocol"`
}

// Bootstrapper issues runtime credentials against the ops API.
type Bootstrapper struct {
	client *Client
	audit  *audit.Logger
	// baseURL is this control plane's public URL, handed to runtimes.
	baseURL          string
	paidToolsBaseURL string
}

// NewBootstrapper constructs a Bootstrapper.
func NewBootstrapper(client *Client, auditLog *audit.Logger, baseURL, paidToolsBaseURL string) *Bootstrapper {
	return &Bootstrapper{client: client, audit: auditLog, baseURL: baseURL, paidToolsBaseURL: paidToolsBaseURL}
}

// Bootstrap issues a fresh tenant API key from the ops API and derives the
// MCP environment block and config snippet. An unreachable ops API maps to
// BOOTSTRAP_DOWN.
func (b *Bootstrapper) Bootstrap(ctx context.Context, tenantID string) (*BootstrapResult, error) {
	protocol, err := b.client.DiscoverProtocol(ctx)
	if err != nil {
		return nil, err
	}

	var issued struct {
		APIKey string `json:"apiKey"`
	}
	if err := b.client.Post(ctx, "/v1/tenants/"+tenantID+"/keys", map[string]string{
		"purpose": "runtime-bootstrap",
	}, "bootstrap_"+tenantID, &issued); err != nil {
		return nil, err
	}
	if issued.APIKey == "" {
		return nil, fmt.Errorf("%w: ops api issued no key", ErrBootstrapDown)
	}

	env := map[string]string{
		"SETTLD_TENANT_ID": tenantID,
		"SETTLD_BASE_URL":  b.baseURL,
		"SETTLD_API_KEY":   issued.APIKey,
	}
	if b.paidToolsBaseURL != "" {
		env["SETTLD_PAID_TOOLS_BASE_URL"] = b.paidToolsBaseURL
	}

	snippet, err := json.MarshalIndent(map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"settld": map[string]interface{}{
				"command": "settld-mcp",
				"env":     env,
			},
		},
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	_ = b.audit.Record(tenantID, audit.ActionRuntimeBootstrap,
		audit.WithMetadata(map[string]interface{}{"protocol": protocol}))

	return &BootstrapResult{
		TenantID:  tenantID,
		Env:       env,
		MCPConfig: snippet,
		Protocol:  protocol,
	}, nil
}
