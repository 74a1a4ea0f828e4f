// Package vault loads exchange credentials from HashiCorp Vault.
// Credentials stay in memory for the lifetime of the process; nothing in
// this package writes them to disk or into log output.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/execution"
)

// Client wraps the Vault KV v2 API for credential retrieval. When Vault
// is disabled in config it serves credentials seeded with Store, which
// simulated runs and tests use.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu     sync.RWMutex
	cached *execution.Credentials
}

// NewClient builds a Vault client from cfg. Disabled config yields a
// memory-only client and no connection is attempted.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tls := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tls); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// Credentials returns the exchange API credentials, reading Vault once
// and caching the result for subsequent calls.
func (c *Client) Credentials(ctx context.Context) (execution.Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return execution.Credentials{}, fmt.Errorf("vault disabled and no credentials stored")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return execution.Credentials{}, fmt.Errorf("read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return execution.Credentials{}, fmt.Errorf("credentials not found at %s", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return execution.Credentials{}, fmt.Errorf("unexpected secret format at %s", c.secretPath())
	}

	creds := execution.Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return execution.Credentials{}, fmt.Errorf("incomplete credentials at %s", c.secretPath())
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return creds, nil
}

// Store seeds the in-memory credential cache. With Vault enabled it also
// writes the secret so a later process can read it back.
func (c *Client) Store(ctx context.Context, creds execution.Credentials) error {
	c.mu.Lock()
	cp := creds
	c.cached = &cp
	c.mu.Unlock()

	if !c.cfg.Enabled {
		return nil
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), payload); err != nil {
		return fmt.Errorf("write credentials to vault: %w", err)
	}
	return nil
}

// ClearCache drops the cached credentials, forcing the next Credentials
// call back to Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// IsEnabled reports whether a real Vault backend is configured.
func (c *Client) IsEnabled() bool { return c.cfg.Enabled }

// Health checks the Vault connection. Disabled clients are always
// healthy.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
