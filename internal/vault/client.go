// Package vault reads the license server's secrets from a HashiCorp Vault
// KV v2 engine and overlays them onto the loaded configuration.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"license-server/config"
	"license-server/internal/logging"
)

// Secret field names inside the service secret bundle.
const (
	FieldJWTSecret           = "jwt_secret"
	FieldStripeWebhookSecret = "stripe_webhook_secret"
	FieldPayPalClientSecret  = "paypal_client_secret"
	FieldPayPalWebhookID     = "paypal_webhook_id"
	FieldDatabasePassword    = "database_password"
	FieldDatabaseURL         = "database_url"
	FieldRedisPassword       = "redis_password"
)

// Secrets is the service secret bundle. Empty fields leave the
// corresponding configuration untouched.
type Secrets struct {
	JWTSecret           string
	StripeWebhookSecret string
	PayPalClientSecret  string
	PayPalWebhookID     string
	DatabasePassword    string
	DatabaseURL         string
	RedisPassword       string
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cached *Secrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// whose LoadSecrets returns an empty bundle.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// LoadSecrets reads the secret bundle, caching it for the process lifetime.
func (c *Client) LoadSecrets(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return &s, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return &Secrets{}, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %s not found", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	s := secretsFromData(data)

	c.mu.Lock()
	c.cached = s
	c.mu.Unlock()

	cp := *s
	return &cp, nil
}

// Overlay loads the secret bundle and copies every non-empty secret into cfg.
func (c *Client) Overlay(ctx context.Context, cfg *config.Config) error {
	s, err := c.LoadSecrets(ctx)
	if err != nil {
		return err
	}
	applied := s.Apply(cfg)
	if c.config.Enabled {
		logging.WithComponent("vault").Info("secrets loaded", "path", c.secretPath(), "applied", applied)
	}
	return nil
}

// Apply copies non-empty secrets into cfg and returns how many were set.
func (s *Secrets) Apply(cfg *config.Config) int {
	n := 0
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
			n++
		}
	}
	set(&cfg.AuthConfig.JWTSecret, s.JWTSecret)
	set(&cfg.BillingConfig.StripeWebhookSecret, s.StripeWebhookSecret)
	set(&cfg.BillingConfig.PayPalClientSecret, s.PayPalClientSecret)
	set(&cfg.BillingConfig.PayPalWebhookID, s.PayPalWebhookID)
	set(&cfg.DatabaseConfig.Password, s.DatabasePassword)
	set(&cfg.DatabaseConfig.URL, s.DatabaseURL)
	set(&cfg.RedisConfig.Password, s.RedisPassword)
	return n
}

// ClearCache forces the next LoadSecrets to read from Vault again.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path of the secret bundle
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func secretsFromData(data map[string]interface{}) *Secrets {
	return &Secrets{
		JWTSecret:           getString(data, FieldJWTSecret),
		StripeWebhookSecret: getString(data, FieldStripeWebhookSecret),
		PayPalClientSecret:  getString(data, FieldPayPalClientSecret),
		PayPalWebhookID:     getString(data, FieldPayPalWebhookID),
		DatabasePassword:    getString(data, FieldDatabasePassword),
		DatabaseURL:         getString(data, FieldDatabaseURL),
		RedisPassword:       getString(data, FieldRedisPassword),
	}
}

// Helper functions
func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
