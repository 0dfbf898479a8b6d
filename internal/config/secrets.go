package config

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// LoadSecrets overlays secret material from Vault onto the configuration.
// Keys present in the Vault document win over file and environment values;
// missing keys leave the existing value in place. A disabled Vault section is
// a no-op so development setups keep working from plain config.
func (c *Config) LoadSecrets(ctx context.Context) error {
	if !c.Vault.Enabled {
		return nil
	}

	vcfg := vault.DefaultConfig()
	if c.Vault.Address != "" {
		vcfg.Address = c.Vault.Address
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	if c.Vault.Token != "" {
		client.SetToken(c.Vault.Token)
	}

	secret, err := client.KVv2(c.Vault.Mount).Get(ctx, c.Vault.Path)
	if err != nil {
		return fmt.Errorf("failed to read vault secret %s/%s: %w", c.Vault.Mount, c.Vault.Path, err)
	}

	overlay(secret.Data, "database_password", &c.Database.Password)
	overlay(secret.Data, "redis_password", &c.Redis.Password)
	overlay(secret.Data, "broker_api_key", &c.Broker.APIKey)
	overlay(secret.Data, "broker_secret_key", &c.Broker.SecretKey)
	overlay(secret.Data, "market_api_key", &c.Market.APIKey)
	overlay(secret.Data, "telegram_token", &c.Notify.TelegramToken)

	log.Info().
		Str("mount", c.Vault.Mount).
		Str("path", c.Vault.Path).
		Msg("Secrets loaded from vault")
	return nil
}

func overlay(data map[string]interface{}, key string, dst *string) {
	if v, ok := data[key].(string); ok && v != "" {
		*dst = v
	}
}
