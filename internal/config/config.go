// Package config loads engine configuration from YAML files and environment
// variables, with secret material optionally pulled from Vault.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Market     MarketConfig     `mapstructure:"market"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Vault      VaultConfig      `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis cache settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	CacheTTL int    `mapstructure:"cache_ttl"` // seconds
}

// NATSConfig contains event bridge settings
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// LLMConfig contains LLM gateway settings
type LLMConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Timeout     int     `mapstructure:"timeout"` // ms
}

// MarketConfig contains the market data service settings
type MarketConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// BrokerConfig contains broker backend settings. Paper trading is the
// default; live orders require Binance credentials.
type BrokerConfig struct {
	APIKey       string  `mapstructure:"api_key"`
	SecretKey    string  `mapstructure:"secret_key"`
	Testnet      bool    `mapstructure:"testnet"`
	PaperBalance float64 `mapstructure:"paper_balance"`
}

// EngineConfig tunes the orchestration loops
type EngineConfig struct {
	Workers           int `mapstructure:"workers"`
	ScanInterval      int `mapstructure:"scan_interval"`      // seconds
	JanitorInterval   int `mapstructure:"janitor_interval"`   // seconds
	RunningTimeout    int `mapstructure:"running_timeout"`    // seconds
	MonitoringTimeout int `mapstructure:"monitoring_timeout"` // seconds
	RetentionDays     int `mapstructure:"retention_days"`
}

// NotifyConfig contains notification channel settings
type NotifyConfig struct {
	TelegramToken   string `mapstructure:"telegram_token"`
	FCMCredentials  string `mapstructure:"fcm_credentials"` // path to service account JSON
	FCMProjectID    string `mapstructure:"fcm_project_id"`
	WebhookURL      string `mapstructure:"webhook_url"`
	MockWhenMissing bool   `mapstructure:"mock_when_missing"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	AuthHeader  string `mapstructure:"auth_header"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// VaultConfig points at the secret store
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUANTPIPE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// config file not found; defaults and environment only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "QuantPipe")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "quantpipe")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 30)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", 30000)

	v.SetDefault("market.base_url", "http://localhost:8090")
	v.SetDefault("market.requests_per_second", 10.0)

	v.SetDefault("broker.testnet", true)
	v.SetDefault("broker.paper_balance", 10000.0)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.scan_interval", 60)
	v.SetDefault("engine.janitor_interval", 300)
	v.SetDefault("engine.running_timeout", 1200)
	v.SetDefault("engine.monitoring_timeout", 90000)
	v.SetDefault("engine.retention_days", 30)

	v.SetDefault("notify.mock_when_missing", true)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.auth_header", "X-API-Key")

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount", "secret")
	v.SetDefault("vault.path", "quantpipe")
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d is out of range", c.API.Port)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature %f is out of range", c.LLM.Temperature)
	}
	if c.App.Environment == "production" && !c.Broker.Testnet && c.Broker.APIKey == "" && !c.Vault.Enabled {
		return fmt.Errorf("live trading in production requires broker credentials or vault")
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the LLM timeout as a duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}
