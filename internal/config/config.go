package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Log         LogConfig
	AWS         AWSConfig
	Tables      TableConfig
	Queues      QueueConfig
	Gateway     GatewayConfig
	Payments    PaymentsConfig
	Redis       RedisConfig
	Credentials CredentialsConfig
	Metrics     MetricsConfig
	Idempotency IdempotencyConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name     string
	Env      string
	Port     string
	RunLocal bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AWSConfig points the SDK at a region and, for local runs, an emulator.
type AWSConfig struct {
	Region           string
	EndpointOverride string
}

// TableConfig names the DynamoDB tables.
type TableConfig struct {
	Orders       string
	Transactions string
	Credentials  string
	PaymentIndex string
	Idempotency  string
}

// QueueConfig holds SQS queue URLs. Empty disables the producer.
type QueueConfig struct {
	OrderEvents       string
	CredentialRefresh string
}

// GatewayConfig holds the payment gateway API and OAuth application settings.
type GatewayConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	WebhookURL   string
	Timeout      time.Duration
}

// PaymentsConfig holds payment initiation settings.
type PaymentsConfig struct {
	FeeRate    decimal.Decimal
	StaleClaim time.Duration
}

// RedisConfig holds the Redis URL for the credential cache. Empty uses an
// in-process cache. In production a configured Redis must be reachable at
// startup.
type RedisConfig struct {
	URL string
}

// CredentialsConfig holds credential cache and refresh settings.
type CredentialsConfig struct {
	CacheTTL      time.Duration
	RefreshWindow time.Duration
}

// MetricsConfig holds CloudWatch metric settings.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// IdempotencyConfig holds the TTL of idempotency-key records.
type IdempotencyConfig struct {
	TTL time.Duration
}

// Load loads configuration from an optional config.yaml and environment variables
// Priority (highest to lowest):
// 1. Environment variables with TABLEPAY_ prefix (e.g., TABLEPAY_GATEWAY_CLIENT_SECRET)
// 2. config.yaml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TABLEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// RUN_LOCAL predates the prefixed variables
	_ = v.BindEnv("app.run_local", "TABLEPAY_APP_RUN_LOCAL", "RUN_LOCAL")

	setDefaults(v)

	feeRate, err := decimal.NewFromString(v.GetString("payments.fee_rate"))
	if err != nil {
		return nil, fmt.Errorf("invalid payments.fee_rate: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			Env:      v.GetString("app.env"),
			Port:     v.GetString("app.port"),
			RunLocal: v.GetBool("app.run_local"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		AWS: AWSConfig{
			Region:           v.GetString("aws.region"),
			EndpointOverride: v.GetString("aws.endpoint_override"),
		},
		Tables: TableConfig{
			Orders:       v.GetString("tables.orders"),
			Transactions: v.GetString("tables.transactions"),
			Credentials:  v.GetString("tables.credentials"),
			PaymentIndex: v.GetString("tables.payment_index"),
			Idempotency:  v.GetString("tables.idempotency"),
		},
		Queues: QueueConfig{
			OrderEvents:       v.GetString("queues.order_events"),
			CredentialRefresh: v.GetString("queues.credential_refresh"),
		},
		Gateway: GatewayConfig{
			BaseURL:      v.GetString("gateway.base_url"),
			ClientID:     v.GetString("gateway.client_id"),
			ClientSecret: v.GetString("gateway.client_secret"),
			RedirectURI:  v.GetString("gateway.redirect_uri"),
			WebhookURL:   v.GetString("gateway.webhook_url"),
			Timeout:      v.GetDuration("gateway.timeout"),
		},
		Payments: PaymentsConfig{
			FeeRate:    feeRate,
			StaleClaim: v.GetDuration("payments.stale_claim"),
		},
		Redis: RedisConfig{
			URL: v.GetString("redis.url"),
		},
		Credentials: CredentialsConfig{
			CacheTTL:      v.GetDuration("credentials.cache_ttl"),
			RefreshWindow: v.GetDuration("credentials.refresh_window"),
		},
		Metrics: MetricsConfig{
			Enabled:   v.GetBool("metrics.enabled"),
			Namespace: v.GetString("metrics.namespace"),
		},
		Idempotency: IdempotencyConfig{
			TTL: v.GetDuration("idempotency.ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers built-in defaults. Registering every key also lets
// AutomaticEnv resolve keys that appear in no config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tablepay")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.run_local", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint_override", "")

	v.SetDefault("tables.orders", "orders")
	v.SetDefault("tables.transactions", "transactions")
	v.SetDefault("tables.credentials", "gateway_credentials")
	v.SetDefault("tables.payment_index", "payment_index")
	v.SetDefault("tables.idempotency", "idempotency")

	v.SetDefault("queues.order_events", "")
	v.SetDefault("queues.credential_refresh", "")

	v.SetDefault("gateway.base_url", "https://api.mercadopago.com")
	v.SetDefault("gateway.client_id", "")
	v.SetDefault("gateway.client_secret", "")
	v.SetDefault("gateway.redirect_uri", "")
	v.SetDefault("gateway.webhook_url", "")
	v.SetDefault("gateway.timeout", 10*time.Second)

	v.SetDefault("payments.fee_rate", "0.03")
	v.SetDefault("payments.stale_claim", 2*time.Minute)

	v.SetDefault("redis.url", "")

	v.SetDefault("credentials.cache_ttl", 5*time.Minute)
	v.SetDefault("credentials.refresh_window", 7*24*time.Hour)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "TablePay")

	v.SetDefault("idempotency.ttl", 48*time.Hour)
}

func (c *Config) validate() error {
	if c.Payments.FeeRate.IsNegative() || c.Payments.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("payments.fee_rate must be in [0, 1), got %s", c.Payments.FeeRate)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive, got %s", c.Gateway.Timeout)
	}
	if c.Gateway.BaseURL == "" {
		return errors.New("gateway.base_url is required")
	}
	if c.IsProduction() && c.Gateway.WebhookURL == "" {
		return errors.New("gateway.webhook_url is required in production")
	}
	return nil
}

// IsProduction reports whether the app runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
