package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "tablepay", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "8080", cfg.App.Port)
		assert.Equal(t, "orders", cfg.Tables.Orders)
		assert.Equal(t, "payment_index", cfg.Tables.PaymentIndex)
		assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
		assert.Equal(t, "0.03", cfg.Payments.FeeRate.String())
		assert.Equal(t, 48*time.Hour, cfg.Idempotency.TTL)
		assert.False(t, cfg.IsProduction())
	})

	t.Run("loads values from environment variables with TABLEPAY prefix", func(t *testing.T) {
		t.Setenv("TABLEPAY_APP_PORT", "9000")
		t.Setenv("TABLEPAY_TABLES_ORDERS", "orders-test")
		t.Setenv("TABLEPAY_GATEWAY_TIMEOUT", "3s")
		t.Setenv("TABLEPAY_PAYMENTS_FEE_RATE", "0.05")
		t.Setenv("TABLEPAY_REDIS_URL", "redis://localhost:6379/0")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "9000", cfg.App.Port)
		assert.Equal(t, "orders-test", cfg.Tables.Orders)
		assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
		assert.Equal(t, "0.05", cfg.Payments.FeeRate.String())
		assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	})

	t.Run("rejects a fee rate outside [0, 1)", func(t *testing.T) {
		t.Setenv("TABLEPAY_PAYMENTS_FEE_RATE", "1.2")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("requires a webhook url in production", func(t *testing.T) {
		t.Setenv("TABLEPAY_APP_ENV", "production")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("honours RUN_LOCAL", func(t *testing.T) {
		t.Setenv("RUN_LOCAL", "true")

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.App.RunLocal)
	})
}
