package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "clp", cfg.PaymentCurrency)
	assert.Equal(t, 10*time.Second, cfg.PaymentGatewayTimeout)
	assert.Equal(t, 10, cfg.BillingDueDay)
	assert.Equal(t, "*/15 * * * *", cfg.CronReconcile)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfig_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("PAYMENT_PREFERENCE_TTL", "2h")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("PUSH_ENDPOINT", " https://push.example.com/v1/send ")
	t.Setenv("STRIPE_API_KEY", "sk_live_abc")
	t.Setenv("STRIPE_WEBHOOK_SECRET", " whsec_123 ")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Hour, cfg.PaymentPreferenceTTL)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "https://push.example.com/v1/send", cfg.PushEndpoint)
	assert.Equal(t, "whsec_123", cfg.StripeWebhookSecret)
}

func TestLoadServerConfig_LiveKeyNeedsWebhookSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STRIPE_API_KEY", "sk_live_abc")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")

	t.Setenv("STRIPE_API_KEY", "sk_test_abc")
	_, err = LoadServerConfig()
	assert.NoError(t, err)
}

func TestLoadServerConfig_AccumulatesErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("BILLING_DUE_DAY", "31")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "invalid HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "BILLING_DUE_DAY")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	_, err := LoadConsumerConfig()
	assert.Error(t, err)

	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("REDIS_ADDR", "cache:6379")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, "driver-rating-cache", cfg.KafkaGroup)
}
