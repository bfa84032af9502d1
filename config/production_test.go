package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("WEBHOOK_SECRET", "0123456789abcdef")
}

func TestLoadProductionConfigDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Messaging.Provider)
	assert.Equal(t, 3, cfg.Delivery.RetryMaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Delivery.LeaseTTL)
	assert.Equal(t, 3, cfg.Delivery.MaxLeaseReclaims)
	assert.Equal(t, "X-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.Server.TrustedProxies)
	assert.False(t, cfg.Events.Enabled)
}

func TestLoadProductionConfigOverrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("DELIVERY_CONCURRENCY", "8")
	t.Setenv("DELIVERY_LEASE_TTL", "5m")
	t.Setenv("SERVER_TRUSTED_PROXIES", "10.0.0.1, 10.0.0.2,")
	t.Setenv("EVENTS_ENABLED", "true")
	t.Setenv("EVENTS_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Delivery.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Delivery.LeaseTTL)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Server.TrustedProxies)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Events.Brokers)
}

func TestLoadProductionConfigFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DB_PASSWORD=fromfile\nWEBHOOK_SECRET=fedcba9876543210\n"), 0o600))
	t.Setenv("ENV_FILE", envFile)

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.Database.Password)

	// godotenv.Load sets process variables; drop them so other tests start clean
	os.Unsetenv("DB_PASSWORD")
	os.Unsetenv("WEBHOOK_SECRET")
}

func TestValidateProductionConfig(t *testing.T) {
	setMinimalEnv(t)
	base, err := LoadProductionConfig()
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(c *ProductionConfig)
		want   string
	}{
		{"ShortWebhookSecret", func(c *ProductionConfig) { c.Webhook.Secret = "short" }, "WEBHOOK_SECRET"},
		{"MissingPassword", func(c *ProductionConfig) { c.Database.Password = "" }, "DB_PASSWORD"},
		{"HTTPProviderWithoutKey", func(c *ProductionConfig) { c.Messaging.Provider = "http" }, "MESSAGING_API_KEY"},
		{"GatewayWithoutCredentials", func(c *ProductionConfig) { c.Gateway.Provider = "http"; c.Gateway.BaseURL = "https://gw" }, "GATEWAY_KEY_ID"},
		{"LeaseShorterThanOneCall", func(c *ProductionConfig) { c.Delivery.LeaseTTL = 10 * time.Second }, "DELIVERY_LEASE_TTL"},
		{"LeaseShorterThanCallAndBackoff", func(c *ProductionConfig) { c.Delivery.LeaseTTL = c.Messaging.Timeout + time.Second }, "DELIVERY_LEASE_TTL"},
		{"NoLeaseReclaims", func(c *ProductionConfig) { c.Delivery.MaxLeaseReclaims = 0 }, "DELIVERY_MAX_LEASE_RECLAIMS"},
		{"EventsWithoutTopic", func(c *ProductionConfig) { c.Events.Enabled = true; c.Events.Topic = "" }, "EVENTS_KAFKA_TOPIC"},
		{"ZeroConcurrency", func(c *ProductionConfig) { c.Delivery.Concurrency = 0 }, "DELIVERY_CONCURRENCY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			err := ValidateProductionConfig(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Name: "mizuchi", User: "app", Password: "pw", SSLMode: "disable"}
	dsn := d.DSN()
	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=mizuchi")
}
