// Package config provides configuration management and environment variable handling for the application
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Security   SecurityConfig   `json:"security"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Cache      CacheConfig      `json:"cache"`
	Messaging  MessagingConfig  `json:"messaging"`
	Gateway    GatewayConfig    `json:"gateway"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Webhook    WebhookConfig    `json:"webhook"`
	Events     EventsConfig     `json:"events"`
	Deployment DeploymentConfig `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
}

// DSN renders the postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type ServerConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
	BodyLimit         int           `json:"body_limit"`
	TrustedProxies    []string      `json:"trusted_proxies"`
	ProxyHeader       string        `json:"proxy_header"`
	EnableCompression bool          `json:"enable_compression"`
}

type SecurityConfig struct {
	// CORS
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	CORSMaxAge       int      `json:"cors_max_age"`

	// Rate Limiting
	GlobalRateLimit int           `json:"global_rate_limit"` // requests per window
	RateLimitWindow time.Duration `json:"rate_limit_window"`
}

type LoggingConfig struct {
	Output     string `json:"output"` // stdout, file, both
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`

	EnableAccessLog bool `json:"enable_access_log"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	Enabled     bool          `json:"enabled"`
	RedisURL    string        `json:"redis_url"`
	RedisDB     int           `json:"redis_db"`
	RedisPrefix string        `json:"redis_prefix"`
	DefaultTTL  time.Duration `json:"default_ttl"`
}

// MessagingConfig configures the outbound messaging provider
type MessagingConfig struct {
	Provider   string        `json:"provider"` // http, mock
	BaseURL    string        `json:"base_url"`
	APIKey     string        `json:"api_key"`
	SenderID   string        `json:"sender_id"`
	Timeout    time.Duration `json:"timeout"`
	RatePerSec int           `json:"rate_per_sec"` // fleet-wide send budget, 0 disables
}

// GatewayConfig configures the payment gateway's refund API
type GatewayConfig struct {
	Provider  string        `json:"provider"` // http, mock
	BaseURL   string        `json:"base_url"`
	KeyID     string        `json:"key_id"`
	KeySecret string        `json:"key_secret"`
	Timeout   time.Duration `json:"timeout"`
}

// DeliveryConfig tunes the delivery worker pool and the retry policy
type DeliveryConfig struct {
	Enabled            bool          `json:"enabled"`
	Concurrency        int           `json:"concurrency"`
	BatchSize          int           `json:"batch_size"`
	PollInterval       time.Duration `json:"poll_interval"`
	LeaseTTL           time.Duration `json:"lease_ttl"`
	MaxLeaseReclaims   int           `json:"max_lease_reclaims"`
	RetryMaxAttempts   int           `json:"retry_max_attempts"`
	RetryBaseDelay     time.Duration `json:"retry_base_delay"`
	RetryMaxDelay      time.Duration `json:"retry_max_delay"`
	CounterRebuildTick time.Duration `json:"counter_rebuild_tick"` // 0 disables the rebuild job
}

type WebhookConfig struct {
	Secret          string `json:"secret"`
	SignatureHeader string `json:"signature_header"`
	EventIDHeader   string `json:"event_id_header"`
	ReceiptSecret   string `json:"receipt_secret"`
}

// EventsConfig configures the outbox relay and its Kafka sink
type EventsConfig struct {
	Enabled       bool          `json:"enabled"`
	Brokers       []string      `json:"brokers"`
	Topic         string        `json:"topic"`
	RelayInterval time.Duration `json:"relay_interval"`
	BatchSize     int           `json:"batch_size"`
	MaxAttempts   int           `json:"max_attempts"`
}

type DeploymentConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
	BuildTime   string `json:"build_time"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "mizuchi"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 100),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    getEnvBool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", 1*time.Second),
		},
		Server: ServerConfig{
			Host:              getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:              getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:         getEnvInt("SERVER_BODY_LIMIT", 4*1024*1024), // 4MB
			TrustedProxies:    getEnvStringSlice("SERVER_TRUSTED_PROXIES", []string{"127.0.0.1"}),
			ProxyHeader:       getEnvString("SERVER_PROXY_HEADER", "X-Real-IP"),
			EnableCompression: getEnvBool("SERVER_ENABLE_COMPRESSION", true),
		},
		Security: SecurityConfig{
			AllowedOrigins:   getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:   getEnvStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders:   getEnvStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Tenant-ID", "X-Actor"}),
			AllowCredentials: getEnvBool("CORS_ALLOW_CREDENTIALS", false),
			CORSMaxAge:       getEnvInt("CORS_MAX_AGE", 86400),
			GlobalRateLimit:  getEnvInt("GLOBAL_RATE_LIMIT", 2000),
			RateLimitWindow:  getEnvDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
		},
		Logging: LoggingConfig{
			Output:          getEnvString("LOG_OUTPUT", "both"),
			FilePath:        getEnvString("LOG_FILE_PATH", "data/mizuchi.log"),
			MaxSize:         getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups:      getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:          getEnvInt("LOG_MAX_AGE", 30),
			Compress:        getEnvBool("LOG_COMPRESS", true),
			EnableAccessLog: getEnvBool("LOG_ENABLE_ACCESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Enabled:     getEnvBool("CACHE_ENABLED", true),
			RedisURL:    getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:     getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix: getEnvString("CACHE_REDIS_PREFIX", "mizuchi:"),
			DefaultTTL:  getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Messaging: MessagingConfig{
			Provider:   getEnvString("MESSAGING_PROVIDER", "mock"),
			BaseURL:    getEnvString("MESSAGING_BASE_URL", ""),
			APIKey:     getEnvString("MESSAGING_API_KEY", ""),
			SenderID:   getEnvString("MESSAGING_SENDER_ID", ""),
			Timeout:    getEnvDuration("MESSAGING_TIMEOUT", 15*time.Second),
			RatePerSec: getEnvInt("MESSAGING_RATE_PER_SEC", 50),
		},
		Gateway: GatewayConfig{
			Provider:  getEnvString("GATEWAY_PROVIDER", "mock"),
			BaseURL:   getEnvString("GATEWAY_BASE_URL", ""),
			KeyID:     getEnvString("GATEWAY_KEY_ID", ""),
			KeySecret: getEnvString("GATEWAY_KEY_SECRET", ""),
			Timeout:   getEnvDuration("GATEWAY_TIMEOUT", 20*time.Second),
		},
		Delivery: DeliveryConfig{
			Enabled:            getEnvBool("DELIVERY_ENABLED", true),
			Concurrency:        getEnvInt("DELIVERY_CONCURRENCY", 4),
			BatchSize:          getEnvInt("DELIVERY_BATCH_SIZE", 50),
			PollInterval:       getEnvDuration("DELIVERY_POLL_INTERVAL", 2*time.Second),
			LeaseTTL:           getEnvDuration("DELIVERY_LEASE_TTL", 2*time.Minute),
			MaxLeaseReclaims:   getEnvInt("DELIVERY_MAX_LEASE_RECLAIMS", 3),
			RetryMaxAttempts:   getEnvInt("DELIVERY_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:     getEnvDuration("DELIVERY_RETRY_BASE_DELAY", 200*time.Millisecond),
			RetryMaxDelay:      getEnvDuration("DELIVERY_RETRY_MAX_DELAY", 5*time.Second),
			CounterRebuildTick: getEnvDuration("DELIVERY_COUNTER_REBUILD_TICK", 15*time.Minute),
		},
		Webhook: WebhookConfig{
			Secret:          getEnvString("WEBHOOK_SECRET", ""),
			SignatureHeader: getEnvString("WEBHOOK_SIGNATURE_HEADER", "X-Signature"),
			EventIDHeader:   getEnvString("WEBHOOK_EVENT_ID_HEADER", "X-Event-Id"),
			ReceiptSecret:   getEnvString("WEBHOOK_RECEIPT_SECRET", ""),
		},
		Events: EventsConfig{
			Enabled:       getEnvBool("EVENTS_ENABLED", false),
			Brokers:       getEnvStringSlice("EVENTS_KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:         getEnvString("EVENTS_KAFKA_TOPIC", "mizuchi.events"),
			RelayInterval: getEnvDuration("EVENTS_RELAY_INTERVAL", 5*time.Second),
			BatchSize:     getEnvInt("EVENTS_BATCH_SIZE", 100),
			MaxAttempts:   getEnvInt("EVENTS_MAX_ATTEMPTS", 10),
		},
		Deployment: DeploymentConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("VERSION", "1.0.0"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
			BuildTime:   getEnvString("BUILD_TIME", "unknown"),
		},
	}

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads .env when present. Variables already set in the environment win.
func loadEnvFile() error {
	envFile := getEnvString("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(envFile)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errors []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		errors = append(errors, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errors = append(errors, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errors = append(errors, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errors = append(errors, "DB_USER is required")
	}
	if cfg.Database.Password == "" {
		errors = append(errors, "DB_PASSWORD is required")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		errors = append(errors, "SERVER_READ_TIMEOUT must be positive")
	}
	if cfg.Server.WriteTimeout <= 0 {
		errors = append(errors, "SERVER_WRITE_TIMEOUT must be positive")
	}

	// Validate providers
	if cfg.Messaging.Provider != "mock" {
		if cfg.Messaging.BaseURL == "" {
			errors = append(errors, "MESSAGING_BASE_URL is required for the messaging provider")
		}
		if cfg.Messaging.APIKey == "" {
			errors = append(errors, "MESSAGING_API_KEY is required for the messaging provider")
		}
	}
	if cfg.Gateway.Provider != "mock" {
		if cfg.Gateway.BaseURL == "" {
			errors = append(errors, "GATEWAY_BASE_URL is required for the payment gateway")
		}
		if cfg.Gateway.KeyID == "" || cfg.Gateway.KeySecret == "" {
			errors = append(errors, "GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required for the payment gateway")
		}
	}

	// Validate webhook secret
	if len(cfg.Webhook.Secret) < 16 {
		errors = append(errors, "WEBHOOK_SECRET must be at least 16 characters long")
	}
	if cfg.Webhook.SignatureHeader == "" {
		errors = append(errors, "WEBHOOK_SIGNATURE_HEADER is required")
	}

	// Validate delivery worker
	if cfg.Delivery.Concurrency <= 0 {
		errors = append(errors, "DELIVERY_CONCURRENCY must be positive")
	}
	if cfg.Delivery.BatchSize <= 0 {
		errors = append(errors, "DELIVERY_BATCH_SIZE must be positive")
	}
	if cfg.Delivery.RetryMaxAttempts <= 0 {
		errors = append(errors, "DELIVERY_RETRY_MAX_ATTEMPTS must be positive")
	}
	// Workers renew the lease before every provider call, so it only has to outlive one call and one backoff
	if cfg.Delivery.LeaseTTL <= cfg.Messaging.Timeout+cfg.Delivery.RetryMaxDelay {
		errors = append(errors, "DELIVERY_LEASE_TTL must exceed MESSAGING_TIMEOUT plus DELIVERY_RETRY_MAX_DELAY")
	}
	if cfg.Delivery.MaxLeaseReclaims <= 0 {
		errors = append(errors, "DELIVERY_MAX_LEASE_RECLAIMS must be positive")
	}

	// Validate event bus
	if cfg.Events.Enabled {
		if len(cfg.Events.Brokers) == 0 {
			errors = append(errors, "EVENTS_KAFKA_BROKERS is required when events are enabled")
		}
		if cfg.Events.Topic == "" {
			errors = append(errors, "EVENTS_KAFKA_TOPIC is required when events are enabled")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
