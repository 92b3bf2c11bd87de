package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settlement serialization modes.
const (
	SerializeNone  = "none"
	SerializeLocal = "local"
	SerializeRedis = "redis"
)

// Subscription sources.
const (
	SubscriptionSourcePostgres = "postgres"
	SubscriptionSourceStripe   = "stripe"
)

// Config holds all configuration for the metering service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Metering   MeteringConfig
	Billing    BillingConfig
	Security   SecurityConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// MeteringConfig holds usage metering configuration
type MeteringConfig struct {
	// Enabled is the global feature switch. When false every request is admitted without limits.
	Enabled       bool
	PricingFile   string
	AllowanceFile string
	SettleTimeout time.Duration
	// LockWait bounds the wait for the per-user settlement lock.
	LockWait time.Duration
	// Serialize selects how settlements for a single user are serialized: none, local or redis.
	Serialize string
	LockTTL   time.Duration
}

// BillingConfig holds billing provider configuration
type BillingConfig struct {
	SubscriptionSource string
	StripeSecretKey    string
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "metering"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "metering"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Metering: MeteringConfig{
			Enabled:       getEnvAsBool("METERING_ENABLED", true),
			PricingFile:   getEnv("METERING_PRICING_FILE", "config/pricing.yaml"),
			AllowanceFile: getEnv("METERING_ALLOWANCE_FILE", "config/allowances.yaml"),
			SettleTimeout: getEnvAsDuration("METERING_SETTLE_TIMEOUT", "10s"),
			LockWait:      getEnvAsDuration("METERING_LOCK_WAIT", "5s"),
			Serialize:     strings.ToLower(getEnv("METERING_SERIALIZE_SETTLEMENT", SerializeLocal)),
			LockTTL:       getEnvAsDuration("METERING_LOCK_TTL", "30s"),
		},
		Billing: BillingConfig{
			SubscriptionSource: strings.ToLower(getEnv("SUBSCRIPTION_SOURCE", SubscriptionSourcePostgres)),
			StripeSecretKey:    getEnv("STRIPE_SECRET_KEY", ""),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and enumerated values
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}

	if c.Security.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	switch c.Metering.Serialize {
	case SerializeNone, SerializeLocal, SerializeRedis:
	default:
		return fmt.Errorf("METERING_SERIALIZE_SETTLEMENT must be one of none, local, redis (got %q)", c.Metering.Serialize)
	}

	switch c.Billing.SubscriptionSource {
	case SubscriptionSourcePostgres:
	case SubscriptionSourceStripe:
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when SUBSCRIPTION_SOURCE=stripe")
		}
	default:
		return fmt.Errorf("SUBSCRIPTION_SOURCE must be postgres or stripe (got %q)", c.Billing.SubscriptionSource)
	}

	if c.Metering.SettleTimeout <= 0 {
		return fmt.Errorf("METERING_SETTLE_TIMEOUT must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
