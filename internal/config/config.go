// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Auth
	JWTSecret string
	JWTIssuer string

	// Payment gateway
	PaystackSecretKey  string
	PaystackBaseURL    string
	PaymentCallbackURL string

	// Money
	Currency        string
	PlatformFeeRate decimal.Decimal
	WithdrawalFee   money.Amount

	// Concurrency
	LockTimeout           time.Duration
	ContentionMaxAttempts int
	ReconcileInterval     time.Duration

	// Optional infrastructure
	RedisAddr     string
	RedisPassword string
	AMQPURL       string
	AMQPExchange  string
	OTLPEndpoint  string
	// TraceSampleRatio is the share of root traces exported; 1 keeps all.
	TraceSampleRatio float64

	// HTTP edge
	CORSOrigins  []string
	RateLimitRPM int
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultJWTIssuer             = "safehold"
	DefaultPaystackBaseURL       = "https://api.paystack.co"
	DefaultCurrency              = "NGN"
	DefaultPlatformFeeRate       = "0.015"
	DefaultLockTimeout           = 3 * time.Second
	DefaultContentionMaxAttempts = 4
	DefaultReconcileInterval     = 10 * time.Minute
	DefaultAMQPExchange          = "safehold.notifications"
	DefaultRateLimitRPM          = 120

	minJWTSecretLen = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", false),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTIssuer:             getEnv("JWT_ISSUER", DefaultJWTIssuer),
		PaystackSecretKey:     os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:       getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		PaymentCallbackURL:    os.Getenv("PAYMENT_CALLBACK_URL"),
		Currency:              strings.ToUpper(getEnv("CURRENCY", DefaultCurrency)),
		ContentionMaxAttempts: getEnvInt("CONTENTION_MAX_ATTEMPTS", DefaultContentionMaxAttempts),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		AMQPURL:               os.Getenv("AMQP_URL"),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:      getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		CORSOrigins:           splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:          getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
	}

	var err error
	if cfg.PlatformFeeRate, err = money.ParseRate(getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate)); err != nil {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_RATE: %w", err))
	}
	if cfg.WithdrawalFee, err = money.Parse(getEnv("WITHDRAWAL_FEE", "0")); err != nil {
		errs = append(errs, fmt.Errorf("WITHDRAWAL_FEE: %w", err))
	}
	if cfg.LockTimeout, err = getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.ReconcileInterval, err = getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLen)
	}
	if c.WithdrawalFee < 0 {
		return fmt.Errorf("WITHDRAWAL_FEE must not be negative")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.ContentionMaxAttempts < 1 {
		return fmt.Errorf("CONTENTION_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.IsProduction() && c.PaystackSecretKey == "" {
		return fmt.Errorf("PAYSTACK_SECRET_KEY is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether a database is configured.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
