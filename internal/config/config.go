// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Payment settings
	MinAmount       string // Minimum accepted payment (e.g. "0.50")
	MaxAmount       string // Maximum accepted payment (e.g. "10000")
	DailySpendLimit string // Per-user rolling 24h spend cap
	KYCThreshold    string // Amount above which KYC is required
	KYCHardLimit    string // Amount above which unverified KYC is a hard restriction

	// Saga settings
	SagaTTL        time.Duration // Non-terminal sagas past this age are force-compensated
	StepMaxRetries int           // Per-step retry budget
	StepTimeout    time.Duration // Per-attempt timeout for forward steps
	SweepInterval  time.Duration // How often the recovery sweep runs

	// Reconciliation settings
	ReconcileInterval time.Duration // How often the saga-to-ledger check runs

	// Webhook settings
	StripeWebhookSecret string
	PayPalWebhookID     string
	ReplayWindow        time.Duration // Reject signed webhooks older than this
	DedupRetention      time.Duration // How long processed event IDs are remembered

	// Provider credentials
	StripeAPIKey       string
	PayPalBaseURL      string
	PayPalClientID     string
	PayPalClientSecret string
	Web3TreasuryAddr   string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultMinAmount         = "0.50"
	DefaultMaxAmount         = "10000"
	DefaultDailyLimit        = "25000"
	DefaultKYCThreshold      = "100"
	DefaultKYCHardLimit      = "5000"
	DefaultStepMaxRetries    = 3
	DefaultSagaTTL           = 24 * time.Hour
	DefaultStepTimeout       = 30 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultReplayWindow      = 300 * time.Second
	DefaultDedupRetention    = 10 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MinAmount:           getEnv("MIN_AMOUNT", DefaultMinAmount),
		MaxAmount:           getEnv("MAX_AMOUNT", DefaultMaxAmount),
		DailySpendLimit:     getEnv("DAILY_SPEND_LIMIT", DefaultDailyLimit),
		KYCThreshold:        getEnv("KYC_THRESHOLD", DefaultKYCThreshold),
		KYCHardLimit:        getEnv("KYC_HARD_LIMIT", DefaultKYCHardLimit),
		SagaTTL:             getEnvDuration("SAGA_TTL", DefaultSagaTTL),
		StepMaxRetries:      int(getEnvInt64("STEP_MAX_RETRIES", DefaultStepMaxRetries)),
		StepTimeout:         getEnvDuration("STEP_TIMEOUT", DefaultStepTimeout),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PayPalWebhookID:     os.Getenv("PAYPAL_WEBHOOK_ID"),
		ReplayWindow:        getEnvDuration("WEBHOOK_REPLAY_WINDOW", DefaultReplayWindow),
		DedupRetention:      getEnvDuration("WEBHOOK_DEDUP_RETENTION", DefaultDedupRetention),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		PayPalBaseURL:       getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
		PayPalClientID:      os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalClientSecret:  os.Getenv("PAYPAL_CLIENT_SECRET"),
		Web3TreasuryAddr:    os.Getenv("WEB3_TREASURY_ADDR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.StepMaxRetries < 1 {
		return fmt.Errorf("STEP_MAX_RETRIES must be at least 1")
	}
	if c.SagaTTL <= 0 {
		return fmt.Errorf("SAGA_TTL must be positive")
	}
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("WEBHOOK_REPLAY_WINDOW must be positive")
	}
	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
