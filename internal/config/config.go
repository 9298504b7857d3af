// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/commission"
	"github.com/prooflab/prooflab/internal/pricerange"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Marketplace economics
	CommissionRate      decimal.Decimal     // percent
	TesterTransferFee   decimal.NullDecimal // percent, overrides CommissionRate on payouts
	BonusCommission     bool
	ReimbursementPolicy pricerange.CapPolicy
	Currency            string
	PlatformUserID      string

	// Payments
	StripeSecretKey string // empty selects the manual processor

	// HTTP edge
	CORSAllowedOrigins []string // empty allows any origin
	RateLimitRPM       int      // requests per minute per caller; 0 disables

	// Observability
	OTLPEndpoint string // empty disables tracing

	// Background jobs
	ReconcileInterval time.Duration
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultCommissionRate    = "10"
	DefaultCurrency          = "EUR"
	DefaultPlatformUserID    = "platform"
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRateLimitRPM      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		BonusCommission: getEnvBool("BONUS_COMMISSION", false),
		Currency:        strings.ToUpper(getEnv("CURRENCY", DefaultCurrency)),
		PlatformUserID:  getEnv("PLATFORM_USER_ID", DefaultPlatformUserID),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:    getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	var err error
	if cfg.CommissionRate, err = decimal.NewFromString(getEnv("COMMISSION_RATE", DefaultCommissionRate)); err != nil {
		return nil, fmt.Errorf("COMMISSION_RATE: %w", err)
	}
	if v := os.Getenv("TESTER_TRANSFER_FEE_RATE"); v != "" {
		fee, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("TESTER_TRANSFER_FEE_RATE: %w", err)
		}
		cfg.TesterTransferFee = decimal.NewNullDecimal(fee)
	}
	if cfg.ReimbursementPolicy, err = pricerange.ParseCapPolicy(os.Getenv("REIMBURSEMENT_CAP_POLICY")); err != nil {
		return nil, fmt.Errorf("REIMBURSEMENT_CAP_POLICY: %w", err)
	}
	if cfg.ReconcileInterval, err = getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval); err != nil {
		return nil, fmt.Errorf("RECONCILE_INTERVAL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and in range
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if err := c.Rates().Validate(); err != nil {
		return err
	}
	if _, err := pricerange.ParseCapPolicy(string(c.ReimbursementPolicy)); err != nil {
		return err
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.PlatformUserID == "" {
		return fmt.Errorf("PLATFORM_USER_ID is required")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// Rates returns the commission configuration.
func (c *Config) Rates() commission.Rates {
	return commission.Rates{
		Rate:              c.CommissionRate,
		TesterTransferFee: c.TesterTransferFee,
		BonusCommission:   c.BonusCommission,
	}
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

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(value)
}
