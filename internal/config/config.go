// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string for pending intents (optional, uses in-memory if not set)

	// Payment gateway
	GatewayPublicKey  string // Returned to clients for the payment SDK
	GatewaySecretHash string // Pre-shared secret compared against the webhook verif-hash header
	Currency          string

	// Identity
	JWTSecret string // HMAC secret for verifying bearer tokens from the identity provider

	// Wallet limits
	MaxWalletBalance decimal.Decimal
	MinTopUp         decimal.Decimal

	// Commission fallbacks, used when the platform settings row is absent.
	// Values are the payee share (e.g. 0.85 means the platform keeps 15%).
	DeliveryCommissionRate  decimal.Decimal
	FoodCommissionRate      decimal.Decimal
	LaundryCommissionRate   decimal.Decimal
	ProductCommissionRate   decimal.Decimal
	AgreementCommissionRate decimal.Decimal // rate charged on top of agreement amounts

	// Delivery pricing fallbacks
	BaseDeliveryFee  decimal.Decimal
	DeliveryFeePerKm decimal.Decimal

	// Webhook materialization
	WebhookWorkers int64

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultCurrency = "NGN"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		GatewayPublicKey:        os.Getenv("GATEWAY_PUBLIC_KEY"),
		GatewaySecretHash:       os.Getenv("GATEWAY_SECRET_HASH"),
		Currency:                getEnv("CURRENCY", DefaultCurrency),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		MaxWalletBalance:        getEnvDecimal("MAX_WALLET_BALANCE", "50000.00"),
		MinTopUp:                getEnvDecimal("MIN_TOPUP", "1000.00"),
		DeliveryCommissionRate:  getEnvDecimal("DELIVERY_COMMISSION_RATE", "0.85"),
		FoodCommissionRate:      getEnvDecimal("FOOD_COMMISSION_RATE", "0.85"),
		LaundryCommissionRate:   getEnvDecimal("LAUNDRY_COMMISSION_RATE", "0.85"),
		ProductCommissionRate:   getEnvDecimal("PRODUCT_COMMISSION_RATE", "0.90"),
		AgreementCommissionRate: getEnvDecimal("AGREEMENT_COMMISSION_RATE", "0.025"),
		BaseDeliveryFee:         getEnvDecimal("BASE_DELIVERY_FEE", "500.00"),
		DeliveryFeePerKm:        getEnvDecimal("DELIVERY_FEE_PER_KM", "100.00"),
		WebhookWorkers:          getEnvInt64("WEBHOOK_WORKERS", 4),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewaySecretHash == "" {
		return fmt.Errorf("GATEWAY_SECRET_HASH is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	for name, rate := range map[string]decimal.Decimal{
		"DELIVERY_COMMISSION_RATE": c.DeliveryCommissionRate,
		"FOOD_COMMISSION_RATE":     c.FoodCommissionRate,
		"LAUNDRY_COMMISSION_RATE":  c.LaundryCommissionRate,
		"PRODUCT_COMMISSION_RATE":  c.ProductCommissionRate,
	} {
		if rate.LessThanOrEqual(decimal.Zero) || rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be in (0, 1]", name)
		}
	}
	if c.MinTopUp.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("MIN_TOPUP must be positive")
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if parsed, err := decimal.NewFromString(v); err == nil {
			return parsed
		}
	}
	d, _ := decimal.NewFromString(fallback)
	return d
}
