// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Access control
	OwnerAccount  string   // Platform owner; may define plans
	AdminAccounts []string // Accounts allowed to create/finalize payments

	// GatewayAccount is the custody account escrowed funds are held under.
	GatewayAccount string

	// Settlement
	SuccessFeeBps      int // Gateway fee on successful settlement, basis points
	ExpiredFeeBps      int // Penalty fee on expired refunds, basis points
	DefaultPlanCap     int // Capacity seeded into plan 1
	EnabledAssets      []string
	SettleInterval     int  // Seconds between auto-settlement scans (0 = disabled)
	AutoFinalizeExpiry bool // Force-expire undeposited invoices during scans

	// Observability
	OTLPEndpoint string
}

// Defaults mirror the reference deployment: 2% success fee, 5% expiry penalty.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultSuccessFeeBps  = 200
	DefaultExpiredFeeBps  = 500
	DefaultPlanCapacity   = 5
	DefaultSettleInterval = 30
	DefaultGatewayAccount = "gateway"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OwnerAccount:       os.Getenv("OWNER_ACCOUNT"),
		GatewayAccount:     getEnv("GATEWAY_ACCOUNT", DefaultGatewayAccount),
		AdminAccounts:      getEnvList("ADMIN_ACCOUNTS"),
		SuccessFeeBps:      getEnvInt("SUCCESS_FEE_BPS", DefaultSuccessFeeBps),
		ExpiredFeeBps:      getEnvInt("EXPIRED_FEE_BPS", DefaultExpiredFeeBps),
		DefaultPlanCap:     getEnvInt("DEFAULT_PLAN_CAPACITY", DefaultPlanCapacity),
		EnabledAssets:      getEnvList("ENABLED_ASSETS"),
		SettleInterval:     getEnvInt("SETTLE_INTERVAL_SECONDS", DefaultSettleInterval),
		AutoFinalizeExpiry: getEnvBool("AUTO_FINALIZE_EXPIRED", true),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OwnerAccount == "" {
		return fmt.Errorf("OWNER_ACCOUNT is required")
	}
	if c.SuccessFeeBps < 0 || c.SuccessFeeBps >= 10000 {
		return fmt.Errorf("SUCCESS_FEE_BPS must be in [0, 10000)")
	}
	if c.ExpiredFeeBps < 0 || c.ExpiredFeeBps >= 10000 {
		return fmt.Errorf("EXPIRED_FEE_BPS must be in [0, 10000)")
	}
	if c.DefaultPlanCap <= 0 {
		return fmt.Errorf("DEFAULT_PLAN_CAPACITY must be positive")
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

// getEnvList parses a comma-separated env var, trimming blanks.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
