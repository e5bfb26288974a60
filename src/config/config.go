package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// AppConfig holds all configuration for the application.
// The values are loaded from environment variables.
type AppConfig struct {
	// Core settings
	DatabasePath string
	LogLevel     string

	// Chart of accounts seed file (YAML)
	ChartOfAccountsPath string

	// Fallback owner for the ownership-resolution repair pass.
	DefaultOwnerUserID int64

	// Default tax rates for sale planning, e.g. "0.37" and "0.20".
	ShortTermTaxRate decimal.Decimal
	LongTermTaxRate  decimal.Decimal

	// Accounts per second the reconciliation sweep may touch.
	ReconcileRateLimit float64
}

// Cfg is a global instance of the AppConfig.
var Cfg *AppConfig

// LoadConfig loads configuration from environment variables or a .env file.
// It centralizes all configuration logic for the application.
func LoadConfig() {
	// 1. Try loading from the current directory (standard behavior)
	errEnv := godotenv.Load()

	// 2. If not found, try loading from the parent directory (common when running from a subdir)
	if errEnv != nil {
		errEnv = godotenv.Load("../.env")
	}

	if errEnv != nil {
		if os.IsNotExist(errEnv) {
			log.Println("Info: No .env file found in current or parent directory. Relying on OS environment variables (expected in production).")
		} else {
			log.Printf("Warning: Error loading .env file: %v. Relying on OS environment variables.", errEnv)
		}
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	Cfg = &AppConfig{
		DatabasePath:        getEnv("DATABASE_PATH", "./accounting.db"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		ChartOfAccountsPath: getEnv("CHART_OF_ACCOUNTS_PATH", "data/chart_of_accounts.yaml"),
		DefaultOwnerUserID:  getEnvAsInt64("DEFAULT_OWNER_USER_ID", 1),
		ShortTermTaxRate:    getEnvAsDecimal("SHORT_TERM_TAX_RATE", "0.37"),
		LongTermTaxRate:     getEnvAsDecimal("LONG_TERM_TAX_RATE", "0.20"),
		ReconcileRateLimit:  getEnvAsFloat("RECONCILE_RATE_LIMIT", 50),
	}

	log.Printf("Configuration loaded: LogLevel=%s, DBPath=%s, ChartPath=%s",
		Cfg.LogLevel, Cfg.DatabasePath, Cfg.ChartOfAccountsPath)
}

// getEnv retrieves an environment variable or returns a fallback value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

// getEnvAsInt64 retrieves an environment variable as an int64 or returns a fallback.
func getEnvAsInt64(key string, fallback int64) int64 {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

// getEnvAsFloat retrieves an environment variable as a float64 or returns a fallback.
func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	log.Printf("Invalid float value for %s ('%s'), using default: %f", key, valueStr, fallback)
	return fallback
}

// getEnvAsDecimal retrieves an environment variable as a decimal or returns a fallback.
// Tax rates go through decimal so estimates never touch binary floating point.
func getEnvAsDecimal(key, fallback string) decimal.Decimal {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		valueStr = fallback
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		log.Printf("Invalid decimal value for %s ('%s'), using default: %s", key, valueStr, fallback)
		value, _ = decimal.NewFromString(fallback)
	}
	return value
}
