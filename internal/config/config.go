// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Broker modes select the broker session implementation at startup.
// The mode is never inferred from credential shapes.
const (
	BrokerModeLive      = "live"
	BrokerModeSimulated = "simulated"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for local databases (credential store)
	LogLevel string
	Port     int
	DevMode  bool

	// Broker
	BrokerMode     string // "live" or "simulated"
	BrokerBaseURL  string
	BrokerWSURL    string
	BrokerUsername string
	BrokerAPIKey   string

	// Cloud engine
	CloudBaseURL         string
	CloudWSURL           string
	CloudCertFingerprint string // Optional SHA-256 certificate fingerprint for pinning
	ActivationToken      string // Single-use bot activation token, only needed on first run
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("RELAY_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".relay")
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("RELAY_PORT", 8090),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		BrokerMode:     getEnv("BROKER_MODE", BrokerModeLive),
		BrokerBaseURL:  getEnv("BROKER_API_URL", "https://api.topstepx.com"),
		BrokerWSURL:    getEnv("BROKER_WS_URL", "wss://rtc.topstepx.com/hubs/user"),
		BrokerUsername: getEnv("BROKER_USERNAME", ""),
		BrokerAPIKey:   getEnv("BROKER_API_KEY", ""),

		CloudBaseURL:         getEnv("CLOUD_API_URL", "https://engine.relayfleet.io"),
		CloudWSURL:           getEnv("CLOUD_WS_URL", "wss://engine.relayfleet.io/channel"),
		CloudCertFingerprint: getEnv("CLOUD_CERT_FINGERPRINT", ""),
		ActivationToken:      getEnv("CLOUD_ACTIVATION_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.BrokerMode != BrokerModeLive && c.BrokerMode != BrokerModeSimulated {
		return fmt.Errorf("invalid BROKER_MODE %q: must be %q or %q", c.BrokerMode, BrokerModeLive, BrokerModeSimulated)
	}

	// Broker credentials may come from the credential store instead of the
	// environment, so they are not required here.
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
