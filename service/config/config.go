package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/db"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/session"
	"github.com/brojonat/solverify/service/solana"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	LogLevel    string
	MetricsAddr string

	// Solana configuration. SolanaRPCURL may be a comma-separated list; one
	// endpoint is picked at random per process.
	SolanaRPCURL    string
	ReceiverAddress string

	// Pricing
	UnitPrice decimal.Decimal

	// Ledger scan
	ScanWindow int
	ScanDelay  time.Duration

	// Verification session
	Countdown           time.Duration
	AutoPollInterval    time.Duration
	AutoPollMaxAttempts int

	// Pay-to-unlock
	UnlockFee          decimal.Decimal
	UnlockPollInterval time.Duration
	UnlockMaxAttempts  int

	// Storage
	StoreBackend string
	StorePath    string
	DatabaseURL  string

	// NATS configuration. Empty disables purchase events.
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error listing every missing or invalid value.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	cfg.ReceiverAddress = os.Getenv("RECEIVER_ADDRESS")
	if cfg.ReceiverAddress == "" {
		errs = append(errs, fmt.Errorf("RECEIVER_ADDRESS is required"))
	} else if err := payment.ValidateAddress(cfg.ReceiverAddress); err != nil {
		errs = append(errs, fmt.Errorf("RECEIVER_ADDRESS: %w", err))
	}

	// Pricing
	cfg.UnitPrice = parseDecimal("UNIT_PRICE", payment.DefaultUnitPrice, &errs)

	// Ledger scan
	cfg.ScanWindow = parseIntInto("SCAN_WINDOW", solana.DefaultScanWindow, &errs)
	cfg.ScanDelay = parseDurationInto("SCAN_DELAY", "500ms", &errs)

	// Verification session
	cfg.Countdown = parseDurationInto("COUNTDOWN", "300s", &errs)
	cfg.AutoPollInterval = parseDurationInto("AUTO_POLL_INTERVAL", "10s", &errs)
	cfg.AutoPollMaxAttempts = parseIntInto("AUTO_POLL_MAX_ATTEMPTS", 30, &errs)

	// Pay-to-unlock
	cfg.UnlockFee = parseDecimal("UNLOCK_FEE", session.DefaultUnlockFee, &errs)
	cfg.UnlockPollInterval = parseDurationInto("UNLOCK_POLL_INTERVAL", "3s", &errs)
	cfg.UnlockMaxAttempts = parseIntInto("UNLOCK_MAX_ATTEMPTS", 30, &errs)

	// Storage
	cfg.StoreBackend = getEnvOrDefault("STORE_BACKEND", db.BackendLevelDB)
	cfg.StorePath = getEnvOrDefault("STORE_PATH", "./data/solverify")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// NATS configuration
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "solverify-verification")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if err := payment.ValidateAddress(c.ReceiverAddress); err != nil {
		errs = append(errs, fmt.Errorf("ReceiverAddress: %w", err))
	}

	if !c.UnitPrice.IsPositive() {
		errs = append(errs, fmt.Errorf("UnitPrice must be positive"))
	}

	if c.ScanWindow <= 0 {
		errs = append(errs, fmt.Errorf("ScanWindow must be positive"))
	}

	if c.ScanDelay < 0 {
		errs = append(errs, fmt.Errorf("ScanDelay cannot be negative"))
	}

	if c.Countdown < 0 {
		errs = append(errs, fmt.Errorf("Countdown cannot be negative"))
	}

	// A zero interval turns automatic rechecks off.
	if c.AutoPollInterval < 0 {
		errs = append(errs, fmt.Errorf("AutoPollInterval cannot be negative"))
	}
	if c.AutoPollInterval > 0 && c.AutoPollMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("AutoPollMaxAttempts must be positive when AutoPollInterval is set"))
	}

	if !c.UnlockFee.IsPositive() {
		errs = append(errs, fmt.Errorf("UnlockFee must be positive"))
	}

	if c.UnlockPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("UnlockPollInterval must be positive"))
	}

	if c.UnlockMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("UnlockMaxAttempts must be positive"))
	}

	switch c.StoreBackend {
	case db.BackendMemory:
	case db.BackendLevelDB:
		if c.StorePath == "" {
			errs = append(errs, fmt.Errorf("StorePath is required for the leveldb backend"))
		}
	case db.BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DatabaseURL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("StoreBackend must be one of memory, leveldb, postgres, got %q", c.StoreBackend))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// StoreOptions returns the options for db.Open.
func (c *Config) StoreOptions() db.Options {
	return db.Options{
		Backend:     c.StoreBackend,
		Path:        c.StorePath,
		DatabaseURL: c.DatabaseURL,
	}
}

// ScannerConfig returns the ledger scan settings.
func (c *Config) ScannerConfig() solana.ScannerConfig {
	return solana.ScannerConfig{
		Window: c.ScanWindow,
		Delay:  c.ScanDelay,
	}
}

// SessionConfig returns the verification session timings.
func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Countdown = c.Countdown
	cfg.PollInterval = c.AutoPollInterval
	cfg.PollMaxAttempts = c.AutoPollMaxAttempts
	return cfg
}

// UnlockConfig returns the pay-to-unlock settings.
func (c *Config) UnlockConfig() session.UnlockConfig {
	cfg := session.DefaultUnlockConfig()
	cfg.Fee = c.UnlockFee
	cfg.Interval = c.UnlockPollInterval
	cfg.MaxAttempts = c.UnlockMaxAttempts
	return cfg
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseDurationInto(key, defaultValue string, errs *[]error) time.Duration {
	d, err := parseDuration(key, defaultValue)
	if err != nil {
		*errs = append(*errs, err)
	}
	return d
}

func parseIntInto(key string, defaultValue int, errs *[]error) int {
	n, err := parseInt(key, defaultValue)
	if err != nil {
		*errs = append(*errs, err)
	}
	return n
}

// parseDecimal parses a decimal amount from an environment variable or uses a default.
func parseDecimal(key string, defaultValue decimal.Decimal, errs *[]error) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err))
		return defaultValue
	}
	return d
}
