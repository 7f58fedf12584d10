package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Device identity carried in webhook payloads and X-Device-Id
	DeviceID string

	// Remote sync API
	RemoteAPIURL string
	RemoteAPIKey string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Delivery configuration
	WebhookTimeout     time.Duration
	MaxDeliveryRetries int
	ExcerptLimit       int

	// Sync and retention configuration
	SyncInterval     time.Duration
	RetentionHorizon time.Duration

	// Connectivity probe
	ProbeURL      string
	ProbeInterval time.Duration
}

// Load reads configuration from environment variables and validates all
// required fields. Returns an error if any required configuration is missing
// or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Device identity
	cfg.DeviceID = os.Getenv("DEVICE_ID")
	if cfg.DeviceID == "" {
		errs = append(errs, fmt.Errorf("DEVICE_ID is required"))
	}

	// Remote sync API. The key may legitimately be empty for unauthenticated
	// deployments; the URL may not.
	cfg.RemoteAPIURL = os.Getenv("REMOTE_API_URL")
	if cfg.RemoteAPIURL == "" {
		errs = append(errs, fmt.Errorf("REMOTE_API_URL is required"))
	}
	cfg.RemoteAPIKey = os.Getenv("REMOTE_API_KEY")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "momoterminal-relay")

	// Delivery configuration
	webhookTimeout, err := parseDuration("WEBHOOK_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.WebhookTimeout = webhookTimeout
	}

	maxRetries, err := parseInt("MAX_DELIVERY_RETRIES", "5")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxDeliveryRetries = maxRetries
	}

	excerptLimit, err := parseInt("RESPONSE_EXCERPT_LIMIT", "1000")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ExcerptLimit = excerptLimit
	}

	// Sync and retention configuration
	syncInterval, err := parseDuration("SYNC_INTERVAL", "15m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SyncInterval = syncInterval
	}

	retentionHorizon, err := parseDuration("RETENTION_HORIZON", "720h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RetentionHorizon = retentionHorizon
	}

	// Connectivity probe
	cfg.ProbeURL = getEnvOrDefault("CONNECTIVITY_PROBE_URL", "https://connectivitycheck.gstatic.com/generate_204")
	probeInterval, err := parseDuration("CONNECTIVITY_PROBE_INTERVAL", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ProbeInterval = probeInterval
	}

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

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.DeviceID == "" {
		errs = append(errs, fmt.Errorf("DeviceID is required"))
	}

	if c.RemoteAPIURL == "" {
		errs = append(errs, fmt.Errorf("RemoteAPIURL is required"))
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

	if c.WebhookTimeout < time.Second {
		errs = append(errs, fmt.Errorf("WebhookTimeout must be at least 1 second"))
	}

	if c.MaxDeliveryRetries < 1 {
		errs = append(errs, fmt.Errorf("MaxDeliveryRetries must be at least 1"))
	}

	if c.ExcerptLimit < 1 {
		errs = append(errs, fmt.Errorf("ExcerptLimit must be at least 1"))
	}

	if c.SyncInterval < time.Minute {
		errs = append(errs, fmt.Errorf("SyncInterval must be at least 1 minute"))
	}

	if c.RetentionHorizon < time.Hour {
		errs = append(errs, fmt.Errorf("RetentionHorizon must be at least 1 hour"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
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
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key, defaultValue string) (int, error) {
	value := getEnvOrDefault(key, defaultValue)
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
