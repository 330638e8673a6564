package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds scheduler configuration.
type Config struct {
	LogLevel string

	// DatabaseDriver is "postgres" or "sqlite".
	DatabaseDriver string
	DatabaseURL    string

	// TickInterval is the cadence of the built-in timer trigger.
	TickInterval time.Duration
	// ClaimTimeout is how long a claim may go without an outcome before
	// any instance may reclaim it.
	ClaimTimeout time.Duration
	// GatewayTimeout bounds one charge call.
	GatewayTimeout time.Duration
	// GatewayRatePerSec caps outbound charge calls per second.
	GatewayRatePerSec float64
	BatchLimit        int
	Workers           int

	// RetryPolicyFile optionally points at a YAML retry policy.
	RetryPolicyFile string

	// OrderServiceURL is the base URL of the order collaborator.
	OrderServiceURL string
	// GatewayURL is the base URL of the payment gateway adapter.
	GatewayURL    string
	GatewayAPIKey string

	// RedisAddr enables the redis pending-task surface when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TaskStream    string

	OTLPEndpoint string
	OTelEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://keel@localhost:5432/keel?sslmode=disable"
	}

	return &Config{
		LogLevel:          logLevel,
		DatabaseDriver:    driver,
		DatabaseURL:       dbURL,
		TickInterval:      envDuration("TICK_INTERVAL", time.Hour),
		ClaimTimeout:      envDuration("CLAIM_TIMEOUT", 15*time.Minute),
		GatewayTimeout:    envDuration("GATEWAY_TIMEOUT", 30*time.Second),
		GatewayRatePerSec: envFloat("GATEWAY_RATE_PER_SEC", 10),
		BatchLimit:        envInt("BATCH_LIMIT", 100),
		Workers:           envInt("WORKERS", 4),
		RetryPolicyFile:   os.Getenv("RETRY_POLICY_FILE"),
		OrderServiceURL:   os.Getenv("ORDER_SERVICE_URL"),
		GatewayURL:        os.Getenv("GATEWAY_URL"),
		GatewayAPIKey:     os.Getenv("GATEWAY_API_KEY"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           envInt("REDIS_DB", 0),
		TaskStream:        os.Getenv("TASK_STREAM"),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
