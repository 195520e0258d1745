package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverSupabase = "supabase"
	DriverMemory   = "memory"
)

// Config holds all configuration for the application
type Config struct {
	// Server
	Port        string
	CORSOrigins []string
	Env         string
	LogLevel    string

	// Auth0
	Auth0Domain   string
	Auth0Audience string

	// Persistence
	StoreDriver  string
	DatabaseURL  string
	SQLitePath   string
	Supabase     SupabaseConfig
	StoreTimeout time.Duration

	// Ledger
	CatalogSource      string
	DefaultTotalBudget decimal.Decimal
	SweepInterval      time.Duration

	// Change relay
	Kafka KafkaConfig

	// Rate limiting of ledger mutations
	RateLimitPerMinute int
	RateLimitBurst     int

	// S3 Storage (catalog objects)
	S3 S3Config
}

// SupabaseConfig holds the hosted backend connection settings
type SupabaseConfig struct {
	URL string
	Key string
}

// KafkaConfig holds the cross-instance change relay settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether the Kafka relay is configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// S3Config holds AWS S3 configuration
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // Optional: for MinIO/LocalStack local dev
}

// Load reads configuration from environment variables for the HTTP server
func Load() (*Config, error) {
	return load(true)
}

// LoadWithoutAuth reads configuration for offline commands that never validate tokens
func LoadWithoutAuth() (*Config, error) {
	return load(false)
}

func load(requireAuth bool) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	storeTimeout, err := getDuration("STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getDuration("SWEEP_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	defaultBudget, err := decimal.NewFromString(getEnv("DEFAULT_TOTAL_BUDGET", "1500000"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TOTAL_BUDGET must be a decimal: %w", err)
	}
	ratePerMinute, err := getInt("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		return nil, err
	}
	rateBurst, err := getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Auth0Domain:   getEnv("AUTH0_DOMAIN", ""),
		Auth0Audience: getEnv("AUTH0_AUDIENCE", ""),
		StoreDriver:   strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/ledger.db"),
		Supabase: SupabaseConfig{
			URL: getEnv("SUPABASE_URL", ""),
			Key: getEnv("SUPABASE_KEY", ""),
		},
		StoreTimeout:       storeTimeout,
		CatalogSource:      getEnv("CATALOG_SOURCE", "configs/catalog.toml"),
		DefaultTotalBudget: defaultBudget,
		SweepInterval:      sweepInterval,
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "ledger-changes"),
		},
		RateLimitPerMinute: ratePerMinute,
		RateLimitBurst:     rateBurst,
		S3: S3Config{
			Region:          getEnv("S3_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""), // Empty = use AWS, set for MinIO/LocalStack
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if requireAuth {
		if err := cfg.validateAuth(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	case DriverSupabase:
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DefaultTotalBudget.IsNegative() {
		return fmt.Errorf("DEFAULT_TOTAL_BUDGET must not be negative")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth0Domain == "" {
		return fmt.Errorf("AUTH0_DOMAIN is required")
	}
	if c.Auth0Audience == "" {
		return fmt.Errorf("AUTH0_AUDIENCE is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
