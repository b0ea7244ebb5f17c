package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Logger LoggerConfig

	// ReportingTimezone anchors the daily usage reset instant for every
	// user, independent of request origin or server locale.
	ReportingTimezone string

	// CatalogPath points at the feature/tier catalog file.
	CatalogPath string

	// UsageRetentionDays controls how long settled usage counters are kept.
	UsageRetentionDays int

	// MonthlyGrantEnabled turns the scheduler's allowance grant pass on.
	MonthlyGrantEnabled bool

	OTLPEndpoint string
	OTLPProtocol string

	MetricsEnabled bool
	TracingEnabled bool

	RateLimit RateLimitConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
}

type LoggerConfig struct {
	Level string
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	InvokeUserRate  float64
	InvokeUserBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "atelier"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		ReportingTimezone:   getenv("REPORTING_TIMEZONE", "America/New_York"),
		CatalogPath:         getenv("CATALOG_PATH", "catalog.yaml"),
		UsageRetentionDays:  getenvInt("USAGE_RETENTION_DAYS", 30),
		MonthlyGrantEnabled: getenvBool("MONTHLY_GRANT_ENABLED", true),
		OTLPEndpoint:        getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:        getenv("OTLP_PROTOCOL", "grpc"),
		MetricsEnabled:      getenvBool("METRICS_ENABLED", false),
		TracingEnabled:      getenvBool("TRACING_ENABLED", false),
		RateLimit: RateLimitConfig{
			Enabled:         getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:       getenv("RATE_LIMIT_REDIS_ADDR", ""),
			RedisPassword:   getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:         getenvInt("RATE_LIMIT_REDIS_DB", 0),
			InvokeUserRate:  getenvFloat("RATE_LIMIT_INVOKE_USER_RATE", 5),
			InvokeUserBurst: getenvInt("RATE_LIMIT_INVOKE_USER_BURST", 10),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "atelier"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
