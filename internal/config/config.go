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
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Allocation AllocationConfig
	Risk       RiskConfig
	Metrics    MetricsConfig
}

type LoggerConfig struct {
	Level string
}

// AllocationConfig tunes the allocation engine.
type AllocationConfig struct {
	// AdvisoryLockEnabled puts a short redis lock in front of the CAS
	// transaction to reduce wasted conflicts under contention. The CAS
	// alone is what guarantees correctness.
	AdvisoryLockEnabled bool
	AdvisoryLockTTLSecs int
	WarningThresholdPct int
}

// RiskConfig tunes the fraud risk scorer.
type RiskConfig struct {
	LookbackHours        int
	FailureThreshold     int
	OffHoursSharePct     int
	RapidActionWindowSec int
}

type MetricsConfig struct {
	Enabled  bool
	Exporter string
	Endpoint string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "quarters"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "quarters"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Allocation: AllocationConfig{
			AdvisoryLockEnabled: getenvBool("ALLOCATION_ADVISORY_LOCK", false),
			AdvisoryLockTTLSecs: getenvInt("ALLOCATION_ADVISORY_LOCK_TTL", 5),
			WarningThresholdPct: getenvInt("ALLOCATION_WARNING_THRESHOLD_PCT", 80),
		},
		Risk: RiskConfig{
			LookbackHours:        getenvInt("RISK_LOOKBACK_HOURS", 24),
			FailureThreshold:     getenvInt("RISK_FAILURE_THRESHOLD", 5),
			OffHoursSharePct:     getenvInt("RISK_OFF_HOURS_SHARE_PCT", 60),
			RapidActionWindowSec: getenvInt("RISK_RAPID_ACTION_WINDOW_SEC", 60),
		},
		Metrics: MetricsConfig{
			Enabled:  getenvBool("METRICS_ENABLED", false),
			Exporter: strings.ToLower(getenv("METRICS_EXPORTER", "grpc")),
			Endpoint: strings.TrimSpace(getenv("METRICS_ENDPOINT", "localhost:4317")),
		},
	}
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
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
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
