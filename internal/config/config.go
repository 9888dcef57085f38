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

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RateLimit   RateLimitConfig
	Generator   GeneratorConfig
	Recorder    RecorderConfig
	Maintenance MaintenanceConfig

	PlansConfigPath string
	AdminUserIDs    []string
	CORSOrigins     []string
}

type RateLimitConfig struct {
	// Backend is "redis" or "ledger". Empty picks redis when an address is set.
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ConcurrencyLockEnabled    bool
	ConcurrencyTTLSeconds     int
	SubscriptionCacheSeconds  int
	SubscriptionCacheCapacity int
}

type GeneratorConfig struct {
	URL            string
	TimeoutSeconds int
}

type RecorderConfig struct {
	TimeoutMillis       int
	DrainTimeoutSeconds int
	DedupCapacity       int
}

type MaintenanceConfig struct {
	Enabled        bool
	Schedule       string
	RetentionHours int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	backend := strings.ToLower(strings.TrimSpace(getenv("RATE_LIMIT_BACKEND", "")))
	redisAddr := strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", ""))
	if backend == "" {
		backend = BackendLedger
		if redisAddr != "" {
			backend = BackendRedis
		}
	}

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "genquota"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "genquota"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "genquota.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RateLimit: RateLimitConfig{
			Backend:                   backend,
			RedisAddr:                 redisAddr,
			RedisPassword:             strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:                   getenvInt("RATE_LIMIT_REDIS_DB", 0),
			ConcurrencyLockEnabled:    getenvBool("RATE_LIMIT_CONCURRENCY_LOCK", true),
			ConcurrencyTTLSeconds:     getenvInt("RATE_LIMIT_CONCURRENCY_TTL_SECONDS", 120),
			SubscriptionCacheSeconds:  getenvInt("SUBSCRIPTION_CACHE_TTL_SECONDS", 30),
			SubscriptionCacheCapacity: getenvInt("SUBSCRIPTION_CACHE_CAPACITY", 10000),
		},
		Generator: GeneratorConfig{
			URL:            strings.TrimSpace(getenv("GENERATOR_URL", "")),
			TimeoutSeconds: getenvInt("GENERATOR_TIMEOUT_SECONDS", 60),
		},
		Recorder: RecorderConfig{
			TimeoutMillis:       getenvInt("RECORDER_TIMEOUT_MS", 5000),
			DrainTimeoutSeconds: getenvInt("RECORDER_DRAIN_TIMEOUT_SECONDS", 10),
			DedupCapacity:       getenvInt("RECORDER_DEDUP_CAPACITY", 4096),
		},
		Maintenance: MaintenanceConfig{
			Enabled:        getenvBool("MAINTENANCE_ENABLED", true),
			Schedule:       getenv("MAINTENANCE_SCHEDULE", "@every 1h"),
			RetentionHours: getenvInt("MAINTENANCE_EVENT_RETENTION_HOURS", 7*24),
		},

		PlansConfigPath: strings.TrimSpace(getenv("PLANS_CONFIG_PATH", "")),
		AdminUserIDs:    parseList(getenv("ADMIN_USER_IDS", "")),
		CORSOrigins:     parseList(getenv("CORS_ALLOWED_ORIGINS", "")),
	}

	return cfg
}

const (
	BackendRedis  = "redis"
	BackendLedger = "ledger"
)

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
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

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
