package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable of the engine. Values come from the
// environment (optionally seeded from a .env file); the tier table lives in
// its own YAML file because operators edit it independently of deploys.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	UseMemory  bool // run against the in-memory store, no postgres needed

	KafkaBrokers []string

	RailBaseURL string
	RailTimeout time.Duration

	CoolDownWindow       time.Duration // dispute buffer before a commission is payable
	SettlementInterval   time.Duration
	SettlementBatchLimit int
	MaxSettlementRetries int
	StalledAfter         time.Duration // scheduled-for-longer-than-this triggers recovery

	TierTablePath   string
	ReferralBaseURL string
	CodePrefix      string
}

func Load() *Config {
	// missing .env is fine in production, env vars win either way
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "referrals"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		UseMemory:  getEnvAsBool("USE_MEMORY_STORE", false),

		KafkaBrokers: getEnvAsSlice("KAFKA_BROKERS", nil),

		RailBaseURL: getEnv("PAYMENT_RAIL_URL", ""),
		RailTimeout: getEnvAsDuration("PAYMENT_RAIL_TIMEOUT", 15*time.Second),

		CoolDownWindow:       getEnvAsDuration("SETTLEMENT_COOLDOWN", 24*time.Hour),
		SettlementInterval:   getEnvAsDuration("SETTLEMENT_INTERVAL", time.Hour),
		SettlementBatchLimit: getEnvAsInt("SETTLEMENT_BATCH_LIMIT", 100),
		MaxSettlementRetries: getEnvAsInt("SETTLEMENT_MAX_RETRIES", 3),
		StalledAfter:         getEnvAsDuration("SETTLEMENT_STALLED_AFTER", 2*time.Hour),

		TierTablePath:   getEnv("TIER_TABLE_PATH", ""),
		ReferralBaseURL: getEnv("REFERRAL_BASE_URL", "https://youtuneai.com"),
		CodePrefix:      getEnv("REFERRAL_CODE_PREFIX", "YT2"),
	}

	return cfg
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost + " port=" + c.DBPort + " user=" + c.DBUser +
		" password=" + c.DBPassword + " dbname=" + c.DBName + " sslmode=" + c.DBSSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if val, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if val, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if val, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	val := getEnv(key, "")
	if val == "" {
		return defaultValue
	}
	var parts []string
	for _, part := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
