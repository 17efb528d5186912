package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr string

	// Env selects dev conveniences (seeding, console logs).
	Env string // "dev" | "prod"

	// Store
	StoreKind string // "sqlite" | "memory"
	DBPath    string // e.g. "./data/lockerd.db"

	// Identity provider boundary
	JWTSecret string
	JWTIssuer string

	// Embedded controllers authenticate telemetry with this shared key.
	DeviceKey string

	// Change notification
	BusBuffer   int    // per-subscriber channel capacity
	LogTopicN   int    // log entries in a logs-topic snapshot
	RedisAddr   string // empty disables the Redis Streams mirror
	RedisPrefix string

	// Command watchdog
	WatchdogWindowSeconds   int // 0 = disabled
	WatchdogIntervalSeconds int

	LogLevel  string
	LogFormat string // "json" | "console"
}

func FromEnv() Config {
	env := strings.ToLower(getenvDefault("LOCKERD_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	storeKind := strings.ToLower(getenvDefault("LOCKERD_STORE", "sqlite"))
	if storeKind != "sqlite" && storeKind != "memory" {
		storeKind = "sqlite"
	}

	logFormat := getenvDefault("LOCKERD_LOG_FORMAT", "json")
	if env == "dev" && os.Getenv("LOCKERD_LOG_FORMAT") == "" {
		logFormat = "console"
	}

	return Config{
		HTTPAddr: getenvDefault("LOCKERD_HTTP_ADDR", ":8080"),
		Env:      env,

		StoreKind: storeKind,
		DBPath:    getenvDefault("LOCKERD_DB_PATH", "./data/lockerd.db"),

		JWTSecret: os.Getenv("LOCKERD_JWT_SECRET"),
		JWTIssuer: getenvDefault("LOCKERD_JWT_ISSUER", "lockerd"),

		DeviceKey: os.Getenv("LOCKERD_DEVICE_KEY"),

		BusBuffer:   getenvInt("LOCKERD_BUS_BUFFER", 256),
		LogTopicN:   getenvInt("LOCKERD_LOG_TOPIC_N", 30),
		RedisAddr:   os.Getenv("LOCKERD_REDIS_ADDR"),
		RedisPrefix: getenvDefault("LOCKERD_REDIS_PREFIX", "lockerd"),

		WatchdogWindowSeconds:   getenvInt("LOCKERD_WATCHDOG_WINDOW_SECONDS", 0),
		WatchdogIntervalSeconds: getenvInt("LOCKERD_WATCHDOG_INTERVAL_SECONDS", 60),

		LogLevel:  getenvDefault("LOCKERD_LOG_LEVEL", "info"),
		LogFormat: logFormat,
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
