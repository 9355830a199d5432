package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	LogLevel    string

	AdminAPIKey string

	PolicyPath     string
	OPABundlePath  string
	OPABundleID    string

	DriverURL            string
	DriverTimeoutSeconds int

	ConfirmationTimeoutSeconds int
	ReadRetryCount             int
	ReadRetryBackoffMillis     int

	VaultAutoLockSeconds  int
	VaultLockGraceSeconds int
	ArgonTimeCost         int
	ArgonMemoryKiB        int
	ArgonThreads          int
	UnlockMaxFailures     int
	UnlockLockoutSeconds  int

	RateLimitMaxKeys int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:                   addr,
		PostgresDSN:                os.Getenv("POSTGRES_DSN"),
		LogLevel:                   envDefault("LOG_LEVEL", "info"),
		AdminAPIKey:                os.Getenv("ADMIN_API_KEY"),
		PolicyPath:                 os.Getenv("POLICY_PATH"),
		OPABundlePath:              os.Getenv("OPA_BUNDLE_PATH"),
		OPABundleID:                os.Getenv("OPA_BUNDLE_ID"),
		DriverURL:                  os.Getenv("DRIVER_URL"),
		DriverTimeoutSeconds:       envIntDefault("DRIVER_TIMEOUT_SECONDS", 30),
		ConfirmationTimeoutSeconds: envIntDefault("CONFIRMATION_TIMEOUT_SECONDS", 300),
		ReadRetryCount:             envIntDefault("READ_RETRY_COUNT", 2),
		ReadRetryBackoffMillis:     envIntDefault("READ_RETRY_BACKOFF_MS", 250),
		VaultAutoLockSeconds:       envIntDefault("VAULT_AUTO_LOCK_SECONDS", 1800),
		VaultLockGraceSeconds:      envIntDefault("VAULT_LOCK_GRACE_SECONDS", 10),
		ArgonTimeCost:              envIntDefault("VAULT_ARGON_TIME", 1),
		ArgonMemoryKiB:             envIntDefault("VAULT_ARGON_MEMORY_KIB", 64*1024),
		ArgonThreads:               envIntDefault("VAULT_ARGON_THREADS", 4),
		UnlockMaxFailures:          envIntDefault("VAULT_UNLOCK_MAX_FAILURES", 5),
		UnlockLockoutSeconds:       envIntDefault("VAULT_UNLOCK_LOCKOUT_SECONDS", 300),
		RateLimitMaxKeys:           envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPassword:              os.Getenv("REDIS_PASSWORD"),
		RedisDB:                    envIntDefault("REDIS_DB", 0),
	}
}

func (c Config) DriverTimeout() time.Duration {
	return time.Duration(c.DriverTimeoutSeconds) * time.Second
}

func (c Config) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutSeconds) * time.Second
}

func (c Config) ReadRetryBackoff() time.Duration {
	return time.Duration(c.ReadRetryBackoffMillis) * time.Millisecond
}

func (c Config) VaultAutoLock() time.Duration {
	return time.Duration(c.VaultAutoLockSeconds) * time.Second
}

func (c Config) VaultLockGrace() time.Duration {
	return time.Duration(c.VaultLockGraceSeconds) * time.Second
}

func (c Config) UnlockLockout() time.Duration {
	return time.Duration(c.UnlockLockoutSeconds) * time.Second
}

func envDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envIntDefault(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
