package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. A missing .env is not fatal; callers ignore the
// error and fall back to system env or defaults.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback if unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable
// named by key (Go duration syntax, e.g. "10s"), or fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
