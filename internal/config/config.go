// Package config assembles runtime configuration from defaults, an optional
// TOML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr            string
	SQLitePath      string
	DatabaseURL     string
	RedisURL        string
	JWTSecret       string
	SaveInterval    time.Duration
	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Addr                   string `toml:"addr"`
	SQLitePath             string `toml:"sqlite_path"`
	DatabaseURL            string `toml:"database_url"`
	RedisURL               string `toml:"redis_url"`
	JWTSecret              string `toml:"jwt_secret"`
	SaveIntervalSeconds    int    `toml:"save_interval_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

// Load builds the effective configuration. path may be empty; a missing file
// is only an error when one was explicitly asked for.
func Load(path string) (Config, error) {
	fc := fileConfig{
		Addr:                   "localhost:8080",
		SQLitePath:             "docrelay.sqlite3",
		JWTSecret:              "docrelay-dev-secret",
		SaveIntervalSeconds:    5,
		ShutdownTimeoutSeconds: 10,
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return Config{
		Addr:            getenv("DOCRELAY_ADDR", fc.Addr),
		SQLitePath:      getenv("DOCRELAY_SQLITE_PATH", fc.SQLitePath),
		DatabaseURL:     getenv("DATABASE_URL", fc.DatabaseURL),
		RedisURL:        getenv("REDIS_URL", fc.RedisURL),
		JWTSecret:       getenv("DOCRELAY_JWT_SECRET", fc.JWTSecret),
		SaveInterval:    time.Duration(getenvInt("DOCRELAY_SAVE_INTERVAL_SECONDS", fc.SaveIntervalSeconds)) * time.Second,
		ShutdownTimeout: time.Duration(getenvInt("DOCRELAY_SHUTDOWN_TIMEOUT_SECONDS", fc.ShutdownTimeoutSeconds)) * time.Second,
	}, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
