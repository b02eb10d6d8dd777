// Package config holds the small set of helpers shared by the dispatcher,
// worker, and client CLI entrypoints: environment-variable-defaulted flag
// values and zap logger construction (envOrDefault, buildLogger style).
package config

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if unset or empty.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// EnvOrDefaultInt parses the named environment variable as an int, or
// returns defaultVal if unset or unparsable.
func EnvOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// EnvOrDefaultDuration parses the named environment variable with
// time.ParseDuration, or returns defaultVal if unset or unparsable.
func EnvOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// BuildLogger constructs a zap.Logger at the named level ("debug", "info",
// "warn", "error"), defaulting to production (JSON) encoding except at
// debug where the development (console) encoding is used.
func BuildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
