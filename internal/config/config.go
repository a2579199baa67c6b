// Package config loads the service's environment-variable configuration,
// following the same small typed-getter pattern used throughout this
// codebase's other services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the sandbox service.
type Config struct {
	// Core (spec.md §6.3)
	Port                   int
	MaxConcurrentSandboxes int64
	IdleTimeout            time.Duration

	// Ambient
	DockerHost        string
	SandboxImage      string
	IdleCheckInterval time.Duration
	CORSOrigins       []string
	LogFile           string
	SandboxPrivileged bool
}

// Load reads configuration from environment variables, applying the
// defaults spec.md §6.3 specifies.
func Load() *Config {
	return &Config{
		Port:                   getEnvInt("PORT", 3000),
		MaxConcurrentSandboxes: int64(getEnvInt("MAX_CONCURRENT_SANDBOXES", 10)),
		IdleTimeout:            getEnvDuration("IDLE_TIMEOUT_SECONDS", 600*time.Second),
		DockerHost:             getEnv("DOCKER_HOST", ""),
		SandboxImage:           getEnv("SANDBOX_IMAGE", "ubuntu:latest"),
		IdleCheckInterval:      getEnvDuration("IDLE_CHECK_INTERVAL", 60*time.Second),
		CORSOrigins:            getEnvList("CORS_ORIGINS", []string{"*"}),
		LogFile:                getEnv("LOG_FILE", ""),
		SandboxPrivileged:      getEnvBool("SANDBOX_PRIVILEGED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return defaultValue
}

// getEnvDuration parses the variable as a plain integer count of seconds
// (matching spec.md's "idle_timeout_seconds" naming) falling back to a Go
// duration string (e.g. "90s") if integer parsing fails.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultValue
}
