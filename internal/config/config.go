// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	AllowedOrigin    string
	DBPath           string
	DataDir          string
	SandboxImage     string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	SessionTTL       time.Duration
	SweepInterval    time.Duration
	ProfilesPath     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		AllowedOrigin:    getEnv("ALLOWED_ORIGIN", ""),
		DBPath:           getEnv("DB_PATH", "./data/moor.db"),
		DataDir:          getEnv("DATA_DIR", "./data"),
		SandboxImage:     getEnv("SANDBOX_IMAGE", "moor-agent:latest"),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		SessionTTL:       getEnvDuration("SESSION_TTL", 60*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		ProfilesPath:     getEnv("PROFILES_PATH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.SandboxImage == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(n) * time.Minute
	}
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
		return d
	}
	return fallback
}
