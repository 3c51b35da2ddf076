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
	Port        string
	FrontendURL string
	DBPath      string
	StoryPack   string

	GeminiAPIKey string
	GeminiModel  string

	// AnswerTimeout bounds one streamed character answer end to end.
	AnswerTimeout time.Duration
	// RunTTL is how long an untouched run survives before the sweeper
	// closes it.
	RunTTL time.Duration
	// GateSweepInterval is how often idle per-player gates are evicted.
	GateSweepInterval time.Duration
	// GateTTL is how long an idle gate survives between events.
	GateTTL time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/sleuth.db"),
		StoryPack:         getEnv("STORY_PACK", "./stories/stories.yaml"),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		AnswerTimeout:     getEnvDuration("ANSWER_TIMEOUT", 60*time.Second),
		RunTTL:            getEnvDuration("RUN_TTL", 24*time.Hour),
		GateSweepInterval: getEnvDuration("GATE_SWEEP_INTERVAL", time.Minute),
		GateTTL:           getEnvDuration("GATE_TTL", 10*time.Minute),
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
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY cannot be empty")
	}
	if c.GeminiModel == "" {
		return fmt.Errorf("GEMINI_MODEL cannot be empty")
	}
	if c.AnswerTimeout <= 0 {
		return fmt.Errorf("ANSWER_TIMEOUT must be > 0")
	}
	if c.RunTTL <= 0 {
		return fmt.Errorf("RUN_TTL must be > 0")
	}
	if c.GateSweepInterval <= 0 {
		return fmt.Errorf("GATE_SWEEP_INTERVAL must be > 0")
	}
	if c.GateTTL <= 0 {
		return fmt.Errorf("GATE_TTL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are read as seconds.
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
