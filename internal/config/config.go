// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ErrInvalid marks configuration errors. They are fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Config holds process-level settings read from the environment.
type Config struct {
	Port           string // empty disables the HTTP surface
	GRPCHealthAddr string // empty disables the gRPC health service
	DBPath         string
	AppConfigPath  string
	BridgeURL      string
	AIAPIKey       string
	AIBaseURL      string
	LogLevel       string
	// WebhookToken, when set, is required as a bearer token on webhook ingest.
	WebhookToken   string
	AllowedOrigins []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8090"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		DBPath:         getEnv("DB_PATH", "./store/relay.db"),
		AppConfigPath:  getEnv("APP_CONFIG", "app.json"),
		BridgeURL:      strings.TrimRight(getEnv("BRIDGE_URL", "http://localhost:8080"), "/"),
		AIAPIKey:       firstEnv("AI_API_KEY", "PERPLEXITY_API_KEY"),
		AIBaseURL:      getEnv("AI_BASE_URL", "https://api.perplexity.ai"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		WebhookToken:   os.Getenv("WEBHOOK_TOKEN"),
		AllowedOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%w: DB_PATH cannot be empty", ErrInvalid)
	}
	if c.AppConfigPath == "" {
		return fmt.Errorf("%w: APP_CONFIG cannot be empty", ErrInvalid)
	}
	if c.BridgeURL == "" {
		return fmt.Errorf("%w: BRIDGE_URL cannot be empty", ErrInvalid)
	}
	if c.AIBaseURL == "" {
		return fmt.Errorf("%w: AI_BASE_URL cannot be empty", ErrInvalid)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// RequireBackend checks the settings needed to talk to the AI backend.
func (c *Config) RequireBackend() error {
	if c.AIAPIKey == "" {
		return fmt.Errorf("%w: AI_API_KEY (or PERPLEXITY_API_KEY) is required", ErrInvalid)
	}
	return nil
}

// ParseLogLevel maps a LOG_LEVEL value to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
