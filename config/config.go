// Package config provides configuration for the control plane and clients.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the control plane configuration.
type Config struct {
	// Server settings
	HTTPPort    int    `yaml:"http_port"`
	MetricsPath string `yaml:"metrics_path"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Policy
	PolicyPath    string `yaml:"policy_path"`    // rego module, empty for built-in
	HierarchyPath string `yaml:"hierarchy_path"` // policy tree JSON, empty to disable
	SweepSchedule string `yaml:"sweep_schedule"` // cron spec for attestation expiry

	// Identity
	JWKSUrl     string `yaml:"jwks_url"`
	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`

	// LLM upstream (OpenAI-compatible)
	LLMUpstreamURL string        `yaml:"llm_upstream_url"`
	LLMAPIKey      string        `yaml:"llm_api_key"`
	LLMTimeout     time.Duration `yaml:"llm_timeout"`

	// Timeouts
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	AttestationTimeout time.Duration `yaml:"attestation_timeout"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Load loads configuration from environment variables. When MACAW_CONFIG_FILE
// points at a YAML file it is read first and the environment overrides it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("MACAW_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.PolicyPath = getEnv("POLICY_PATH", cfg.PolicyPath)
	cfg.HierarchyPath = getEnv("POLICY_HIERARCHY_PATH", cfg.HierarchyPath)
	cfg.SweepSchedule = getEnv("SWEEP_SCHEDULE", cfg.SweepSchedule)
	cfg.JWKSUrl = getEnv("JWKS_URL", cfg.JWKSUrl)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getEnv("JWT_ISSUER", cfg.JWTIssuer)
	cfg.JWTAudience = getEnv("JWT_AUDIENCE", cfg.JWTAudience)
	cfg.LLMUpstreamURL = getEnv("LLM_UPSTREAM_URL", cfg.LLMUpstreamURL)
	cfg.LLMAPIKey = getEnv("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMTimeout = time.Duration(getEnvInt("LLM_TIMEOUT_MS", int(cfg.LLMTimeout/time.Millisecond))) * time.Millisecond
	cfg.ToolTimeout = time.Duration(getEnvInt("TOOL_TIMEOUT_MS", int(cfg.ToolTimeout/time.Millisecond))) * time.Millisecond
	cfg.AttestationTimeout = time.Duration(getEnvInt("ATTESTATION_TIMEOUT_MS", int(cfg.AttestationTimeout/time.Millisecond))) * time.Millisecond
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPPort:           8080,
		MetricsPath:        "/metrics",
		DatabaseURL:        "file:macaw.db?cache=shared&mode=rwc",
		SweepSchedule:      "@every 30s",
		LLMUpstreamURL:     "https://api.openai.com",
		LLMTimeout:         120 * time.Second,
		ToolTimeout:        60 * time.Second,
		AttestationTimeout: 10 * time.Minute,
		LogLevel:           "info",
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
