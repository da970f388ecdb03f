package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ClientConfig is the SDK-side configuration, conventionally stored at
// ~/.macaw/config.json.
type ClientConfig struct {
	ControlPlaneURL string `json:"control_plane_url"`
	APIKey          string `json:"api_key,omitempty"`

	IdentityProvider struct {
		TokenURL     string `json:"token_url,omitempty"`
		ClientID     string `json:"client_id,omitempty"`
		ClientSecret string `json:"client_secret,omitempty"`
		Audience     string `json:"audience,omitempty"`
	} `json:"identity_provider,omitempty"`

	DefaultAppName string `json:"default_app_name,omitempty"`

	// Saved by `macaw login` and reused by CLI commands and SDK wrappers.
	UserName string `json:"user_name,omitempty"`
	IAMToken string `json:"iam_token,omitempty"`
}

// ClientConfigPath returns the config file location. MACAW_CONFIG_DIR
// overrides the ~/.macaw default.
func ClientConfigPath() (string, error) {
	if dir := os.Getenv("MACAW_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "config.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".macaw", "config.json"), nil
}

// LoadClientConfig reads the client configuration. A missing file yields the
// zero config with the local default control plane URL, not an error.
func LoadClientConfig() (*ClientConfig, error) {
	path, err := ClientConfigPath()
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{ControlPlaneURL: "http://localhost:8080"}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config %s: %w", path, err)
	}
	if cfg.ControlPlaneURL == "" {
		cfg.ControlPlaneURL = "http://localhost:8080"
	}
	return cfg, nil
}

// SaveClientConfig writes the client configuration, creating the directory if
// needed.
func SaveClientConfig(cfg *ClientConfig) error {
	path, err := ClientConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
