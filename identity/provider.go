package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteProvider logs users in against a remote identity provider using the
// resource-owner password grant. Both Keycloak and Auth0 token endpoints
// accept this form.
type RemoteProvider struct {
	tokenURL     string
	clientID     string
	clientSecret string
	audience     string
	scope        string
	httpClient   *http.Client
}

// RemoteProviderConfig holds provider connection settings.
type RemoteProviderConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Audience     string
	Scope        string
	Timeout      time.Duration
}

// NewRemoteProvider creates a provider client.
func NewRemoteProvider(cfg RemoteProviderConfig) *RemoteProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	scope := cfg.Scope
	if scope == "" {
		scope = "openid profile"
	}
	return &RemoteProvider{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		audience:     cfg.Audience,
		scope:        scope,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// TokenPair is the provider's token response.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// Login exchanges a username and password for a token pair.
func (p *RemoteProvider) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", p.clientID)
	form.Set("username", username)
	form.Set("password", password)
	form.Set("scope", p.scope)
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}
	if p.audience != "" {
		form.Set("audience", p.audience)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read login response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("login failed [%d]: %s: %s", resp.StatusCode, errResp.Error, errResp.Description)
		}
		return nil, fmt.Errorf("login failed [%d]: %s", resp.StatusCode, string(body))
	}

	var pair TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("provider returned no access token")
	}
	return &pair, nil
}
