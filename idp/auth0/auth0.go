// Package auth0 provisions an Auth0 tenant for the control plane: application,
// API (audience), users with app_metadata, and the post-login Action that
// copies app_metadata into the namespaced custom claims. Every step checks for
// the resource before creating it, so bootstrap can run repeatedly.
package auth0

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/macawsecurity/secureAI/identity"
)

// Config holds connection settings for the Auth0 Management API.
type Config struct {
	Domain          string        `json:"domain"` // e.g. dev-xyz.us.auth0.com
	ManagementToken string        `json:"management_token"`
	AppName         string        `json:"app_name"`
	APIIdentifier   string        `json:"api_identifier"` // audience
	Connection      string        `json:"connection"`     // default Username-Password-Authentication
	Timeout         time.Duration `json:"-"`
}

// User describes a user to provision. Metadata keys become namespaced claims
// via the post-login Action.
type User struct {
	Email         string   `json:"email"`
	Password      string   `json:"password"`
	Roles         []string `json:"roles,omitempty"`
	Tier          string   `json:"tier,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
	Organization  string   `json:"organization,omitempty"`
	BusinessUnit  string   `json:"business_unit,omitempty"`
	Team          string   `json:"team,omitempty"`
}

// Bootstrapper drives the idempotent provisioning flow.
type Bootstrapper struct {
	cfg        Config
	httpClient *http.Client
}

// NewBootstrapper creates a bootstrapper for the given tenant.
func NewBootstrapper(cfg Config) *Bootstrapper {
	if cfg.Connection == "" {
		cfg.Connection = "Username-Password-Authentication"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Bootstrapper{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

const actionName = "macaw-custom-claims"

// actionCode is the post-login Action that maps app_metadata into the
// namespaced claims.
var actionCode = fmt.Sprintf(`exports.onExecutePostLogin = async (event, api) => {
  const ns = %q;
  const meta = event.user.app_metadata || {};
  const keys = ["tier", "max_tokens", "allowed_models", "organization", "business_unit", "team", "roles"];
  for (const key of keys) {
    if (meta[key] !== undefined) {
      api.idToken.setCustomClaim(ns + key, meta[key]);
      api.accessToken.setCustomClaim(ns + key, meta[key]);
    }
  }
  api.idToken.setCustomClaim(ns + "user_name", event.user.email);
  api.accessToken.setCustomClaim(ns + "user_name", event.user.email);
};`, identity.ClaimNamespace)

// Bootstrap provisions the application, API, users, and claims Action.
func (b *Bootstrapper) Bootstrap(ctx context.Context, users []User) error {
	if _, err := b.ensureApplication(ctx); err != nil {
		return err
	}
	if err := b.ensureAPI(ctx); err != nil {
		return err
	}
	if err := b.ensureAction(ctx); err != nil {
		return err
	}
	for _, user := range users {
		if err := b.ensureUser(ctx, user); err != nil {
			return err
		}
	}
	return nil
}

// ensureApplication creates the regular-web application and returns its
// client ID.
func (b *Bootstrapper) ensureApplication(ctx context.Context) (string, error) {
	status, body, err := b.do(ctx, http.MethodGet, "/api/v2/clients?fields=client_id,name&include_fields=true", nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("failed to list applications [%d]: %s", status, body)
	}

	var clients []struct {
		ClientID string `json:"client_id"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal([]byte(body), &clients); err != nil {
		return "", err
	}
	for _, c := range clients {
		if c.Name == b.cfg.AppName {
			log.Printf("Application %s already exists", b.cfg.AppName)
			return c.ClientID, nil
		}
	}

	app := map[string]interface{}{
		"name":     b.cfg.AppName,
		"app_type": "regular_web",
		"grant_types": []string{
			"authorization_code", "refresh_token", "password",
		},
	}
	status, body, err = b.do(ctx, http.MethodPost, "/api/v2/clients", app)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("failed to create application [%d]: %s", status, body)
	}

	var created struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal([]byte(body), &created); err != nil {
		return "", err
	}
	log.Printf("Created application %s", b.cfg.AppName)
	return created.ClientID, nil
}

// ensureAPI creates the resource server whose identifier is the token
// audience.
func (b *Bootstrapper) ensureAPI(ctx context.Context) error {
	status, body, err := b.do(ctx, http.MethodGet, "/api/v2/resource-servers", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to list APIs [%d]: %s", status, body)
	}

	var servers []struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal([]byte(body), &servers); err != nil {
		return err
	}
	for _, s := range servers {
		if s.Identifier == b.cfg.APIIdentifier {
			log.Printf("API %s already exists", b.cfg.APIIdentifier)
			return nil
		}
	}

	api := map[string]interface{}{
		"name":           b.cfg.AppName + "-api",
		"identifier":     b.cfg.APIIdentifier,
		"signing_alg":    "RS256",
		"token_lifetime": 86400,
	}
	status, body, err = b.do(ctx, http.MethodPost, "/api/v2/resource-servers", api)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("failed to create API [%d]: %s", status, body)
	}
	log.Printf("Created API %s", b.cfg.APIIdentifier)
	return nil
}

// ensureAction creates and deploys the post-login claims Action, binding it
// to the login flow.
func (b *Bootstrapper) ensureAction(ctx context.Context) error {
	status, body, err := b.do(ctx, http.MethodGet, "/api/v2/actions/actions?actionName="+url.QueryEscape(actionName), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to list actions [%d]: %s", status, body)
	}

	var listing struct {
		Actions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"actions"`
	}
	if err := json.Unmarshal([]byte(body), &listing); err != nil {
		return err
	}

	var actionID string
	for _, a := range listing.Actions {
		if a.Name == actionName {
			log.Printf("Action %s already exists", actionName)
			actionID = a.ID
		}
	}

	if actionID == "" {
		action := map[string]interface{}{
			"name": actionName,
			"supported_triggers": []map[string]string{
				{"id": "post-login", "version": "v3"},
			},
			"code":    actionCode,
			"runtime": "node18",
		}
		status, body, err = b.do(ctx, http.MethodPost, "/api/v2/actions/actions", action)
		if err != nil {
			return err
		}
		if status != http.StatusCreated {
			return fmt.Errorf("failed to create action [%d]: %s", status, body)
		}
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(body), &created); err != nil {
			return err
		}
		actionID = created.ID
		log.Printf("Created action %s", actionName)
	}

	status, body, err = b.do(ctx, http.MethodPost, "/api/v2/actions/actions/"+actionID+"/deploy", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("failed to deploy action [%d]: %s", status, body)
	}

	// Bind the action to the post-login trigger if not already bound.
	status, body, err = b.do(ctx, http.MethodGet, "/api/v2/actions/triggers/post-login/bindings", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to list trigger bindings [%d]: %s", status, body)
	}
	var bindings struct {
		Bindings []struct {
			Action struct {
				Name string `json:"name"`
			} `json:"action"`
		} `json:"bindings"`
	}
	if err := json.Unmarshal([]byte(body), &bindings); err != nil {
		return err
	}
	for _, bd := range bindings.Bindings {
		if bd.Action.Name == actionName {
			return nil
		}
	}

	update := map[string]interface{}{
		"bindings": []map[string]interface{}{
			{
				"ref": map[string]string{
					"type":  "action_name",
					"value": actionName,
				},
				"display_name": actionName,
			},
		},
	}
	status, body, err = b.do(ctx, http.MethodPatch, "/api/v2/actions/triggers/post-login/bindings", update)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to bind action [%d]: %s", status, body)
	}
	log.Printf("Bound action %s to post-login", actionName)
	return nil
}

func (b *Bootstrapper) ensureUser(ctx context.Context, user User) error {
	query := url.QueryEscape(fmt.Sprintf(`email:"%s"`, user.Email))
	status, body, err := b.do(ctx, http.MethodGet, "/api/v2/users?q="+query+"&search_engine=v3", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to query users [%d]: %s", status, body)
	}

	var found []struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(body), &found); err != nil {
		return err
	}
	if len(found) > 0 {
		log.Printf("User %s already exists", user.Email)
		return nil
	}

	rep := map[string]interface{}{
		"email":        user.Email,
		"password":     user.Password,
		"connection":   b.cfg.Connection,
		"app_metadata": appMetadata(user),
	}
	status, body, err = b.do(ctx, http.MethodPost, "/api/v2/users", rep)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("failed to create user %s [%d]: %s", user.Email, status, body)
	}
	log.Printf("Created user %s", user.Email)
	return nil
}

func appMetadata(user User) map[string]interface{} {
	meta := map[string]interface{}{}
	if user.Tier != "" {
		meta["tier"] = user.Tier
	}
	if user.MaxTokens > 0 {
		meta["max_tokens"] = user.MaxTokens
	}
	if len(user.AllowedModels) > 0 {
		meta["allowed_models"] = user.AllowedModels
	}
	if user.Organization != "" {
		meta["organization"] = user.Organization
	}
	if user.BusinessUnit != "" {
		meta["business_unit"] = user.BusinessUnit
	}
	if user.Team != "" {
		meta["team"] = user.Team
	}
	if len(user.Roles) > 0 {
		meta["roles"] = user.Roles
	}
	return meta
}

// do performs an authenticated Management API call.
func (b *Bootstrapper) do(ctx context.Context, method, path string, payload interface{}) (int, string, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, "", err
		}
		reqBody = bytes.NewReader(data)
	}

	base := b.cfg.Domain
	if !strings.HasPrefix(base, "http") {
		base = "https://" + base
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base, "/")+path, reqBody)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.ManagementToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("auth0 request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}
