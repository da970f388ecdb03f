// Package keycloak provisions a Keycloak realm for the control plane: realm,
// client, realm roles, users with attributes, and the protocol mappers that
// emit the namespaced custom claims. Every step checks for the resource before
// creating it, so bootstrap can run repeatedly.
package keycloak

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

// Config holds connection settings for the Keycloak admin API.
type Config struct {
	BaseURL       string        `json:"base_url"`
	AdminUser     string        `json:"admin_user"`
	AdminPassword string        `json:"admin_password"`
	Realm         string        `json:"realm"`
	ClientID      string        `json:"client_id"`
	Timeout       time.Duration `json:"-"`
}

// User describes a user to provision. Attribute values become namespaced
// claims via the protocol mappers.
type User struct {
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	Email         string   `json:"email,omitempty"`
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
	token      string
}

// NewBootstrapper creates a bootstrapper for the given Keycloak instance.
func NewBootstrapper(cfg Config) *Bootstrapper {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Bootstrapper{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// claimAttributes lists the user attributes mapped into namespaced claims.
var claimAttributes = []string{
	"tier", "max_tokens", "allowed_models", "organization", "business_unit", "team",
}

// Bootstrap provisions the realm, client, roles, users, and claim mappers.
func (b *Bootstrapper) Bootstrap(ctx context.Context, roles []string, users []User) error {
	if err := b.login(ctx); err != nil {
		return err
	}
	if err := b.ensureRealm(ctx); err != nil {
		return err
	}
	clientUUID, err := b.ensureClient(ctx)
	if err != nil {
		return err
	}
	if err := b.ensureClaimMappers(ctx, clientUUID); err != nil {
		return err
	}
	for _, role := range roles {
		if err := b.ensureRole(ctx, role); err != nil {
			return err
		}
	}
	for _, user := range users {
		if err := b.ensureUser(ctx, user); err != nil {
			return err
		}
	}
	return nil
}

// login obtains an admin token via the master realm's admin-cli client.
func (b *Bootstrapper) login(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {"admin-cli"},
		"username":   {b.cfg.AdminUser},
		"password":   {b.cfg.AdminPassword},
	}
	endpoint := strings.TrimSuffix(b.cfg.BaseURL, "/") + "/realms/master/protocol/openid-connect/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach keycloak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin login failed [%d]: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("failed to decode admin token: %w", err)
	}
	b.token = tok.AccessToken
	return nil
}

func (b *Bootstrapper) ensureRealm(ctx context.Context) error {
	status, _, err := b.do(ctx, http.MethodGet, "/admin/realms/"+b.cfg.Realm, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		log.Printf("Realm %s already exists", b.cfg.Realm)
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("unexpected status %d checking realm", status)
	}

	realm := map[string]interface{}{
		"realm":   b.cfg.Realm,
		"enabled": true,
	}
	status, body, err := b.do(ctx, http.MethodPost, "/admin/realms", realm)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("failed to create realm [%d]: %s", status, body)
	}
	log.Printf("Created realm %s", b.cfg.Realm)
	return nil
}

// ensureClient creates the public client and returns its internal UUID.
func (b *Bootstrapper) ensureClient(ctx context.Context) (string, error) {
	path := fmt.Sprintf("/admin/realms/%s/clients?clientId=%s", b.cfg.Realm, url.QueryEscape(b.cfg.ClientID))
	status, body, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("failed to query clients [%d]: %s", status, body)
	}

	var clients []struct {
		ID       string `json:"id"`
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal([]byte(body), &clients); err != nil {
		return "", err
	}
	if len(clients) > 0 {
		log.Printf("Client %s already exists", b.cfg.ClientID)
		return clients[0].ID, nil
	}

	client := map[string]interface{}{
		"clientId":                  b.cfg.ClientID,
		"enabled":                   true,
		"publicClient":              true,
		"directAccessGrantsEnabled": true,
		"standardFlowEnabled":       true,
	}
	status, body, err = b.do(ctx, http.MethodPost, "/admin/realms/"+b.cfg.Realm+"/clients", client)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("failed to create client [%d]: %s", status, body)
	}
	log.Printf("Created client %s", b.cfg.ClientID)

	// Re-query for the generated UUID.
	status, body, err = b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal([]byte(body), &clients); err != nil || len(clients) == 0 {
		return "", fmt.Errorf("client %s not found after creation", b.cfg.ClientID)
	}
	return clients[0].ID, nil
}

// ensureClaimMappers attaches a user-attribute protocol mapper per claim.
func (b *Bootstrapper) ensureClaimMappers(ctx context.Context, clientUUID string) error {
	path := fmt.Sprintf("/admin/realms/%s/clients/%s/protocol-mappers/models", b.cfg.Realm, clientUUID)
	status, body, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to query protocol mappers [%d]: %s", status, body)
	}

	var existing []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(body), &existing); err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, m := range existing {
		present[m.Name] = true
	}

	for _, attr := range claimAttributes {
		name := "macaw-" + attr
		if present[name] {
			continue
		}
		multivalued := "false"
		if attr == "allowed_models" {
			multivalued = "true"
		}
		mapper := map[string]interface{}{
			"name":           name,
			"protocol":       "openid-connect",
			"protocolMapper": "oidc-usermodel-attribute-mapper",
			"config": map[string]string{
				"user.attribute":       attr,
				"claim.name":           strings.ReplaceAll(identity.ClaimNamespace+attr, ".", "\\."),
				"jsonType.label":       "String",
				"multivalued":          multivalued,
				"id.token.claim":       "true",
				"access.token.claim":   "true",
				"userinfo.token.claim": "true",
			},
		}
		status, body, err := b.do(ctx, http.MethodPost, path, mapper)
		if err != nil {
			return err
		}
		if status != http.StatusCreated {
			return fmt.Errorf("failed to create mapper %s [%d]: %s", name, status, body)
		}
		log.Printf("Created protocol mapper %s", name)
	}
	return nil
}

func (b *Bootstrapper) ensureRole(ctx context.Context, role string) error {
	path := fmt.Sprintf("/admin/realms/%s/roles/%s", b.cfg.Realm, url.PathEscape(role))
	status, _, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("unexpected status %d checking role %s", status, role)
	}

	body := map[string]string{"name": role}
	status, respBody, err := b.do(ctx, http.MethodPost, "/admin/realms/"+b.cfg.Realm+"/roles", body)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("failed to create role %s [%d]: %s", role, status, respBody)
	}
	log.Printf("Created role %s", role)
	return nil
}

func (b *Bootstrapper) ensureUser(ctx context.Context, user User) error {
	path := fmt.Sprintf("/admin/realms/%s/users?username=%s&exact=true", b.cfg.Realm, url.QueryEscape(user.Username))
	status, body, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to query users [%d]: %s", status, body)
	}

	var found []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &found); err != nil {
		return err
	}

	var userID string
	if len(found) > 0 {
		log.Printf("User %s already exists", user.Username)
		userID = found[0].ID
	} else {
		rep := map[string]interface{}{
			"username":   user.Username,
			"email":      user.Email,
			"enabled":    true,
			"attributes": userAttributes(user),
			"credentials": []map[string]interface{}{
				{"type": "password", "value": user.Password, "temporary": false},
			},
		}
		status, respBody, err := b.do(ctx, http.MethodPost, "/admin/realms/"+b.cfg.Realm+"/users", rep)
		if err != nil {
			return err
		}
		if status != http.StatusCreated {
			return fmt.Errorf("failed to create user %s [%d]: %s", user.Username, status, respBody)
		}
		log.Printf("Created user %s", user.Username)

		status, body, err = b.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(body), &found); err != nil || len(found) == 0 {
			return fmt.Errorf("user %s not found after creation", user.Username)
		}
		userID = found[0].ID
	}

	return b.assignRoles(ctx, userID, user.Roles)
}

func userAttributes(user User) map[string][]string {
	attrs := map[string][]string{}
	if user.Tier != "" {
		attrs["tier"] = []string{user.Tier}
	}
	if user.MaxTokens > 0 {
		attrs["max_tokens"] = []string{fmt.Sprintf("%d", user.MaxTokens)}
	}
	if len(user.AllowedModels) > 0 {
		attrs["allowed_models"] = user.AllowedModels
	}
	if user.Organization != "" {
		attrs["organization"] = []string{user.Organization}
	}
	if user.BusinessUnit != "" {
		attrs["business_unit"] = []string{user.BusinessUnit}
	}
	if user.Team != "" {
		attrs["team"] = []string{user.Team}
	}
	return attrs
}

func (b *Bootstrapper) assignRoles(ctx context.Context, userID string, roles []string) error {
	if len(roles) == 0 {
		return nil
	}

	var reps []map[string]interface{}
	for _, role := range roles {
		path := fmt.Sprintf("/admin/realms/%s/roles/%s", b.cfg.Realm, url.PathEscape(role))
		status, body, err := b.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("role %s not found for assignment [%d]", role, status)
		}
		var rep map[string]interface{}
		if err := json.Unmarshal([]byte(body), &rep); err != nil {
			return err
		}
		reps = append(reps, rep)
	}

	path := fmt.Sprintf("/admin/realms/%s/users/%s/role-mappings/realm", b.cfg.Realm, userID)
	status, body, err := b.do(ctx, http.MethodPost, path, reps)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("failed to assign roles [%d]: %s", status, body)
	}
	return nil
}

// do performs an authenticated admin API call and returns status and body.
func (b *Bootstrapper) do(ctx context.Context, method, path string, payload interface{}) (int, string, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, "", err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(b.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("keycloak request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}
