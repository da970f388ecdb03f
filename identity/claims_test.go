package identity

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestFromMapClaims(t *testing.T) {
	mc := jwt.MapClaims{
		"sub":                             "auth0|abc123",
		ClaimNamespace + "user_name":      "alice",
		ClaimNamespace + "tier":           "premium",
		ClaimNamespace + "max_tokens":     float64(4096),
		ClaimNamespace + "allowed_models": []interface{}{"gpt-4o", "gpt-4o-mini"},
		ClaimNamespace + "organization":   "acme",
		ClaimNamespace + "business_unit":  "trading",
		ClaimNamespace + "team":           "derivatives",
		ClaimNamespace + "roles":          []interface{}{"manager"},
	}

	c := FromMapClaims(mc)
	if c.Subject != "auth0|abc123" {
		t.Fatalf("unexpected subject: %s", c.Subject)
	}
	if c.UserName != "alice" {
		t.Fatalf("unexpected user_name: %s", c.UserName)
	}
	if c.Tier != "premium" || c.MaxTokens != 4096 {
		t.Fatalf("unexpected tier/max_tokens: %s/%d", c.Tier, c.MaxTokens)
	}
	if len(c.AllowedModels) != 2 {
		t.Fatalf("unexpected allowed_models: %v", c.AllowedModels)
	}
	if c.BusinessUnit != "trading" || c.Team != "derivatives" {
		t.Fatalf("unexpected hierarchy path: %s/%s", c.BusinessUnit, c.Team)
	}
	if len(c.Roles) != 1 || c.Roles[0] != "manager" {
		t.Fatalf("unexpected roles: %v", c.Roles)
	}
}

func TestFromMapClaimsFallbacks(t *testing.T) {
	// Keycloak emits preferred_username rather than a namespaced user_name
	// unless a mapper is installed.
	mc := jwt.MapClaims{
		"sub":                "kc|u1",
		"preferred_username": "bob",
		// String-serialized number attributes still parse.
		ClaimNamespace + "max_tokens": "2048",
		// Single-string form of a list claim.
		ClaimNamespace + "allowed_models": "gpt-4o-mini",
	}

	c := FromMapClaims(mc)
	if c.UserName != "bob" {
		t.Fatalf("expected preferred_username fallback, got %q", c.UserName)
	}
	if c.MaxTokens != 2048 {
		t.Fatalf("expected max_tokens 2048, got %d", c.MaxTokens)
	}
	if len(c.AllowedModels) != 1 || c.AllowedModels[0] != "gpt-4o-mini" {
		t.Fatalf("unexpected allowed_models: %v", c.AllowedModels)
	}
}

func TestClaimsAllowsModel(t *testing.T) {
	c := &Claims{AllowedModels: []string{"gpt-4o-mini"}}
	if !c.AllowsModel("gpt-4o-mini") {
		t.Fatalf("expected listed model allowed")
	}
	if c.AllowsModel("gpt-4o") {
		t.Fatalf("expected unlisted model rejected")
	}

	unrestricted := &Claims{}
	if !unrestricted.AllowsModel("anything") {
		t.Fatalf("empty list must be unrestricted")
	}
}
