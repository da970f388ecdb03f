// Package identity handles JWT verification and the namespaced custom claims
// the identity bridge emits.
package identity

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimNamespace prefixes every custom claim the identity bridge maps from
// user metadata.
const ClaimNamespace = "https://macaw.local/"

// Claims carries the verified identity of a caller.
type Claims struct {
	Subject       string   `json:"sub"`
	UserName      string   `json:"user_name"`
	Tier          string   `json:"tier,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
	Organization  string   `json:"organization,omitempty"`
	BusinessUnit  string   `json:"business_unit,omitempty"`
	Team          string   `json:"team,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

// FromMapClaims extracts namespaced custom claims from a verified token.
// Standard claims fall back when an IdP emits them un-namespaced
// (preferred_username for the user name).
func FromMapClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{}
	c.Subject, _ = mc["sub"].(string)

	c.UserName = namespacedString(mc, "user_name")
	if c.UserName == "" {
		c.UserName, _ = mc["preferred_username"].(string)
	}
	c.Tier = namespacedString(mc, "tier")
	c.Organization = namespacedString(mc, "organization")
	c.BusinessUnit = namespacedString(mc, "business_unit")
	c.Team = namespacedString(mc, "team")
	c.MaxTokens = namespacedInt(mc, "max_tokens")
	c.AllowedModels = namespacedStrings(mc, "allowed_models")
	c.Roles = namespacedStrings(mc, "roles")
	return c
}

// AllowsModel reports whether the claims permit the model. Empty means the
// identity bridge left the model list unrestricted.
func (c *Claims) AllowsModel(model string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

func namespacedString(mc jwt.MapClaims, name string) string {
	s, _ := mc[ClaimNamespace+name].(string)
	return s
}

func namespacedInt(mc jwt.MapClaims, name string) int {
	switch v := mc[ClaimNamespace+name].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		var n int
		if err := json.Unmarshal([]byte(v), &n); err == nil {
			return n
		}
	}
	return 0
}

func namespacedStrings(mc jwt.MapClaims, name string) []string {
	raw, ok := mc[ClaimNamespace+name].([]interface{})
	if !ok {
		// Some bridges emit a single string instead of a list.
		if s := namespacedString(mc, name); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
