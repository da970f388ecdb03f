package policy

import (
	"os"
	"path/filepath"
	"testing"
)

const testHierarchy = `{
  "name": "acme",
  "resources": ["tool:*"],
  "allowed_models": ["gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet"],
  "max_tokens": 8192,
  "business_units": {
    "trading": {
      "name": "trading",
      "resources": ["tool:trading/*", "tool:reports/*"],
      "allowed_models": ["gpt-4o", "gpt-4o-mini"],
      "teams": {
        "derivatives": {
          "name": "derivatives",
          "resources": ["tool:trading/*"],
          "max_tokens": 4096,
          "users": {
            "alice": {
              "name": "alice",
              "allowed_models": ["gpt-4o-mini"]
            }
          }
        }
      }
    }
  }
}`

func writeTestHierarchy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hierarchy.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write hierarchy file: %v", err)
	}
	return path
}

func TestEffectiveNarrowsDownThePath(t *testing.T) {
	h, err := LoadHierarchy(writeTestHierarchy(t, testHierarchy))
	if err != nil {
		t.Fatalf("LoadHierarchy failed: %v", err)
	}

	eff := h.Effective("trading", "derivatives", "alice")

	if !eff.AllowsResource("tool:trading/execute_trade") {
		t.Fatalf("expected trading tool allowed")
	}
	if eff.AllowsResource("tool:reports/daily") {
		t.Fatalf("team level must narrow away reports tools")
	}
	if eff.MaxTokens != 4096 {
		t.Fatalf("expected max_tokens 4096, got %d", eff.MaxTokens)
	}
	if !eff.AllowsModel("gpt-4o-mini") {
		t.Fatalf("expected gpt-4o-mini allowed")
	}
	if eff.AllowsModel("gpt-4o") {
		t.Fatalf("user level must narrow away gpt-4o")
	}
	if eff.AllowsModel("claude-3-5-sonnet") {
		t.Fatalf("business unit level must narrow away claude")
	}
}

func TestEffectiveSkipsMissingLevels(t *testing.T) {
	h, err := LoadHierarchy(writeTestHierarchy(t, testHierarchy))
	if err != nil {
		t.Fatalf("LoadHierarchy failed: %v", err)
	}

	// A user outside any business unit gets the company policy.
	eff := h.Effective("", "", "bob")
	if !eff.AllowsResource("tool:reports/daily") {
		t.Fatalf("expected company-level resources for unscoped user")
	}
	if eff.MaxTokens != 8192 {
		t.Fatalf("expected company max_tokens, got %d", eff.MaxTokens)
	}

	// A business-unit user outside any team inherits the unit policy.
	eff = h.Effective("trading", "", "bob")
	if !eff.AllowsResource("tool:reports/daily") {
		t.Fatalf("expected unit-level resources")
	}
	if eff.AllowsModel("claude-3-5-sonnet") {
		t.Fatalf("unit level must narrow the model list")
	}
}

func TestChildCannotWidenParent(t *testing.T) {
	doc := `{
  "name": "acme",
  "resources": ["tool:reports/*"],
  "business_units": {
    "rogue": {
      "name": "rogue",
      "resources": ["tool:reports/daily", "tool:system/shell"]
    }
  }
}`
	h, err := LoadHierarchy(writeTestHierarchy(t, doc))
	if err != nil {
		t.Fatalf("LoadHierarchy failed: %v", err)
	}

	eff := h.Effective("rogue", "", "")
	if !eff.AllowsResource("tool:reports/daily") {
		t.Fatalf("expected permitted child entry kept")
	}
	if eff.AllowsResource("tool:system/shell") {
		t.Fatalf("child must not grant beyond the parent")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeTestHierarchy(t, testHierarchy)
	h, err := LoadHierarchy(path)
	if err != nil {
		t.Fatalf("LoadHierarchy failed: %v", err)
	}

	updated := `{"name": "acme", "resources": ["tool:reports/*"]}`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("failed to rewrite hierarchy: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	eff := h.Effective("", "", "")
	if eff.AllowsResource("tool:trading/execute_trade") {
		t.Fatalf("expected reloaded policy to drop trading tools")
	}
}

func TestLoadHierarchyMissingFile(t *testing.T) {
	if _, err := LoadHierarchy(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
