package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/macawsecurity/secureAI/domain"
)

// Hierarchy resolves effective policies from the company -> business-unit ->
// team -> user policy tree. Lower levels only narrow what the level above
// grants; they can never widen it.
type Hierarchy struct {
	mu   sync.RWMutex
	root domain.HierarchyPolicy
	path string
}

// LoadHierarchy reads the policy tree from a JSON document.
func LoadHierarchy(path string) (*Hierarchy, error) {
	h := &Hierarchy{path: path}
	if err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// Reload re-reads the policy document from disk.
func (h *Hierarchy) Reload() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("failed to read policy hierarchy: %w", err)
	}

	var root domain.HierarchyPolicy
	if err := json.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse policy hierarchy: %w", err)
	}

	h.mu.Lock()
	h.root = root
	h.mu.Unlock()
	return nil
}

// Effective resolves the policy for a user path. Missing levels are skipped:
// a user outside any team inherits the business-unit policy directly.
func (h *Hierarchy) Effective(businessUnit, team, user string) domain.EffectivePolicy {
	h.mu.RLock()
	defer h.mu.RUnlock()

	eff := domain.EffectivePolicy{
		Resources:     h.root.Resources,
		AllowedModels: h.root.AllowedModels,
		MaxTokens:     h.root.MaxTokens,
	}

	level := h.root
	if bu, ok := level.BusinessUnits[businessUnit]; ok {
		eff = restrict(eff, bu)
		level = bu
	}
	if t, ok := level.Teams[team]; ok {
		eff = restrict(eff, t)
		level = t
	}
	if u, ok := level.Users[user]; ok {
		eff = restrict(eff, u)
	}
	return eff
}

// restrict applies one hierarchy level on top of the accumulated policy.
// Empty fields at a level mean "inherit", not "unrestricted".
func restrict(eff domain.EffectivePolicy, level domain.HierarchyPolicy) domain.EffectivePolicy {
	if len(level.Resources) > 0 {
		eff.Resources = intersectPatterns(eff.Resources, level.Resources)
	}
	if len(level.AllowedModels) > 0 {
		eff.AllowedModels = intersectPatterns(eff.AllowedModels, level.AllowedModels)
	}
	if level.MaxTokens > 0 && (eff.MaxTokens == 0 || level.MaxTokens < eff.MaxTokens) {
		eff.MaxTokens = level.MaxTokens
	}
	return eff
}

// intersectPatterns keeps the child entries the parent already permits. The
// parent side may use trailing-star patterns; an empty parent permits all.
func intersectPatterns(parent, child []string) []string {
	if len(parent) == 0 {
		return append([]string(nil), child...)
	}
	var out []string
	for _, c := range child {
		if matchesAny(parent, c) {
			out = append(out, c)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name || p == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
