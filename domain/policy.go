package domain

import (
	"fmt"
	"strings"
)

// IntentPolicy declares what an agent intends to access and under which
// attestation rules. The wire form matches the documented policy payloads:
//
//	{
//	  "resources": ["tool:trading/execute_trade"],
//	  "attestations": ["trade-approved::{params.amount > 10000}"],
//	  "constraints": {
//	    "attestations": {
//	      "trade-approved": {
//	        "approval_criteria": "role:manager",
//	        "timeout": 300,
//	        "time_to_live": 3600,
//	        "one_time": true
//	      }
//	    }
//	  }
//	}
type IntentPolicy struct {
	Resources    []string          `json:"resources,omitempty"`
	Attestations []string          `json:"attestations,omitempty"`
	Constraints  PolicyConstraints `json:"constraints,omitempty"`
}

// PolicyConstraints holds auxiliary policy metadata.
type PolicyConstraints struct {
	Attestations map[string]AttestationRule `json:"attestations,omitempty"`
	Roles        []string                   `json:"roles,omitempty"`
}

// AttestationRule defines how a named attestation behaves once required.
type AttestationRule struct {
	ApprovalCriteria string `json:"approval_criteria"`
	TimeoutS         int    `json:"timeout"`
	TimeToLiveS      int    `json:"time_to_live"`
	OneTime          bool   `json:"one_time"`
}

// AttestationCondition is a parsed entry from IntentPolicy.Attestations.
// The entry "key::{expr}" requires attestation "key" whenever expr holds for
// the invocation parameters; a bare "key" requires it unconditionally.
type AttestationCondition struct {
	Key       string
	Condition string // empty means always required
}

// ParseAttestationEntry splits a "key::{expr}" declaration.
func ParseAttestationEntry(entry string) (AttestationCondition, error) {
	key, expr, found := strings.Cut(entry, "::")
	key = strings.TrimSpace(key)
	if key == "" {
		return AttestationCondition{}, fmt.Errorf("attestation entry %q has empty key", entry)
	}
	if !found {
		return AttestationCondition{Key: key}, nil
	}
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "{") || !strings.HasSuffix(expr, "}") {
		return AttestationCondition{}, fmt.Errorf("attestation entry %q: condition must be wrapped in braces", entry)
	}
	expr = strings.TrimSpace(expr[1 : len(expr)-1])
	if expr == "" {
		return AttestationCondition{Key: key}, nil
	}
	return AttestationCondition{Key: key, Condition: expr}, nil
}

// AllowsResource reports whether the policy's resource list covers name.
// A trailing "*" segment matches any suffix, e.g. "attestation:*".
func (p *IntentPolicy) AllowsResource(name string) bool {
	return matchesPattern(p.Resources, name)
}

// HierarchyPolicy is one level of the company -> business-unit -> team -> user
// policy tree. Child levels may only narrow what the parent grants.
type HierarchyPolicy struct {
	Name          string                     `json:"name"`
	Resources     []string                   `json:"resources,omitempty"`
	AllowedModels []string                   `json:"allowed_models,omitempty"`
	MaxTokens     int                        `json:"max_tokens,omitempty"`
	BusinessUnits map[string]HierarchyPolicy `json:"business_units,omitempty"`
	Teams         map[string]HierarchyPolicy `json:"teams,omitempty"`
	Users         map[string]HierarchyPolicy `json:"users,omitempty"`
}

// EffectivePolicy is the monotonically restrictive merge of a hierarchy path.
type EffectivePolicy struct {
	Resources     []string `json:"resources"`
	AllowedModels []string `json:"allowed_models"`
	MaxTokens     int      `json:"max_tokens"`
}

// AllowsResource reports whether the effective policy covers the resource.
// An empty resource list means the hierarchy does not restrict tools.
func (p *EffectivePolicy) AllowsResource(name string) bool {
	if len(p.Resources) == 0 {
		return true
	}
	return matchesPattern(p.Resources, name)
}

// AllowsModel reports whether the effective policy permits the model.
func (p *EffectivePolicy) AllowsModel(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	return matchesPattern(p.AllowedModels, model)
}

func matchesPattern(patterns []string, name string) bool {
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
