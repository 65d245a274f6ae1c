package policy

import (
	"strings"

	"github.com/sleepysoong/codial/internal/apperr"
)

// Constraints are provider/model allow and deny lists parsed from the
// merged rules text.
type Constraints struct {
	AllowProviders map[string]bool
	DenyProviders  map[string]bool
	AllowModels    map[string]bool
	DenyModels     map[string]bool
}

// ParseConstraints scans rules text for allow_providers / deny_providers /
// allow_models / deny_models lines (comma separated values, optional list
// bullet). Unknown lines are ignored.
func ParseConstraints(rulesText string) Constraints {
	constraints := Constraints{
		AllowProviders: map[string]bool{},
		DenyProviders:  map[string]bool{},
		AllowModels:    map[string]bool{},
		DenyModels:     map[string]bool{},
	}

	for _, raw := range strings.Split(rulesText, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "-"))

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))

		var target map[string]bool
		switch key {
		case "allow_providers":
			target = constraints.AllowProviders
		case "deny_providers":
			target = constraints.DenyProviders
		case "allow_models":
			target = constraints.AllowModels
		case "deny_models":
			target = constraints.DenyModels
		default:
			continue
		}
		for _, part := range strings.Split(value, ",") {
			if item := strings.TrimSpace(part); item != "" {
				target[item] = true
			}
		}
	}
	return constraints
}

// Enforce rejects a provider/model pair the rules deny. Violations are not
// retryable.
func (c Constraints) Enforce(provider, model string) error {
	if len(c.AllowProviders) > 0 && !c.AllowProviders[provider] {
		return apperr.Newf(apperr.CodePolicyViolation, false,
			"provider %q is not allowed by the workspace rules", provider)
	}
	if c.DenyProviders[provider] {
		return apperr.Newf(apperr.CodePolicyViolation, false,
			"provider %q is denied by the workspace rules", provider)
	}
	if len(c.AllowModels) > 0 && !c.AllowModels[model] {
		return apperr.Newf(apperr.CodePolicyViolation, false,
			"model %q is not allowed by the workspace rules", model)
	}
	if c.DenyModels[model] {
		return apperr.Newf(apperr.CodePolicyViolation, false,
			"model %q is denied by the workspace rules", model)
	}
	return nil
}
