package provider

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Settings carries the bridge endpoints the catalog factories need.
type Settings struct {
	CopilotBridgeBaseURL string
	CopilotBridgeToken   string
	BridgeTimeout        time.Duration
}

type factory func(settings Settings, tokenOverride string) Adapter

// The factory table is the single place to touch when adding a provider.
var factories = map[string]factory{
	"github-copilot-sdk": func(settings Settings, tokenOverride string) Adapter {
		token := settings.CopilotBridgeToken
		if tokenOverride != "" {
			token = tokenOverride
		}
		return NewHTTPBridgeAdapter(
			"github-copilot-sdk",
			settings.CopilotBridgeBaseURL,
			token,
			settings.BridgeTimeout,
			"GitHub Copilot SDK",
		)
	},
}

func KnownProviderNames() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateEnabled checks the operator-supplied enabled set against the
// catalog. An unknown name is a startup error, not a runtime fallback.
func ValidateEnabled(names []string, fallbackDefault string) ([]string, error) {
	resolved := names
	if len(resolved) == 0 {
		resolved = []string{fallbackDefault}
	}

	unknown := []string{}
	for _, name := range resolved {
		if _, ok := factories[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown providers configured: %s (known: %s)",
			strings.Join(unknown, ", "), strings.Join(KnownProviderNames(), ", "))
	}
	return resolved, nil
}

// ChooseDefaultProvider prefers the requested provider when it is enabled
// and otherwise falls back to the first enabled one.
func ChooseDefaultProvider(preferred string, enabled []string) string {
	for _, name := range enabled {
		if name == preferred {
			return preferred
		}
	}
	return enabled[0]
}

// BuildAdapters instantiates one adapter per enabled provider.
func BuildAdapters(settings Settings, enabled []string, copilotTokenOverride string) []Adapter {
	adapters := make([]Adapter, 0, len(enabled))
	for _, name := range enabled {
		if build, ok := factories[name]; ok {
			adapters = append(adapters, build(settings, copilotTokenOverride))
		}
	}
	return adapters
}
