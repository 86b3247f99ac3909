package provider

import (
	"rhythmchamber/pkg/config"
)

// GroupConfig defines a cluster of models from one provider type, ported
// from win30221-genesis's pkg/llm/registry.go ProviderGroupConfig.
type GroupConfig struct {
	Type    string         `json:"type"`
	APIKeys []string       `json:"api_keys,omitempty"`
	Models  []string       `json:"models"`
	BaseURL string         `json:"base_url,omitempty"`
	Options map[string]any `json:"options,omitempty"`

	// UseThoughtSignature enables Gemini's reasoning-token round-trip.
	UseThoughtSignature bool `json:"use_thought_signature,omitempty"`
}

// Factory instantiates one or more Adapters from a GroupConfig. Each
// provider package (gemini, ollama, openailm, compatible) registers its
// own Factory via init().
type Factory interface {
	Create(group GroupConfig, system *config.SystemConfig) ([]Adapter, error)
}

var factoryRegistry = make(map[string]Factory)

// RegisterFactory adds a Factory to the global registry, called from each
// provider package's init().
func RegisterFactory(providerType string, factory Factory) {
	factoryRegistry[providerType] = factory
}

// GetFactory returns a registered Factory by provider type.
func GetFactory(providerType string) (Factory, bool) {
	f, ok := factoryRegistry[providerType]
	return f, ok
}
