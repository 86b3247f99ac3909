package ollama

import (
	"log/slog"

	"rhythmchamber/pkg/config"
	"rhythmchamber/pkg/provider"
)

type factory struct{}

func (f *factory) Create(cfg provider.GroupConfig, sys *config.SystemConfig) ([]provider.Adapter, error) {
	var adapters []provider.Adapter
	baseURL := cfg.BaseURL
	if baseURL == "" && sys != nil {
		baseURL = sys.OllamaDefaultURL
	}
	for _, model := range cfg.Models {
		client, err := New(model, baseURL, cfg.Options)
		if err != nil {
			slog.Error("failed to create ollama client", "model", model, "error", err)
			continue
		}
		adapters = append(adapters, client)
	}
	return adapters, nil
}

func init() {
	provider.RegisterFactory("ollama", &factory{})
}
