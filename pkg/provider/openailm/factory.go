package openailm

import (
	"log/slog"

	"rhythmchamber/pkg/config"
	"rhythmchamber/pkg/provider"
)

type factory struct{}

func (f *factory) Create(cfg provider.GroupConfig, sys *config.SystemConfig) ([]provider.Adapter, error) {
	var adapters []provider.Adapter

	apiKey := ""
	if len(cfg.APIKeys) > 0 {
		apiKey = cfg.APIKeys[0]
	}

	for _, model := range cfg.Models {
		client, err := New("openai", apiKey, model, cfg.BaseURL, cfg.Options)
		if err != nil {
			slog.Error("failed to create openai client", "model", model, "error", err)
			continue
		}
		if sys != nil {
			client.SetDebug(sys.DebugChunks)
		}
		adapters = append(adapters, client)
	}
	return adapters, nil
}

func init() {
	provider.RegisterFactory("openai", &factory{})
}
