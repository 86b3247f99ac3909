package gemini

import (
	"log/slog"

	"rhythmchamber/pkg/config"
	"rhythmchamber/pkg/provider"
)

// factory handles creation of Gemini adapters.
type factory struct{}

// Create implements provider.Factory. Like the teacher, it takes the
// cartesian product of models x keys, prioritizing models in iteration
// order so the first configured model is preferred by the Router.
func (f *factory) Create(cfg provider.GroupConfig, sys *config.SystemConfig) ([]provider.Adapter, error) {
	var adapters []provider.Adapter
	for _, model := range cfg.Models {
		for _, key := range cfg.APIKeys {
			client, err := New(key, model, cfg.UseThoughtSignature, cfg.Options, sys)
			if err != nil {
				slog.Error("failed to create gemini client", "model", model, "error", err)
				continue
			}
			adapters = append(adapters, client)
		}
	}
	return adapters, nil
}

func init() {
	provider.RegisterFactory("gemini", &factory{})
}
