package compatible

import (
	"log/slog"
	"net/url"
	"strings"

	"rhythmchamber/pkg/config"
	"rhythmchamber/pkg/provider"
)

type factory struct{}

// Create builds one compatible adapter per configured model. The adapter
// is treated as local-only (SSRF guard enforced) whenever BaseURL points
// at a loopback host, mirroring how spec.md §4.8 scopes the guard to
// "localhost-only adapters" rather than every compatible endpoint.
func (f *factory) Create(cfg provider.GroupConfig, sys *config.SystemConfig) ([]provider.Adapter, error) {
	var adapters []provider.Adapter

	apiKey := ""
	if len(cfg.APIKeys) > 0 {
		apiKey = cfg.APIKeys[0]
	}
	localOnly := isLoopbackURL(cfg.BaseURL)

	for _, model := range cfg.Models {
		client, err := New("compatible", cfg.BaseURL, apiKey, model, localOnly)
		if err != nil {
			slog.Error("failed to create compatible client", "model", model, "error", err)
			continue
		}
		adapters = append(adapters, client)
	}
	return adapters, nil
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1"
}

func init() {
	provider.RegisterFactory("compatible", &factory{})
}
