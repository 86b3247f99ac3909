package provider

import (
	"fmt"
	"log/slog"
	"time"

	"rhythmchamber/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

func durationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// NewRouterFromConfig is the universal entry point for building a Router
// from raw JSON configuration, generalized from win30221-genesis's
// pkg/llm/loader.go NewFromConfig: unmarshal groups, resolve each group's
// Factory, instantiate adapters, and assemble them into a single ordered
// fallback chain behind one Router.
func NewRouterFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig, health *HealthAuthority) (*Router, error) {
	if rawLLM == nil {
		return nil, fmt.Errorf("provider: missing 'llm' config")
	}

	var groups []GroupConfig
	if err := jsoniter.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("provider: failed to parse 'llm' config: %w", err)
	}

	var allAdapters []Adapter
	for _, group := range groups {
		slog.Info("loading provider group", "type", group.Type, "models", len(group.Models))

		factory, ok := GetFactory(group.Type)
		if !ok {
			slog.Warn("unknown provider type", "type", group.Type)
			continue
		}

		adapters, err := factory.Create(group, system)
		if err != nil {
			slog.Error("failed to create adapters", "type", group.Type, "error", err)
			continue
		}
		allAdapters = append(allAdapters, adapters...)
	}

	if len(allAdapters) == 0 {
		return nil, fmt.Errorf("provider: no adapters could be initialized")
	}

	slog.Info("total adapters initialized", "count", len(allAdapters))

	cfg := RouterConfig{
		MaxRetries:     system.MaxRetries,
		RetryBaseDelay: durationMs(system.RetryDelayMs),
	}
	return NewRouter(allAdapters, health, cfg, slog.Default()), nil
}
